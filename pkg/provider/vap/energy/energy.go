// Package energy provides a heuristic vap.Model built on relative channel
// energy. It needs no trained weights or external runtime: the probability
// that the system takes the floor rises while the user channel falls silent
// and decays while the user is speaking.
//
// It is a stand-in for a trained voice-activity-projection model with the
// same interface, good enough for end-to-end testing and demo deployments.
package energy

import (
	"context"
	"sync"

	"github.com/palaver-dev/palaver/pkg/audio"
	"github.com/palaver-dev/palaver/pkg/provider/vap"
)

// speechFloorDB is the log-power level above which a channel counts as
// active speech.
const speechFloorDB = -40.0

// Option is a functional option for the Model.
type Option func(*Model)

// WithWindow sets how many trailing samples of each channel are evaluated.
// Default: 4000 (250ms at 16kHz).
func WithWindow(samples int) Option {
	return func(m *Model) { m.window = samples }
}

// WithSmoothing sets the exponential smoothing coefficient in (0, 1];
// 1 disables smoothing. Default: 0.3.
func WithSmoothing(alpha float64) Option {
	return func(m *Model) { m.alpha = alpha }
}

// Model implements vap.Model from channel energies. Create one per audio
// stream; the smoothed state is stream-specific.
type Model struct {
	window int
	alpha  float64

	mu   sync.Mutex
	pNow float64
	pFut float64
	init bool
}

var _ vap.Model = (*Model)(nil)

// New creates an energy Model with default parameters.
func New(opts ...Option) *Model {
	m := &Model{window: 4000, alpha: 0.3}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Probs implements vap.Model.
func (m *Model) Probs(ctx context.Context, user, system []float32) (vap.Frame, error) {
	if err := ctx.Err(); err != nil {
		return vap.Frame{}, err
	}

	userActive := audio.Power(tail(user, m.window)) > speechFloorDB
	systemActive := audio.Power(tail(system, m.window)) > speechFloorDB

	// Raw estimate before smoothing. The longer horizon leans further
	// toward a floor change than the immediate one.
	var rawNow, rawFut float64
	switch {
	case userActive && !systemActive:
		rawNow, rawFut = 0.1, 0.3
	case !userActive && systemActive:
		rawNow, rawFut = 0.9, 0.7
	case userActive && systemActive:
		// Overlap: slight bias toward yielding to the user.
		rawNow, rawFut = 0.4, 0.4
	default:
		// Mutual silence reads as an invitation for the system to speak.
		rawNow, rawFut = 0.7, 0.8
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.init {
		m.pNow, m.pFut = rawNow, rawFut
		m.init = true
	} else {
		m.pNow += m.alpha * (rawNow - m.pNow)
		m.pFut += m.alpha * (rawFut - m.pFut)
	}
	return vap.Frame{PNow: m.pNow, PFuture: m.pFut}, nil
}

func tail(samples []float32, n int) []float32 {
	if len(samples) <= n {
		return samples
	}
	return samples[len(samples)-n:]
}
