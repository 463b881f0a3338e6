// Package mock provides a test double for the vap.Model interface.
package mock

import (
	"context"
	"sync"

	"github.com/palaver-dev/palaver/pkg/provider/vap"
)

// Model is a mock implementation of vap.Model. It returns the configured
// frames in order, repeating the last one when the script runs out.
type Model struct {
	mu sync.Mutex

	// Frames is the scripted sequence of predictions.
	Frames []vap.Frame

	// Err, if non-nil, is returned from every Probs call.
	Err error

	// Calls counts Probs invocations.
	Calls int
}

var _ vap.Model = (*Model)(nil)

// Probs returns the next scripted frame.
func (m *Model) Probs(ctx context.Context, user, system []float32) (vap.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return vap.Frame{}, m.Err
	}
	if len(m.Frames) == 0 {
		return vap.Frame{}, nil
	}
	idx := m.Calls - 1
	if idx >= len(m.Frames) {
		idx = len(m.Frames) - 1
	}
	return m.Frames[idx], nil
}
