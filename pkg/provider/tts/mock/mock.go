// Package mock provides a test double for the tts.Engine interface.
//
// The mock synthesises deterministic audio (a fixed number of samples per
// input rune) so tests can assert on chunk counts without a live server.
package mock

import (
	"context"
	"sync"

	"github.com/palaver-dev/palaver/pkg/provider/tts"
)

// Engine is a mock implementation of tts.Engine.
type Engine struct {
	mu sync.Mutex

	// SampleRate is the rate reported on synthesised audio. Default: 16000.
	SampleRate int

	// SamplesPerRune controls how many samples each input rune produces.
	// Default: 160 (10ms at 16kHz).
	SamplesPerRune int

	// Err, if non-nil, is returned from Synthesize.
	Err error

	// SynthesizeFunc, if non-nil, overrides the default behaviour entirely.
	SynthesizeFunc func(ctx context.Context, text string) (tts.Audio, error)

	// Texts records every text passed to Synthesize in order.
	Texts []string
}

var _ tts.Engine = (*Engine)(nil)

// Synthesize records the call and returns deterministic non-silent PCM.
func (e *Engine) Synthesize(ctx context.Context, text string) (tts.Audio, error) {
	e.mu.Lock()
	e.Texts = append(e.Texts, text)
	fn := e.SynthesizeFunc
	err := e.Err
	rate := e.SampleRate
	perRune := e.SamplesPerRune
	e.mu.Unlock()

	if fn != nil {
		return fn(ctx, text)
	}
	if err != nil {
		return tts.Audio{}, err
	}
	if rate == 0 {
		rate = 16000
	}
	if perRune == 0 {
		perRune = 160
	}

	n := len([]rune(text)) * perRune
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		// Small sawtooth so the output is distinguishable from silence.
		s := int16((i % 64) * 100)
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return tts.Audio{PCM: pcm, SampleRate: rate}, nil
}

// Synthesized returns a copy of the recorded texts.
func (e *Engine) Synthesized() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.Texts))
	copy(out, e.Texts)
	return out
}
