// Package tts defines the Engine interface for Text-to-Speech backends.
//
// A TTS engine wraps a synthesis service (e.g., a local Coqui TTS server)
// behind a uniform batch interface: one call synthesises one phrase. Pacing,
// resampling and chunking of the result are the output pipeline's concern,
// not the engine's.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Audio is the result of one synthesis call: raw little-endian int16 mono
// PCM at the stated sample rate.
type Audio struct {
	// PCM is the synthesised audio, without any container header.
	PCM []byte

	// SampleRate is the rate the engine produced, in Hz.
	SampleRate int
}

// Samples returns the number of int16 samples in the audio.
func (a Audio) Samples() int { return len(a.PCM) / 2 }

// Engine is the abstraction over any TTS backend.
type Engine interface {
	// Synthesize converts text into speech audio. It blocks until synthesis
	// completes or ctx is cancelled.
	//
	// An empty text input is a caller error; engines may return an error or
	// empty audio for it.
	Synthesize(ctx context.Context, text string) (Audio, error)
}
