// Package vap defines the Model interface for voice-activity-projection
// backends.
//
// A VAP model looks at the two audio channels of a conversation (user
// microphone and system playback) and predicts who will hold the floor in
// the immediate and near future. The audio turn-taking module turns these
// probabilities into discrete events.
//
// Implementations must be safe for concurrent use.
package vap

import "context"

// Frame is one prediction over the current audio context.
type Frame struct {
	// PNow is the probability, in [0, 1], that the system holds the floor
	// over the immediate window (roughly the next 600ms).
	PNow float64

	// PFuture is the same probability over a longer horizon (roughly 600ms
	// to 2s ahead).
	PFuture float64
}

// Model predicts turn-taking from stereo conversational audio.
type Model interface {
	// Probs evaluates the model over the given audio context. Both channels
	// are normalised float32 mono at the configured sample rate and must be
	// the same length; they represent the same wall-clock span, newest
	// samples last.
	Probs(ctx context.Context, user, system []float32) (Frame, error)
}
