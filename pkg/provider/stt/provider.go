// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram)
// and exposes a uniform streaming interface. The central abstraction is
// Session: once opened, a session accepts raw PCM audio and emits a stream
// of Snapshot values, each carrying the provider's current best hypothesis
// for the utterance in progress.
//
// Implementations must be safe for concurrent use. Audio input and snapshot
// output are goroutine-safe by construction.
package stt

import "context"

// StreamConfig describes the audio format and recognition hints for a new
// STT session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The system default is 16000.
	SampleRate int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider use its default.
	Language string
}

// Snapshot is one hypothesis revision for the utterance in progress. The
// provider may revise earlier words in later snapshots; consumers reconcile
// successive snapshots rather than treating each as an append.
type Snapshot struct {
	// Transcript is the full current hypothesis text for the utterance.
	Transcript string

	// Stability estimates how unlikely the hypothesis is to change, in
	// [0, 1]. Providers without a native stability signal report 1.
	Stability float64

	// Confidence is the recognition confidence in [0, 1], when available.
	Confidence float64

	// IsFinal marks the authoritative end-of-utterance result. The
	// transcript of a final snapshot will not be revised.
	IsFinal bool
}

// Session represents an open streaming transcription session.
//
// Callers must call Close when the session is no longer needed; failing to
// do so may leak goroutines and network connections inside the provider.
// All methods must be safe for concurrent use.
type Session interface {
	// SendAudio delivers a chunk of raw little-endian int16 PCM to the
	// provider. The chunk must match the sample rate agreed in StreamConfig.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Snapshots returns a read-only channel emitting hypothesis revisions in
	// arrival order. The channel is closed when the session ends.
	Snapshots() <-chan Snapshot

	// Close terminates the session, flushes pending audio, and releases all
	// associated resources. After Close returns, the Snapshots channel will
	// be closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
//
// Implementations must be safe for concurrent use; multiple sessions may be
// open simultaneously.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// Session is ready to accept audio immediately.
	//
	// Returns an error if the session cannot be established (authentication
	// failure, unsupported configuration, or ctx already cancelled). The
	// caller owns the Session and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (Session, error)
}
