// Package asr bridges a streaming speech recognizer onto the bus.
//
// The adapter consumes raw microphone audio from the ain exchange, feeds it
// into a provider session, and publishes token-level incremental updates on
// the asr exchange. Successive recognizer hypotheses are reconciled by
// token diff: the unchanged prefix is retained, diverging tail tokens are
// revoked and new tokens are added, so downstream modules see a minimal
// edit stream instead of full re-transcriptions.
package asr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/palaver-dev/palaver/internal/broker"
	"github.com/palaver-dev/palaver/internal/config"
	"github.com/palaver-dev/palaver/internal/observe"
	"github.com/palaver-dev/palaver/pkg/iu"
	"github.com/palaver-dev/palaver/pkg/provider/stt"
)

const producerName = "asr"

// minStability is the hypothesis stability below which interim snapshots
// are held back rather than published.
const minStability = 0.8

// restartDelay spaces out reconnection attempts after a session failure.
const restartDelay = time.Second

// Adapter connects one stt.Provider to the bus.
type Adapter struct {
	bus      broker.Bus
	provider stt.Provider
	cfg      config.ASRConfig
	log      *slog.Logger
	metrics  *observe.Metrics

	// current holds the still-valid ADD IUs of the utterance in progress.
	// Only the session loop goroutine touches it.
	current []iu.IU
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter's logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// WithMetrics sets the metrics sink. Default: [observe.Default].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// New creates an Adapter publishing recognition results for audio received
// on the ain exchange.
func New(bus broker.Bus, provider stt.Provider, cfg config.ASRConfig, opts ...Option) *Adapter {
	a := &Adapter{
		bus:      bus,
		provider: provider,
		cfg:      cfg,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.Default()
	}
	return a
}

// Run subscribes to the ain exchange and drives recognizer sessions until
// ctx is cancelled. Sessions are rotated every cfg.StreamingLimit to respect
// upstream caps; rotation itself never emits IUs, so the published token
// sequence is identical with and without rotation.
func (a *Adapter) Run(ctx context.Context) error {
	audio := make(chan []byte, 256)
	err := a.bus.Subscribe(ctx, broker.ExchangeAin, func(u iu.IU) {
		pcm, ok := u.Body.(iu.Audio)
		if !ok || u.Kind != iu.Add {
			return
		}
		select {
		case audio <- []byte(pcm):
		default:
			// The recognizer fell behind; dropping input audio is preferable
			// to unbounded buffering.
		}
	})
	if err != nil {
		return fmt.Errorf("asr: subscribe to %s: %w", broker.ExchangeAin, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		sess, err := a.provider.StartStream(ctx, stt.StreamConfig{
			SampleRate: a.cfg.SampleRate,
			Language:   a.cfg.Language,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Warn("asr: start recognizer session failed", "error", err)
			select {
			case <-time.After(restartDelay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		a.runSession(ctx, sess, audio)
	}
}

// runSession pumps audio into one recognizer session and publishes its
// snapshots. It returns when the rotation deadline passes, the session dies,
// or ctx is cancelled.
func (a *Adapter) runSession(ctx context.Context, sess stt.Session, audio <-chan []byte) {
	rotate := time.NewTimer(a.cfg.StreamingLimit)
	defer rotate.Stop()
	defer sess.Close()

	snaps := sess.Snapshots()
	for {
		select {
		case <-ctx.Done():
			return
		case <-rotate.C:
			a.log.Info("asr: rotating recognizer session",
				"limit", a.cfg.StreamingLimit)
			return
		case chunk := <-audio:
			if err := sess.SendAudio(chunk); err != nil {
				a.log.Warn("asr: send audio failed, restarting session", "error", err)
				return
			}
		case snap, ok := <-snaps:
			if !ok {
				a.log.Warn("asr: recognizer session ended, restarting")
				return
			}
			start := time.Now()
			a.handleSnapshot(ctx, snap)
			a.metrics.ASRSnapshotLatency.Record(ctx, time.Since(start).Seconds())
		}
	}
}

// handleSnapshot reconciles one hypothesis against the published working set
// and emits the resulting REVOKE, ADD and COMMIT IUs.
func (a *Adapter) handleSnapshot(ctx context.Context, snap stt.Snapshot) {
	if !snap.IsFinal && snap.Stability < minStability {
		return
	}

	tokens := iu.Tokenize(snap.Transcript)

	if len(tokens) == 0 {
		if !snap.IsFinal {
			return
		}
		// Utterance closed with nothing new to add.
		commit := iu.New(producerName, broker.ExchangeASR, iu.Commit, iu.Text(""))
		commit.Stability = snap.Stability
		commit.Confidence = snap.Confidence
		a.publish(ctx, commit)
		a.current = nil
		return
	}

	prev := make([]string, len(a.current))
	for i, u := range a.current {
		prev[i] = iu.TextOf(u.Body)
	}
	revoked, added := iu.DiffTokens(prev, tokens)

	// Revoke the diverged tail, newest first.
	keep := len(a.current) - len(revoked)
	for i := len(a.current) - 1; i >= keep; i-- {
		a.publish(ctx, iu.RevokeOf(a.current[i]))
	}
	a.current = a.current[:keep]

	for i, token := range added {
		u := iu.New(producerName, broker.ExchangeASR, iu.Add, iu.Text(token))
		u.Stability = 0.0
		u.Confidence = 0.99
		if snap.IsFinal && i == len(added)-1 {
			u.Kind = iu.Commit
			u.Stability = snap.Stability
			u.Confidence = snap.Confidence
		} else {
			a.current = append(a.current, u)
		}
		a.publish(ctx, u)
	}

	if snap.IsFinal {
		if len(added) == 0 {
			// The final hypothesis added nothing; close the utterance with
			// an empty COMMIT.
			commit := iu.New(producerName, broker.ExchangeASR, iu.Commit, iu.Text(""))
			commit.Stability = snap.Stability
			commit.Confidence = snap.Confidence
			a.publish(ctx, commit)
		}
		a.current = nil
	}
}

func (a *Adapter) publish(ctx context.Context, u iu.IU) {
	if err := a.bus.Publish(ctx, broker.ExchangeASR, u); err != nil {
		a.log.Warn("asr: publish failed", "kind", u.Kind, "error", err)
	}
}
