// Package ttsout turns dialogue phrases into paced audio chunks.
//
// Phrases arriving as ADDs on the dialogue exchange are synthesized, scaled,
// resampled to the destination rate and cut into fixed-length frames that
// are published on the tts exchange at the configured send interval, so
// downstream consumers receive audio at roughly playback speed. The COMMIT
// closing a dialogue turn is forwarded as a COMMIT on tts after the last
// chunk. A REVOKE on dialogue aborts the turn: both the synthesis backlog
// and the un-sent chunks are dropped and a single COMMIT is published
// immediately so Audio-VAP and the UI transition cleanly, no matter how many
// output IUs the revocation covered.
package ttsout

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/palaver-dev/palaver/internal/broker"
	"github.com/palaver-dev/palaver/internal/config"
	"github.com/palaver-dev/palaver/internal/observe"
	"github.com/palaver-dev/palaver/pkg/audio"
	"github.com/palaver-dev/palaver/pkg/iu"
	"github.com/palaver-dev/palaver/pkg/provider/tts"
)

const producerName = "tts"

// item is a queue entry tagged with the turn generation it belongs to.
// A REVOKE bumps the generation, which invalidates every queued item
// without the loops having to coordinate.
type item struct {
	u   iu.IU
	gen uint64
}

// Pipeline drives one synthesis engine.
type Pipeline struct {
	bus     broker.Bus
	engine  tts.Engine
	cfg     config.TTSConfig
	log     *slog.Logger
	metrics *observe.Metrics

	chunkSize int
	input     chan item
	output    chan item
	gen       atomic.Uint64
	revoked   atomic.Bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline's logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithMetrics sets the metrics sink. Default: [observe.Default].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a Pipeline for the given engine.
func New(bus broker.Bus, engine tts.Engine, cfg config.TTSConfig, opts ...Option) *Pipeline {
	p := &Pipeline{
		bus:       bus,
		engine:    engine,
		cfg:       cfg,
		log:       slog.Default(),
		chunkSize: int(math.Round(cfg.FrameLength * float64(cfg.DstSampleRate))),
		input:     make(chan item, 64),
		output:    make(chan item, 256),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.Default()
	}
	return p
}

// Run subscribes to the dialogue exchange and processes phrases until ctx is
// cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	err := p.bus.Subscribe(ctx, broker.ExchangeDialogue, func(u iu.IU) {
		if u.Kind == iu.Revoke {
			// The dialogue manager revokes each in-flight IU separately;
			// the first one flushes the turn, the rest are already covered.
			if p.revoked.CompareAndSwap(false, true) {
				p.abort(ctx)
			}
			return
		}
		p.revoked.Store(false)
		select {
		case p.input <- item{u: u, gen: p.gen.Load()}:
		default:
			p.log.Warn("ttsout: input queue full, dropping phrase", "id", u.ID)
		}
	})
	if err != nil {
		return fmt.Errorf("ttsout: subscribe to %s: %w", broker.ExchangeDialogue, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.synthesisLoop(ctx) })
	g.Go(func() error { return p.sendLoop(ctx) })
	return g.Wait()
}

// abort invalidates all queued work for the current turn and closes it
// immediately.
func (p *Pipeline) abort(ctx context.Context) {
	p.gen.Add(1)
	p.log.Info("ttsout: revoked, flushing turn")
	p.publishCommit(ctx)
}

// synthesisLoop converts queued phrases into audio chunks.
func (p *Pipeline) synthesisLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it := <-p.input:
			if it.gen != p.gen.Load() {
				continue
			}
			p.process(ctx, it)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, it item) {
	text := iu.TextOf(it.u.Body)

	if it.u.Kind == iu.Commit {
		p.enqueue(item{u: iu.New(producerName, broker.ExchangeTTS, iu.Commit, iu.Audio(nil)), gen: it.gen})
		return
	}
	if text == "" {
		// A silent frame keeps Audio-VAP's system channel time-aligned.
		p.enqueueChunk(audio.Silence(p.chunkSize), it.gen)
		return
	}

	start := time.Now()
	wave, err := p.engine.Synthesize(ctx, text)
	p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("ttsout: synthesis failed", "error", err, "text", text)
		}
		return
	}
	if it.gen != p.gen.Load() {
		// Revoked while synthesizing.
		return
	}

	samples := audio.BytesToFloat32(wave.PCM)
	if p.cfg.ScaleFactor != 0 && p.cfg.ScaleFactor != 1 {
		samples = audio.Scale(samples, p.cfg.ScaleFactor)
	}
	srcRate := wave.SampleRate
	if srcRate == 0 {
		srcRate = p.cfg.OrgSampleRate
	}
	samples = audio.ResampleFloat32(samples, srcRate, p.cfg.DstSampleRate)

	for off := 0; off < len(samples); off += p.chunkSize {
		end := min(off+p.chunkSize, len(samples))
		p.enqueueChunk(audio.Float32ToBytes(samples[off:end]), it.gen)
	}
}

func (p *Pipeline) enqueueChunk(pcm []byte, gen uint64) {
	u := iu.New(producerName, broker.ExchangeTTS, iu.Add, iu.Audio(pcm))
	p.enqueue(item{u: u, gen: gen})
}

func (p *Pipeline) enqueue(it item) {
	select {
	case p.output <- it:
	default:
		p.log.Warn("ttsout: output queue full, dropping chunk")
	}
}

// sendLoop publishes chunks at the configured pace.
func (p *Pipeline) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it := <-p.output:
			if it.gen != p.gen.Load() {
				continue
			}
			if err := p.bus.Publish(ctx, broker.ExchangeTTS, it.u); err != nil {
				p.log.Warn("ttsout: publish failed", "error", err)
			}
			if it.u.Kind == iu.Commit {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.SendInterval):
			}
		}
	}
}

func (p *Pipeline) publishCommit(ctx context.Context) {
	u := iu.New(producerName, broker.ExchangeTTS, iu.Commit, iu.Audio(nil))
	if err := p.bus.Publish(ctx, broker.ExchangeTTS, u); err != nil {
		p.log.Warn("ttsout: publish commit failed", "error", err)
	}
}
