// Package audiovap estimates turn-taking from the raw audio of both
// conversation sides.
//
// The module keeps two aligned sample windows: the user channel fed directly
// from the ain exchange, and the system channel reconstructed from the tts
// exchange. System audio arrives ahead of playback, so it is queued and
// shifted into the window at playback pace, with silence filling the gaps;
// this keeps both windows on the same wall clock. A vap.Model is evaluated
// periodically over the windows and its probabilities are mapped to discrete
// turn events on the vap exchange. Raw scores go to the score exchange for
// visualisation.
package audiovap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/palaver-dev/palaver/internal/broker"
	"github.com/palaver-dev/palaver/internal/config"
	"github.com/palaver-dev/palaver/internal/observe"
	"github.com/palaver-dev/palaver/pkg/audio"
	"github.com/palaver-dev/palaver/pkg/iu"
	"github.com/palaver-dev/palaver/pkg/provider/vap"
)

const producerName = "audio_vap"

// Module runs voice-activity-projection over the two audio channels.
type Module struct {
	bus     broker.Bus
	model   vap.Model
	log     *slog.Logger
	metrics *observe.Metrics

	sampleRate  int
	frameLength float64
	tick        time.Duration
	sThreshold  float64
	uThreshold  float64

	user      *ring
	system    *ring
	systemIn  chan []float32
	prevEvent string
}

// Option configures a Module.
type Option func(*Module)

// WithLogger sets the module's logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Module) { m.log = log }
}

// WithMetrics sets the metrics sink. Default: [observe.Default].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Module) { m.metrics = met }
}

// New creates the audio turn-taking module. The system channel runs at the
// TTS destination sample rate; tts.FrameLength paces silence insertion when
// the system is quiet.
func New(bus broker.Bus, model vap.Model, cfg config.VAPConfig, tts config.TTSConfig, opts ...Option) *Module {
	size := int(cfg.BufferLength * float64(tts.DstSampleRate))
	m := &Module{
		bus:         bus,
		model:       model,
		log:         slog.Default(),
		sampleRate:  tts.DstSampleRate,
		frameLength: tts.FrameLength,
		tick:        cfg.TickInterval,
		sThreshold:  cfg.Threshold,
		uThreshold:  1 - cfg.Threshold,
		user:        newRing(size),
		system:      newRing(size),
		systemIn:    make(chan []float32, 256),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.Default()
	}
	return m
}

// Run subscribes to both audio exchanges and evaluates the model until ctx
// is cancelled.
func (m *Module) Run(ctx context.Context) error {
	err := m.bus.Subscribe(ctx, broker.ExchangeAin, func(u iu.IU) {
		pcm, ok := u.Body.(iu.Audio)
		if !ok || u.Kind != iu.Add {
			return
		}
		m.user.Shift(audio.BytesToFloat32(pcm))
	})
	if err != nil {
		return fmt.Errorf("audiovap: subscribe to %s: %w", broker.ExchangeAin, err)
	}

	err = m.bus.Subscribe(ctx, broker.ExchangeTTS, func(u iu.IU) {
		pcm, ok := u.Body.(iu.Audio)
		if !ok || u.Kind != iu.Add {
			return
		}
		select {
		case m.systemIn <- audio.BytesToFloat32(pcm):
		default:
			m.log.Warn("audiovap: system audio queue full, dropping chunk")
		}
	})
	if err != nil {
		return fmt.Errorf("audiovap: subscribe to %s: %w", broker.ExchangeTTS, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.systemPacingLoop(ctx) })
	g.Go(func() error { return m.inferenceLoop(ctx) })
	return g.Wait()
}

// systemPacingLoop shifts queued system audio into the window at playback
// pace. When no synthesized audio is pending, a silent frame keeps the
// system channel aligned with the user channel's wall clock.
func (m *Module) systemPacingLoop(ctx context.Context) error {
	frame := time.Duration(m.frameLength * float64(time.Second))
	silent := make([]float32, int(m.frameLength*float64(m.sampleRate)))

	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			select {
			case chunk := <-m.systemIn:
				m.system.Shift(chunk)
			default:
				m.system.Shift(silent)
			}
		}
	}
}

// inferenceLoop periodically evaluates the model and publishes scores and
// change-only turn events.
func (m *Module) inferenceLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			frame, err := m.model.Probs(ctx, m.user.Snapshot(), m.system.Snapshot())
			m.metrics.VAPTick.Record(ctx, time.Since(start).Seconds())
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.log.Warn("audiovap: model inference failed", "error", err)
				continue
			}
			m.emit(ctx, frame)
		}
	}
}

// emit publishes the raw scores and, when the decision changed, the event.
func (m *Module) emit(ctx context.Context, frame vap.Frame) {
	score := iu.New(producerName, broker.ExchangeScore, iu.Add, iu.Score{
		PNow:    frame.PNow,
		PFuture: frame.PFuture,
	})
	if err := m.bus.Publish(ctx, broker.ExchangeScore, score); err != nil {
		m.log.Warn("audiovap: publish score failed", "error", err)
	}

	event := m.classify(frame)
	if event == "" || event == m.prevEvent {
		return
	}
	u := iu.New(producerName, broker.ExchangeVAP, iu.Add, iu.Event{Name: event})
	if err := m.bus.Publish(ctx, broker.ExchangeVAP, u); err != nil {
		m.log.Warn("audiovap: publish event failed", "error", err)
		return
	}
	m.log.Debug("audiovap: turn event",
		"event", event, "p_now", frame.PNow, "p_future", frame.PFuture)
	m.prevEvent = event
}

// classify maps model probabilities to a turn event. Combinations outside
// the table produce no event.
func (m *Module) classify(frame vap.Frame) string {
	n, f := frame.PNow, frame.PFuture
	switch {
	case n >= m.sThreshold && f >= m.sThreshold:
		// A backchannel is not a turn grab; do not escalate it.
		if m.prevEvent != iu.EventSystemBackchannel {
			return iu.EventSystemTakeTurn
		}
	case n >= m.sThreshold && f < m.uThreshold:
		// Short supportive overlap while the user keeps the floor.
		if m.prevEvent == iu.EventUserTakeTurn {
			return iu.EventSystemBackchannel
		}
	case n < m.uThreshold && f < m.uThreshold:
		return iu.EventUserTakeTurn
	}
	return ""
}
