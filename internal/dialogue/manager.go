// Package dialogue decides when the system speaks and what it says.
//
// # Architecture
//
// The manager is a three-state machine (idle, listening, talking) driven by
// turn events from the vap exchange and completion signals from the tts
// exchange. User text accumulates from the asr exchange and speculative
// response attempts are launched while the user is still speaking; when the
// turn yields, the freshest finished attempt is streamed out on the dialogue
// exchange and the rest are cancelled. A user interruption while talking
// revokes every in-flight output IU so the TTS pipeline stops mid-sentence.
//
// Expression and action updates arriving on emo_act are forwarded to
// dialogue2 for the avatar frontend, as are the labels the response model
// embeds in its own answers.
package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/palaver-dev/palaver/internal/broker"
	"github.com/palaver-dev/palaver/internal/config"
	"github.com/palaver-dev/palaver/internal/observe"
	"github.com/palaver-dev/palaver/internal/respgen"
	"github.com/palaver-dev/palaver/pkg/iu"
	"github.com/palaver-dev/palaver/pkg/provider/llm"
)

const producerName = "dialogue"

// silenceUtterance is recorded as the user turn when the system speaks
// without user input.
const silenceUtterance = "(silence)"

// state of the turn-taking machine.
type state string

const (
	stateIdle      state = "idle"
	stateListening state = "listening"
	stateTalking   state = "talking"
)

// event is one entry of the state machine's queue.
type event struct {
	name string
	text string
	ts   float64
}

// Manager owns the dialogue state machine.
type Manager struct {
	bus     broker.Bus
	gen     *respgen.Generator
	cfg     config.DialogueConfig
	llmWait time.Duration
	log     *slog.Logger
	metrics *observe.Metrics

	events chan event
	llmBuf chan *attempt
	runCtx context.Context

	mu         sync.Mutex
	state      state
	storedText string
	endTime    float64
	outputBuf  []iu.IU
	history    []llm.Message
	current    *attempt

	// Speculation input: the still-valid ASR ADDs of the utterance in
	// progress and the count since the last attempt launch.
	tokens       []iu.IU
	sinceAttempt int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithMetrics sets the metrics sink. Default: [observe.Default].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// New creates a Manager. llmWait bounds how long a turn waits for a response
// attempt before the default phrase is spoken.
func New(bus broker.Bus, gen *respgen.Generator, cfg config.DialogueConfig, llmWait time.Duration, opts ...Option) *Manager {
	m := &Manager{
		bus:     bus,
		gen:     gen,
		cfg:     cfg,
		llmWait: llmWait,
		log:     slog.Default(),
		events:  make(chan event, 64),
		llmBuf:  make(chan *attempt, 16),
		state:   stateIdle,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.Default()
	}
	return m
}

// Run subscribes to the manager's exchanges and processes events until ctx
// is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	subs := []struct {
		exchange string
		handler  broker.Handler
	}{
		{broker.ExchangeASR, func(u iu.IU) { m.onASR(ctx, u) }},
		{broker.ExchangeVAP, func(u iu.IU) { m.onVAP(u) }},
		{broker.ExchangeTTS, func(u iu.IU) { m.onTTS(u) }},
		{broker.ExchangeEmoAct, func(u iu.IU) { m.onEmoAct(ctx, u) }},
	}
	for _, s := range subs {
		if err := m.bus.Subscribe(ctx, s.exchange, s.handler); err != nil {
			return fmt.Errorf("dialogue: subscribe to %s: %w", s.exchange, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.events:
			m.dispatch(ctx, ev)
		}
	}
}

// ---- subscriptions ----

// onASR tracks the utterance in progress and launches speculative response
// attempts while the user is still speaking.
func (m *Manager) onASR(ctx context.Context, u iu.IU) {
	switch u.Kind {
	case iu.Add:
		if iu.TextOf(u.Body) == "" {
			return
		}
		m.mu.Lock()
		m.tokens = append(m.tokens, u)
		m.sinceAttempt++
		launch := len(m.tokens) == 1 || m.sinceAttempt >= m.cfg.ResponseInterval
		var text string
		if launch {
			m.sinceAttempt = 0
			text = iu.ConcatBodies(m.tokens, m.cfg.Spacer)
		}
		m.mu.Unlock()
		if launch {
			m.launchAttempt(ctx, u.Timestamp, text)
		}
	case iu.Revoke:
		m.mu.Lock()
		for i := len(m.tokens) - 1; i >= 0; i-- {
			if m.tokens[i].ID == u.ID {
				m.tokens = append(m.tokens[:i], m.tokens[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}
}

// onVAP enqueues turn events. Stale ASR_COMMITs, timestamped before the
// system finished its last utterance, are echoes of the system's own turn
// and are dropped.
func (m *Manager) onVAP(u iu.IU) {
	ev, ok := u.Body.(iu.Event)
	if !ok {
		// A bare label string is accepted as well.
		if name := iu.TextOf(u.Body); name != "" {
			ev = iu.Event{Name: name}
			ok = true
		}
	}
	if !ok || u.Kind != iu.Add {
		return
	}

	switch ev.Name {
	case iu.EventASRCommit:
		m.mu.Lock()
		stale := u.Timestamp <= m.endTime
		m.tokens = nil
		m.sinceAttempt = 0
		m.mu.Unlock()
		if stale {
			m.log.Debug("dialogue: dropping stale commit", "ts", u.Timestamp)
			return
		}
		m.enqueue(event{name: ev.Name, text: strings.TrimSpace(ev.Text), ts: u.Timestamp})
	case iu.EventSystemTakeTurn, iu.EventSystemBackchannel, iu.EventTTSCommit:
		m.enqueue(event{name: ev.Name, ts: u.Timestamp})
	}
}

// onTTS watches for the synthesis pipeline finishing the system utterance.
func (m *Manager) onTTS(u iu.IU) {
	if u.Kind != iu.Commit {
		return
	}
	m.mu.Lock()
	m.outputBuf = nil
	m.endTime = u.Timestamp
	m.mu.Unlock()
	m.enqueue(event{name: iu.EventTTSCommit, ts: u.Timestamp})
}

// onEmoAct forwards listener reactions to the avatar exchange.
func (m *Manager) onEmoAct(ctx context.Context, u iu.IU) {
	r, ok := u.Body.(iu.Reaction)
	if !ok || u.Kind != iu.Add {
		return
	}
	m.publish(ctx, iu.New(producerName, broker.ExchangeDialogue2, iu.Add, r))
}

func (m *Manager) enqueue(ev event) {
	select {
	case m.events <- ev:
	default:
		m.log.Warn("dialogue: event queue full, dropping", "event", ev.name)
	}
}

// ---- state machine ----

func (m *Manager) dispatch(ctx context.Context, ev event) {
	m.mu.Lock()
	prev := m.state

	switch prev {
	case stateIdle:
		switch ev.name {
		case iu.EventASRCommit:
			m.storedText = ev.text
			m.state = stateListening
		case iu.EventSystemTakeTurn:
			// Nobody has spoken; the system re-engages on its own.
			m.storedText = ""
			m.state = stateTalking
			go m.respond(ctx, "")
		case iu.EventSystemBackchannel:
			m.mu.Unlock()
			m.sendBackchannel(ctx)
			return
		}

	case stateListening:
		switch ev.name {
		case iu.EventSystemTakeTurn:
			text := m.storedText
			m.storedText = ""
			m.state = stateTalking
			go m.respond(ctx, text)
		case iu.EventTTSCommit:
			m.state = stateIdle
		case iu.EventASRCommit:
			m.storedText = ev.text
		}

	case stateTalking:
		switch ev.name {
		case iu.EventTTSCommit:
			m.outputBuf = nil
			m.state = stateIdle
		case iu.EventASRCommit:
			m.stopResponseLocked(ctx)
			m.storedText = ev.text
			m.state = stateListening
		}
	}

	if m.state != prev {
		m.log.Info("dialogue: state change",
			"from", string(prev), "to", string(m.state), "event", ev.name)
	}
	m.mu.Unlock()
}

// sendBackchannel speaks a short acknowledgement without taking the turn.
func (m *Manager) sendBackchannel(ctx context.Context) {
	if len(m.cfg.Backchannels) == 0 {
		return
	}
	bc := m.cfg.Backchannels[rand.IntN(len(m.cfg.Backchannels))]
	m.log.Debug("dialogue: backchannel", "text", bc)
	m.publish(ctx, iu.New(producerName, broker.ExchangeDialogue, iu.Add, iu.Text(bc)))
}

// stopResponseLocked revokes every IU of the in-flight system turn and
// cancels its attempt. Callers hold m.mu, which keeps the revocations
// ordered after every published ADD.
func (m *Manager) stopResponseLocked(ctx context.Context) {
	if m.current != nil {
		m.current.cancel()
	}
	if len(m.outputBuf) == 0 {
		return
	}
	m.log.Info("dialogue: barge-in, revoking output", "ius", len(m.outputBuf))
	for _, u := range m.outputBuf {
		m.publish(ctx, iu.RevokeOf(u))
	}
	m.outputBuf = nil
}

// ---- history ----

// recordTurnLocked appends a finished exchange pair and trims the history.
func (m *Manager) recordTurnLocked(userText, systemText string) {
	if userText == "" {
		userText = silenceUtterance
	}
	m.history = append(m.history,
		llm.Message{Role: llm.RoleUser, Content: userText},
		llm.Message{Role: llm.RoleAssistant, Content: strings.TrimSpace(systemText)},
	)
	if limit := m.cfg.HistoryLength * 2; limit > 0 && len(m.history) > limit {
		m.history = append([]llm.Message(nil), m.history[len(m.history)-limit:]...)
	}
}

// State returns the current machine state ("idle", "listening" or
// "talking").
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.state)
}

// History returns a copy of the dialogue history, newest last.
func (m *Manager) History() []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Message(nil), m.history...)
}

// ---- publishing ----

func (m *Manager) publish(ctx context.Context, u iu.IU) {
	if err := m.bus.Publish(ctx, u.Exchange, u); err != nil {
		m.log.Warn("dialogue: publish failed", "exchange", u.Exchange, "error", err)
	}
}
