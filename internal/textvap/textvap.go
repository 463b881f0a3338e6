// Package textvap estimates turn-taking and listener reactions from the
// recognized transcript alone.
//
// The module accumulates the user's in-progress utterance from the asr
// exchange and asks an LLM classifier what a good listener would do right
// now: utter a short verbal backchannel, change facial expression or body
// action, and judge how finished the utterance sounds. Verbal backchannels
// go to the bc exchange, expression/action updates to emo_act, and a
// confident turn-yield verdict publishes SYSTEM_TAKE_TURN on vap.
//
// Independently of the classifier, a silence watchdog commits the utterance
// on the user's behalf: when no token arrives for the configured silence
// window, the accumulated text is published as an ASR_COMMIT event followed
// by SYSTEM_TAKE_TURN, exactly once per utterance.
package textvap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/palaver-dev/palaver/internal/broker"
	"github.com/palaver-dev/palaver/internal/config"
	"github.com/palaver-dev/palaver/internal/observe"
	"github.com/palaver-dev/palaver/internal/prompt"
	"github.com/palaver-dev/palaver/pkg/iu"
	"github.com/palaver-dev/palaver/pkg/provider/llm"
)

const producerName = "text_vap"

// partialIDTag marks typed input from the web frontend. Such ADDs replace
// the whole accumulated text instead of appending a token. finalIDTag marks
// a frontend COMMIT whose body is the complete utterance rather than a
// single token.
const (
	partialIDTag = "user-partial"
	finalIDTag   = "user-final"
)

// Neutral reaction state between utterances.
const (
	neutralExpression = "normal"
	neutralAction     = "wait"
)

// classifierTemperature matches the sampling temperature the reaction
// classifier was tuned with.
const classifierTemperature = 0.5

// Module runs the transcript-based turn estimator.
type Module struct {
	bus      broker.Bus
	provider llm.Provider
	cfg      config.TextVAPConfig
	log      *slog.Logger
	metrics  *observe.Metrics

	maxSilence time.Duration
	prompt     string
	maxTokens  int

	mu            sync.Mutex
	runCtx        context.Context
	accumulated   string
	sinceRun      int
	expression    string
	action        string
	lastCommitted string
	verbalCount   int
	nonverbalCnt  int
	yielded       bool
	timer         *time.Timer
	timerGen      int
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

// WithPrompt overrides the classifier system prompt.
func WithPrompt(p string) Option {
	return func(m *Module) { m.prompt = p }
}

// WithMaxTokens caps the classifier completion length. Default: 64.
func WithMaxTokens(n int) Option {
	return func(m *Module) { m.maxTokens = n }
}

// New creates the text turn estimator. The provider must be configured for
// the classifier model; maxSilence is the silence window after which the
// utterance is force-committed.
func New(bus broker.Bus, provider llm.Provider, cfg config.TextVAPConfig, maxSilence time.Duration, opts ...Option) *Module {
	defaults, _ := prompt.Load(config.PromptPaths{})
	m := &Module{
		bus:        bus,
		provider:   provider,
		cfg:        cfg,
		log:        slog.Default(),
		maxSilence: maxSilence,
		prompt:     defaults.Backchannel,
		maxTokens:  64,
		expression: neutralExpression,
		action:     neutralAction,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.Default()
	}
	return m
}

// Run subscribes to the asr exchange and processes token IUs until ctx is
// cancelled.
func (m *Module) Run(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	in := make(chan iu.IU, 256)
	err := m.bus.Subscribe(ctx, broker.ExchangeASR, func(u iu.IU) {
		select {
		case in <- u:
		default:
			m.log.Warn("textvap: input queue full, dropping IU", "id", u.ID)
		}
	})
	if err != nil {
		return fmt.Errorf("textvap: subscribe to %s: %w", broker.ExchangeASR, err)
	}

	defer func() {
		m.mu.Lock()
		m.stopTimerLocked()
		m.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-in:
			switch u.Kind {
			case iu.Add:
				m.handleAdd(ctx, u)
			case iu.Commit:
				m.handleCommit(ctx, u)
			case iu.Revoke:
				m.handleRevoke(ctx)
			}
		}
	}
}

// handleAdd folds a token into the accumulator and decides whether the
// classifier should run. A fresh token also re-arms the silence watchdog.
func (m *Module) handleAdd(ctx context.Context, u iu.IU) {
	text := iu.TextOf(u.Body)

	m.mu.Lock()
	prev := m.accumulated
	switch {
	case strings.Contains(u.ID, partialIDTag):
		m.accumulated = text
	case text != "":
		if m.accumulated == "" {
			m.accumulated = text
		} else {
			m.accumulated += " " + text
		}
	default:
		m.mu.Unlock()
		return
	}
	if prev == "" && m.accumulated != "" {
		// Utterance start: backchannel budgets and the yield guard reset.
		m.verbalCount = 0
		m.nonverbalCnt = 0
		m.yielded = false
		m.lastCommitted = ""
	}
	changed := m.accumulated != prev
	query := strings.TrimSpace(m.accumulated)
	m.sinceRun++
	classify := query != "" && (changed || m.sinceRun >= m.cfg.Interval)
	if classify {
		m.sinceRun = 0
	}
	m.armTimerLocked()
	m.mu.Unlock()

	if classify {
		go m.classify(ctx, query)
	}
}

// handleCommit finishes the utterance on an external COMMIT. A recognizer
// COMMIT carries at most the utterance's final token, which is appended to
// the accumulator; a frontend COMMIT carries the whole utterance in its
// body and replaces it. Empty and repeated finals are ignored apart from
// disarming the watchdog.
func (m *Module) handleCommit(ctx context.Context, u iu.IU) {
	body := strings.TrimSpace(iu.TextOf(u.Body))

	m.mu.Lock()
	final := strings.TrimSpace(m.accumulated)
	switch {
	case strings.Contains(u.ID, finalIDTag):
		if body != "" {
			final = body
		}
	case body != "" && final != "":
		final += " " + body
	case body != "":
		final = body
	}
	if final == "" || final == m.lastCommitted {
		m.stopTimerLocked()
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.mu.Unlock()

	m.log.Debug("textvap: external commit", "text", final)
	m.finishUtterance(ctx, final)
}

// handleRevoke discards the utterance in progress and publishes a neutral
// reaction so the avatar returns to rest.
func (m *Module) handleRevoke(ctx context.Context) {
	m.mu.Lock()
	m.accumulated = ""
	m.sinceRun = 0
	m.expression = neutralExpression
	m.action = neutralAction
	m.lastCommitted = ""
	m.stopTimerLocked()
	m.mu.Unlock()

	m.publishReaction(ctx, iu.Reaction{
		Expression: neutralExpression,
		Action:     neutralAction,
	})
}

// finishUtterance publishes the ASR_COMMIT / SYSTEM_TAKE_TURN pair and
// resets the accumulator state. The de-duplication guard in the callers
// guarantees the pair is emitted at most once per final text.
func (m *Module) finishUtterance(ctx context.Context, finalText string) {
	m.publish(ctx, broker.ExchangeVAP, iu.New(producerName, broker.ExchangeVAP, iu.Add, iu.Event{
		Name: iu.EventASRCommit,
		Text: finalText,
	}))
	m.publish(ctx, broker.ExchangeVAP, iu.New(producerName, broker.ExchangeVAP, iu.Add, iu.Event{
		Name: iu.EventSystemTakeTurn,
	}))

	m.mu.Lock()
	m.accumulated = ""
	m.sinceRun = 0
	m.expression = neutralExpression
	m.action = neutralAction
	m.lastCommitted = finalText
	m.stopTimerLocked()
	m.mu.Unlock()
}

// classify asks the LLM what a listener would do given the utterance so far
// and applies the verdict. Runs on its own goroutine; state is applied under
// the module lock so late replies cannot corrupt a newer utterance.
func (m *Module) classify(ctx context.Context, text string) {
	start := time.Now()
	resp, err := m.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: m.prompt},
			{Role: llm.RoleAssistant, Content: "OK. I will reply in the a:/b:/c:/d: format."},
			{Role: llm.RoleUser, Content: text},
		},
		Temperature: classifierTemperature,
		MaxTokens:   m.maxTokens,
	})
	m.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warn("textvap: classifier call failed", "error", err)
		}
		return
	}
	if resp == nil {
		return
	}
	m.apply(ctx, parseReply(resp.Content), text)
}

// apply folds one classifier verdict into the module state and emits the
// resulting IUs, honoring the per-utterance backchannel budgets.
func (m *Module) apply(ctx context.Context, r reply, analyzed string) {
	m.mu.Lock()
	if strings.TrimSpace(m.accumulated) == "" {
		// The utterance finished while the classifier was running.
		m.mu.Unlock()
		return
	}
	current := strings.TrimSpace(m.accumulated)

	verbal := ""
	if r.Backchannel != "" && m.verbalCount < m.cfg.MaxVerbalBackchannels {
		m.verbalCount++
		verbal = r.Backchannel
	}

	var reaction *iu.Reaction
	stateChanged := (r.Expression != "" && r.Expression != m.expression) ||
		(r.Action != "" && r.Action != m.action)
	if stateChanged && m.nonverbalCnt < m.cfg.MaxNonverbalBackchannels {
		if r.Expression != "" {
			m.expression = r.Expression
		}
		if r.Action != "" {
			m.action = r.Action
		}
		m.nonverbalCnt++
		reaction = &iu.Reaction{
			Expression:  m.expression,
			Action:      m.action,
			CurrentText: current,
		}
	}

	yield := r.HasScore && r.YieldScore >= m.cfg.MinThreshold && !m.yielded
	if yield {
		m.yielded = true
	}
	m.mu.Unlock()

	if verbal != "" {
		m.publish(ctx, broker.ExchangeBC, iu.New(producerName, broker.ExchangeBC, iu.Add, iu.Text(verbal)))
	}
	if reaction != nil {
		m.publishReaction(ctx, *reaction)
	}
	if yield {
		m.log.Debug("textvap: turn-yield verdict", "score", r.YieldScore, "text", analyzed)
		m.publish(ctx, broker.ExchangeVAP, iu.New(producerName, broker.ExchangeVAP, iu.Add, iu.Event{
			Name: iu.EventSystemTakeTurn,
		}))
	}
}

// ---- silence watchdog ----

// armTimerLocked (re)arms the silence watchdog. The generation counter makes
// a stale timer that already fired a no-op, so at most one watchdog is live.
func (m *Module) armTimerLocked() {
	m.timerGen++
	gen := m.timerGen
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.maxSilence, func() { m.onSilence(gen) })
}

// stopTimerLocked disarms the watchdog.
func (m *Module) stopTimerLocked() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// onSilence fires when the user stayed quiet for the whole silence window.
func (m *Module) onSilence(gen int) {
	m.mu.Lock()
	if gen != m.timerGen {
		m.mu.Unlock()
		return
	}
	ctx := m.runCtx
	final := strings.TrimSpace(m.accumulated)
	if final == "" || final == m.lastCommitted {
		m.stopTimerLocked()
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.log.Debug("textvap: silence timeout, committing", "text", final)
	m.finishUtterance(ctx, final)
}

// ---- publishing ----

func (m *Module) publishReaction(ctx context.Context, r iu.Reaction) {
	m.publish(ctx, broker.ExchangeEmoAct, iu.New(producerName, broker.ExchangeEmoAct, iu.Add, r))
}

func (m *Module) publish(ctx context.Context, exchange string, u iu.IU) {
	if err := m.bus.Publish(ctx, exchange, u); err != nil {
		m.log.Warn("textvap: publish failed", "exchange", exchange, "error", err)
	}
}
