package dialogue

import (
	"context"
	"strings"
	"time"

	"github.com/palaver-dev/palaver/internal/broker"
	"github.com/palaver-dev/palaver/internal/respgen"
	"github.com/palaver-dev/palaver/pkg/iu"
	"github.com/palaver-dev/palaver/pkg/provider/llm"
)

// attempt is one speculative response generation. It carries the timestamp
// of the ASR ADD that triggered it; at turn-yield the attempt with the
// largest timestamp wins.
type attempt struct {
	asrTimestamp float64
	userText     string
	cancel       context.CancelFunc
	fragments    <-chan respgen.Fragment
}

// launchAttempt starts a response generation for the utterance as recognized
// so far. The attempt enters the llm buffer once its stream is open; a
// cancelled attempt drains and discards its stream instead. The returned
// cancel lets the caller release the attempt without waiting for it.
func (m *Manager) launchAttempt(ctx context.Context, asrTimestamp float64, text string) context.CancelFunc {
	m.mu.Lock()
	history := append([]llm.Message(nil), m.history...)
	m.mu.Unlock()

	actx, cancel := context.WithCancel(ctx)
	a := &attempt{asrTimestamp: asrTimestamp, userText: text, cancel: cancel}
	m.metrics.ActiveAttempts.Add(ctx, 1)

	go func() {
		fragments, err := m.gen.Generate(actx, text, history)
		if err != nil {
			m.log.Warn("dialogue: attempt failed to start", "error", err)
			cancel()
			m.metrics.ActiveAttempts.Add(ctx, -1)
			return
		}
		a.fragments = fragments
		select {
		case m.llmBuf <- a:
		case <-actx.Done():
			drain(fragments)
			m.metrics.ActiveAttempts.Add(ctx, -1)
		}
	}()
	return cancel
}

// takeFreshest drains the llm buffer and keeps the attempt with the largest
// ASR timestamp, discarding the rest. Returns nil when the buffer is empty.
func (m *Manager) takeFreshest(ctx context.Context) *attempt {
	var best *attempt
	for {
		select {
		case a := <-m.llmBuf:
			if best == nil || a.asrTimestamp > best.asrTimestamp {
				if best != nil {
					m.discard(ctx, best)
				}
				best = a
			} else {
				m.discard(ctx, a)
			}
		default:
			return best
		}
	}
}

// discard cancels a losing attempt and throws away anything it produced.
func (m *Manager) discard(ctx context.Context, a *attempt) {
	a.cancel()
	go drain(a.fragments)
	m.metrics.ActiveAttempts.Add(ctx, -1)
}

func drain(fragments <-chan respgen.Fragment) {
	if fragments == nil {
		return
	}
	for range fragments {
	}
}

// respond picks or creates the response attempt for the turn and streams it
// out. Runs on its own goroutine; the state machine has already moved to
// talking.
func (m *Manager) respond(ctx context.Context, userText string) {
	chosen := m.takeFreshest(ctx)
	if chosen == nil {
		cancel := m.launchAttempt(ctx, iu.Now(), userText)
		timer := time.NewTimer(m.llmWait)
		defer timer.Stop()
		select {
		case chosen = <-m.llmBuf:
		case <-timer.C:
			m.log.Warn("dialogue: response timed out, speaking default phrase")
			// Release the stalled attempt; it must not sit in the buffer
			// holding a live completion stream.
			cancel()
			m.speakDefault(ctx, userText)
			return
		case <-ctx.Done():
			cancel()
			return
		}
	}
	m.speak(ctx, chosen, userText)
}

// speak streams the chosen attempt's fragments onto the dialogue exchanges.
// Publishing and output tracking happen under the manager lock so a
// concurrent barge-in can never revoke around an in-flight ADD.
func (m *Manager) speak(ctx context.Context, a *attempt, userText string) {
	m.mu.Lock()
	m.current = a
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.current = nil
		m.mu.Unlock()
		m.metrics.ActiveAttempts.Add(ctx, -1)
	}()

	var phrases []string
	for f := range a.fragments {
		if f.Phrase != "" {
			if !m.speakPhrase(ctx, f.Phrase) {
				a.cancel()
				drain(a.fragments)
				return
			}
			phrases = append(phrases, f.Phrase)
			continue
		}
		if f.Expression != respgen.DefaultExpression || f.Action != respgen.DefaultAction {
			m.publish(ctx, iu.New(producerName, broker.ExchangeDialogue2, iu.Add, iu.Reaction{
				Expression: f.Expression,
				Action:     f.Action,
			}))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateTalking {
		return
	}
	m.publish(ctx, iu.New(producerName, broker.ExchangeDialogue, iu.Commit, iu.Text("")))
	m.recordTurnLocked(userText, strings.Join(phrases, m.cfg.Spacer))
	m.metrics.TurnsTaken.Add(ctx, 1)
}

// speakPhrase publishes one phrase ADD if the system still holds the turn.
func (m *Manager) speakPhrase(ctx context.Context, phrase string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speakPhraseLocked(ctx, phrase)
}

func (m *Manager) speakPhraseLocked(ctx context.Context, phrase string) bool {
	if m.state != stateTalking {
		return false
	}
	u := iu.New(producerName, broker.ExchangeDialogue, iu.Add, iu.Text(phrase))
	m.publish(ctx, u)
	m.outputBuf = append(m.outputBuf, u)
	return true
}

// speakDefault falls back to the configured phrase when no attempt produced
// output in time, keeping the turn structure intact for downstream modules.
func (m *Manager) speakDefault(ctx context.Context, userText string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateTalking {
		return
	}
	if !m.speakPhraseLocked(ctx, m.cfg.DefaultPhrase) {
		return
	}
	m.publish(ctx, iu.New(producerName, broker.ExchangeDialogue, iu.Commit, iu.Text("")))
	m.recordTurnLocked(userText, m.cfg.DefaultPhrase)
	m.metrics.TurnsTaken.Add(ctx, 1)
}
