// Package respgen turns an LLM completion stream into spoken-phrase
// fragments.
//
// The model is prompted to answer in short phrases separated by punctuation,
// to mark the end of its answer with the character "/", and to finish with an
// expression/action marker like "1_joy|2_nod". The generator re-chunks the
// raw token stream along the configured split pattern so the TTS pipeline can
// start speaking the first phrase while the rest is still being generated,
// and decodes the trailing marker into avatar labels.
package respgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/palaver-dev/palaver/internal/config"
	"github.com/palaver-dev/palaver/internal/observe"
	"github.com/palaver-dev/palaver/internal/prompt"
	"github.com/palaver-dev/palaver/pkg/provider/llm"
)

// endMarker terminates the model's answer; everything after it is the
// expression/action marker.
const endMarker = "/"

// Fragment is one element of a streamed response. Phrase fragments carry
// text to speak; the final fragment of a stream carries the avatar labels
// instead.
type Fragment struct {
	// Phrase is a speakable piece of the response. Empty on the final
	// label fragment.
	Phrase string

	// Expression and Action are set on the final fragment only.
	Expression string
	Action     string
}

// Generator builds cancellable response streams.
type Generator struct {
	provider llm.Provider
	cfg      config.LLMConfig
	prompts  prompt.Set
	split    *regexp.Regexp
	log      *slog.Logger
	metrics  *observe.Metrics
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the generator's logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Generator) { g.log = log }
}

// WithMetrics sets the metrics sink. Default: [observe.Default].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// New creates a Generator. The split pattern is compiled from the configured
// delimiter list; an empty list splits on sentence punctuation.
func New(provider llm.Provider, cfg config.LLMConfig, prompts prompt.Set, opts ...Option) (*Generator, error) {
	delims := cfg.SplitPattern
	if len(delims) == 0 {
		delims = []string{".", "!", "?"}
	}
	quoted := make([]string, len(delims))
	for i, d := range delims {
		quoted[i] = regexp.QuoteMeta(d)
	}
	split, err := regexp.Compile(strings.Join(quoted, "|"))
	if err != nil {
		return nil, fmt.Errorf("respgen: compile split pattern: %w", err)
	}
	g := &Generator{
		provider: provider,
		cfg:      cfg,
		prompts:  prompts,
		split:    split,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.Default()
	}
	return g, nil
}

// Generate starts a streamed response to userText given the dialogue history.
// An empty userText is a self-initiated turn and uses the timeout prompt.
// The returned channel yields phrase fragments as they complete and exactly
// one trailing label fragment, then closes. Cancelling ctx stops token
// consumption promptly and discards in-flight text.
func (g *Generator) Generate(ctx context.Context, userText string, history []llm.Message) (<-chan Fragment, error) {
	chunks, err := g.provider.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:  g.buildMessages(userText, history),
		MaxTokens: g.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("respgen: start completion: %w", err)
	}

	out := make(chan Fragment)
	go g.reassemble(ctx, chunks, out)
	return out, nil
}

// buildMessages assembles the dialogue context: trimmed history, then the
// system prompt and the user's utterance (or the self-initiated prompt).
func (g *Generator) buildMessages(userText string, history []llm.Message) []llm.Message {
	start := 0
	if max := g.cfg.MaxMessagesInContext; max > 0 && len(history) > max {
		start = len(history) - max
	}
	msgs := make([]llm.Message, 0, len(history)-start+3)
	msgs = append(msgs, history[start:]...)

	if userText == "" {
		return append(msgs, llm.Message{Role: llm.RoleUser, Content: g.prompts.Timeout})
	}
	return append(msgs,
		llm.Message{Role: llm.RoleUser, Content: g.prompts.Response},
		llm.Message{Role: llm.RoleAssistant, Content: "OK"},
		llm.Message{Role: llm.RoleUser, Content: userText},
	)
}

// reassemble consumes raw chunks and emits phrase fragments at split
// boundaries, then the trailing label fragment.
func (g *Generator) reassemble(ctx context.Context, chunks <-chan llm.Chunk, out chan<- Fragment) {
	defer close(out)
	start := time.Now()
	defer func() {
		g.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}()

	var pending string
	inMarker := false
	for chunk := range chunks {
		if chunk.FinishReason == "error" {
			g.log.Warn("respgen: stream failed", "error", errors.New(chunk.Text))
			return
		}
		token := chunk.Text
		for {
			before, after, marked := strings.Cut(token, endMarker)
			pending += before

			for !inMarker {
				phrase, rest, found := g.cutPhrase(pending)
				if !found {
					break
				}
				pending = rest
				if !emit(ctx, out, Fragment{Phrase: strings.TrimSpace(phrase)}) {
					return
				}
			}
			if !marked {
				break
			}
			inMarker = true
			// The end marker flushes the last phrase; whatever the model
			// sends after its final marker is the label marker.
			if strings.TrimSpace(pending) != "" {
				if !emit(ctx, out, Fragment{Phrase: strings.TrimSpace(pending)}) {
					return
				}
			}
			pending = ""
			token = after
		}
	}

	expression, action := parseMarker(strings.TrimSpace(pending))
	emit(ctx, out, Fragment{Expression: expression, Action: action})
}

// cutPhrase splits pending at the first delimiter. The delimiter stays with
// the phrase so the TTS keeps natural sentence prosody.
func (g *Generator) cutPhrase(pending string) (phrase, rest string, found bool) {
	loc := g.split.FindStringIndex(pending)
	if loc == nil {
		return "", pending, false
	}
	return pending[:loc[1]], pending[loc[1]:], true
}

// emit delivers a fragment unless ctx was cancelled. A false return tells the
// caller to stop producing.
func emit(ctx context.Context, out chan<- Fragment, f Fragment) bool {
	if f.Phrase == "" && f.Expression == "" && f.Action == "" {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case out <- f:
		return true
	}
}
