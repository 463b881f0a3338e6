package dialogue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/palaver-dev/palaver/internal/broker"
	"github.com/palaver-dev/palaver/internal/config"
	"github.com/palaver-dev/palaver/internal/dialogue"
	"github.com/palaver-dev/palaver/internal/prompt"
	"github.com/palaver-dev/palaver/internal/respgen"
	"github.com/palaver-dev/palaver/pkg/iu"
	"github.com/palaver-dev/palaver/pkg/provider/llm"
	llmmock "github.com/palaver-dev/palaver/pkg/provider/llm/mock"
)

// recorder captures IUs from one exchange in arrival order.
type recorder struct {
	mu  sync.Mutex
	ius []iu.IU
}

func (r *recorder) handle(u iu.IU) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ius = append(r.ius, u)
}

func (r *recorder) snapshot() []iu.IU {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]iu.IU, len(r.ius))
	copy(out, r.ius)
	return out
}

func (r *recorder) waitFor(t *testing.T, n int) []iu.IU {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d IUs, have %d", n, len(r.snapshot()))
	return nil
}

func testDialogueConfig() config.DialogueConfig {
	return config.DialogueConfig{
		HistoryLength:    5,
		ResponseInterval: 2,
		Backchannels:     []string{"Uh-huh."},
		Spacer:           " ",
		DefaultPhrase:    "Sorry, I didn't quite catch that. Could you repeat?",
	}
}

type fixture struct {
	bus       *broker.MemBus
	ctx       context.Context
	manager   *dialogue.Manager
	dialogue  *recorder
	dialogue2 *recorder
}

func startManager(t *testing.T, provider llm.Provider, cfg config.DialogueConfig, llmWait time.Duration) *fixture {
	t.Helper()

	bus := broker.NewMemBus()
	t.Cleanup(func() { bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	prompts, err := prompt.Load(config.PromptPaths{})
	if err != nil {
		t.Fatalf("prompt.Load: %v", err)
	}
	gen, err := respgen.New(provider, config.LLMConfig{
		SplitPattern: []string{".", "!", "?"},
		MaxTokens:    64,
	}, prompts)
	if err != nil {
		t.Fatalf("respgen.New: %v", err)
	}

	f := &fixture{bus: bus, ctx: ctx, dialogue: &recorder{}, dialogue2: &recorder{}}
	for exchange, rec := range map[string]*recorder{
		broker.ExchangeDialogue:  f.dialogue,
		broker.ExchangeDialogue2: f.dialogue2,
	} {
		if err := bus.Subscribe(ctx, exchange, rec.handle); err != nil {
			t.Fatalf("Subscribe(%s): %v", exchange, err)
		}
	}

	f.manager = dialogue.New(bus, gen, cfg, llmWait)
	go f.manager.Run(ctx)

	// Run subscribes asynchronously; publishing before the subscription is
	// registered would silently drop the message (at-most-once delivery).
	time.Sleep(50 * time.Millisecond)
	return f
}

func (f *fixture) sendVAPEvent(t *testing.T, ev iu.Event) {
	t.Helper()
	u := iu.New("vap", broker.ExchangeVAP, iu.Add, ev)
	if err := f.bus.Publish(f.ctx, broker.ExchangeVAP, u); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func (f *fixture) sendTTSCommit(t *testing.T) {
	t.Helper()
	u := iu.New("tts", broker.ExchangeTTS, iu.Commit, iu.Text(""))
	if err := f.bus.Publish(f.ctx, broker.ExchangeTTS, u); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func (f *fixture) waitState(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.manager.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state: want %s, got %s", want, f.manager.State())
}

func kinds(ius []iu.IU) []string {
	out := make([]string, len(ius))
	for i, u := range ius {
		out[i] = string(u.Kind) + ":" + iu.TextOf(u.Body)
	}
	return out
}

func TestBasicTurn(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Hi there!"}, {Text: "/"}, {Text: "0_normal|2_nod"},
	}}
	f := startManager(t, provider, testDialogueConfig(), time.Second)

	f.sendVAPEvent(t, iu.Event{Name: iu.EventASRCommit, Text: "hi there"})
	f.waitState(t, "listening")
	f.sendVAPEvent(t, iu.Event{Name: iu.EventSystemTakeTurn})

	got := f.dialogue.waitFor(t, 2)
	if got[0].Kind != iu.Add || iu.TextOf(got[0].Body) != "Hi there!" {
		t.Fatalf("want add:Hi there!, got %v", kinds(got))
	}
	if got[1].Kind != iu.Commit {
		t.Fatalf("want trailing commit, got %v", kinds(got))
	}

	f.sendTTSCommit(t)
	f.waitState(t, "idle")

	hist := f.manager.History()
	if len(hist) != 2 {
		t.Fatalf("history: want 2 entries, got %d", len(hist))
	}
	if hist[0].Role != llm.RoleUser || hist[0].Content != "hi there" {
		t.Errorf("history user entry: got %+v", hist[0])
	}
	if hist[1].Role != llm.RoleAssistant || hist[1].Content != "Hi there!" {
		t.Errorf("history assistant entry: got %+v", hist[1])
	}
}

func TestBargeInRevokesOutput(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "One."}, {Text: " Two."}, {Text: "/"}},
		StreamDelay:  func() <-chan struct{} { return gate },
	}
	f := startManager(t, provider, testDialogueConfig(), time.Second)

	f.sendVAPEvent(t, iu.Event{Name: iu.EventASRCommit, Text: "tell me a story"})
	f.waitState(t, "listening")
	f.sendVAPEvent(t, iu.Event{Name: iu.EventSystemTakeTurn})
	f.waitState(t, "talking")

	gate <- struct{}{}
	f.dialogue.waitFor(t, 1)
	gate <- struct{}{}
	adds := f.dialogue.waitFor(t, 2)

	// The user interrupts mid-utterance.
	f.sendVAPEvent(t, iu.Event{Name: iu.EventASRCommit, Text: "actually nevermind"})
	got := f.dialogue.waitFor(t, 4)
	f.waitState(t, "listening")

	if got[2].Kind != iu.Revoke || got[2].ID != adds[0].ID {
		t.Errorf("first revoke: want id %s, got %s:%s", adds[0].ID, got[2].Kind, got[2].ID)
	}
	if got[3].Kind != iu.Revoke || got[3].ID != adds[1].ID {
		t.Errorf("second revoke: want id %s, got %s:%s", adds[1].ID, got[3].Kind, got[3].ID)
	}
	for _, u := range f.dialogue.snapshot()[4:] {
		if u.Kind == iu.Add {
			t.Errorf("add published after barge-in revokes: %v", kinds(f.dialogue.snapshot()))
		}
	}
}

func TestSpeculativeFreshestAttemptWins(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Lunch is at noon."}, {Text: "/"},
	}}
	f := startManager(t, provider, testDialogueConfig(), time.Second)

	for i, tok := range []string{"when", "is", "lunch"} {
		u := iu.New("asr", broker.ExchangeASR, iu.Add, iu.Text(tok))
		u.Timestamp = float64(i) * 0.15
		if err := f.bus.Publish(f.ctx, broker.ExchangeASR, u); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	// Attempts launch on the 1st and 3rd token.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && provider.StreamCallCount() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if n := provider.StreamCallCount(); n != 2 {
		t.Fatalf("want 2 speculative attempts, got %d", n)
	}
	// Let both attempts enter the selection buffer.
	time.Sleep(50 * time.Millisecond)

	f.sendVAPEvent(t, iu.Event{Name: iu.EventASRCommit, Text: "when is lunch"})
	f.waitState(t, "listening")
	f.sendVAPEvent(t, iu.Event{Name: iu.EventSystemTakeTurn})
	f.dialogue.waitFor(t, 2)

	var winner, loser llmmock.StreamCall
	for i := 0; i < 2; i++ {
		call := provider.StreamCall(i)
		last := call.Req.Messages[len(call.Req.Messages)-1]
		if last.Content == "when is lunch" {
			winner = call
		} else {
			loser = call
		}
	}
	if winner.Req.Messages == nil {
		t.Fatal("no attempt saw the full utterance")
	}
	lastLoser := loser.Req.Messages[len(loser.Req.Messages)-1]
	if lastLoser.Content != "when" {
		t.Errorf("loser attempt text: want 'when', got %q", lastLoser.Content)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && loser.Ctx.Err() == nil {
		time.Sleep(5 * time.Millisecond)
	}
	if loser.Ctx.Err() == nil {
		t.Error("losing attempt was not cancelled")
	}
	if winner.Ctx.Err() != nil {
		t.Error("winning attempt must not be cancelled")
	}
}

func TestLLMFailureFallsBackToDefaultPhrase(t *testing.T) {
	t.Parallel()

	cfg := testDialogueConfig()
	provider := &llmmock.Provider{StreamErr: errors.New("model unavailable")}
	f := startManager(t, provider, cfg, 80*time.Millisecond)

	f.sendVAPEvent(t, iu.Event{Name: iu.EventASRCommit, Text: "hello?"})
	f.waitState(t, "listening")
	f.sendVAPEvent(t, iu.Event{Name: iu.EventSystemTakeTurn})

	got := f.dialogue.waitFor(t, 2)
	if iu.TextOf(got[0].Body) != cfg.DefaultPhrase {
		t.Errorf("want default phrase, got %q", iu.TextOf(got[0].Body))
	}
	if got[1].Kind != iu.Commit {
		t.Errorf("want trailing commit, got %v", kinds(got))
	}

	hist := f.manager.History()
	if len(hist) != 2 || hist[1].Content != cfg.DefaultPhrase {
		t.Errorf("history after fallback: got %+v", hist)
	}
}

// stalledProvider accepts the completion call but never returns from it,
// like a backend that hangs after the connection is established.
type stalledProvider struct {
	mu   sync.Mutex
	ctxs []context.Context
}

func (p *stalledProvider) StreamCompletion(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.ctxs = append(p.ctxs, ctx)
	p.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *stalledProvider) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errors.New("stalled")
}

func (p *stalledProvider) firstCtx() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ctxs) == 0 {
		return nil
	}
	return p.ctxs[0]
}

func TestTimeoutReleasesStalledAttempt(t *testing.T) {
	t.Parallel()

	cfg := testDialogueConfig()
	provider := &stalledProvider{}
	f := startManager(t, provider, cfg, 80*time.Millisecond)

	f.sendVAPEvent(t, iu.Event{Name: iu.EventASRCommit, Text: "hello?"})
	f.waitState(t, "listening")
	f.sendVAPEvent(t, iu.Event{Name: iu.EventSystemTakeTurn})

	got := f.dialogue.waitFor(t, 2)
	if iu.TextOf(got[0].Body) != cfg.DefaultPhrase {
		t.Errorf("want default phrase, got %q", iu.TextOf(got[0].Body))
	}

	// The attempt that timed out must be cancelled, not left parked with a
	// live completion stream.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sctx := provider.firstCtx(); sctx != nil && sctx.Err() != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("stalled attempt not cancelled after response timeout")
}

func TestBackchannelOnlyWhenIdle(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{}
	f := startManager(t, provider, testDialogueConfig(), time.Second)

	f.sendVAPEvent(t, iu.Event{Name: iu.EventSystemBackchannel})
	got := f.dialogue.waitFor(t, 1)
	if iu.TextOf(got[0].Body) != "Uh-huh." || got[0].Kind != iu.Add {
		t.Fatalf("want backchannel add, got %v", kinds(got))
	}

	f.sendVAPEvent(t, iu.Event{Name: iu.EventASRCommit, Text: "so"})
	f.waitState(t, "listening")
	f.sendVAPEvent(t, iu.Event{Name: iu.EventSystemBackchannel})

	time.Sleep(50 * time.Millisecond)
	if n := len(f.dialogue.snapshot()); n != 1 {
		t.Errorf("backchannel while listening must be ignored: %v", kinds(f.dialogue.snapshot()))
	}
}

func TestStaleCommitIgnored(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{}
	f := startManager(t, provider, testDialogueConfig(), time.Second)

	// The system just finished an utterance.
	f.sendTTSCommit(t)
	f.waitState(t, "idle")

	// A commit that predates the utterance end is an echo, not user input.
	stale := iu.New("text_vap", broker.ExchangeVAP, iu.Add, iu.Event{Name: iu.EventASRCommit, Text: "echo"})
	stale.Timestamp = 1.0
	if err := f.bus.Publish(f.ctx, broker.ExchangeVAP, stale); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := f.manager.State(); got != "idle" {
		t.Errorf("stale commit must not change state, got %s", got)
	}
}

func TestEmoActForwardedToAvatar(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{}
	f := startManager(t, provider, testDialogueConfig(), time.Second)

	r := iu.Reaction{Expression: "joy", Action: "nod", CurrentText: "nice"}
	u := iu.New("text_vap", broker.ExchangeEmoAct, iu.Add, r)
	if err := f.bus.Publish(f.ctx, broker.ExchangeEmoAct, u); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := f.dialogue2.waitFor(t, 1)
	fwd, ok := got[0].Body.(iu.Reaction)
	if !ok || fwd != r {
		t.Errorf("forwarded reaction: want %+v, got %+v", r, got[0].Body)
	}
	if got[0].Producer != "dialogue" {
		t.Errorf("forwarded producer: want dialogue, got %s", got[0].Producer)
	}
}

func TestHistoryTrimmedToConfiguredLength(t *testing.T) {
	t.Parallel()

	cfg := testDialogueConfig()
	cfg.HistoryLength = 1
	provider := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Okay."}, {Text: "/"}}}
	f := startManager(t, provider, cfg, time.Second)

	for i, text := range []string{"first turn", "second turn"} {
		f.sendVAPEvent(t, iu.Event{Name: iu.EventASRCommit, Text: text})
		f.waitState(t, "listening")
		f.sendVAPEvent(t, iu.Event{Name: iu.EventSystemTakeTurn})
		// One phrase ADD plus one COMMIT per turn.
		f.dialogue.waitFor(t, 2*(i+1))
		f.sendTTSCommit(t)
		f.waitState(t, "idle")
	}

	hist := f.manager.History()
	if len(hist) != 2 {
		t.Fatalf("history: want 2 entries (1 pair), got %d", len(hist))
	}
	if hist[0].Content != "second turn" {
		t.Errorf("history must keep the newest pair, got %+v", hist)
	}
}
