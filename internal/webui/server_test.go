package webui_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/palaver-dev/palaver/internal/broker"
	"github.com/palaver-dev/palaver/internal/config"
	"github.com/palaver-dev/palaver/internal/webui"
	"github.com/palaver-dev/palaver/pkg/iu"
)

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
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d IUs, have %d", n, len(r.snapshot()))
	return nil
}

type fixture struct {
	bus  *broker.MemBus
	ctx  context.Context
	asr  *recorder
	addr string
	conn *websocket.Conn
}

func startServer(t *testing.T, cfg config.WebUIConfig) *fixture {
	t.Helper()

	bus := broker.NewMemBus()
	t.Cleanup(func() { bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{bus: bus, ctx: ctx, asr: &recorder{}}
	if err := bus.Subscribe(ctx, broker.ExchangeASR, f.asr.handle); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	srv := webui.New(bus, cfg)
	go srv.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for f.addr == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		f.addr = srv.Addr()
		time.Sleep(5 * time.Millisecond)
	}

	conn, _, err := websocket.Dial(ctx, "ws://"+f.addr+"/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	f.conn = conn
	return f
}

func testWebUIConfig() config.WebUIConfig {
	return config.WebUIConfig{
		ListenAddr:   "127.0.0.1:0",
		InputTimeout: time.Minute,
	}
}

func (f *fixture) typeText(t *testing.T, text string, final bool) {
	t.Helper()
	frame, _ := json.Marshal(map[string]any{"text": text, "is_final": final})
	if err := f.conn.Write(f.ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("websocket write: %v", err)
	}
}

func (f *fixture) readIU(t *testing.T) iu.IU {
	t.Helper()
	ctx, cancel := context.WithTimeout(f.ctx, 3*time.Second)
	defer cancel()
	_, data, err := f.conn.Read(ctx)
	if err != nil {
		t.Fatalf("websocket read: %v", err)
	}
	var u iu.IU
	if err := json.Unmarshal(data, &u); err != nil {
		t.Fatalf("decode forwarded IU: %v", err)
	}
	return u
}

func TestTypedPartialPublishesSimulatedToken(t *testing.T) {
	t.Parallel()

	f := startServer(t, testWebUIConfig())
	f.typeText(t, "hello th", false)

	got := f.asr.waitFor(t, 1)
	u := got[0]
	if u.Kind != iu.Add || iu.TextOf(u.Body) != "hello th" {
		t.Fatalf("want add %q, got %s %q", "hello th", u.Kind, iu.TextOf(u.Body))
	}
	if !strings.Contains(u.ID, "user-partial") {
		t.Errorf("partial id: want user-partial tag, got %q", u.ID)
	}
	if u.Stability != 0.5 || u.Confidence != 0.5 {
		t.Errorf("partial scores: got stability %v confidence %v", u.Stability, u.Confidence)
	}
}

func TestUnchangedPartialIsNotRepublished(t *testing.T) {
	t.Parallel()

	f := startServer(t, testWebUIConfig())
	f.typeText(t, "same", false)
	f.typeText(t, "same", false)
	f.typeText(t, "same text", false)

	got := f.asr.waitFor(t, 2)
	time.Sleep(50 * time.Millisecond)
	if got = f.asr.snapshot(); len(got) != 2 {
		t.Fatalf("want 2 publishes for 2 distinct partials, got %d", len(got))
	}
	if iu.TextOf(got[1].Body) != "same text" {
		t.Errorf("second partial: got %q", iu.TextOf(got[1].Body))
	}
}

func TestTypedFinalCommits(t *testing.T) {
	t.Parallel()

	f := startServer(t, testWebUIConfig())
	f.typeText(t, "good morning", true)

	got := f.asr.waitFor(t, 1)
	u := got[0]
	if u.Kind != iu.Commit || iu.TextOf(u.Body) != "good morning" {
		t.Fatalf("want commit %q, got %s %q", "good morning", u.Kind, iu.TextOf(u.Body))
	}
	if !strings.Contains(u.ID, "user-final") {
		t.Errorf("final id: want user-final tag, got %q", u.ID)
	}
	if u.Stability != 1.0 || u.Confidence != 1.0 {
		t.Errorf("final scores: got stability %v confidence %v", u.Stability, u.Confidence)
	}
}

func TestIdleTimeoutAutoCommits(t *testing.T) {
	t.Parallel()

	cfg := testWebUIConfig()
	cfg.InputTimeout = 50 * time.Millisecond
	f := startServer(t, cfg)

	f.typeText(t, "trailing off", false)

	got := f.asr.waitFor(t, 2)
	if got[1].Kind != iu.Commit || iu.TextOf(got[1].Body) != "trailing off" {
		t.Fatalf("want auto-commit of %q, got %s %q",
			"trailing off", got[1].Kind, iu.TextOf(got[1].Body))
	}
	if !strings.Contains(got[1].ID, "user-final") {
		t.Errorf("auto-commit id: got %q", got[1].ID)
	}
}

func TestBusTrafficIsForwardedToClient(t *testing.T) {
	t.Parallel()

	f := startServer(t, testWebUIConfig())

	sent := iu.New("dialogue", broker.ExchangeDialogue, iu.Add, iu.Text("Hi there!"))
	if err := f.bus.Publish(f.ctx, broker.ExchangeDialogue, sent); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := f.readIU(t)
	if got.Exchange != broker.ExchangeDialogue || iu.TextOf(got.Body) != "Hi there!" {
		t.Fatalf("forwarded IU: got exchange %q body %q", got.Exchange, iu.TextOf(got.Body))
	}
	if got.ID != sent.ID {
		t.Errorf("forwarded IU id: want %q, got %q", sent.ID, got.ID)
	}
}

func TestOwnSimulatedInputIsNotEchoedBack(t *testing.T) {
	t.Parallel()

	f := startServer(t, testWebUIConfig())
	f.typeText(t, "no echo", false)
	f.asr.waitFor(t, 1)

	// A real recognizer token must still come through.
	token := iu.New("asr", broker.ExchangeASR, iu.Add, iu.Text("real"))
	if err := f.bus.Publish(f.ctx, broker.ExchangeASR, token); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got := f.readIU(t)
	if iu.TextOf(got.Body) != "real" {
		t.Fatalf("client received %q, want the recognizer token only", iu.TextOf(got.Body))
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	t.Parallel()

	f := startServer(t, testWebUIConfig())
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get("http://" + f.addr + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: want 200, got %d", path, resp.StatusCode)
		}
	}
}
