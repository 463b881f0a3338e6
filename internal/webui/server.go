// Package webui serves the browser frontend of the dialogue system.
//
// The server bridges the bus to connected browsers over a WebSocket: traffic
// on the asr, dialogue, dialogue2, emo_act and score exchanges is forwarded
// to every client as wire-format JSON, so the page can render the live
// transcript, the avatar's expression and action, and the turn-taking scores.
//
// In the other direction the page's text box simulates a speech recognizer:
// each keystroke publishes an ADD on the asr exchange with a "user-partial"
// id, pressing enter publishes a COMMIT with a "user-final" id, and an idle
// timeout auto-commits whatever was typed. Downstream modules treat these
// exactly like recognizer output.
//
// The same HTTP server exposes /metrics (Prometheus), /healthz and /readyz.
package webui

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/palaver-dev/palaver/internal/broker"
	"github.com/palaver-dev/palaver/internal/config"
	"github.com/palaver-dev/palaver/internal/health"
	"github.com/palaver-dev/palaver/pkg/iu"
)

const producerName = "webui"

// inputPollInterval is how often the idle-commit watcher checks the typed
// buffer against the input timeout.
const inputPollInterval = 200 * time.Millisecond

//go:embed static
var staticFiles embed.FS

// forwardedExchanges lists the bus traffic mirrored to browser clients.
var forwardedExchanges = []string{
	broker.ExchangeASR,
	broker.ExchangeDialogue,
	broker.ExchangeDialogue2,
	broker.ExchangeEmoAct,
	broker.ExchangeScore,
}

// userInput is the JSON message a browser client sends for the typed-input
// recognizer simulation.
type userInput struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// client is one connected browser. Outbound frames queue on send; a client
// that cannot keep up loses frames rather than stalling the broadcast.
type client struct {
	send chan []byte
}

// Server is the web frontend HTTP/WebSocket server.
type Server struct {
	bus    broker.Bus
	cfg    config.WebUIConfig
	log    *slog.Logger
	health *health.Handler

	mu        sync.Mutex
	clients   map[*client]struct{}
	addr      string
	inputBuf  string
	lastInput time.Time
	runCtx    context.Context
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithHealth sets the health handler serving /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// New creates a Server. It does not listen until [Server.Run].
func New(bus broker.Bus, cfg config.WebUIConfig, opts ...Option) *Server {
	s := &Server{
		bus:     bus,
		cfg:     cfg,
		log:     slog.Default(),
		clients: make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.health == nil {
		s.health = health.New()
	}
	return s
}

// Addr returns the listening address, or "" before [Server.Run] has bound
// its socket. Useful with a ":0" listen address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run subscribes to the forwarded exchanges and serves HTTP until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	for _, ex := range forwardedExchanges {
		if err := s.bus.Subscribe(ctx, ex, s.forward); err != nil {
			return fmt.Errorf("webui: subscribe to %s: %w", ex, err)
		}
	}
	go s.watchInputTimeout(ctx)

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("webui: listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("webui: listening", "addr", s.addr)

	srv := &http.Server{Handler: s.Handler()}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return ctx.Err()
	case err := <-errc:
		return fmt.Errorf("webui: serve: %w", err)
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(mux)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /", http.FileServerFS(staticFiles))
	mux.Handle("GET /{$}", http.RedirectHandler("/static/index.html", http.StatusFound))
	return mux
}

// ---- websocket ----

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("webui: websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	c := &client{send: make(chan []byte, 256)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.log.Info("webui: client connected", "clients", n)

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		s.log.Info("webui: client disconnected")
	}()

	ctx := r.Context()
	go s.writeLoop(ctx, conn, c)
	s.readLoop(ctx, conn)
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.send:
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var in userInput
		if err := json.Unmarshal(data, &in); err != nil {
			s.log.Warn("webui: malformed client message", "error", err)
			continue
		}
		s.handleInput(ctx, in.Text, in.IsFinal)
	}
}

// forward mirrors one bus IU to every connected client. Slow clients lose
// frames.
func (s *Server) forward(u iu.IU) {
	// The frontend never consumes its own simulated input.
	if u.Producer == producerName {
		return
	}
	frame, err := json.Marshal(u)
	if err != nil {
		s.log.Warn("webui: marshal IU for client", "error", err)
		return
	}
	s.mu.Lock()
	for c := range s.clients {
		select {
		case c.send <- frame:
		default:
		}
	}
	s.mu.Unlock()
}

// ---- typed-input recognizer simulation ----

// handleInput turns text-box changes into simulated recognizer IUs. A final
// input commits the utterance; a changed partial replaces it wholesale, which
// downstream modules detect via the "user-partial" id.
func (s *Server) handleInput(ctx context.Context, text string, isFinal bool) {
	s.mu.Lock()
	s.lastInput = time.Now()
	if isFinal {
		s.inputBuf = ""
		s.mu.Unlock()
		u := iu.New(producerName, broker.ExchangeASR, iu.Commit, iu.Text(text))
		u.ID = "user-final-" + uuid.NewString()
		u.Stability = 1.0
		u.Confidence = 1.0
		s.publish(ctx, u)
		return
	}
	if text == s.inputBuf {
		s.mu.Unlock()
		return
	}
	s.inputBuf = text
	s.mu.Unlock()

	u := iu.New(producerName, broker.ExchangeASR, iu.Add, iu.Text(text))
	u.ID = "user-partial-" + uuid.NewString()
	u.Stability = 0.5
	u.Confidence = 0.5
	s.publish(ctx, u)
}

// watchInputTimeout commits the typed buffer after the user stops typing.
func (s *Server) watchInputTimeout(ctx context.Context) {
	ticker := time.NewTicker(inputPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			pending := s.inputBuf
			idle := pending != "" && time.Since(s.lastInput) >= s.cfg.InputTimeout
			s.mu.Unlock()
			if idle {
				s.log.Info("webui: input timeout, committing", "text", pending)
				s.handleInput(ctx, pending, true)
			}
		}
	}
}

func (s *Server) publish(ctx context.Context, u iu.IU) {
	if err := s.bus.Publish(ctx, u.Exchange, u); err != nil {
		s.log.Warn("webui: publish failed", "exchange", u.Exchange, "error", err)
	}
}
