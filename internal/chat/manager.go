package chat

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/thingenious/eva/internal/engine"
	"github.com/thingenious/eva/internal/observe"
	"github.com/thingenious/eva/pkg/conversation"
)

// readLimitSlack is headroom above the configured message cap so the session
// can read a slightly-oversized frame and answer it with a MESSAGE_TOO_LONG
// error frame instead of the transport tearing down mid-read.
const readLimitSlack = 4096

// Responder produces one streamed assistant turn. Implemented by
// [engine.Engine].
type Responder interface {
	Respond(ctx context.Context, convID uuid.UUID, content string, emit engine.EmitFunc) error
}

// Config carries the WebSocket surface tunables.
type Config struct {
	// APIKey is the shared chat access token clients must present.
	APIKey string

	// MaxMessageBytes caps the size of one inbound frame. Default 64 KiB.
	MaxMessageBytes int64

	// OutboundQueueSize is the per-session outbound frame queue depth.
	// A full queue applies blocking backpressure to the engine. Default 256.
	OutboundQueueSize int
}

func (c *Config) applyDefaults() {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 256
	}
}

// Manager accepts WebSocket upgrades on /ws and tracks live sessions so a
// graceful shutdown can close them all with status 1001.
type Manager struct {
	responder Responder
	store     conversation.Store
	cfg       Config
	logger    *slog.Logger
	metrics   *observe.Metrics

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
	closed   bool

	wg sync.WaitGroup
}

// Option configures a Manager during construction.
type Option func(*Manager)

// WithLogger sets the structured logger. Default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics instance. Default is [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// NewManager builds the WebSocket session manager.
func NewManager(responder Responder, store conversation.Store, cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		responder: responder,
		store:     store,
		cfg:       cfg,
		logger:    slog.Default(),
		sessions:  make(map[uuid.UUID]*session),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Register adds the /ws route to mux.
func (m *Manager) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", m.ServeHTTP)
}

// ServeHTTP upgrades the request and runs the session until it ends. The
// token is checked after the upgrade so the client receives a proper 1008
// close frame rather than a failed handshake.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	token, subprotocol := extractToken(r)

	acceptOpts := &websocket.AcceptOptions{
		// The original HTTP API served browsers from any origin; same here.
		OriginPatterns: []string{"*"},
	}
	if subprotocol != "" {
		acceptOpts.Subprotocols = []string{subprotocol}
	}

	conn, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		m.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	if !validToken(token, m.cfg.APIKey) {
		m.logger.Warn("websocket connection with invalid or missing API key")
		_ = conn.Close(websocket.StatusPolicyViolation, "Invalid or missing API key")
		return
	}

	conn.SetReadLimit(m.cfg.MaxMessageBytes + readLimitSlack)

	s := newSession(r.Context(), conn, m)
	if !m.add(s) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer m.remove(s)

	m.metrics.ActiveSessions.Add(r.Context(), 1)
	defer m.metrics.ActiveSessions.Add(context.WithoutCancel(r.Context()), -1)

	m.logger.Info("session started", "session_id", s.id)
	s.run()
	m.logger.Info("session ended", "session_id", s.id)
}

func (m *Manager) add(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.sessions[s.id] = s
	m.wg.Add(1)
	return true
}

func (m *Manager) remove(s *session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
	m.wg.Done()
}

// Shutdown closes every live session with status 1001 and waits for their
// handlers to unwind, or until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.close(websocket.StatusGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
