// Package hub owns the WebSocket side of the sync core: one session per
// user, upgraded on /ws, fed from the event bus, and closed when the user
// disconnects. The last session to close stops the user's agents.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/inboxkit/syncd/internal/account"
	"github.com/inboxkit/syncd/internal/bus"
	"github.com/inboxkit/syncd/internal/metrics"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// TokenVerifier resolves a bearer token to a user ID.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// AgentSupervisor is the supervisor surface the hub drives.
type AgentSupervisor interface {
	EnsureForUser(ctx context.Context, userID string) error
	StopAll(ctx context.Context, userID string) error
	Status(userID string) map[string]account.AgentState
}

// Config holds the hub tunables.
type Config struct {
	Heartbeat    time.Duration // protocol PING interval
	WriteTimeout time.Duration // per-frame write budget
	QueueLen     int           // outbound frames per session
	AdminToken   string        // guards /status and /test; empty disables them
}

func (c Config) withDefaults() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.QueueLen <= 0 {
		c.QueueLen = 256
	}
	return c
}

// Hub is the session registry plus the HTTP surface serving it.
type Hub struct {
	verifier  TokenVerifier
	agents    AgentSupervisor
	bus       *bus.Bus
	collector metrics.Collector
	cfg       Config
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	draining bool
}

// New creates a Hub. Run must be started for bus events to reach sessions.
func New(verifier TokenVerifier, agents AgentSupervisor, b *bus.Bus, collector metrics.Collector, cfg Config) *Hub {
	return &Hub{
		verifier:  verifier,
		agents:    agents,
		bus:       b,
		collector: collector,
		cfg:       cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
}

// Run fans bus events out to sessions until ctx is cancelled, then drains:
// no new sessions are admitted and every live one is closed 1001.
func (h *Hub) Run(ctx context.Context) {
	sub := h.bus.Subscribe("hub", 1024, bus.TopicNewMessage, bus.TopicStatus, bus.TopicBroadcast)
	defer h.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			// Deliver whatever the bus already handed us, so final
			// statuses published during shutdown reach their sessions.
			for {
				select {
				case ev := <-sub.C():
					h.dispatch(ev)
				default:
					h.drain()
					return
				}
			}
		case ev := <-sub.C():
			h.dispatch(ev)
		}
	}
}

func (h *Hub) dispatch(ev bus.Event) {
	switch ev.Topic {
	case bus.TopicNewMessage:
		msg, ok := ev.Payload.(account.NewMessageEvent)
		if !ok {
			return
		}
		if s := h.sessionFor(msg.UserID); s != nil {
			s.enqueue(newEmailFrame(msg))
		}
	case bus.TopicStatus:
		status, ok := ev.Payload.(account.StatusEvent)
		if !ok {
			return
		}
		if s := h.sessionFor(status.UserID); s != nil {
			s.enqueue(syncStatusFrame(status))
		}
	case bus.TopicBroadcast:
		if f, ok := ev.Payload.(Frame); ok {
			h.BroadcastAll(f)
		}
	}
}

// BroadcastAll enqueues the frame on every live session. Per-session
// failures are swallowed.
func (h *Hub) BroadcastAll(f Frame) {
	h.mu.Lock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.enqueue(f)
	}
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) sessionFor(userID string) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[userID]
}

// register installs the session as the user's only one, closing any prior
// session 1000 "replaced" first.
func (h *Hub) register(s *session) bool {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		s.closeWith(websocket.CloseGoingAway, "shutting down")
		return false
	}
	prior := h.sessions[s.userID]
	h.sessions[s.userID] = s
	h.mu.Unlock()

	if prior != nil {
		prior.closeWith(websocket.CloseNormalClosure, "replaced")
	}
	return true
}

// unregister removes the session. If the user has no other live session
// their agents are stopped.
func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	replaced := h.sessions[s.userID] != s
	if !replaced {
		delete(h.sessions, s.userID)
	}
	draining := h.draining
	h.mu.Unlock()

	s.closeWith(websocket.CloseNormalClosure, "")
	if replaced || draining {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.agents.StopAll(ctx, s.userID); err != nil {
		logger.Error("Stopping agents after last session close failed",
			slog.String("userId", s.userID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *Hub) drain() {
	h.mu.Lock()
	h.draining = true
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.sessions = make(map[string]*session)
	h.mu.Unlock()

	for _, s := range targets {
		s.requestClose(websocket.CloseGoingAway, "shutting down")
	}
}

// Handler returns the hub's HTTP surface: /ws, /healthz, and the
// admin-token endpoints /status and /test.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/status", h.handleStatus)
	mux.HandleFunc("/test", h.handleTest)
	return otelhttp.NewHandler(mux, "syncd-hub")
}

// handleWS upgrades the connection, verifies the token, and runs the
// session. An invalid token closes the socket 1008.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	token := r.URL.Query().Get("token")
	userID, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		deadline := time.Now().Add(h.cfg.WriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token")
		conn.WriteControl(websocket.CloseMessage, msg, deadline)
		conn.Close()
		h.collector.SessionClosed(websocket.ClosePolicyViolation)
		return
	}

	s := newSession(uuid.NewString(), userID, conn, h, h.cfg.QueueLen)
	if !h.register(s) {
		return
	}
	h.collector.SessionOpened()
	logger.Info("Session opened",
		slog.String("sessionId", s.id),
		slog.String("userId", userID),
	)

	s.enqueue(connectionFrame(s.id, userID, time.Now()))
	go s.writeLoop()

	// Agent startup must never block the handshake.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.agents.EnsureForUser(ctx, userID); err != nil {
			logger.Error("Starting agents for session failed",
				slog.String("userId", userID),
				slog.String("error", err.Error()),
			)
		}
	}()

	s.readLoop()
}

func (h *Hub) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": h.SessionCount(),
	})
}

// handleStatus reports the caller's agents, keyed by mailbox address.
func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !h.adminAuthorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	states := h.agents.Status(userID)
	out := make(map[string]string, len(states))
	for email, state := range states {
		out[email] = state.String()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"userId": userID,
		"agents": out,
	})
}

// handleTest pushes a test_message frame to one user's session, or to all
// sessions when no userId is given.
func (h *Hub) handleTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.adminAuthorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		UserID  string `json:"userId"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	f := TestFrame(req.Message)
	if req.UserID == "" {
		h.BroadcastAll(f)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s := h.sessionFor(req.UserID)
	if s == nil {
		http.Error(w, "no session for user", http.StatusNotFound)
		return
	}
	s.enqueue(f)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Hub) adminAuthorized(r *http.Request) bool {
	if h.cfg.AdminToken == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token == h.cfg.AdminToken {
		return true
	}
	return r.URL.Query().Get("token") == h.cfg.AdminToken
}
