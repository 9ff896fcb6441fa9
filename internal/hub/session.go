package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// session is one live WebSocket connection for one user. Outbound frames
// pass through a bounded pending queue drained by a single writer
// goroutine, so delivery order equals enqueue order.
type session struct {
	id     string
	userID string
	conn   *websocket.Conn
	hub    *Hub

	mu       sync.Mutex
	pending  []Frame
	maxQueue int

	wake     chan struct{}
	closeReq chan closeRequest
	done     chan struct{}
	lastPong atomic.Int64

	closeOnce sync.Once
}

// closeRequest asks the writer to flush pending frames before closing.
type closeRequest struct {
	code   int
	reason string
}

func newSession(id, userID string, conn *websocket.Conn, h *Hub, maxQueue int) *session {
	s := &session{
		id:       id,
		userID:   userID,
		conn:     conn,
		hub:      h,
		maxQueue: maxQueue,
		wake:     make(chan struct{}, 1),
		closeReq: make(chan closeRequest, 1),
		done:     make(chan struct{}),
	}
	s.lastPong.Store(time.Now().UnixNano())
	return s
}

// enqueue appends a frame for delivery. On a full queue it first coalesces
// pending sync_status frames (latest per mailbox wins); if the queue is
// still full the session is closed with 1011.
func (s *session) enqueue(f Frame) bool {
	s.mu.Lock()
	if len(s.pending) >= s.maxQueue {
		if dropped := s.coalesceLocked(f); dropped > 0 {
			s.hub.collector.FramesCoalesced(dropped)
		}
	}
	if len(s.pending) >= s.maxQueue {
		s.mu.Unlock()
		logger.Warn("Session queue overflow, closing",
			slog.String("sessionId", s.id),
			slog.String("userId", s.userID),
		)
		s.closeWith(websocket.CloseInternalServerErr, "outbound queue overflow")
		return false
	}
	s.pending = append(s.pending, f)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// coalesceLocked drops pending sync_status frames superseded by a later
// frame for the same mailbox. The incoming frame counts as latest for its
// mailbox. new_email frames are never dropped.
func (s *session) coalesceLocked(incoming Frame) int {
	latest := make(map[string]int)
	for i, f := range s.pending {
		if f.Type == FrameSyncStatus {
			latest[f.statusEmail] = i
		}
	}
	if incoming.Type == FrameSyncStatus {
		latest[incoming.statusEmail] = -1
	}

	kept := s.pending[:0]
	dropped := 0
	for i, f := range s.pending {
		if f.Type == FrameSyncStatus && latest[f.statusEmail] != i {
			dropped++
			continue
		}
		kept = append(kept, f)
	}
	s.pending = kept
	return dropped
}

// writeLoop drains the pending queue and drives the protocol-level
// heartbeat. It exits when the session closes.
func (s *session) writeLoop() {
	ticker := time.NewTicker(s.hub.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case req := <-s.closeReq:
			s.flush()
			s.closeWith(req.code, req.reason)
			return
		case <-s.wake:
			if !s.flush() {
				return
			}
		case <-ticker.C:
			if !s.heartbeat() {
				return
			}
		}
	}
}

// requestClose closes the session after the writer has flushed whatever
// is still pending, so queued frames reach the client before the close.
// The writer only exits once the session is closed, so an unread request
// means the close already happened.
func (s *session) requestClose(code int, reason string) {
	select {
	case s.closeReq <- closeRequest{code: code, reason: reason}:
	default:
	}
}

func (s *session) flush() bool {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return true
		}
		f := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
		if err := s.conn.WriteJSON(f); err != nil {
			logger.Warn("Session write failed, closing",
				slog.String("sessionId", s.id),
				slog.String("error", err.Error()),
			)
			s.closeWith(websocket.CloseAbnormalClosure, "write failed")
			return false
		}
		s.hub.collector.FrameSent(f.Type)
	}
}

// heartbeat sends a protocol PING and terminates the session if no PONG
// arrived since the previous tick.
func (s *session) heartbeat() bool {
	last := time.Unix(0, s.lastPong.Load())
	if time.Since(last) > s.hub.cfg.Heartbeat+s.hub.cfg.WriteTimeout {
		logger.Info("Session heartbeat timed out",
			slog.String("sessionId", s.id),
			slog.String("userId", s.userID),
		)
		s.closeWith(websocket.CloseNormalClosure, "heartbeat timeout")
		return false
	}

	deadline := time.Now().Add(s.hub.cfg.WriteTimeout)
	if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		s.closeWith(websocket.CloseAbnormalClosure, "ping failed")
		return false
	}
	return true
}

// readLoop consumes inbound frames until the connection drops, then
// unregisters the session. ping gets a pong frame; subscribe is advisory;
// unknown types are ignored.
func (s *session) readLoop() {
	defer s.hub.unregister(s)

	s.conn.SetPongHandler(func(string) error {
		s.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.closeWith(websocket.CloseNormalClosure, "")
			return
		}

		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		switch in.Type {
		case "ping":
			s.enqueue(pongFrame(time.Now()))
		case "subscribe":
			// Advisory; every session receives its user's events.
		default:
			logger.Debug("Ignoring unknown inbound frame",
				slog.String("type", in.Type),
				slog.String("sessionId", s.id),
			)
		}
	}
}

// closeWith closes the session exactly once: a best-effort close frame,
// then the connection. Competing close paths are harmless.
func (s *session) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(s.hub.cfg.WriteTimeout)
		msg := websocket.FormatCloseMessage(code, reason)
		s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		s.conn.Close()
		close(s.done)
		s.hub.collector.SessionClosed(code)
	})
}
