package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inboxkit/syncd/internal/account"
	"github.com/inboxkit/syncd/internal/bus"
	"github.com/inboxkit/syncd/internal/metrics"
)

type fakeVerifier struct {
	verifyFunc func(ctx context.Context, token string) (string, error)
}

func (v *fakeVerifier) Verify(ctx context.Context, token string) (string, error) {
	return v.verifyFunc(ctx, token)
}

// byToken maps "token-<user>" to "<user>" and rejects everything else.
func byToken() *fakeVerifier {
	return &fakeVerifier{verifyFunc: func(_ context.Context, token string) (string, error) {
		if user, ok := strings.CutPrefix(token, "token-"); ok {
			return user, nil
		}
		return "", errors.New("unknown token")
	}}
}

type fakeSupervisor struct {
	mu      sync.Mutex
	ensured []string
	stopped []string
	states  map[string]account.AgentState
}

func (s *fakeSupervisor) EnsureForUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured = append(s.ensured, userID)
	return nil
}

func (s *fakeSupervisor) StopAll(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, userID)
	return nil
}

func (s *fakeSupervisor) Status(userID string) map[string]account.AgentState {
	return s.states
}

func (s *fakeSupervisor) ensuredUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ensured...)
}

func (s *fakeSupervisor) stoppedUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stopped...)
}

func newTestHub(t *testing.T, cfg Config) (*Hub, *fakeSupervisor, *bus.Bus, *httptest.Server) {
	t.Helper()
	sup := &fakeSupervisor{states: map[string]account.AgentState{}}
	b := bus.New(nil)
	h := New(byToken(), sup, b, &metrics.NoopCollector{}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	// The fan-out subscription must exist before tests publish.
	waitFor(t, func() bool { return b.SubscriberCount() == 1 }, "hub subscription")
	return h, sup, b, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wireFrame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("Unmarshal(%q) error = %v", data, err)
	}
	return f
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHub_RejectsInvalidToken(t *testing.T) {
	_, _, _, srv := newTestHub(t, Config{})
	conn := dial(t, srv, "bogus")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("ReadMessage() error = %v, want close 1008", err)
	}
}

func TestHub_ConnectionFrameAndAgentStartup(t *testing.T) {
	h, sup, _, srv := newTestHub(t, Config{})
	conn := dial(t, srv, "token-u1")

	f := readFrame(t, conn)
	if f.Type != FrameConnection {
		t.Fatalf("first frame type = %q, want %q", f.Type, FrameConnection)
	}
	if f.Data["userId"] != "u1" {
		t.Errorf("connection userId = %v, want u1", f.Data["userId"])
	}
	if f.Data["sessionId"] == "" || f.Data["sessionId"] == nil {
		t.Error("connection frame has no sessionId")
	}

	waitFor(t, func() bool { return len(sup.ensuredUsers()) == 1 }, "EnsureForUser call")
	if got := sup.ensuredUsers()[0]; got != "u1" {
		t.Errorf("EnsureForUser user = %q, want u1", got)
	}
	if got := h.SessionCount(); got != 1 {
		t.Errorf("SessionCount() = %d, want 1", got)
	}
}

func TestHub_PingPong(t *testing.T) {
	_, _, _, srv := newTestHub(t, Config{})
	conn := dial(t, srv, "token-u1")
	readFrame(t, conn) // connection

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != FramePong {
		t.Errorf("frame type = %q, want %q", f.Type, FramePong)
	}
	if f.Data["at"] == nil {
		t.Error("pong frame has no timestamp")
	}
}

func TestHub_UnknownInboundIgnored(t *testing.T) {
	_, _, _, srv := newTestHub(t, Config{})
	conn := dial(t, srv, "token-u1")
	readFrame(t, conn)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","topics":["new_email"]}`))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))

	// The session must survive the unknown frames and still answer the ping.
	f := readFrame(t, conn)
	if f.Type != FramePong {
		t.Errorf("frame type = %q, want %q", f.Type, FramePong)
	}
}

func TestHub_NewMessageReachesOwnerOnly(t *testing.T) {
	_, _, b, srv := newTestHub(t, Config{})
	conn1 := dial(t, srv, "token-u1")
	readFrame(t, conn1)
	conn2 := dial(t, srv, "token-u2")
	readFrame(t, conn2)

	b.Publish(bus.Event{
		Topic: bus.TopicNewMessage,
		Key:   "u1|a@x.com",
		Payload: account.NewMessageEvent{
			UserID: "u1",
			Email:  "a@x.com",
			Message: account.StoredMessage{
				ID:      "u1|a@x.com|42",
				Subject: "hello",
			},
			At: time.Now().UTC(),
		},
	})

	f := readFrame(t, conn1)
	if f.Type != FrameNewEmail {
		t.Fatalf("frame type = %q, want %q", f.Type, FrameNewEmail)
	}
	email, ok := f.Data["email"].(map[string]any)
	if !ok {
		t.Fatalf("email payload = %T, want object", f.Data["email"])
	}
	if email["id"] != "u1|a@x.com|42" {
		t.Errorf("email id = %v, want u1|a@x.com|42", email["id"])
	}

	// u2 must not see u1's mail; a ping flushes anything queued ahead.
	conn2.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	if f := readFrame(t, conn2); f.Type != FramePong {
		t.Errorf("u2 frame type = %q, want only the pong", f.Type)
	}
}

func TestHub_SyncStatusFrame(t *testing.T) {
	_, _, b, srv := newTestHub(t, Config{})
	conn := dial(t, srv, "token-u1")
	readFrame(t, conn)

	b.Publish(bus.Event{
		Topic: bus.TopicStatus,
		Key:   "u1|a@x.com",
		Payload: account.StatusEvent{
			UserID: "u1",
			Email:  "a@x.com",
			State:  account.StateError("unauthorized"),
			At:     time.Now().UTC(),
		},
	})

	f := readFrame(t, conn)
	if f.Type != FrameSyncStatus {
		t.Fatalf("frame type = %q, want %q", f.Type, FrameSyncStatus)
	}
	if f.Data["state"] != "Error" || f.Data["error"] != "unauthorized" {
		t.Errorf("status data = %v, want state Error with reason", f.Data)
	}
	if f.Data["email"] != "a@x.com" {
		t.Errorf("status email = %v, want a@x.com", f.Data["email"])
	}
}

func TestHub_ReplacementClosesPriorSession(t *testing.T) {
	h, sup, _, srv := newTestHub(t, Config{})
	conn1 := dial(t, srv, "token-u1")
	readFrame(t, conn1)

	conn2 := dial(t, srv, "token-u1")
	readFrame(t, conn2)

	// The first connection is closed 1000 "replaced".
	conn1.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn1.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("first conn error = %v, want close 1000", err)
	}
	waitFor(t, func() bool { return h.SessionCount() == 1 }, "registry to settle")

	// The replaced session must not stop the user's agents.
	time.Sleep(50 * time.Millisecond)
	if got := sup.stoppedUsers(); len(got) != 0 {
		t.Errorf("StopAll calls after replacement = %v, want none", got)
	}

	// Closing the surviving session does.
	conn2.Close()
	waitFor(t, func() bool { return len(sup.stoppedUsers()) == 1 }, "StopAll call")
	if got := sup.stoppedUsers()[0]; got != "u1" {
		t.Errorf("StopAll user = %q, want u1", got)
	}
}

func TestHub_LastCloseStopsAgents(t *testing.T) {
	h, sup, _, srv := newTestHub(t, Config{})
	conn := dial(t, srv, "token-u1")
	readFrame(t, conn)

	conn.Close()
	waitFor(t, func() bool { return len(sup.stoppedUsers()) == 1 }, "StopAll call")
	if got := h.SessionCount(); got != 0 {
		t.Errorf("SessionCount() = %d, want 0", got)
	}
}

func TestHub_BroadcastAll(t *testing.T) {
	h, _, _, srv := newTestHub(t, Config{})
	conn1 := dial(t, srv, "token-u1")
	readFrame(t, conn1)
	conn2 := dial(t, srv, "token-u2")
	readFrame(t, conn2)

	h.BroadcastAll(TestFrame("hello everyone"))

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		f := readFrame(t, conn)
		if f.Type != FrameTestMessage {
			t.Errorf("frame type = %q, want %q", f.Type, FrameTestMessage)
		}
		if f.Data["message"] != "hello everyone" {
			t.Errorf("message = %v, want hello everyone", f.Data["message"])
		}
	}
}

func TestHub_HeartbeatTimeoutTerminatesSession(t *testing.T) {
	h, _, _, srv := newTestHub(t, Config{
		Heartbeat:    50 * time.Millisecond,
		WriteTimeout: 50 * time.Millisecond,
	})
	conn := dial(t, srv, "token-u1")
	// Swallow server pings instead of answering them.
	conn.SetPingHandler(func(string) error { return nil })
	readFrame(t, conn)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Errorf("error = %v, want close 1000 heartbeat timeout", err)
		}
		break
	}
	waitFor(t, func() bool { return h.SessionCount() == 0 }, "session removal")
}

func TestHub_QueueOverflowCloses(t *testing.T) {
	h, _, _, _ := newTestHub(t, Config{})

	serverConn, clientConn := wsPair(t)
	s := newSession("s1", "u1", serverConn, h, 2)

	ev := account.NewMessageEvent{UserID: "u1", At: time.Now()}
	if !s.enqueue(newEmailFrame(ev)) || !s.enqueue(newEmailFrame(ev)) {
		t.Fatal("enqueue within capacity failed")
	}
	// No writer goroutine is draining; a queue full of new_email closes 1011.
	if s.enqueue(newEmailFrame(ev)) {
		t.Error("enqueue beyond capacity = true, want false")
	}

	clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := clientConn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseInternalServerErr) {
		t.Errorf("error = %v, want close 1011", err)
	}
}

func TestSession_CoalesceKeepsLatestStatusPerMailbox(t *testing.T) {
	statusA1 := syncStatusFrame(account.StatusEvent{UserID: "u1", Email: "a@x.com", State: account.StateStarting})
	statusA2 := syncStatusFrame(account.StatusEvent{UserID: "u1", Email: "a@x.com", State: account.StateIdle})
	statusB := syncStatusFrame(account.StatusEvent{UserID: "u1", Email: "b@x.com", State: account.StateSyncing})
	mail := newEmailFrame(account.NewMessageEvent{UserID: "u1"})

	s := &session{maxQueue: 4}
	s.pending = []Frame{statusA1, mail, statusB, statusA2}

	// A non-status arrival drops only superseded status frames.
	if dropped := s.coalesceLocked(newEmailFrame(account.NewMessageEvent{UserID: "u1"})); dropped != 1 {
		t.Errorf("dropped = %d, want 1 (stale a@x.com status)", dropped)
	}
	want := []Frame{mail, statusB, statusA2}
	if len(s.pending) != len(want) {
		t.Fatalf("pending = %d frames, want %d", len(s.pending), len(want))
	}
	for i := range want {
		if s.pending[i].Type != want[i].Type || s.pending[i].statusEmail != want[i].statusEmail {
			t.Errorf("pending[%d] = %s/%s, want %s/%s",
				i, s.pending[i].Type, s.pending[i].statusEmail, want[i].Type, want[i].statusEmail)
		}
	}

	// An incoming status supersedes every pending status for its mailbox.
	if dropped := s.coalesceLocked(syncStatusFrame(account.StatusEvent{Email: "b@x.com", State: account.StateIdle})); dropped != 1 {
		t.Errorf("dropped = %d, want 1 (stale b@x.com status)", dropped)
	}
	for _, f := range s.pending {
		if f.statusEmail == "b@x.com" {
			t.Error("stale b@x.com status survived coalescing")
		}
	}
}

func TestHub_AdminStatusEndpoint(t *testing.T) {
	_, sup, _, srv := newTestHub(t, Config{AdminToken: "secret"})
	sup.mu.Lock()
	sup.states = map[string]account.AgentState{
		"a@x.com": account.StateIdle,
		"b@x.com": account.StateError("unauthorized"),
	}
	sup.mu.Unlock()

	// Missing token.
	resp, err := http.Get(srv.URL + "/status?userId=u1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/status?userId=u1", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		UserID string            `json:"userId"`
		Agents map[string]string `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.Agents["a@x.com"] != "Idle" {
		t.Errorf("a@x.com state = %q, want Idle", out.Agents["a@x.com"])
	}
	if out.Agents["b@x.com"] != "Error(unauthorized)" {
		t.Errorf("b@x.com state = %q, want Error(unauthorized)", out.Agents["b@x.com"])
	}
}

func TestHub_AdminTestEndpoint(t *testing.T) {
	_, _, _, srv := newTestHub(t, Config{AdminToken: "secret"})
	conn := dial(t, srv, "token-u1")
	readFrame(t, conn)

	body := strings.NewReader(`{"userId":"u1","message":"smoke"}`)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/test?token=secret", body)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	f := readFrame(t, conn)
	if f.Type != FrameTestMessage || f.Data["message"] != "smoke" {
		t.Errorf("frame = %v, want test_message smoke", f)
	}

	// No session for the user.
	body = strings.NewReader(`{"userId":"nobody","message":"smoke"}`)
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/test?token=secret", body)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHub_ShutdownDeliversFinalStatuses(t *testing.T) {
	sup := &fakeSupervisor{states: map[string]account.AgentState{}}
	b := bus.New(nil)
	h := New(byToken(), sup, b, &metrics.NoopCollector{}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	waitFor(t, func() bool { return b.SubscriberCount() == 1 }, "hub subscription")

	conn := dial(t, srv, "token-u1")
	readFrame(t, conn)

	// Stopped statuses published right before the drain must still reach
	// the session ahead of the 1001 close.
	for _, email := range []string{"a@x.com", "b@x.com"} {
		b.Publish(bus.Event{
			Topic: bus.TopicStatus,
			Key:   "u1|" + email,
			Payload: account.StatusEvent{
				UserID: "u1",
				Email:  email,
				State:  account.StateStopped,
				At:     time.Now().UTC(),
			},
		})
	}
	cancel()

	got := map[string]bool{}
	for len(got) < 2 {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("socket closed before Stopped statuses arrived (got %v): %v", got, err)
		}
		var f wireFrame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("Unmarshal(%q) error = %v", data, err)
		}
		if f.Type != FrameSyncStatus || f.Data["state"] != "Stopped" {
			t.Fatalf("frame = %s %v, want sync_status Stopped", f.Type, f.Data)
		}
		email, _ := f.Data["email"].(string)
		got[email] = true
	}
	if !got["a@x.com"] || !got["b@x.com"] {
		t.Errorf("Stopped statuses = %v, want both mailboxes", got)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("error = %v, want close 1001 after the final statuses", err)
	}
	<-done
}

func TestHub_Healthz(t *testing.T) {
	_, _, _, srv := newTestHub(t, Config{})
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), `"status":"ok"`) {
		t.Errorf("body = %s, want status ok", data)
	}
}

// wsPair builds a connected server/client WebSocket pair.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	up := websocket.Upgrader{}
	ch := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade() error = %v", err)
			return
		}
		ch <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	server = <-ch
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}
