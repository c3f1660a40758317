package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsmesh/fieldlink"
	"github.com/opsmesh/fieldlink/internal/client"
)

const validToken = "token-ok"

// testServer is an in-process realtime server: it acks matching credentials,
// records every inbound frame per connection, and can push frames or drop
// connections to simulate transport failures.
type testServer struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	writeMu sync.Mutex
	conns   []*websocket.Conn
	frames  [][]fieldlink.Message // per connection, in arrival order
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{t: t}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		ts.mu.Lock()
		idx := len(ts.conns)
		ts.conns = append(ts.conns, conn)
		ts.frames = append(ts.frames, nil)
		ts.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg fieldlink.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}

			ts.mu.Lock()
			ts.frames[idx] = append(ts.frames[idx], msg)
			ts.mu.Unlock()

			if msg.Type == fieldlink.TypeAuthenticate {
				var creds fieldlink.Credentials
				json.Unmarshal(msg.Payload, &creds)
				if creds.Token == validToken {
					ts.push(conn, fieldlink.Message{Type: fieldlink.TypeAuthAck})
				} else {
					ts.push(conn, fieldlink.Message{
						Type:    fieldlink.TypeAuthError,
						Payload: json.RawMessage(`{"message":"bad token"}`),
					})
				}
			}
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) push(conn *websocket.Conn, msg fieldlink.Message) {
	if msg.MessageID == "" {
		msg.MessageID = "srv-msg"
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		ts.t.Errorf("marshal push: %v", err)
		return
	}
	ts.writeMu.Lock()
	defer ts.writeMu.Unlock()
	conn.WriteMessage(websocket.TextMessage, data)
}

// pushTo sends a frame on the n-th accepted connection.
func (ts *testServer) pushTo(n int, msg fieldlink.Message) {
	ts.mu.Lock()
	conn := ts.conns[n]
	ts.mu.Unlock()
	ts.push(conn, msg)
}

// drop closes the n-th accepted connection, simulating a transport failure.
func (ts *testServer) drop(n int) {
	ts.mu.Lock()
	conn := ts.conns[n]
	ts.mu.Unlock()
	conn.Close()
}

func (ts *testServer) connCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.conns)
}

// framesFor returns a snapshot of the frames received on connection n.
func (ts *testServer) framesFor(n int) []fieldlink.Message {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if n >= len(ts.frames) {
		return nil
	}
	out := make([]fieldlink.Message, len(ts.frames[n]))
	copy(out, ts.frames[n])
	return out
}

func testConfig(url string) client.Config {
	return client.Config{
		URL:                  url,
		HandshakeTimeout:     time.Second,
		HeartbeatInterval:    100 * time.Millisecond,
		WriteTimeout:         time.Second,
		AuthTimeout:          time.Second,
		ReconnectBaseWait:    20 * time.Millisecond,
		ReconnectMaxWait:     100 * time.Millisecond,
		MaxReconnectAttempts: 5,
		QueueSize:            32,
		QueueTTL:             time.Minute,
		LocationTTL:          time.Minute,
		NotificationCap:      10,
		Logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

type statusRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *statusRecorder) handler(msg fieldlink.Message) {
	var p fieldlink.StatusPayload
	json.Unmarshal(msg.Payload, &p)
	r.mu.Lock()
	r.states = append(r.states, p.State)
	r.mu.Unlock()
}

func (r *statusRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.states))
	copy(out, r.states)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func newSession(t *testing.T, cfg client.Config) *client.Session {
	t.Helper()
	s, err := client.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Close(ctx)
	})
	return s
}

func TestConnectStatusSequence(t *testing.T) {
	ts := newTestServer(t)
	s := newSession(t, testConfig(ts.url()))

	rec := &statusRecorder{}
	s.On(fieldlink.TypeConnectionStatus, rec.handler)

	if err := s.Connect(context.Background(), fieldlink.Credentials{Token: validToken}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	want := []string{"connecting", "connected", "authenticating", "authenticated"}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("status sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status sequence = %v, want %v", got, want)
		}
	}

	if !s.IsAuthenticated() {
		t.Error("IsAuthenticated() = false after successful Connect")
	}
	if s.Status() != fieldlink.StateAuthenticated {
		t.Errorf("Status() = %v, want authenticated", s.Status())
	}
}

func TestConnectRejectedCredentials(t *testing.T) {
	ts := newTestServer(t)

	var authErrs []error
	var authMu sync.Mutex
	cfg := testConfig(ts.url())
	cfg.OnAuthError = func(err error) {
		authMu.Lock()
		authErrs = append(authErrs, err)
		authMu.Unlock()
	}
	s := newSession(t, cfg)

	rec := &statusRecorder{}
	s.On(fieldlink.TypeConnectionStatus, rec.handler)

	err := s.Connect(context.Background(), fieldlink.Credentials{Token: "expired"})
	if !errors.Is(err, fieldlink.ErrAuthFailed) {
		t.Fatalf("Connect error = %v, want ErrAuthFailed", err)
	}

	waitFor(t, 2*time.Second, "auth error callback", func() bool {
		authMu.Lock()
		defer authMu.Unlock()
		return len(authErrs) >= 1
	})

	want := []string{"connecting", "connected", "authenticating", "disconnected"}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("status sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status sequence = %v, want %v", got, want)
		}
	}

	authMu.Lock()
	defer authMu.Unlock()
	if len(authErrs) != 1 {
		t.Errorf("auth error callbacks = %d, want exactly 1", len(authErrs))
	}
}

func TestReconnectRejoinsRoomsBeforeOtherTraffic(t *testing.T) {
	ts := newTestServer(t)
	s := newSession(t, testConfig(ts.url()))

	rec := &statusRecorder{}
	s.On(fieldlink.TypeConnectionStatus, rec.handler)

	if err := s.Connect(context.Background(), fieldlink.Credentials{Token: validToken}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s.JoinRoom(fieldlink.RoomCommand)
	s.JoinMissionRoom(7)

	waitFor(t, 2*time.Second, "initial join frames", func() bool {
		return len(joinRooms(ts.framesFor(0))) == 2
	})

	ts.drop(0)

	waitFor(t, 2*time.Second, "reconnecting status", func() bool {
		for _, st := range rec.snapshot() {
			if st == "reconnecting" {
				return true
			}
		}
		return false
	})

	// Traffic sent while down is buffered and must flush after the rejoins.
	if err := s.SendChatMessage("back online?", 0, fieldlink.RoomCommand); err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}

	waitFor(t, 5*time.Second, "reconnected and re-authenticated", func() bool {
		return ts.connCount() >= 2 && s.IsAuthenticated()
	})
	waitFor(t, 2*time.Second, "flushed chat after reconnect", func() bool {
		return len(framesOfType(ts.framesFor(1), fieldlink.TypeChatMessage)) == 1
	})

	frames := ts.framesFor(1)
	if frames[0].Type != fieldlink.TypeAuthenticate {
		t.Fatalf("first frame after reconnect = %s, want AUTHENTICATE", frames[0].Type)
	}

	joins := joinRooms(frames)
	if len(joins) != 2 {
		t.Fatalf("rejoin frames = %v, want exactly one per room", joins)
	}
	seen := map[string]bool{}
	for _, room := range joins {
		if seen[room] {
			t.Fatalf("duplicate rejoin for room %q", room)
		}
		seen[room] = true
	}
	if !seen["command"] || !seen["mission_7"] {
		t.Fatalf("rejoined rooms = %v, want command and mission_7", joins)
	}

	// Rejoins precede every other post-auth frame.
	joinsDone := false
	for _, f := range frames[1:] {
		switch f.Type {
		case fieldlink.TypeJoinRoom:
			if joinsDone {
				t.Fatal("rejoin frame arrived after other outbound traffic")
			}
		default:
			joinsDone = true
		}
	}
}

func TestStatusHandlerSendFollowsRejoins(t *testing.T) {
	ts := newTestServer(t)
	s := newSession(t, testConfig(ts.url()))

	// A handler greeting the room as soon as it sees the session come back
	// must not get its frame onto the wire ahead of the rejoins.
	var authedSeen int
	var seenMu sync.Mutex
	s.On(fieldlink.TypeConnectionStatus, func(msg fieldlink.Message) {
		var p fieldlink.StatusPayload
		json.Unmarshal(msg.Payload, &p)
		if p.State != "authenticated" {
			return
		}
		seenMu.Lock()
		authedSeen++
		n := authedSeen
		seenMu.Unlock()
		if n == 2 {
			s.SendChatMessage("back online", 0, fieldlink.RoomCommand)
		}
	})

	if err := s.Connect(context.Background(), fieldlink.Credentials{Token: validToken}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s.JoinRoom(fieldlink.RoomCommand)
	s.JoinMissionRoom(7)
	waitFor(t, 2*time.Second, "initial join frames", func() bool {
		return len(joinRooms(ts.framesFor(0))) == 2
	})

	ts.drop(0)

	waitFor(t, 5*time.Second, "greeting sent on reconnect connection", func() bool {
		return ts.connCount() >= 2 &&
			len(framesOfType(ts.framesFor(1), fieldlink.TypeChatMessage)) == 1
	})

	frames := ts.framesFor(1)
	if frames[0].Type != fieldlink.TypeAuthenticate {
		t.Fatalf("first frame after reconnect = %s, want AUTHENTICATE", frames[0].Type)
	}
	joins, chatted := 0, false
	for _, f := range frames[1:] {
		switch f.Type {
		case fieldlink.TypeJoinRoom:
			if chatted {
				t.Fatalf("rejoin arrived after the greeting: %v", typesOf(frames))
			}
			joins++
		case fieldlink.TypeChatMessage:
			if joins != 2 {
				t.Fatalf("greeting arrived after %d of 2 rejoins: %v", joins, typesOf(frames))
			}
			chatted = true
		}
	}
}

func TestQueuedEmergencySurvivesOutage(t *testing.T) {
	ts := newTestServer(t)
	s := newSession(t, testConfig(ts.url()))

	if err := s.Connect(context.Background(), fieldlink.Credentials{Token: validToken}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ts.drop(0)
	waitFor(t, 2*time.Second, "connection loss observed", func() bool {
		return !s.IsAuthenticated()
	})

	if err := s.SendEmergencyAlert(map[string]string{"kind": "medical"}, 7); err != nil {
		t.Fatalf("SendEmergencyAlert: %v", err)
	}

	waitFor(t, 5*time.Second, "emergency delivered after reconnect", func() bool {
		return ts.connCount() >= 2 &&
			len(framesOfType(ts.framesFor(1), fieldlink.TypeEmergencyAlert)) == 1
	})

	em := framesOfType(ts.framesFor(1), fieldlink.TypeEmergencyAlert)[0]
	if em.MissionID != 7 {
		t.Errorf("emergency mission_id = %d, want 7", em.MissionID)
	}
	if em.MessageID == "" {
		t.Error("emergency has no message_id")
	}
}

func TestInboundDispatchFeedsPresenceAndNotifications(t *testing.T) {
	ts := newTestServer(t)
	s := newSession(t, testConfig(ts.url()))

	var chatMu sync.Mutex
	var chats []fieldlink.Message
	s.On(fieldlink.TypeChatMessage, func(msg fieldlink.Message) {
		chatMu.Lock()
		chats = append(chats, msg)
		chatMu.Unlock()
	})

	if err := s.Connect(context.Background(), fieldlink.Credentials{Token: validToken}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ts.pushTo(0, fieldlink.Message{
		Type:    fieldlink.TypeUserOnline,
		UserID:  42,
		Payload: json.RawMessage(`{"name":"dispatch-2"}`),
	})
	ts.pushTo(0, fieldlink.Message{
		Type:      fieldlink.TypeEmergencyAlert,
		MissionID: 7,
		Payload:   json.RawMessage(`{"title":"Agent down","message":"unit 5 needs assistance"}`),
	})
	ts.pushTo(0, fieldlink.Message{
		Type:    fieldlink.TypeChatMessage,
		UserID:  42,
		Payload: json.RawMessage(`{"text":"copy that"}`),
	})

	waitFor(t, 2*time.Second, "presence roster entry", func() bool {
		roster := s.Roster()
		return len(roster) == 1 && roster[0].UserID == 42 && roster[0].Name == "dispatch-2"
	})
	waitFor(t, 2*time.Second, "notification appended", func() bool {
		return s.Notifications().UnreadCount() == 1
	})
	waitFor(t, 2*time.Second, "chat handler invoked", func() bool {
		chatMu.Lock()
		defer chatMu.Unlock()
		return len(chats) == 1
	})

	recs := s.Notifications().All()
	if len(recs) != 1 {
		t.Fatalf("notification records = %d, want 1", len(recs))
	}
	if recs[0].Severity != fieldlink.SeverityEmergency {
		t.Errorf("severity = %s, want emergency", recs[0].Severity)
	}
	if recs[0].MissionID != 7 {
		t.Errorf("mission_id = %d, want 7", recs[0].MissionID)
	}
}

func TestRosterDropsStaleEntries(t *testing.T) {
	ts := newTestServer(t)
	cfg := testConfig(ts.url())
	cfg.PresenceTTL = 50 * time.Millisecond
	s := newSession(t, cfg)

	if err := s.Connect(context.Background(), fieldlink.Credentials{Token: validToken}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ts.pushTo(0, fieldlink.Message{
		Type:    fieldlink.TypeUserOnline,
		UserID:  42,
		Payload: json.RawMessage(`{"name":"dispatch-2"}`),
	})
	waitFor(t, 2*time.Second, "presence roster entry", func() bool {
		return len(s.Roster()) == 1
	})

	// No refresh arrives, so the entry ages out.
	waitFor(t, 2*time.Second, "stale entry dropped", func() bool {
		return len(s.Roster()) == 0
	})

	// A fresh announcement brings the user back.
	ts.pushTo(0, fieldlink.Message{
		Type:    fieldlink.TypeUserOnline,
		UserID:  42,
		Payload: json.RawMessage(`{"name":"dispatch-2"}`),
	})
	waitFor(t, 2*time.Second, "re-announced entry", func() bool {
		return len(s.Roster()) == 1
	})
}

func TestConnectWhileEstablishedFails(t *testing.T) {
	ts := newTestServer(t)
	s := newSession(t, testConfig(ts.url()))

	if err := s.Connect(context.Background(), fieldlink.Credentials{Token: validToken}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err := s.Connect(context.Background(), fieldlink.Credentials{Token: validToken})
	if !errors.Is(err, fieldlink.ErrAlreadyConnected) {
		t.Errorf("second Connect error = %v, want ErrAlreadyConnected", err)
	}
}

func TestUnreachableServerExhaustsAttempts(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/ws")
	cfg.MaxReconnectAttempts = 2
	s := newSession(t, cfg)

	rec := &statusRecorder{}
	s.On(fieldlink.TypeConnectionStatus, rec.handler)

	err := s.Connect(context.Background(), fieldlink.Credentials{Token: validToken})
	if !errors.Is(err, fieldlink.ErrReconnectExhausted) {
		t.Fatalf("Connect error = %v, want ErrReconnectExhausted", err)
	}

	states := rec.snapshot()
	if len(states) == 0 || states[len(states)-1] != "disconnected" {
		t.Errorf("status sequence = %v, want terminal disconnected", states)
	}
}

func TestConnectContextCancelAbandonsAttempt(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/ws")
	s := newSession(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Connect(ctx, fieldlink.Credentials{Token: validToken})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect error = %v, want context.DeadlineExceeded", err)
	}

	waitFor(t, 2*time.Second, "disconnected after cancellation", func() bool {
		return s.Status() == fieldlink.StateDisconnected
	})

	// The abandoned loop must stop dialing: the state stays settled across
	// several backoff periods instead of flickering through reconnecting.
	time.Sleep(300 * time.Millisecond)
	if got := s.Status(); got != fieldlink.StateDisconnected {
		t.Errorf("Status() after abandon = %v, want disconnected", got)
	}

	// The session is reusable: a fresh Connect runs its own attempt cycle.
	err = s.Connect(context.Background(), fieldlink.Credentials{Token: validToken})
	if !errors.Is(err, fieldlink.ErrReconnectExhausted) {
		t.Fatalf("Connect after abandon = %v, want ErrReconnectExhausted", err)
	}
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	ts := newTestServer(t)
	s := newSession(t, testConfig(ts.url()))

	if err := s.Connect(context.Background(), fieldlink.Credentials{Token: validToken}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ctx := context.Background()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if s.Status() != fieldlink.StateDisconnected {
		t.Errorf("Status() after Close = %v, want disconnected", s.Status())
	}
	if err := s.SendChatMessage("anyone there?", 0, ""); !errors.Is(err, fieldlink.ErrSessionClosed) {
		t.Errorf("send after Close = %v, want ErrSessionClosed", err)
	}
	if err := s.Connect(ctx, fieldlink.Credentials{Token: validToken}); !errors.Is(err, fieldlink.ErrSessionClosed) {
		t.Errorf("Connect after Close = %v, want ErrSessionClosed", err)
	}
}

func joinRooms(frames []fieldlink.Message) []string {
	var rooms []string
	for _, f := range framesOfType(frames, fieldlink.TypeJoinRoom) {
		var body struct {
			Room string `json:"room"`
		}
		json.Unmarshal(f.Payload, &body)
		rooms = append(rooms, body.Room)
	}
	return rooms
}

func typesOf(frames []fieldlink.Message) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func framesOfType(frames []fieldlink.Message, msgType string) []fieldlink.Message {
	var out []fieldlink.Message
	for _, f := range frames {
		if f.Type == msgType {
			out = append(out, f)
		}
	}
	return out
}
