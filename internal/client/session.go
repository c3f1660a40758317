// Package client implements the realtime session: one transport connection,
// its state machine, the auth handshake, room resubscription, and dispatch.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	"github.com/opsmesh/fieldlink"
	"github.com/opsmesh/fieldlink/internal/location"
	"github.com/opsmesh/fieldlink/internal/metrics"
	"github.com/opsmesh/fieldlink/internal/notify"
	"github.com/opsmesh/fieldlink/internal/presence"
	"github.com/opsmesh/fieldlink/internal/protocol"
	"github.com/opsmesh/fieldlink/internal/queue"
	"github.com/opsmesh/fieldlink/internal/rooms"
	"github.com/opsmesh/fieldlink/internal/router"
	"github.com/opsmesh/fieldlink/internal/transport"
)

// Config tunes a Session.
type Config struct {
	// URL is the WebSocket endpoint, e.g. "wss://ops.example.com/ws".
	URL string

	// Header is sent with the WebSocket handshake. Optional.
	Header http.Header

	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration

	// AuthTimeout bounds the wait for the server's auth ack. A missing ack
	// is treated as a transport failure (reconnect path), not a rejection.
	AuthTimeout time.Duration

	// ReconnectBaseWait and ReconnectMaxWait bound the exponential backoff
	// between sequential reconnect attempts.
	ReconnectBaseWait time.Duration
	ReconnectMaxWait  time.Duration

	// MaxReconnectAttempts is the consecutive-failure limit before the
	// session gives up and settles in the disconnected state.
	MaxReconnectAttempts int

	// QueueSize caps the outbound buffer used while not authenticated.
	QueueSize int

	// QueueTTL bounds how long buffered chat and control messages stay
	// sendable; LocationTTL does the same for telemetry, which goes stale
	// much faster. Emergency messages never expire.
	QueueTTL    time.Duration
	LocationTTL time.Duration

	// LocationRate and LocationBurst throttle forwarded position samples
	// per mission stream. Zero rate disables throttling.
	LocationRate  rate.Limit
	LocationBurst int

	// NotificationCap bounds the notification log.
	NotificationCap int

	// PresenceTTL bounds how long a roster entry survives without a
	// presence or location refresh. Entries past it are treated as offline,
	// covering missed offline events. Zero disables the fallback.
	PresenceTTL time.Duration

	// DB persists notification snapshots. Nil degrades to memory-only.
	DB *bolt.DB

	// Source is the positioning capability. Nil disables location streams.
	Source fieldlink.PositionSource

	Logger *slog.Logger

	// OnAuthError is invoked once per rejected credential. Optional.
	OnAuthError func(err error)

	// OnStreamWarning is invoked when a position source fails and its
	// stream is stopped. Optional.
	OnStreamWarning func(missionID int64, err error)
}

// Session implements fieldlink.Session.
type Session struct {
	cfg Config
	log *slog.Logger

	router   *router.Router
	rooms    *rooms.Registry
	queue    *queue.Queue
	presence *presence.Tracker
	streamer *location.Streamer
	notifs   *notify.Store

	mu            sync.Mutex
	state         fieldlink.ConnectionState
	conn          *transport.Conn
	gen           uint64
	attempts      int
	creds         fieldlink.Credentials
	closed        bool
	connectResult chan error

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New builds a Session from cfg. The session starts disconnected; call
// Connect to establish it.
func New(cfg Config) (*Session, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	notifs, err := notify.NewStore(cfg.DB, cfg.NotificationCap, log)
	if err != nil {
		return nil, fmt.Errorf("open notification store: %w", err)
	}

	s := &Session{
		cfg:      cfg,
		log:      log,
		router:   router.New(log),
		rooms:    rooms.New(),
		queue:    queue.New(cfg.QueueSize, log),
		presence: presence.New(),
		notifs:   notifs,
		state:    fieldlink.StateDisconnected,
		closeCh:  make(chan struct{}),
	}

	s.streamer = location.New(cfg.Source, cfg.LocationRate, cfg.LocationBurst, log)
	s.streamer.SetSink(s.sendLocationSample, s.streamWarning)

	s.registerInternalHandlers()
	return s, nil
}

// Connect dials, authenticates, and blocks until the session is established
// or fails terminally. Cancelling ctx abandons the attempt and leaves the
// session disconnected; a later Connect starts fresh.
func (s *Session) Connect(ctx context.Context, creds fieldlink.Credentials) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fieldlink.ErrSessionClosed
	}
	if s.state != fieldlink.StateDisconnected {
		s.mu.Unlock()
		return fieldlink.ErrAlreadyConnected
	}
	s.creds = creds
	s.attempts = 0
	s.gen++
	gen := s.gen
	result := make(chan error, 1)
	s.connectResult = result
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(gen)

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		s.abandon(result)
		return ctx.Err()
	}
}

// abandon cancels a pending connect attempt whose caller stopped waiting.
// Bumping the generation makes the attempt's goroutine exit at its next
// staleness check; an attempt that already resolved is left alone.
func (s *Session) abandon(result chan error) {
	s.mu.Lock()
	if s.closed || s.connectResult != result {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.connectResult = nil
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.setState(fieldlink.StateDisconnected)
}

// run is the session's connection loop: one iteration per attempt, strictly
// sequential. gen tracks the attempt generation so work from abandoned
// attempts is discarded.
func (s *Session) run(gen uint64) {
	defer s.wg.Done()

	for {
		if s.stale(gen) {
			return
		}
		s.setStateFor(gen, fieldlink.StateConnecting)

		conn, err := transport.Dial(context.Background(), transport.Config{
			URL:               s.cfg.URL,
			Header:            s.cfg.Header,
			HandshakeTimeout:  s.cfg.HandshakeTimeout,
			HeartbeatInterval: s.cfg.HeartbeatInterval,
			WriteTimeout:      s.cfg.WriteTimeout,
		})
		if err != nil {
			s.log.Warn("connection attempt failed", "error", err)
			if !s.scheduleReconnect(&gen) {
				return
			}
			continue
		}

		s.mu.Lock()
		if s.closed || gen != s.gen {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.mu.Unlock()
		s.setStateFor(gen, fieldlink.StateConnected)

		if err := s.sendOn(conn, fieldlink.Message{
			Type:    fieldlink.TypeAuthenticate,
			Payload: mustMarshal(s.currentCreds()),
		}); err != nil {
			s.dropConn(conn)
			s.log.Warn("sending credentials failed", "error", err)
			if !s.scheduleReconnect(&gen) {
				return
			}
			continue
		}
		s.setStateFor(gen, fieldlink.StateAuthenticating)

		authErr, rejected := s.awaitAuth(conn)
		if rejected {
			s.dropConn(conn)
			if s.stale(gen) {
				return
			}
			metrics.AuthAttempts.WithLabelValues("rejected").Inc()
			s.setStateFor(gen, fieldlink.StateDisconnected)
			s.log.Error("authentication rejected", "error", authErr)
			s.deliverConnectResult(fieldlink.ErrAuthFailed)
			if s.cfg.OnAuthError != nil {
				s.cfg.OnAuthError(authErr)
			}
			return
		}
		if authErr != nil {
			s.dropConn(conn)
			s.log.Warn("auth handshake interrupted", "error", authErr)
			if !s.scheduleReconnect(&gen) {
				return
			}
			continue
		}

		s.onAuthenticated(conn, gen)

		err = s.readLoop(conn)
		s.dropConn(conn)
		if s.stale(gen) {
			return
		}
		s.log.Warn("connection lost", "error", err)
		if !s.scheduleReconnect(&gen) {
			return
		}
	}
}

// awaitAuth consumes frames until the auth handshake resolves. rejected is
// true only for an explicit AUTH_ERROR; any other failure (transport error,
// missing ack) returns rejected false so the reconnect path applies.
func (s *Session) awaitAuth(conn *transport.Conn) (err error, rejected bool) {
	timeout := time.NewTimer(s.cfg.AuthTimeout)
	defer timeout.Stop()

	msgs := conn.Messages()
	for {
		select {
		case data, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			msg, derr := protocol.Decode(data)
			if derr != nil {
				s.log.Debug("undecodable frame during handshake", "error", derr)
				continue
			}
			switch msg.Type {
			case fieldlink.TypeAuthAck:
				return nil, false
			case fieldlink.TypeAuthError:
				var body struct {
					Message string `json:"message"`
				}
				json.Unmarshal(msg.Payload, &body)
				if body.Message == "" {
					body.Message = "credentials rejected"
				}
				return fmt.Errorf("%s", body.Message), true
			default:
				// Servers may push frames before acking; they are not
				// deliverable until the session is authenticated.
				s.log.Debug("dropping pre-auth frame", "type", msg.Type)
			}

		case cerr := <-conn.Errors():
			return cerr, false

		case <-timeout.C:
			return fmt.Errorf("no auth ack within %s", s.cfg.AuthTimeout), false

		case <-s.closeCh:
			return fieldlink.ErrSessionClosed, false
		}
	}
}

// onAuthenticated resets the backoff, re-asserts room membership, then
// flushes the outbound buffer - strictly in that order, so rejoin requests
// precede any other outbound traffic. The rejoins go out before the state
// flip: direct sends stay disabled until the authenticated status is visible,
// so even a handler reacting to that status event cannot get a frame onto the
// wire ahead of them.
func (s *Session) onAuthenticated(conn *transport.Conn, gen uint64) {
	if s.stale(gen) {
		return
	}

	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()

	metrics.AuthAttempts.WithLabelValues("ok").Inc()

	for _, room := range s.rooms.Desired() {
		if err := s.sendOn(conn, roomControl(fieldlink.TypeJoinRoom, room)); err != nil {
			s.log.Warn("rejoin request failed", "room", room, "error", err)
			return
		}
	}

	s.setStateFor(gen, fieldlink.StateAuthenticated)

	s.queue.Flush(func(msg fieldlink.Message) error {
		return s.sendOn(conn, msg)
	})

	if s.stale(gen) {
		return
	}
	s.deliverConnectResult(nil)
}

// readLoop dispatches inbound frames until the connection fails or the
// session closes. Dispatch is synchronous relative to frame arrival.
func (s *Session) readLoop(conn *transport.Conn) error {
	msgs := conn.Messages()
	for {
		select {
		case data, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				s.log.Debug("dropping undecodable frame", "error", err)
				continue
			}
			s.router.Dispatch(msg)

		case err := <-conn.Errors():
			return err

		case <-s.closeCh:
			return nil
		}
	}
}

// scheduleReconnect applies backoff before the next attempt. It returns
// false when the session should stop: closed, superseded by a newer Connect,
// or attempts exhausted. On true, *gen is advanced to the new attempt's
// generation.
func (s *Session) scheduleReconnect(gen *uint64) bool {
	s.mu.Lock()
	if s.closed || *gen != s.gen {
		s.mu.Unlock()
		return false
	}
	s.attempts++
	attempt := s.attempts
	if attempt > s.cfg.MaxReconnectAttempts {
		s.mu.Unlock()
		s.setStateFor(*gen, fieldlink.StateDisconnected)
		s.log.Error("giving up after exhausting reconnect attempts",
			"attempts", attempt-1,
		)
		s.deliverConnectResult(fieldlink.ErrReconnectExhausted)
		return false
	}
	s.gen++
	*gen = s.gen
	s.mu.Unlock()

	s.setStateFor(*gen, fieldlink.StateReconnecting)
	metrics.Reconnects.Inc()

	delay := Backoff(attempt-1, s.cfg.ReconnectBaseWait, s.cfg.ReconnectMaxWait)
	s.log.Info("reconnecting",
		"attempt", attempt,
		"delay", delay,
	)

	select {
	case <-time.After(delay):
		return true
	case <-s.closeCh:
		return false
	}
}

// Close tears the session down: all timers cancelled, location streams
// stopped, queued messages discarded rather than flushed.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	close(s.closeCh)
	s.streamer.StopAll()
	if conn != nil {
		conn.Close()
	}
	s.queue.Drain()
	s.deliverConnectResult(fieldlink.ErrSessionClosed)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("session teardown timed out")
	}

	s.setState(fieldlink.StateDisconnected)
	return nil
}

// JoinRoom records the room and asserts it to the server when authenticated.
func (s *Session) JoinRoom(name string) {
	if !s.rooms.Join(name) {
		return
	}
	s.trySendControl(roomControl(fieldlink.TypeJoinRoom, name))
}

// LeaveRoom removes the room locally; while disconnected no traffic is
// generated, the next resubscription simply omits it.
func (s *Session) LeaveRoom(name string) {
	if !s.rooms.Leave(name) {
		return
	}
	s.trySendControl(roomControl(fieldlink.TypeLeaveRoom, name))
}

// JoinMissionRoom joins the room scoping events to one mission.
func (s *Session) JoinMissionRoom(missionID int64) {
	s.JoinRoom(fieldlink.MissionRoom(missionID))
}

// LeaveMissionRoom leaves the mission's room and cancels its location
// stream.
func (s *Session) LeaveMissionRoom(missionID int64) {
	s.streamer.Stop(missionID)
	s.LeaveRoom(fieldlink.MissionRoom(missionID))
}

// On registers a handler for a message type.
func (s *Session) On(msgType string, h fieldlink.Handler) int64 {
	return s.router.On(msgType, h)
}

// Off removes a previously registered handler.
func (s *Session) Off(msgType string, token int64) {
	s.router.Off(msgType, token)
}

// SendLocationUpdate sends one position sample scoped to a mission.
func (s *Session) SendLocationUpdate(missionID int64, c fieldlink.Coordinates) error {
	return s.send(fieldlink.Message{
		Type:      fieldlink.TypeLocationUpdate,
		Payload:   mustMarshal(c),
		MissionID: missionID,
	}, false, s.cfg.LocationTTL)
}

// SendChatMessage sends a chat message, optionally direct or room-scoped.
func (s *Session) SendChatMessage(text string, toUserID int64, room string) error {
	body := struct {
		Text string `json:"text"`
		Room string `json:"room,omitempty"`
	}{Text: text, Room: room}

	return s.send(fieldlink.Message{
		Type:    fieldlink.TypeChatMessage,
		Payload: mustMarshal(body),
		UserID:  toUserID,
	}, false, s.cfg.QueueTTL)
}

// SendEmergencyAlert sends an emergency-class message. Emergencies are
// priority-queued while disconnected, exempt from eviction, and never
// expire.
func (s *Session) SendEmergencyAlert(payload any, missionID int64) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal emergency payload: %w", err)
	}
	return s.send(fieldlink.Message{
		Type:      fieldlink.TypeEmergencyAlert,
		Payload:   body,
		MissionID: missionID,
	}, true, 0)
}

// StartLocationStream begins relaying position samples for the mission.
func (s *Session) StartLocationStream(missionID int64) error {
	return s.streamer.Start(missionID)
}

// StopLocationStream cancels the mission's stream.
func (s *Session) StopLocationStream(missionID int64) {
	s.streamer.Stop(missionID)
}

// IsAuthenticated reports whether the session is fully established.
func (s *Session) IsAuthenticated() bool {
	return s.Status() == fieldlink.StateAuthenticated
}

// Status returns the current connection state.
func (s *Session) Status() fieldlink.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Roster returns a snapshot of the derived online roster. Entries unseen for
// longer than PresenceTTL are treated as offline and dropped before the
// snapshot is taken, covering missed offline events.
func (s *Session) Roster() []fieldlink.PresenceEntry {
	if ttl := s.cfg.PresenceTTL; ttl > 0 {
		for _, e := range s.presence.Stale(ttl) {
			s.log.Debug("dropping stale roster entry", "user_id", e.UserID)
			s.presence.SetOffline(e.UserID)
		}
	}
	return s.presence.Roster()
}

// Notifications returns the session's notification log.
func (s *Session) Notifications() fieldlink.NotificationLog {
	return s.notifs
}

// send stamps the envelope and transmits immediately when authenticated,
// buffering otherwise. A send failure on a dying connection falls back to
// the buffer so the message survives the reconnect.
func (s *Session) send(msg fieldlink.Message, priority bool, ttl time.Duration) error {
	msg.MessageID = uuid.New().String()
	msg.Timestamp = time.Now().UTC()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fieldlink.ErrSessionClosed
	}
	conn := s.conn
	authed := s.state == fieldlink.StateAuthenticated
	s.mu.Unlock()

	if authed && conn != nil {
		if err := s.sendOn(conn, msg); err == nil {
			return nil
		}
	}
	return s.queue.Push(queue.Envelope{Msg: msg, TTL: ttl, Priority: priority})
}

// trySendControl transmits a room-control frame only when authenticated;
// membership changes while disconnected are covered by resubscription.
func (s *Session) trySendControl(msg fieldlink.Message) {
	s.mu.Lock()
	conn := s.conn
	authed := s.state == fieldlink.StateAuthenticated
	s.mu.Unlock()

	if authed && conn != nil {
		if err := s.sendOn(conn, msg); err != nil {
			s.log.Warn("room control send failed", "type", msg.Type, "error", err)
		}
	}
}

func (s *Session) sendOn(conn *transport.Conn, msg fieldlink.Message) error {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return conn.Send(data)
}

// sendLocationSample is the streamer's outbound sink.
func (s *Session) sendLocationSample(missionID int64, c fieldlink.Coordinates) {
	if err := s.SendLocationUpdate(missionID, c); err != nil {
		s.log.Warn("location sample dropped", "mission_id", missionID, "error", err)
	}
}

func (s *Session) streamWarning(missionID int64, err error) {
	if s.cfg.OnStreamWarning != nil {
		s.cfg.OnStreamWarning(missionID, err)
	}
}

// setState records the transition and broadcasts it as a CONNECTION_STATUS
// message so consumers observe connectivity solely through status events.
func (s *Session) setState(state fieldlink.ConnectionState) {
	s.mu.Lock()
	changed := s.state != state
	if changed {
		s.state = state
	}
	s.mu.Unlock()

	if changed {
		s.broadcastState(state)
	}
}

// setStateFor applies the transition only while gen is the live attempt
// generation, so an abandoned or superseded attempt cannot clobber the
// session state.
func (s *Session) setStateFor(gen uint64, state fieldlink.ConnectionState) {
	s.mu.Lock()
	changed := !s.closed && gen == s.gen && s.state != state
	if changed {
		s.state = state
	}
	s.mu.Unlock()

	if changed {
		s.broadcastState(state)
	}
}

func (s *Session) broadcastState(state fieldlink.ConnectionState) {
	metrics.ConnectionState.Set(float64(state))
	s.log.Info("connection state changed", "state", state.String())

	s.router.Dispatch(fieldlink.Message{
		Type:      fieldlink.TypeConnectionStatus,
		Payload:   mustMarshal(fieldlink.StatusPayload{State: state.String()}),
		MessageID: uuid.New().String(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Session) stale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || gen != s.gen
}

func (s *Session) dropConn(conn *transport.Conn) {
	conn.Close()
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *Session) currentCreds() fieldlink.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

func (s *Session) deliverConnectResult(err error) {
	s.mu.Lock()
	ch := s.connectResult
	s.connectResult = nil
	s.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

func roomControl(msgType, room string) fieldlink.Message {
	body := struct {
		Room string `json:"room"`
	}{Room: room}
	return fieldlink.Message{Type: msgType, Payload: mustMarshal(body)}
}

// mustMarshal is for payload shapes this package controls; a marshal failure
// here is a programming error.
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
