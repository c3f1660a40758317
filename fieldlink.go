package fieldlink

import "context"

// Handler processes one inbound message. Handlers registered for the same
// type run in registration order on the session's receive loop; a panic in
// one handler is recovered and logged without suppressing the others.
type Handler func(msg Message)

// Session is a client-side realtime session: one persistent connection, an
// authenticated handshake, room-scoped subscriptions, and a typed dispatch
// registry. Implementations are safe for concurrent use.
//
// Example usage:
//
//	s := session.New(session.DefaultConfig("wss://ops.example.com/ws"))
//	s.On(fieldlink.TypeEmergencyAlert, onEmergency)
//	if err := s.Connect(ctx, fieldlink.Credentials{Token: token}); err != nil {
//	    return err
//	}
//	defer s.Close(context.Background())
type Session interface {
	// Connect dials the server, performs the auth handshake, and blocks
	// until the session first reaches the authenticated state or fails
	// terminally. It returns ErrAuthFailed if the credential is rejected,
	// ErrReconnectExhausted if the attempt limit is reached first, or the
	// context error if ctx is cancelled while waiting.
	//
	// After a successful Connect the session keeps itself alive: transport
	// failures trigger sequential reconnect attempts with exponential
	// backoff, re-authentication, and room resubscription, observable only
	// through CONNECTION_STATUS messages.
	Connect(ctx context.Context, creds Credentials) error

	// Close tears the session down: cancels the heartbeat, any pending
	// backoff timer and all location streams, discards queued outbound
	// messages, and settles in the disconnected state. Safe to call twice.
	Close(ctx context.Context) error

	// JoinRoom records the room in the desired-membership set and, when
	// authenticated, asserts it to the server immediately. Membership is
	// re-asserted after every reconnect before any other outbound traffic.
	// Idempotent.
	JoinRoom(name string)

	// LeaveRoom removes the room from the desired set. While disconnected
	// only local state changes; no traffic is generated until the next
	// successful authentication. Idempotent.
	LeaveRoom(name string)

	// JoinMissionRoom joins the room scoping events to one mission.
	JoinMissionRoom(missionID int64)

	// LeaveMissionRoom leaves the mission's room and stops any location
	// stream running for that mission.
	LeaveMissionRoom(missionID int64)

	// On registers a handler for a message type and returns a registration
	// token for Off. Multiple handlers per type are allowed.
	On(msgType string, h Handler) int64

	// Off removes a previously registered handler. Unknown tokens are a
	// no-op.
	Off(msgType string, token int64)

	// SendLocationUpdate sends one position sample scoped to a mission.
	// While not authenticated the sample is buffered with a short TTL;
	// stale samples are discarded rather than replayed.
	SendLocationUpdate(missionID int64, c Coordinates) error

	// SendChatMessage sends a chat message. toUserID and room are optional
	// (zero values): a direct recipient, a room scope, or neither for the
	// session's default scope.
	SendChatMessage(text string, toUserID int64, room string) error

	// SendEmergencyAlert sends an emergency-class message. Emergency
	// messages are priority-queued while disconnected and are never
	// evicted under queue capacity pressure.
	SendEmergencyAlert(payload any, missionID int64) error

	// StartLocationStream begins relaying samples from the configured
	// position source as LOCATION_UPDATE messages tagged with missionID.
	// At most one stream per mission; starting a second stops the first.
	StartLocationStream(missionID int64) error

	// StopLocationStream cancels the mission's stream. No further samples
	// are emitted afterward. No-op when no stream is active.
	StopLocationStream(missionID int64)

	// IsAuthenticated reports whether the session is fully established.
	IsAuthenticated() bool

	// Status returns the current connection state.
	Status() ConnectionState

	// Roster returns a snapshot of the derived online roster.
	Roster() []PresenceEntry

	// Notifications returns the session's notification log.
	Notifications() NotificationLog
}

// NotificationLog is a bounded, durable, read/unread-tracked log of
// user-facing notifications derived from inbound messages. The log holds at
// most its configured cap; appending past the cap evicts the oldest record.
// Every mutation persists a snapshot; the snapshot is reloaded on the next
// session start.
type NotificationLog interface {
	// All returns the records newest-first.
	All() []NotificationRecord

	// Unread returns only records not yet marked read, newest-first.
	Unread() []NotificationRecord

	// ForMission returns records scoped to one mission, newest-first.
	ForMission(missionID int64) []NotificationRecord

	// System returns only system-severity records, newest-first.
	System() []NotificationRecord

	// UnreadCount returns the live count of unread records.
	UnreadCount() int

	// MarkRead marks one record read. Unknown IDs are a no-op.
	MarkRead(id string)

	// MarkAllRead marks every record read.
	MarkAllRead()

	// Remove deletes one record. Unknown IDs are a no-op.
	Remove(id string)

	// Clear deletes every record.
	Clear()
}

// PositionSource is the capability boundary to positioning hardware. Watch
// begins delivering samples to onSample until the returned watch is stopped;
// failures after a successful Watch (permission revoked, timeout) go to
// onErr and end the watch.
//
// A deterministic fake producing a fixed coordinate sequence satisfies this
// interface for tests.
type PositionSource interface {
	Watch(onSample func(Coordinates), onErr func(error)) (PositionWatch, error)
}

// PositionWatch is a handle to an active position subscription.
type PositionWatch interface {
	// Stop cancels the subscription. Safe to call twice.
	Stop()
}
