// Package fieldlink provides the realtime session layer for field-operations
// clients: field agents, dispatchers and dashboards staying synchronized over
// a persistent WebSocket connection.
//
// The session multiplexes mission-scoped event streams over a single
// connection, survives connection loss with sequential exponential-backoff
// reconnects, and guarantees that safety-critical signals (emergency alerts,
// mission-status transitions, location telemetry) are never silently lost.
//
// # Architecture
//
// A Session owns exactly one transport connection and its state machine:
//
//	Disconnected → Connecting → Connected → Authenticating → Authenticated
//
// Any transport error from any state moves the session to Reconnecting, which
// backs off exponentially (with jitter) before dialing again. After the
// configured attempt limit the session settles in Disconnected and emits a
// terminal status event. Each attempt carries a generation counter so events
// from abandoned attempts are discarded.
//
// Inbound frames are JSON envelopes with a fixed type-tag registry; the
// session dispatches each frame to the handlers registered for its tag, in
// registration order, recovering per-handler panics so one faulty subscriber
// cannot block delivery to others.
//
// Room membership is tracked locally and re-asserted to the server on every
// successful authentication, before any other outbound traffic. Outbound
// messages sent while disconnected are buffered with a TTL; emergency-class
// messages are exempt from capacity eviction.
//
// # Quick Start
//
//	import (
//	    "github.com/opsmesh/fieldlink"
//	    "github.com/opsmesh/fieldlink/session"
//	)
//
//	cfg := session.DefaultConfig("wss://ops.example.com/ws")
//	s := session.New(cfg)
//
//	s.On(fieldlink.TypeMissionStatusChanged, func(msg fieldlink.Message) {
//	    // react to mission transitions
//	})
//
//	if err := s.Connect(ctx, fieldlink.Credentials{Token: token}); err != nil {
//	    // credential rejected or attempts exhausted
//	}
//	s.JoinRoom(fieldlink.RoomCommand)
//	s.JoinMissionRoom(7)
//
// # Wire Format
//
// Every frame is a JSON envelope:
//
//	{"type": "CHAT_MESSAGE", "payload": {...}, "mission_id": 7,
//	 "message_id": "…uuid…", "timestamp": "2026-08-30T12:00:00Z"}
//
// Tags outside the registry are dropped with a diagnostic trace, not treated
// as an error. Maximum payload: 1MB.
//
// # Connection Health
//
//   - Heartbeat ping on a fixed interval; a missing pong within twice the
//     interval forces a reconnect even without a transport error.
//   - Reconnect attempts are strictly sequential; backoff resets on
//     successful authentication.
//   - Rejected credentials are never retried automatically; the host must
//     supply a fresh token.
//
// # Important
//
//   - Handlers run synchronously on the session's receive loop; calling
//     send operations from a handler is safe, blocking in one is not.
//   - Message payloads reference the decoded frame buffer; do not modify.
//   - Exactly one Session per client process; independent Sessions (e.g.
//     under test) share no state.
package fieldlink
