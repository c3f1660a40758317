package fieldlink

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message type tags. The registry is fixed: inbound frames carrying a tag
// outside this set are dropped with a diagnostic trace.
const (
	TypeNotification         = "NOTIFICATION"
	TypeAlert                = "ALERT"
	TypeEmergencyAlert       = "EMERGENCY_ALERT"
	TypeMissionStatusChanged = "MISSION_STATUS_CHANGED"
	TypeMissionAssigned      = "MISSION_ASSIGNED"
	TypeMissionUpdated       = "MISSION_UPDATED"
	TypeLocationUpdate       = "LOCATION_UPDATE"
	TypePhotoUploaded        = "PHOTO_UPLOADED"
	TypeChatMessage          = "CHAT_MESSAGE"
	TypeUserOnline           = "USER_ONLINE"
	TypeUserOffline          = "USER_OFFLINE"
	TypeStatsUpdate          = "STATS_UPDATE"
	TypeConnectionCount      = "CONNECTION_COUNT"
	TypeSystemNotification   = "SYSTEM_NOTIFICATION"

	// Handshake and room-control tags exchanged with the server.
	TypeAuthenticate = "AUTHENTICATE"
	TypeAuthAck      = "AUTH_ACK"
	TypeAuthError    = "AUTH_ERROR"
	TypeJoinRoom     = "JOIN_ROOM"
	TypeLeaveRoom    = "LEAVE_ROOM"

	// TypeConnectionStatus is synthesized locally on every state transition
	// so connection-indicator UI can subscribe without depending on
	// transport internals. It never appears on the wire.
	TypeConnectionStatus = "CONNECTION_STATUS"
)

// knownTypes is the fixed tag registry.
var knownTypes = map[string]struct{}{
	TypeNotification:         {},
	TypeAlert:                {},
	TypeEmergencyAlert:       {},
	TypeMissionStatusChanged: {},
	TypeMissionAssigned:      {},
	TypeMissionUpdated:       {},
	TypeLocationUpdate:       {},
	TypePhotoUploaded:        {},
	TypeChatMessage:          {},
	TypeUserOnline:           {},
	TypeUserOffline:          {},
	TypeStatsUpdate:          {},
	TypeConnectionCount:      {},
	TypeSystemNotification:   {},
	TypeAuthenticate:         {},
	TypeAuthAck:              {},
	TypeAuthError:            {},
	TypeJoinRoom:             {},
	TypeLeaveRoom:            {},
	TypeConnectionStatus:     {},
}

// KnownType reports whether tag is part of the fixed message-type registry.
func KnownType(tag string) bool {
	_, ok := knownTypes[tag]
	return ok
}

// Message is the wire envelope exchanged with the server. Payload is the raw
// type-specific body; decode it with the shape matching Type.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	MissionID int64           `json:"mission_id,omitempty"`
	UserID    int64           `json:"user_id,omitempty"`
	MessageID string          `json:"message_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// Credentials carries the token presented during the auth handshake.
type Credentials struct {
	Token string `json:"token"`
}

// Coordinates is a single position sample from a position source.
type Coordinates struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Heading   float64 `json:"heading,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
}

// RoomCommand is the global dispatcher channel every client may join.
const RoomCommand = "command"

// MissionRoom returns the room name scoping events to a single mission.
func MissionRoom(missionID int64) string {
	return fmt.Sprintf("mission_%d", missionID)
}

// ConnectionState is the session's position in its connection lifecycle.
type ConnectionState int

const (
	// StateDisconnected means no connection exists and none is being
	// attempted. Terminal after exhausted reconnects or explicit Close.
	StateDisconnected ConnectionState = iota

	// StateConnecting means a dial is in flight.
	StateConnecting

	// StateConnected means the socket is open but not yet authenticated.
	StateConnected

	// StateAuthenticating means credentials were sent and the ack is pending.
	StateAuthenticating

	// StateAuthenticated means the session is fully established.
	StateAuthenticated

	// StateReconnecting means the connection was lost and a backoff delay
	// is running before the next attempt.
	StateReconnecting
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StatusPayload is the body of a CONNECTION_STATUS message.
type StatusPayload struct {
	State string `json:"state"`
}

// Severity classifies a notification record.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityAlert     Severity = "alert"
	SeverityEmergency Severity = "emergency"
	SeveritySystem    Severity = "system"
)

// NotificationRecord is one entry in the user-facing notification log.
// Emergency alerts share this shape with an emergency severity; they do not
// bypass the read/unread model, consumers render them differently.
type NotificationRecord struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
	MissionID int64     `json:"mission_id,omitempty"`
	ActionURL string    `json:"action_url,omitempty"`
}

// PresenceEntry is one participant in the derived online roster.
type PresenceEntry struct {
	UserID    int64
	Name      string
	Online    bool
	LastSeen  time.Time
	MissionID int64
}
