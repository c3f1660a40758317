package client

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/opsmesh/fieldlink"
)

// registerInternalHandlers subscribes the session's own consumers: the
// presence roster and the notification log. They go through the same router
// as application handlers, so ordering and panic isolation apply uniformly.
func (s *Session) registerInternalHandlers() {
	s.router.On(fieldlink.TypeUserOnline, s.handleUserOnline)
	s.router.On(fieldlink.TypeUserOffline, s.handleUserOffline)
	s.router.On(fieldlink.TypeLocationUpdate, s.handleLocationSeen)

	s.router.On(fieldlink.TypeNotification, s.notificationHandler(fieldlink.SeverityInfo))
	s.router.On(fieldlink.TypeAlert, s.notificationHandler(fieldlink.SeverityAlert))
	s.router.On(fieldlink.TypeEmergencyAlert, s.notificationHandler(fieldlink.SeverityEmergency))
	s.router.On(fieldlink.TypeSystemNotification, s.notificationHandler(fieldlink.SeveritySystem))
}

func (s *Session) handleUserOnline(msg fieldlink.Message) {
	if msg.UserID == 0 {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	json.Unmarshal(msg.Payload, &body)
	s.presence.SetOnline(msg.UserID, body.Name)
}

func (s *Session) handleUserOffline(msg fieldlink.Message) {
	if msg.UserID == 0 {
		return
	}
	s.presence.SetOffline(msg.UserID)
}

// handleLocationSeen opportunistically refreshes presence from observed
// telemetry of other participants.
func (s *Session) handleLocationSeen(msg fieldlink.Message) {
	if msg.UserID == 0 {
		return
	}
	s.presence.Touch(msg.UserID, msg.MissionID)
}

// notificationHandler appends inbound user-facing frames to the log with the
// severity implied by their type tag.
func (s *Session) notificationHandler(sev fieldlink.Severity) fieldlink.Handler {
	return func(msg fieldlink.Message) {
		var body struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			Message   string `json:"message"`
			ActionURL string `json:"action_url"`
		}
		json.Unmarshal(msg.Payload, &body)

		id := body.ID
		if id == "" {
			id = msg.MessageID
		}
		if id == "" {
			id = uuid.New().String()
		}
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}

		s.notifs.Append(fieldlink.NotificationRecord{
			ID:        id,
			Severity:  sev,
			Title:     body.Title,
			Message:   body.Message,
			Timestamp: ts,
			MissionID: msg.MissionID,
			ActionURL: body.ActionURL,
		})
	}
}
