// Package session constructs realtime sessions.
package session

import (
	"time"

	"github.com/opsmesh/fieldlink"
	"github.com/opsmesh/fieldlink/internal/client"
)

// Config tunes a session. Zero values are replaced by the DefaultConfig
// values only where noted; start from DefaultConfig and override.
type Config = client.Config

// New creates a session from cfg. The session starts disconnected; call
// Connect to establish it.
//
// Example:
//
//	cfg := session.DefaultConfig("wss://ops.example.com/ws")
//	cfg.DB = db // bbolt handle for durable notifications, optional
//	s, err := session.New(cfg)
func New(cfg Config) (fieldlink.Session, error) {
	s, err := client.New(cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// DefaultConfig returns the production defaults for the given endpoint:
// 25s heartbeat, ten reconnect attempts backing off from 1s to 30s, a
// 256-message outbound buffer, 5m chat TTL, 30s telemetry TTL, 1 sample/s
// location throttle with burst 5, a 100-record notification cap, and a 60s
// presence staleness fallback.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		HandshakeTimeout:     10 * time.Second,
		HeartbeatInterval:    25 * time.Second,
		WriteTimeout:         10 * time.Second,
		AuthTimeout:          10 * time.Second,
		ReconnectBaseWait:    time.Second,
		ReconnectMaxWait:     30 * time.Second,
		MaxReconnectAttempts: 10,
		QueueSize:            256,
		QueueTTL:             5 * time.Minute,
		LocationTTL:          30 * time.Second,
		LocationRate:         1,
		LocationBurst:        5,
		NotificationCap:      100,
		PresenceTTL:          60 * time.Second,
	}
}
