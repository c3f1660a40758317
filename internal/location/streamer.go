// Package location turns a periodic position source into outbound telemetry
// messages, scoped to a mission.
package location

import (
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/opsmesh/fieldlink"
)

// Streamer relays samples from a PositionSource as location updates. At most
// one active stream exists per mission; starting a second stream for the
// same mission first stops the prior one. Source failures stop the affected
// stream and surface a warning, they never tear down the session.
type Streamer struct {
	source fieldlink.PositionSource
	send   func(missionID int64, c fieldlink.Coordinates)
	warn   func(missionID int64, err error)
	log    *slog.Logger

	// limit caps forwarded samples per mission. Sources can misbehave
	// (some positioning stacks burst cached fixes on wake), and flooding
	// the outbound path with telemetry starves chat and presence.
	limit rate.Limit
	burst int

	mu     sync.Mutex
	active map[int64]*stream
}

type stream struct {
	watch   fieldlink.PositionWatch
	limiter *rate.Limiter
	stopped bool
}

// New creates a Streamer. limit/burst bound the forwarded sample rate per
// mission; a zero limit disables throttling.
func New(source fieldlink.PositionSource, limit rate.Limit, burst int, log *slog.Logger) *Streamer {
	if log == nil {
		log = slog.Default()
	}
	return &Streamer{
		source: source,
		limit:  limit,
		burst:  burst,
		log:    log,
		active: make(map[int64]*stream),
	}
}

// SetSink wires the outbound and warning callbacks. Must be called before
// Start.
func (s *Streamer) SetSink(
	send func(missionID int64, c fieldlink.Coordinates),
	warn func(missionID int64, err error),
) {
	s.send = send
	s.warn = warn
}

// Start begins relaying samples for the mission.
func (s *Streamer) Start(missionID int64) error {
	if s.source == nil {
		return fieldlink.ErrNoPositionSource
	}

	s.Stop(missionID)

	st := &stream{}
	if s.limit > 0 {
		st.limiter = rate.NewLimiter(s.limit, s.burst)
	}

	watch, err := s.source.Watch(
		func(c fieldlink.Coordinates) { s.onSample(missionID, st, c) },
		func(err error) { s.onError(missionID, st, err) },
	)
	if err != nil {
		return err
	}

	s.mu.Lock()
	st.watch = watch
	s.active[missionID] = st
	s.mu.Unlock()

	s.log.Info("location stream started", "mission_id", missionID)
	return nil
}

func (s *Streamer) onSample(missionID int64, st *stream, c fieldlink.Coordinates) {
	s.mu.Lock()
	stopped := st.stopped
	s.mu.Unlock()
	if stopped {
		return
	}

	if st.limiter != nil && !st.limiter.Allow() {
		s.log.Debug("location sample throttled", "mission_id", missionID)
		return
	}
	s.send(missionID, c)
}

func (s *Streamer) onError(missionID int64, st *stream, err error) {
	s.mu.Lock()
	stopped := st.stopped
	s.mu.Unlock()
	if stopped {
		return
	}

	s.log.Warn("position source failed, stopping stream",
		"mission_id", missionID,
		"error", err,
	)
	s.Stop(missionID)
	if s.warn != nil {
		s.warn(missionID, err)
	}
}

// Stop cancels the mission's stream. No further samples are emitted
// afterward. No-op when no stream is active.
func (s *Streamer) Stop(missionID int64) {
	s.mu.Lock()
	st, ok := s.active[missionID]
	if ok {
		st.stopped = true
		delete(s.active, missionID)
	}
	s.mu.Unlock()

	if ok && st.watch != nil {
		st.watch.Stop()
		s.log.Info("location stream stopped", "mission_id", missionID)
	}
}

// StopAll cancels every active stream. Used on session teardown.
func (s *Streamer) StopAll() {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
}

// Active reports whether a stream is running for the mission.
func (s *Streamer) Active(missionID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[missionID]
	return ok
}
