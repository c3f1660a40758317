// Package presence derives an online-roster view from presence events.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/opsmesh/fieldlink"
)

// Tracker maintains the roster keyed by user identifier. Online events
// upsert, offline events remove, and location updates opportunistically
// refresh last-seen and the mission association. No hard expiry timer: the
// Stale method is the fallback for missed offline events.
type Tracker struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[int64]fieldlink.PresenceEntry
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		now:     time.Now,
		entries: make(map[int64]fieldlink.PresenceEntry),
	}
}

// SetOnline upserts the user as online with a refreshed last-seen.
func (t *Tracker) SetOnline(userID int64, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[userID]
	e.UserID = userID
	if name != "" {
		e.Name = name
	}
	e.Online = true
	e.LastSeen = t.now()
	t.entries[userID] = e
}

// SetOffline removes the user from the roster.
func (t *Tracker) SetOffline(userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, userID)
}

// Touch refreshes the user's last-seen and mission association from an
// observed location update. Unknown users are ignored; a location frame is
// not proof of a presence announcement.
func (t *Tracker) Touch(userID, missionID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[userID]
	if !ok {
		return
	}
	e.LastSeen = t.now()
	if missionID != 0 {
		e.MissionID = missionID
	}
	t.entries[userID] = e
}

// Roster returns a snapshot of the roster ordered by user ID.
func (t *Tracker) Roster() []fieldlink.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]fieldlink.PresenceEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Stale returns users unseen for longer than ttl. Use roughly twice the
// heartbeat interval to tolerate missed offline events.
func (t *Tracker) Stale(ttl time.Duration) []fieldlink.PresenceEntry {
	cutoff := t.now().Add(-ttl)

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []fieldlink.PresenceEntry
	for _, e := range t.entries {
		if e.LastSeen.Before(cutoff) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// SetNow overrides the clock. Tests only.
func (t *Tracker) SetNow(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}
