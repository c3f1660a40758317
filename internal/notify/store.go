// Package notify implements the bounded, durable notification log.
package notify

import (
	"encoding/json"
	"log/slog"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/opsmesh/fieldlink"
)

var notificationsBucket = []byte("notifications")

var snapshotKey = []byte("snapshot")

// Store is a capped, newest-first notification log with read/unread
// tracking. Every mutation persists the collection as one JSON snapshot to a
// bbolt bucket; construction reloads the snapshot, so the persisted state is
// always consistent with memory. A nil database degrades to memory-only.
type Store struct {
	db  *bolt.DB
	log *slog.Logger
	cap int

	mu      sync.Mutex
	records []fieldlink.NotificationRecord // newest first
}

// NewStore creates or opens the notification bucket and loads the persisted
// snapshot. capacity bounds the record count; the oldest records are evicted
// past it, including records reloaded from a snapshot written under a larger
// cap.
func NewStore(db *bolt.DB, capacity int, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{db: db, log: log, cap: capacity}

	if db == nil {
		return s, nil
	}

	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(notificationsBucket)
		if err != nil {
			return err
		}
		data := b.Get(snapshotKey)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &s.records); err != nil {
			// Malformed snapshot - start empty rather than fail the session.
			log.Warn("discarding malformed notification snapshot", "error", err)
			s.records = nil
			return nil
		}
		if len(s.records) > capacity {
			s.records = s.records[:capacity]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Append inserts the record at the head, evicting from the tail once the
// capacity cap is exceeded.
func (s *Store) Append(rec fieldlink.NotificationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append([]fieldlink.NotificationRecord{rec}, s.records...)
	if len(s.records) > s.cap {
		s.records = s.records[:s.cap]
	}
	s.persist()
}

// MarkRead marks one record read. Unknown IDs are a no-op.
func (s *Store) MarkRead(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.records {
		if s.records[i].ID == id {
			if !s.records[i].Read {
				s.records[i].Read = true
				s.persist()
			}
			return
		}
	}
}

// MarkAllRead marks every record read.
func (s *Store) MarkAllRead() {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for i := range s.records {
		if !s.records[i].Read {
			s.records[i].Read = true
			changed = true
		}
	}
	if changed {
		s.persist()
	}
}

// Remove deletes one record. Unknown IDs are a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.records {
		if s.records[i].ID == id {
			s.records = append(s.records[:i:i], s.records[i+1:]...)
			s.persist()
			return
		}
	}
}

// Clear deletes every record.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.records) == 0 {
		return
	}
	s.records = nil
	s.persist()
}

// UnreadCount returns the live count of unread records.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range s.records {
		if !s.records[i].Read {
			n++
		}
	}
	return n
}

// All returns the records newest-first.
func (s *Store) All() []fieldlink.NotificationRecord {
	return s.filter(func(fieldlink.NotificationRecord) bool { return true })
}

// Unread returns only unread records, newest-first.
func (s *Store) Unread() []fieldlink.NotificationRecord {
	return s.filter(func(r fieldlink.NotificationRecord) bool { return !r.Read })
}

// ForMission returns records scoped to one mission, newest-first.
func (s *Store) ForMission(missionID int64) []fieldlink.NotificationRecord {
	return s.filter(func(r fieldlink.NotificationRecord) bool { return r.MissionID == missionID })
}

// System returns only system-severity records, newest-first.
func (s *Store) System() []fieldlink.NotificationRecord {
	return s.filter(func(r fieldlink.NotificationRecord) bool { return r.Severity == fieldlink.SeveritySystem })
}

// filter is a pure, non-persisted projection over the stored collection.
func (s *Store) filter(keep func(fieldlink.NotificationRecord) bool) []fieldlink.NotificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]fieldlink.NotificationRecord, 0, len(s.records))
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// persist writes the snapshot. Caller holds mu. A persistence failure is
// logged, not surfaced: losing the snapshot must not break the live session.
func (s *Store) persist() {
	if s.db == nil {
		return
	}

	data, err := json.Marshal(s.records)
	if err != nil {
		s.log.Error("marshal notification snapshot", "error", err)
		return
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(notificationsBucket).Put(snapshotKey, data)
	})
	if err != nil {
		s.log.Error("persist notification snapshot", "error", err)
	}
}
