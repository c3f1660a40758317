package notify_test

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/opsmesh/fieldlink"
	"github.com/opsmesh/fieldlink/internal/notify"
)

func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "notifications-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	db, err := bolt.Open(f.Name(), 0600, nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func rec(id string, sev fieldlink.Severity, missionID int64) fieldlink.NotificationRecord {
	return fieldlink.NotificationRecord{
		ID:        id,
		Severity:  sev,
		Title:     "title " + id,
		Message:   "message " + id,
		Timestamp: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		MissionID: missionID,
	}
}

func TestAppendCapEvictsOldest(t *testing.T) {
	s, err := notify.NewStore(nil, 5, nil)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		s.Append(rec(fmt.Sprintf("n-%d", i), fieldlink.SeverityInfo, 0))
	}

	all := s.All()
	require.Len(t, all, 5)
	// Newest first; the oldest (n-0) was evicted from the tail.
	assert.Equal(t, "n-5", all[0].ID)
	assert.Equal(t, "n-1", all[4].ID)
}

func TestReadStateTracking(t *testing.T) {
	s, err := notify.NewStore(nil, 10, nil)
	require.NoError(t, err)

	s.Append(rec("a", fieldlink.SeverityInfo, 0))
	s.Append(rec("b", fieldlink.SeverityAlert, 0))
	s.Append(rec("c", fieldlink.SeverityEmergency, 0))

	assert.Equal(t, 3, s.UnreadCount())

	s.MarkRead("b")
	assert.Equal(t, 2, s.UnreadCount())
	assert.Len(t, s.Unread(), 2)

	s.MarkRead("missing") // no-op
	assert.Equal(t, 2, s.UnreadCount())

	s.MarkAllRead()
	assert.Equal(t, 0, s.UnreadCount())
	assert.Empty(t, s.Unread())
}

func TestRemoveAndClear(t *testing.T) {
	s, err := notify.NewStore(nil, 10, nil)
	require.NoError(t, err)

	s.Append(rec("a", fieldlink.SeverityInfo, 0))
	s.Append(rec("b", fieldlink.SeverityInfo, 0))

	s.Remove("a")
	require.Len(t, s.All(), 1)
	s.Remove("missing") // no-op
	require.Len(t, s.All(), 1)

	s.Clear()
	assert.Empty(t, s.All())
}

func TestViewFilters(t *testing.T) {
	s, err := notify.NewStore(nil, 10, nil)
	require.NoError(t, err)

	s.Append(rec("a", fieldlink.SeverityInfo, 7))
	s.Append(rec("b", fieldlink.SeveritySystem, 0))
	s.Append(rec("c", fieldlink.SeverityEmergency, 7))

	mission := s.ForMission(7)
	require.Len(t, mission, 2)
	assert.Equal(t, "c", mission[0].ID)
	assert.Equal(t, "a", mission[1].ID)

	system := s.System()
	require.Len(t, system, 1)
	assert.Equal(t, "b", system[0].ID)

	// Filters are projections: the stored collection is untouched.
	assert.Len(t, s.All(), 3)
}

func TestPersistenceRoundTrip(t *testing.T) {
	db := openTestDB(t)

	s, err := notify.NewStore(db, 10, nil)
	require.NoError(t, err)

	s.Append(rec("a", fieldlink.SeverityInfo, 7))
	s.Append(rec("b", fieldlink.SeverityEmergency, 0))
	s.MarkRead("a")

	// A fresh store over the same database sees the persisted snapshot.
	reloaded, err := notify.NewStore(db, 10, nil)
	require.NoError(t, err)

	all := reloaded.All()
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].ID)
	assert.Equal(t, "a", all[1].ID)
	assert.True(t, all[1].Read)
	assert.Equal(t, 1, reloaded.UnreadCount())
}

func TestReloadRespectsSmallerCap(t *testing.T) {
	db := openTestDB(t)

	s, err := notify.NewStore(db, 10, nil)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		s.Append(rec(fmt.Sprintf("n-%d", i), fieldlink.SeverityInfo, 0))
	}

	reloaded, err := notify.NewStore(db, 3, nil)
	require.NoError(t, err)

	all := reloaded.All()
	require.Len(t, all, 3)
	assert.Equal(t, "n-5", all[0].ID)
}

func TestMalformedSnapshotStartsEmpty(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("notifications"))
		if err != nil {
			return err
		}
		return b.Put([]byte("snapshot"), []byte("not-json"))
	}))

	s, err := notify.NewStore(db, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, s.All())
}
