// Package queue buffers outbound messages while the session is not
// authenticated, with priority-aware eviction and per-message TTL.
package queue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/opsmesh/fieldlink"
	"github.com/opsmesh/fieldlink/internal/metrics"
)

// Envelope is one buffered outbound message.
type Envelope struct {
	Msg        fieldlink.Message
	EnqueuedAt time.Time
	Attempts   int
	TTL        time.Duration

	// Priority marks emergency-class messages, which are never evicted
	// under capacity pressure.
	Priority bool
}

func (e Envelope) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.EnqueuedAt) > e.TTL
}

// Queue is a bounded FIFO of outbound envelopes. All methods are safe for
// concurrent use.
type Queue struct {
	log *slog.Logger
	max int
	now func() time.Time

	mu    sync.Mutex
	items []Envelope
}

// New creates a Queue holding at most max non-priority entries. Priority
// entries may exceed max; their capacity is sized by the caller's restraint,
// not enforced here.
func New(max int, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		log: log,
		max: max,
		now: time.Now,
	}
}

// Push buffers an envelope. On overflow the oldest non-priority entry is
// evicted first. When only priority entries remain, a new priority entry is
// appended past the cap and a new non-priority entry is dropped, returning
// ErrQueueFull.
func (q *Queue) Push(env Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = q.now()
	}

	if len(q.items) >= q.max {
		if !q.evictOldestNonPriority() && !env.Priority {
			q.log.Warn("outbound queue full of priority entries, dropping message",
				"type", env.Msg.Type,
			)
			return fieldlink.ErrQueueFull
		}
	}

	q.items = append(q.items, env)
	metrics.QueueDepth.Set(float64(len(q.items)))
	return nil
}

// evictOldestNonPriority removes the oldest evictable entry. Caller holds mu.
func (q *Queue) evictOldestNonPriority() bool {
	for i, it := range q.items {
		if !it.Priority {
			q.log.Warn("outbound queue overflow, evicting oldest entry",
				"type", it.Msg.Type,
				"age", q.now().Sub(it.EnqueuedAt),
			)
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			metrics.QueueEvictions.Inc()
			return true
		}
	}
	return false
}

// Flush sends buffered envelopes oldest-first through send. Entries whose
// TTL has expired are discarded rather than sent, to avoid replaying stale
// telemetry or chat. If send fails the remaining entries (including the
// failed one, with its attempt count bumped) stay queued for the next flush.
func (q *Queue) Flush(send func(fieldlink.Message) error) {
	q.mu.Lock()
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	now := q.now()
	for i, env := range pending {
		if env.expired(now) {
			metrics.QueueExpired.Inc()
			q.log.Debug("discarding expired queued message",
				"type", env.Msg.Type,
				"age", now.Sub(env.EnqueuedAt),
			)
			continue
		}

		if err := send(env.Msg); err != nil {
			env.Attempts++
			q.mu.Lock()
			requeued := append([]Envelope{env}, pending[i+1:]...)
			q.items = append(requeued, q.items...)
			metrics.QueueDepth.Set(float64(len(q.items)))
			q.mu.Unlock()
			q.log.Warn("flush interrupted, messages requeued",
				"error", err,
				"requeued", len(requeued),
			)
			return
		}
	}

	q.mu.Lock()
	metrics.QueueDepth.Set(float64(len(q.items)))
	q.mu.Unlock()
}

// Drain discards every buffered entry. Used on intentional teardown, which
// is distinguished from a network-triggered reconnect.
func (q *Queue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	metrics.QueueDepth.Set(0)
}

// Len returns the number of buffered entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// SetNow overrides the clock. Tests only.
func (q *Queue) SetNow(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}
