package main

import (
	"sync"
	"time"

	"github.com/opsmesh/fieldlink"
)

// tickerSource emits the daemon's last known coordinate on a fixed interval.
// TODO: replace with a gpsd-backed source once vehicle units carry receivers.
type tickerSource struct {
	interval time.Duration

	mu   sync.Mutex
	last fieldlink.Coordinates
}

// SetPosition updates the coordinate emitted on the next tick.
func (t *tickerSource) SetPosition(c fieldlink.Coordinates) {
	t.mu.Lock()
	t.last = c
	t.mu.Unlock()
}

func (t *tickerSource) Watch(onSample func(fieldlink.Coordinates), onErr func(error)) (fieldlink.PositionWatch, error) {
	ticker := time.NewTicker(t.interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				t.mu.Lock()
				c := t.last
				t.mu.Unlock()
				onSample(c)
			case <-done:
				return
			}
		}
	}()

	return &tickerWatch{ticker: ticker, done: done}, nil
}

type tickerWatch struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (w *tickerWatch) Stop() {
	w.once.Do(func() {
		w.ticker.Stop()
		close(w.done)
	})
}
