package server

import (
	"sync"
	"time"
)

// latencyWindow tracks request latencies over a sliding window and reports
// the average of the most recent window only.
type latencyWindow struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	entries []latencyEntry
}

type latencyEntry struct {
	ts      time.Time
	latency time.Duration
}

func newLatencyWindow(window time.Duration) *latencyWindow {
	return &latencyWindow{
		window:  window,
		now:     time.Now,
		entries: make([]latencyEntry, 0, 128),
	}
}

// Record adds a latency sample.
func (w *latencyWindow) Record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, latencyEntry{ts: w.now(), latency: d})
}

// Avg returns the average latency in milliseconds and the number of
// requests inside the window.
func (w *latencyWindow) Avg() (avgMs int64, count int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.window)
	start := 0
	for start < len(w.entries) && w.entries[start].ts.Before(cutoff) {
		start++
	}
	if start > 0 {
		w.entries = w.entries[start:]
	}
	if len(w.entries) == 0 {
		return 0, 0
	}

	var total int64
	for _, e := range w.entries {
		total += e.latency.Milliseconds()
	}
	return total / int64(len(w.entries)), int64(len(w.entries))
}
