package pipeline

import (
	"sort"
	"time"
)

// latencyWindow keeps the last n queueing latencies and dequeue instants
type latencyWindow struct {
	samples []time.Duration
	stamps  []time.Time
	next    int
	filled  bool
	pending int
}

func newLatencyWindow(n int) *latencyWindow {
	return &latencyWindow{
		samples: make([]time.Duration, n),
		stamps:  make([]time.Time, n),
	}
}

// add folds a sample in and reports whether a full window of new samples
// has accumulated since the last report
func (w *latencyWindow) add(d time.Duration, at time.Time) bool {
	w.samples[w.next] = d
	w.stamps[w.next] = at
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.filled = true
	}
	w.pending++
	if w.pending >= len(w.samples) {
		w.pending = 0
		return true
	}
	return false
}

func (w *latencyWindow) count() int {
	if w.filled {
		return len(w.samples)
	}
	return w.next
}

func (w *latencyWindow) sorted() []time.Duration {
	out := append([]time.Duration(nil), w.samples[:w.count()]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// percentile uses the nearest-rank index int(p*n)
func (w *latencyWindow) percentile(p float64) time.Duration {
	s := w.sorted()
	if len(s) == 0 {
		return 0
	}
	idx := int(p * float64(len(s)))
	if idx >= len(s) {
		idx = len(s) - 1
	}
	return s[idx]
}

func (w *latencyWindow) mean() time.Duration {
	n := w.count()
	if n == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range w.samples[:n] {
		total += d
	}
	return total / time.Duration(n)
}

// throughput is dequeues per second across the window
func (w *latencyWindow) throughput() float64 {
	n := w.count()
	if n < 2 {
		return 0
	}
	oldest, newest := w.stamps[0], w.stamps[n-1]
	if w.filled {
		oldest = w.stamps[w.next]
		newest = w.stamps[(w.next-1+len(w.stamps))%len(w.stamps)]
	}
	span := newest.Sub(oldest).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(n-1) / span
}

func (w *latencyWindow) reset() {
	for i := range w.samples {
		w.samples[i] = 0
		w.stamps[i] = time.Time{}
	}
	w.next = 0
	w.filled = false
	w.pending = 0
}
