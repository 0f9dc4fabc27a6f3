package monitoring

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// LatencySummary describes the samples currently held by a LatencyWindow.
type LatencySummary struct {
	Count int           `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// LatencyWindow keeps the most recent durations in a fixed ring so memory
// stays bounded however long the process runs.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

// NewLatencyWindow returns a window holding up to size samples.
func NewLatencyWindow(size int) *LatencyWindow {
	if size < 1 {
		size = 1
	}
	return &LatencyWindow{samples: make([]float64, size)}
}

// Observe records one duration, evicting the oldest when the window is full.
func (w *LatencyWindow) Observe(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = float64(d)
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

// Summary computes mean, empirical quantiles and max over the window.
func (w *LatencyWindow) Summary() LatencySummary {
	w.mu.Lock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	sorted := make([]float64, n)
	copy(sorted, w.samples[:n])
	w.mu.Unlock()

	if n == 0 {
		return LatencySummary{}
	}
	sort.Float64s(sorted)
	return LatencySummary{
		Count: n,
		Mean:  time.Duration(stat.Mean(sorted, nil)),
		P50:   time.Duration(stat.Quantile(0.50, stat.Empirical, sorted, nil)),
		P95:   time.Duration(stat.Quantile(0.95, stat.Empirical, sorted, nil)),
		P99:   time.Duration(stat.Quantile(0.99, stat.Empirical, sorted, nil)),
		Max:   time.Duration(floats.Max(sorted)),
	}
}
