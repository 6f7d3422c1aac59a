package signal

import (
	"gonum.org/v1/gonum/stat"
)

// TrailingWindow is a fixed-capacity ring of recent values with mean and
// standard-deviation queries. Not safe for concurrent use.
type TrailingWindow struct {
	values []float64
	next   int
	count  int
}

// NewTrailingWindow creates a window holding up to size values. Size is
// clamped to at least 1.
func NewTrailingWindow(size int) *TrailingWindow {
	if size < 1 {
		size = 1
	}
	return &TrailingWindow{values: make([]float64, size)}
}

// Push adds a value, evicting the oldest once the window is full.
func (w *TrailingWindow) Push(v float64) {
	w.values[w.next] = v
	w.next = (w.next + 1) % len(w.values)
	if w.count < len(w.values) {
		w.count++
	}
}

// Count returns the number of values currently held.
func (w *TrailingWindow) Count() int { return w.count }

// Cap returns the window capacity.
func (w *TrailingWindow) Cap() int { return len(w.values) }

// snapshot returns the held values in arbitrary order (order does not
// matter for the moment statistics below).
func (w *TrailingWindow) snapshot() []float64 {
	return w.values[:w.count]
}

// Mean returns the arithmetic mean of the held values, 0 when empty.
func (w *TrailingWindow) Mean() float64 {
	if w.count == 0 {
		return 0
	}
	return stat.Mean(w.snapshot(), nil)
}

// StdDev returns the sample standard deviation of the held values, 0 when
// fewer than two are held.
func (w *TrailingWindow) StdDev() float64 {
	if w.count < 2 {
		return 0
	}
	return stat.StdDev(w.snapshot(), nil)
}
