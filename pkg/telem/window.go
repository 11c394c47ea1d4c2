package telem

import (
	"github.com/sajari/regression"
	"gonum.org/v1/gonum/stat"
)

// DefaultWindowSize is the number of samples kept per rolling window
const DefaultWindowSize = 10

// RollingWindow is a fixed-capacity FIFO of samples; the oldest is evicted first
type RollingWindow struct {
	data     []float64
	capacity int
	head     int
	size     int
	mean     float64
}

// NewRollingWindow creates a window holding at most capacity samples
func NewRollingWindow(capacity int) *RollingWindow {
	if capacity < 1 {
		capacity = DefaultWindowSize
	}
	return &RollingWindow{
		data:     make([]float64, capacity),
		capacity: capacity,
	}
}

// Add appends a sample, evicting the oldest when full, and recomputes the mean
func (w *RollingWindow) Add(v float64) {
	tail := (w.head + w.size) % w.capacity
	w.data[tail] = v
	if w.size < w.capacity {
		w.size++
	} else {
		w.head = (w.head + 1) % w.capacity
	}
	w.mean = stat.Mean(w.Values(), nil)
}

// Values returns the samples oldest first
func (w *RollingWindow) Values() []float64 {
	out := make([]float64, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.data[(w.head+i)%w.capacity]
	}
	return out
}

// Mean returns the mean of the held samples, 0 when empty
func (w *RollingWindow) Mean() float64 {
	return w.mean
}

// Last returns the newest sample
func (w *RollingWindow) Last() (float64, bool) {
	if w.size == 0 {
		return 0, false
	}
	return w.data[(w.head+w.size-1)%w.capacity], true
}

func (w *RollingWindow) Len() int      { return w.size }
func (w *RollingWindow) Capacity() int { return w.capacity }

// Trend fits a line through the samples and returns its slope per sample.
// Fewer than three samples, or a degenerate fit, yields 0.
func (w *RollingWindow) Trend() float64 {
	if w.size < 3 {
		return 0
	}
	r := new(regression.Regression)
	r.SetObserved("value")
	r.SetVar(0, "sample")
	for i, v := range w.Values() {
		r.Train(regression.DataPoint(v, []float64{float64(i)}))
	}
	if err := r.Run(); err != nil {
		return 0
	}
	return r.Coeff(1)
}
