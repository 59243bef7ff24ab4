package monitor

import "time"

// Baseline tracks the adaptive "at rest" magnitude of one sensor stream: a
// fixed-capacity FIFO window of recent magnitudes whose mean replaces the
// active value at most once per interval.
type Baseline struct {
	data []float64
	pos  int
	full bool

	initial    float64
	value      float64
	interval   time.Duration
	lastUpdate time.Time
}

// NewBaseline creates a Baseline holding up to capacity readings.
func NewBaseline(capacity int, initial float64, interval time.Duration, now time.Time) *Baseline {
	if capacity < 1 {
		capacity = 1
	}
	return &Baseline{
		data:       make([]float64, capacity),
		initial:    initial,
		value:      initial,
		interval:   interval,
		lastUpdate: now,
	}
}

// Observe appends magnitude to the window and recomputes the baseline if the
// interval has elapsed. It reports whether a recomputation happened.
func (b *Baseline) Observe(magnitude float64, at time.Time) bool {
	b.data[b.pos] = magnitude
	b.pos++
	if b.pos >= len(b.data) {
		b.pos = 0
		b.full = true
	}

	if at.Sub(b.lastUpdate) < b.interval {
		return false
	}
	b.value = b.mean()
	b.lastUpdate = at
	return true
}

// Value returns the active baseline.
func (b *Baseline) Value() float64 {
	return b.value
}

// Len returns the number of readings in the window.
func (b *Baseline) Len() int {
	if b.full {
		return len(b.data)
	}
	return b.pos
}

// Window returns the readings in insertion order.
func (b *Baseline) Window() []float64 {
	n := b.Len()
	out := make([]float64, n)
	if b.full {
		copy(out, b.data[b.pos:])
		copy(out[len(b.data)-b.pos:], b.data[:b.pos])
	} else {
		copy(out, b.data[:b.pos])
	}
	return out
}

// Reset empties the window and restores the initial baseline.
func (b *Baseline) Reset(now time.Time) {
	b.pos = 0
	b.full = false
	b.value = b.initial
	b.lastUpdate = now
}

func (b *Baseline) mean() float64 {
	n := b.Len()
	if n == 0 {
		return b.value
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += b.data[i]
	}
	return sum / float64(n)
}
