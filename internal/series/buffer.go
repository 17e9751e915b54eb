// Package series provides bounded per-metric reading history for charts.
package series

import "time"

// DefaultCapacity is used when a buffer is created with a non-positive capacity.
const DefaultCapacity = 500

// Reading is a single timestamped sensor value. Readings are never mutated.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Buffer is a fixed-capacity ring of readings in arrival order. When full,
// the oldest reading is evicted. Buffer is not safe for concurrent use; the
// device store owns each buffer and hands out clones.
type Buffer struct {
	items []Reading
	start int // index of the oldest reading
	size  int

	latest    Reading
	hasLatest bool
}

// NewBuffer creates an empty buffer holding at most capacity readings.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{items: make([]Reading, capacity)}
}

// Cap returns the configured capacity.
func (b *Buffer) Cap() int { return len(b.items) }

// Len returns the number of retained readings.
func (b *Buffer) Len() int { return b.size }

// Append stores r, evicting the oldest reading if the buffer is full.
// A reading whose timestamp is not after the latest one is kept for
// completeness but does not replace Latest.
func (b *Buffer) Append(r Reading) {
	if b.size < len(b.items) {
		b.items[(b.start+b.size)%len(b.items)] = r
		b.size++
	} else {
		b.items[b.start] = r
		b.start = (b.start + 1) % len(b.items)
	}

	if !b.hasLatest || r.Timestamp.After(b.latest.Timestamp) {
		b.latest = r
		b.hasLatest = true
	}
}

// Latest returns the reading with the greatest timestamp seen so far. It
// survives eviction of that reading from the ring.
func (b *Buffer) Latest() (Reading, bool) {
	return b.latest, b.hasLatest
}

// at returns the i-th retained reading, 0 being the oldest.
func (b *Buffer) at(i int) Reading {
	return b.items[(b.start+i)%len(b.items)]
}

// All returns every retained reading, oldest first.
func (b *Buffer) All() []Reading {
	return b.LastN(b.size)
}

// LastN returns the n most recently appended readings, oldest first.
func (b *Buffer) LastN(n int) []Reading {
	if n <= 0 || b.size == 0 {
		return nil
	}
	if n > b.size {
		n = b.size
	}

	out := make([]Reading, n)
	offset := b.size - n
	for i := range out {
		out[i] = b.at(offset + i)
	}
	return out
}

// Downsample picks at most k readings by uniform stride over the whole
// retained range. With k >= 2 the oldest and newest readings are always
// included; with k == 1 only the newest is returned.
func (b *Buffer) Downsample(k int) []Reading {
	if k <= 0 || b.size == 0 {
		return nil
	}
	if b.size <= k {
		return b.All()
	}
	if k == 1 {
		return []Reading{b.at(b.size - 1)}
	}

	out := make([]Reading, k)
	last := b.size - 1
	for i := 0; i < k; i++ {
		out[i] = b.at(i * last / (k - 1))
	}
	return out
}

// Clone returns an independent copy with the same capacity and contents.
func (b *Buffer) Clone() *Buffer {
	c := &Buffer{
		items:     make([]Reading, len(b.items)),
		start:     b.start,
		size:      b.size,
		latest:    b.latest,
		hasLatest: b.hasLatest,
	}
	copy(c.items, b.items)
	return c
}
