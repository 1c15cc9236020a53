package buffer

import (
	"errors"
	"fmt"

	"github.com/itohio/gardenagent/pkg/sensor"
)

// Invariant violations. Either one means the buffer can no longer be trusted.
var (
	ErrSequence  = errors.New("sequence regression")
	ErrCorrupted = errors.New("buffer size out of range")
)

// Entry is a Reading awaiting upload.
type Entry struct {
	Reading  sensor.Reading
	Attempts int
}

// Seq returns the sequence number of the entry.
func (e Entry) Seq() uint64 {
	return e.Reading.Seq
}

// Ring is a bounded FIFO over a slice allocated once. When full, the oldest
// entry is dropped to make room. It is not safe for concurrent use.
type Ring struct {
	entries []Entry
	head    int // index of the oldest entry
	size    int
	lastSeq uint64
	dropped uint64
}

// New creates a ring holding up to capacity entries.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{entries: make([]Entry, capacity)}
}

// Push appends r. It reports whether the oldest entry was dropped to make
// room. Sequence numbers must strictly increase.
func (b *Ring) Push(r sensor.Reading) (bool, error) {
	if b.size > 0 || b.lastSeq > 0 {
		if r.Seq <= b.lastSeq {
			return false, fmt.Errorf("%w: push %d after %d", ErrSequence, r.Seq, b.lastSeq)
		}
	}

	dropped := false
	if b.size == len(b.entries) {
		b.entries[b.head] = Entry{}
		b.head = (b.head + 1) % len(b.entries)
		b.size--
		b.dropped++
		dropped = true
	}

	b.entries[(b.head+b.size)%len(b.entries)] = Entry{Reading: r}
	b.size++
	b.lastSeq = r.Seq

	return dropped, nil
}

// Peek returns the oldest entry without removing it.
func (b *Ring) Peek() (Entry, bool) {
	if b.size == 0 {
		return Entry{}, false
	}
	return b.entries[b.head], true
}

// Pop removes and returns the oldest entry.
func (b *Ring) Pop() (Entry, bool) {
	e, ok := b.Peek()
	if !ok {
		return Entry{}, false
	}
	b.entries[b.head] = Entry{}
	b.head = (b.head + 1) % len(b.entries)
	b.size--
	return e, true
}

// PopN removes up to n oldest entries and returns how many were removed.
func (b *Ring) PopN(n int) int {
	removed := 0
	for removed < n {
		if _, ok := b.Pop(); !ok {
			break
		}
		removed++
	}
	return removed
}

// Oldest returns a copy of up to k oldest entries, oldest first.
func (b *Ring) Oldest(k int) []Entry {
	k = min(k, b.size)
	out := make([]Entry, k)
	for i := 0; i < k; i++ {
		out[i] = b.entries[(b.head+i)%len(b.entries)]
	}
	return out
}

// MarkAttempt increments the attempt counter of the k oldest entries.
func (b *Ring) MarkAttempt(k int) {
	k = min(k, b.size)
	for i := 0; i < k; i++ {
		b.entries[(b.head+i)%len(b.entries)].Attempts++
	}
}

// Len returns the number of stored entries.
func (b *Ring) Len() int { return b.size }

// Cap returns the capacity.
func (b *Ring) Cap() int { return len(b.entries) }

// Full reports whether the next Push will drop an entry.
func (b *Ring) Full() bool { return b.size == len(b.entries) }

// LastSeq returns the sequence number of the newest entry ever pushed.
func (b *Ring) LastSeq() uint64 { return b.lastSeq }

// Dropped returns the number of drops not yet reported upstream.
func (b *Ring) Dropped() uint64 { return b.dropped }

// AckDropped subtracts n reported drops from the counter.
func (b *Ring) AckDropped(n uint64) {
	b.dropped -= min(n, b.dropped)
}

// Check verifies the structural invariants.
func (b *Ring) Check() error {
	if b.size < 0 || b.size > len(b.entries) {
		return fmt.Errorf("%w: %d of %d", ErrCorrupted, b.size, len(b.entries))
	}
	var prev uint64
	for i := 0; i < b.size; i++ {
		seq := b.entries[(b.head+i)%len(b.entries)].Seq()
		if i > 0 && seq <= prev {
			return fmt.Errorf("%w: %d after %d at %d", ErrSequence, seq, prev, i)
		}
		prev = seq
	}
	return nil
}
