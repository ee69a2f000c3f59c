// Package store implements the linear payload store of an arena.
//
// The store does not know which ranges are in use; the slot index is the source of
// truth and the store only mirrors what the index decides.
package store

import (
	"errors"
	"fmt"
)

var ErrClosed = errors.New("store is closed")

// Memory provides the backing storage for a store.
type Memory[T any] interface {
	Alloc(n int) []T // Alloc returns a zeroed slice of exactly n units.
	Free(s []T)      // Free releases a slice previously returned by Alloc.
}

// Move relocates Length units from From to To.
type Move struct {
	From   int
	To     int
	Length int
}

// Linear is a fixed-capacity buffer of T units.
// Not safe for concurrent use.
type Linear[T any] struct {
	mem  Memory[T]
	data []T
}

// New allocates a store of the given capacity from mem.
func New[T any](mem Memory[T], capacity int) *Linear[T] {
	if capacity < 0 {
		panic(fmt.Errorf("invalid store capacity %d", capacity))
	}
	data := mem.Alloc(capacity)
	if len(data) != capacity {
		panic(fmt.Errorf("memory returned %d units, requested %d", len(data), capacity))
	}
	return &Linear[T]{mem: mem, data: data}
}

// Capacity returns the number of units in the store.
func (s *Linear[T]) Capacity() int {
	return len(s.data)
}

// Write copies data into the store beginning at start.
// The range must have been reserved by the caller.
func (s *Linear[T]) Write(start int, data []T) {
	s.checkRange(start, len(data))
	copy(s.data[start:], data)
}

// Clear resets [start, start+length) to the zero value.
func (s *Linear[T]) Clear(start, length int) {
	s.checkRange(start, length)
	clear(s.data[start : start+length])
}

// Read returns a copy of [start, start+length).
func (s *Linear[T]) Read(start, length int) []T {
	s.checkRange(start, length)
	out := make([]T, length)
	copy(out, s.data[start:start+length])
	return out
}

// View returns [start, start+length) without copying.
// The view is invalidated by any subsequent write, clear or compaction.
func (s *Linear[T]) View(start, length int) []T {
	s.checkRange(start, length)
	return s.data[start : start+length : start+length]
}

// Compact applies moves in order and clears everything from packed to the end.
//
// Non-empty moves must be ordered by ascending From with To <= From, which is the order an
// index produces when packing slots towards offset 0. Under that order a move
// never overwrites payload that a later move still has to read.
func (s *Linear[T]) Compact(moves []Move, packed int) {
	for _, m := range moves {
		if m.From == m.To || m.Length == 0 {
			continue
		}
		if m.To > m.From {
			panic(fmt.Errorf("internal error: move [%d, %d) forward to %d", m.From, m.From+m.Length, m.To))
		}
		s.checkRange(m.From, m.Length)
		copy(s.data[m.To:m.To+m.Length], s.data[m.From:m.From+m.Length]) // copy handles overlap.
	}
	s.checkRange(packed, len(s.data)-packed)
	clear(s.data[packed:])
}

// Reset clears the whole store.
func (s *Linear[T]) Reset() {
	clear(s.data)
}

// Close releases the backing memory. The store must not be used afterwards.
func (s *Linear[T]) Close() error {
	if s.data == nil {
		return ErrClosed
	}
	s.mem.Free(s.data)
	s.data = nil
	return nil
}

func (s *Linear[T]) checkRange(start, length int) {
	if start < 0 || length < 0 || start+length > len(s.data) {
		panic(fmt.Errorf("internal error: range [%d, %d) out of store capacity %d", start, start+length, len(s.data)))
	}
}
