// Package slotarena implements a fixed-capacity slot allocator.
//
// An arena packs variable-length records, each addressed by a caller-supplied id,
// into a bounded linear store. Records are placed first-fit; when fragmentation
// prevents an allocation the arena compacts once and retries. Every compaction
// reports the relocated slots so callers can resynchronize external copies of the
// data, such as a device buffer.
package slotarena

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/holmberd/go-slotarena/internal/index"
	"github.com/holmberd/go-slotarena/internal/store"
)

var (
	ErrDuplicateID          = index.ErrDuplicateID
	ErrNotFound             = index.ErrNotFound
	ErrOutOfBounds          = index.ErrOutOfBounds
	ErrOverlap              = index.ErrOverlap
	ErrCorrupted            = index.ErrCorrupted
	ErrClosed               = store.ErrClosed
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrInvalidLength        = errors.New("invalid slot length")
)

// Slot is the range of units a record occupies.
type Slot = index.Slot

// Entry is a slot together with the id it belongs to.
type Entry[K comparable] = index.Entry[K]

// Relocation reports a slot moved by compaction.
type Relocation[K comparable] struct {
	ID       K
	OldStart int
	NewStart int
	Length   int
}

// Placement is the result of an insert.
type Placement[K comparable] struct {
	Start  int
	Length int

	// Compacted is set if the insert had to compact the arena. Relocations then
	// lists every slot that moved, and must be applied by the caller to any
	// external copy of the data.
	Compacted   bool
	Relocations []Relocation[K]
}

// Stats represents arena stats.
type Stats struct {
	Slots          int // Number of live slots.
	Used           int // Occupied units.
	Free           int // Unoccupied units.
	LargestFreeRun int // Longest contiguous run of unoccupied units.

	Inserts     uint64
	Replaces    uint64
	Removes     uint64
	Compactions uint64
	Relocations uint64
	Failures    uint64 // Inserts that failed with ErrInsufficientCapacity.
}

// Arena is a fixed-capacity store of records of T units keyed by K.
//
// The slot index and the payload store are owned exclusively by the arena and are
// always compacted together using the same traversal, so payload never becomes
// attributed to the wrong id. All methods are safe for concurrent use; each call is
// a single critical section.
type Arena[K comparable, T any] struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	observer Observer[K]
	index    *index.Index[K]
	store    *store.Linear[T]
	stats    Stats
	closed   bool
}

// New creates an arena of the given capacity backed by heap memory.
func New[K comparable, T any](capacity int) (*Arena[K, T], error) {
	return Custom[K, T](HeapMemory[T]{}, DefaultConfig[K](capacity))
}

// Custom creates an arena with custom backing memory and config.
func Custom[K comparable, T any](mem Memory[T], config Config[K]) (*Arena[K, T], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Arena[K, T]{
		logger:   config.Logger,
		observer: config.Observer,
		index:    index.New[K](config.Capacity),
		store:    store.New(mem, config.Capacity),
	}, nil
}

// InsertOrReplace stores data under id in a slot of len(data) units.
// See [Arena.InsertOrReplaceN].
func (a *Arena[K, T]) InsertOrReplace(id K, data []T) (Placement[K], error) {
	return a.InsertOrReplaceN(id, data, len(data))
}

// InsertOrReplaceN stores data under id in a slot of length units. Units past
// len(data) are zeroed. An existing slot for id is freed first, so the new slot may
// start elsewhere.
//
// If no free run is large enough the arena is compacted once and the search is
// retried. If it still fails the error is ErrInsufficientCapacity; the arena is not
// grown. A failed replace keeps the previous payload, possibly at a new start.
//
// The returned placement reports any relocations even when an error is returned.
func (a *Arena[K, T]) InsertOrReplaceN(id K, data []T, length int) (Placement[K], error) {
	if length < len(data) {
		return Placement[K]{}, fmt.Errorf("insert %v: length %d is shorter than data %d: %w", id, length, len(data), ErrInvalidLength)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return Placement[K]{}, ErrClosed
	}

	var p Placement[K]
	old, replacing := a.index.Get(id)
	if replacing {
		// The old units are cleared once the new slot is committed.
		if _, err := a.index.Remove(id); err != nil {
			panic(fmt.Errorf("internal error: %w", err))
		}
	}

	var prev []T
	start, ok := a.index.FindSpace(length)
	if !ok {
		if replacing {
			// Compaction packs other slots over the old range.
			prev = a.store.Read(old.Start, old.Length)
		}
		a.emit(Event[K]{Kind: EventNoSpace, ID: id, Length: length})
		p.Compacted = true
		p.Relocations = a.compact()
		start, ok = a.index.FindSpace(length)
	}
	if !ok {
		a.stats.Failures++
		largest := a.index.LargestFreeRun()
		a.emit(Event[K]{Kind: EventInsufficientCapacity, ID: id, Length: length})
		a.logger.Warn("arena allocation failed",
			"id", id,
			"length", length,
			"free", a.index.Capacity()-a.index.Used(),
			"capacity", a.index.Capacity(),
		)
		if replacing {
			// The previous payload always fits: it was resident before the compaction.
			restored, ok := a.index.FindSpace(old.Length)
			if !ok {
				panic(fmt.Errorf("internal error: no space to restore %v of length %d", id, old.Length))
			}
			a.commit(id, restored, prev, old.Length)
			if restored != old.Start {
				p.Relocations = append(p.Relocations, Relocation[K]{
					ID: id, OldStart: old.Start, NewStart: restored, Length: old.Length,
				})
				a.stats.Relocations++
				a.emit(Event[K]{Kind: EventRelocate, ID: id, Start: restored, OldStart: old.Start, Length: old.Length})
			}
		}
		return p, fmt.Errorf("insert %v of length %d (largest free run %d): %w", id, length, largest, ErrInsufficientCapacity)
	}

	a.commit(id, start, data, length)
	if replacing && !p.Compacted {
		a.clearVacated(old, Slot{Start: start, Length: length})
	}
	p.Start = start
	p.Length = length
	if replacing {
		a.stats.Replaces++
		a.emit(Event[K]{Kind: EventReplace, ID: id, Start: start, OldStart: old.Start, Length: length})
	} else {
		a.stats.Inserts++
		a.emit(Event[K]{Kind: EventInsert, ID: id, Start: start, Length: length})
	}
	return p, nil
}

// Get returns a copy of the payload stored under id.
func (a *Arena[K, T]) Get(id K) ([]T, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, false
	}
	s, ok := a.index.Get(id)
	if !ok {
		return nil, false
	}
	return a.store.Read(s.Start, s.Length), true
}

// View calls fn with the payload stored under id without copying it.
// The payload must not be retained or modified after fn returns.
func (a *Arena[K, T]) View(id K, fn func(s Slot, data []T)) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return false
	}
	s, ok := a.index.Get(id)
	if !ok {
		return false
	}
	fn(s, a.store.View(s.Start, s.Length))
	return true
}

// Each calls fn for every slot in ascending start order with a view of its
// payload, stopping early if fn returns false. The arena is read-locked for the
// duration of the call; the payload must not be retained or modified.
func (a *Arena[K, T]) Each(fn func(e Entry[K], data []T) bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return
	}
	for _, e := range a.index.Slots() {
		if !fn(e, a.store.View(e.Start, e.Length)) {
			return
		}
	}
}

// Slot returns the slot of id.
func (a *Arena[K, T]) Slot(id K) (Slot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index.Get(id)
}

// Has returns whether id has a slot.
func (a *Arena[K, T]) Has(id K) bool {
	_, ok := a.Slot(id)
	return ok
}

// Remove frees the slot of id and returns true if it existed.
// Removing an unknown id is a no-op.
func (a *Arena[K, T]) Remove(id K) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return false
	}
	s, ok := a.index.Get(id)
	if !ok {
		return false
	}
	a.free(id, s)
	a.stats.Removes++
	a.emit(Event[K]{Kind: EventRemove, ID: id, Start: s.Start, Length: s.Length})
	return true
}

// Compact packs all slots contiguously from offset 0 in order of their current
// start and returns the slots that moved.
func (a *Arena[K, T]) Compact() []Relocation[K] {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	return a.compact()
}

// Slots returns all slots ordered by ascending start.
func (a *Arena[K, T]) Slots() []Entry[K] {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index.Slots()
}

// Len returns the number of slots.
func (a *Arena[K, T]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index.Len()
}

// Capacity returns the fixed capacity of the arena in units.
func (a *Arena[K, T]) Capacity() int {
	return a.index.Capacity()
}

// Stats returns a snapshot of the arena stats.
func (a *Arena[K, T]) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := a.stats
	s.Slots = a.index.Len()
	s.Used = a.index.Used()
	s.Free = a.index.Capacity() - s.Used
	s.LargestFreeRun = a.index.LargestFreeRun()
	return s
}

// Fragmentation returns the share of free units that lie outside the largest free
// run, from 0 (all free space is contiguous) to 1.
func (s Stats) Fragmentation() float64 {
	if s.Free == 0 {
		return 0
	}
	return 1 - float64(s.LargestFreeRun)/float64(s.Free)
}

// Check validates the arena invariants. It returns an error wrapping ErrCorrupted
// if any slot lies out of bounds or overlaps another.
func (a *Arena[K, T]) Check() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index.Validate()
}

// Reset removes all slots and zeroes the store.
func (a *Arena[K, T]) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.index.Reset()
	a.store.Reset()
	a.emit(Event[K]{Kind: EventReset})
}

// Close releases the arena's backing memory. The arena is unusable afterwards.
func (a *Arena[K, T]) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	a.closed = true
	a.index.Reset()
	return a.store.Close()
}

// Print outputs a visual representation of the arena for debugging purposes: an
// occupancy bar with one character per unit followed by the slots in offset order.
func (a *Arena[K, T]) Print(w io.Writer) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	fmt.Fprintf(w, "--- Arena capacity=%d used=%d slots=%d ---\n",
		a.index.Capacity(), a.index.Used(), a.index.Len())
	fmt.Fprintf(w, "[%s]\n", a.index.Bar())
	for _, e := range a.index.Slots() {
		fmt.Fprintf(w, "%v: start=%d length=%d\n", e.ID, e.Start, e.Length)
	}
}

func (a *Arena[K, T]) String() string {
	var sb strings.Builder
	a.Print(&sb)
	return sb.String()
}

// free removes the slot from the index and clears its payload.
func (a *Arena[K, T]) free(id K, s Slot) {
	if _, err := a.index.Remove(id); err != nil {
		panic(fmt.Errorf("internal error: %w", err))
	}
	a.store.Clear(s.Start, s.Length)
}

// clearVacated zeroes the units of old that are not covered by cur.
func (a *Arena[K, T]) clearVacated(old, cur Slot) {
	if n := min(old.End(), cur.Start) - old.Start; n > 0 {
		a.store.Clear(old.Start, n)
	}
	if from := max(old.Start, cur.End()); from < old.End() {
		a.store.Clear(from, old.End()-from)
	}
}

// commit writes the payload before recording the slot, so a slot is never
// indexed with incomplete data.
func (a *Arena[K, T]) commit(id K, start int, data []T, length int) {
	a.store.Write(start, data)
	if pad := length - len(data); pad > 0 {
		a.store.Clear(start+len(data), pad)
	}
	if err := a.index.Add(id, start, length); err != nil {
		// Unrecoverable programmer error; the range was just found free.
		panic(fmt.Errorf("internal error: %w", err))
	}
}

// compact repacks the index and mirrors the moves on the store in the same order.
func (a *Arena[K, T]) compact() []Relocation[K] {
	moves := a.index.Compact()
	storeMoves := make([]store.Move, len(moves))
	var relocations []Relocation[K]
	for i, m := range moves {
		storeMoves[i] = store.Move{From: m.From, To: m.To, Length: m.Length}
		if m.From != m.To {
			relocations = append(relocations, Relocation[K]{
				ID: m.ID, OldStart: m.From, NewStart: m.To, Length: m.Length,
			})
		}
	}
	a.store.Compact(storeMoves, a.index.Used())

	a.stats.Compactions++
	a.stats.Relocations += uint64(len(relocations))
	for _, r := range relocations {
		a.emit(Event[K]{Kind: EventRelocate, ID: r.ID, Start: r.NewStart, OldStart: r.OldStart, Length: r.Length})
	}
	a.emit(Event[K]{Kind: EventCompact, Moved: len(relocations)})
	a.logger.Debug("arena compacted", "slots", len(moves), "moved", len(relocations), "used", a.index.Used())
	return relocations
}

func (a *Arena[K, T]) emit(e Event[K]) {
	if a.observer != nil {
		a.observer.Observe(e)
	}
}
