// Package index implements the slot index of an arena: the mapping from a caller
// supplied identifier to the range of capacity units its record occupies.
package index

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
)

// MaxCapacity is the largest capacity an index can track.
const MaxCapacity = math.MaxUint32

var (
	ErrDuplicateID = errors.New("id already has a slot")
	ErrNotFound    = errors.New("id not found")
	ErrOutOfBounds = errors.New("slot range is out of bounds")
	ErrOverlap     = errors.New("slot range overlaps an existing slot")
	ErrCorrupted   = errors.New("index is corrupted")
)

// Slot is a contiguous range of capacity units.
type Slot struct {
	Start  int
	Length int
}

// End returns the exclusive end of the slot range.
func (s Slot) End() int {
	return s.Start + s.Length
}

// Entry is a slot together with the id it belongs to.
type Entry[K comparable] struct {
	ID K
	Slot
}

// Move describes where compaction moved a slot.
type Move[K comparable] struct {
	ID     K
	From   int
	To     int
	Length int
}

type entry struct {
	Slot
	seq uint64 // Insertion sequence, breaks ordering ties between zero-length slots.
}

// Index tracks slot ranges within a fixed capacity.
//
// Occupancy of individual units is kept in a roaring bitmap so that overlap checks
// and free-space searches do not have to walk every unit. Free-space searches
// step from one occupied slot to the next, so they cost O(slots) at most.
// Not safe for concurrent use.
type Index[K comparable] struct {
	capacity int
	slots    map[K]entry
	lengths  map[int]int     // Start → length of every non-empty slot.
	occupied *roaring.Bitmap // Set bit = occupied unit.
	used     int             // Sum of all slot lengths.
	seq      uint64
}

// New creates an empty index with the given capacity.
// It panics if capacity is negative or exceeds MaxCapacity.
func New[K comparable](capacity int) *Index[K] {
	if capacity < 0 || uint64(capacity) > MaxCapacity {
		panic(fmt.Errorf("invalid index capacity %d", capacity))
	}
	return &Index[K]{
		capacity: capacity,
		slots:    make(map[K]entry),
		lengths:  make(map[int]int),
		occupied: roaring.New(),
	}
}

// Capacity returns the number of units tracked by the index.
func (x *Index[K]) Capacity() int {
	return x.capacity
}

// Len returns the number of slots.
func (x *Index[K]) Len() int {
	return len(x.slots)
}

// Used returns the number of occupied units.
func (x *Index[K]) Used() int {
	return x.used
}

// Get returns the slot for id.
func (x *Index[K]) Get(id K) (Slot, bool) {
	e, ok := x.slots[id]
	return e.Slot, ok
}

// Add records a slot for id.
func (x *Index[K]) Add(id K, start, length int) error {
	if _, ok := x.slots[id]; ok {
		return fmt.Errorf("add %v: %w", id, ErrDuplicateID)
	}
	if start < 0 || length < 0 || start+length > x.capacity {
		return fmt.Errorf("add %v [%d, %d) to capacity %d: %w", id, start, start+length, x.capacity, ErrOutOfBounds)
	}
	if x.countOccupied(start, start+length) > 0 {
		return fmt.Errorf("add %v [%d, %d): %w", id, start, start+length, ErrOverlap)
	}

	x.seq++
	x.slots[id] = entry{Slot: Slot{Start: start, Length: length}, seq: x.seq}
	if length > 0 {
		x.occupied.AddRange(uint64(start), uint64(start+length))
		x.lengths[start] = length
	}
	x.used += length
	return nil
}

// Remove deletes the slot for id and returns it.
func (x *Index[K]) Remove(id K) (Slot, error) {
	e, ok := x.slots[id]
	if !ok {
		return Slot{}, fmt.Errorf("remove %v: %w", id, ErrNotFound)
	}
	delete(x.slots, id)
	if e.Length > 0 {
		x.occupied.RemoveRange(uint64(e.Start), uint64(e.End()))
		delete(x.lengths, e.Start)
	}
	x.used -= e.Length
	return e.Slot, nil
}

// Reset removes all slots.
func (x *Index[K]) Reset() {
	clear(x.slots)
	clear(x.lengths)
	x.occupied.Clear()
	x.used = 0
}

// FindSpace returns the start of the first run of free units that is at least
// length units long. Runs are scanned strictly left to right.
func (x *Index[K]) FindSpace(length int) (start int, ok bool) {
	if length < 0 || length > x.capacity {
		return 0, false
	}
	if length == 0 {
		return 0, true // Zero-length slots occupy nothing.
	}
	if x.capacity-x.used < length {
		return 0, false // Not enough free units in total.
	}

	x.freeRuns(func(s, n int) bool {
		if n >= length {
			start, ok = s, true
		}
		return !ok
	})
	return start, ok
}

// LargestFreeRun returns the length of the longest run of free units.
func (x *Index[K]) LargestFreeRun() int {
	largest := 0
	x.freeRuns(func(_, n int) bool {
		largest = max(largest, n)
		return true
	})
	return largest
}

// freeRuns calls fn for every non-empty run of free units in ascending order
// until fn returns false. The iterator skips to the start of each occupied slot
// and the slot length skips to its end.
func (x *Index[K]) freeRuns(fn func(start, length int) bool) {
	cursor := 0
	it := x.occupied.Iterator()
	for cursor < x.capacity {
		it.AdvanceIfNeeded(uint32(cursor))
		if !it.HasNext() {
			fn(cursor, x.capacity-cursor)
			return
		}
		next := int(it.PeekNext())
		if next > cursor && !fn(cursor, next-cursor) {
			return
		}
		n, ok := x.lengths[next]
		if !ok {
			panic(fmt.Errorf("internal error: occupied unit %d is not the start of a slot", next))
		}
		cursor = next + n
	}
}

// Slots returns all slots ordered by ascending start.
func (x *Index[K]) Slots() []Entry[K] {
	ordered := x.ordered()
	entries := make([]Entry[K], len(ordered))
	for i, o := range ordered {
		entries[i] = Entry[K]{ID: o.id, Slot: o.Slot}
	}
	return entries
}

// Compact packs all slots back-to-back from offset 0, visiting them in ascending
// order of their current start, and preserving their lengths.
//
// It returns a move for every slot in visiting order, including slots that did
// not move (From == To). A store mirroring the index must apply the moves in the
// returned order.
func (x *Index[K]) Compact() []Move[K] {
	ordered := x.ordered()
	moves := make([]Move[K], 0, len(ordered))
	x.occupied.Clear()
	clear(x.lengths)

	cursor := 0
	for _, o := range ordered {
		moves = append(moves, Move[K]{ID: o.id, From: o.Start, To: cursor, Length: o.Length})
		x.slots[o.id] = entry{Slot: Slot{Start: cursor, Length: o.Length}, seq: o.seq}
		if o.Length > 0 {
			x.lengths[cursor] = o.Length
		}
		cursor += o.Length
	}
	if cursor > 0 {
		x.occupied.AddRange(0, uint64(cursor))
	}
	if cursor != x.used {
		// Unrecoverable programmer error.
		panic(fmt.Errorf("internal error: packed %d units, expected %d", cursor, x.used))
	}
	return moves
}

// Validate checks the index invariants: every slot lies within capacity, no two
// slots overlap, and the occupancy bitmap agrees with the slot metadata.
func (x *Index[K]) Validate() error {
	var errs []error
	sum := 0
	nonEmpty := 0
	prevEnd := 0
	for _, o := range x.ordered() {
		if o.Start < 0 || o.Length < 0 || o.End() > x.capacity {
			errs = append(errs, fmt.Errorf("slot %v [%d, %d) exceeds capacity %d", o.id, o.Start, o.End(), x.capacity))
		}
		if o.Length > 0 && o.Start < prevEnd {
			errs = append(errs, fmt.Errorf("slot %v [%d, %d) overlaps previous slot ending at %d", o.id, o.Start, o.End(), prevEnd))
		}
		if o.Length > 0 && x.countOccupied(o.Start, o.End()) != o.Length {
			errs = append(errs, fmt.Errorf("slot %v [%d, %d) is not fully marked occupied", o.id, o.Start, o.End()))
		}
		if n, ok := x.lengths[o.Start]; o.Length > 0 && (!ok || n != o.Length) {
			errs = append(errs, fmt.Errorf("slot %v [%d, %d) has recorded length %d", o.id, o.Start, o.End(), n))
		}
		if o.Length > 0 {
			nonEmpty++
		}
		prevEnd = max(prevEnd, o.End())
		sum += o.Length
	}
	if nonEmpty != len(x.lengths) {
		errs = append(errs, fmt.Errorf("%d slot lengths recorded for %d non-empty slots", len(x.lengths), nonEmpty))
	}
	if sum != x.used {
		errs = append(errs, fmt.Errorf("used units %d, slots sum to %d", x.used, sum))
	}
	if card := int(x.occupied.GetCardinality()); card != sum {
		errs = append(errs, fmt.Errorf("occupancy has %d units, slots sum to %d", card, sum))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrCorrupted, errors.Join(errs...))
	}
	return nil
}

// Bar returns a one-character-per-unit occupancy bar: '#' for occupied units
// and '_' for free ones.
func (x *Index[K]) Bar() string {
	bar := make([]byte, x.capacity)
	for i := range bar {
		bar[i] = '_'
	}
	it := x.occupied.Iterator()
	for it.HasNext() {
		bar[it.Next()] = '#'
	}
	return string(bar)
}

type orderedEntry[K comparable] struct {
	id K
	entry
}

// ordered returns the slots sorted by start, then by insertion sequence.
func (x *Index[K]) ordered() []orderedEntry[K] {
	out := make([]orderedEntry[K], 0, len(x.slots))
	for id, e := range x.slots {
		out = append(out, orderedEntry[K]{id: id, entry: e})
	}
	slices.SortFunc(out, func(a, b orderedEntry[K]) int {
		if c := cmp.Compare(a.Start, b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

// countOccupied returns the number of occupied units in [start, end).
func (x *Index[K]) countOccupied(start, end int) int {
	if end <= start {
		return 0
	}
	n := x.occupied.Rank(uint32(end - 1))
	if start > 0 {
		n -= x.occupied.Rank(uint32(start - 1))
	}
	return int(n)
}
