// Package batch queues per-tick draws of arena records and pushes the data they
// need to an external sink, such as a device buffer.
//
// A Batcher owns an arena. Records are written to the arena when first queued or
// when explicitly replaced; every slot created, replaced or moved by compaction is
// marked dirty and uploaded on the next Flush, before the tick's draws are issued.
package batch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"unsafe"

	"github.com/cespare/xxhash/v2"

	slotarena "github.com/holmberd/go-slotarena"
)

// Range is a slot range in sink coordinates.
type Range struct {
	Start  int
	Length int
}

// Sink receives committed arena ranges.
type Sink[T any] interface {
	// Upload writes data to the sink beginning at start.
	Upload(ctx context.Context, start int, data []T) error
	// Draw consumes the given ranges, in order, from previously uploaded data.
	Draw(ctx context.Context, ranges []Range) error
}

type Config[T any] struct {
	Logger *slog.Logger     // Defaults to slog.Default().
	Digest func([]T) uint64 // Payload digest used to skip unchanged replaces. Defaults to Digest.
}

func DefaultConfig[T any]() Config[T] {
	return Config[T]{
		Logger: slog.Default(),
		Digest: Digest[T],
	}
}

func (c Config[T]) Validate() error {
	var errs []error
	if c.Logger == nil {
		errs = append(errs, errors.New("invalid config: logger must not be nil"))
	}
	if c.Digest == nil {
		errs = append(errs, errors.New("invalid config: digest must not be nil"))
	}
	return errors.Join(errs...)
}

// Stats represents batcher stats.
type Stats struct {
	Queued   uint64 // Ids queued for drawing.
	Writes   uint64 // Records written to the arena.
	Skipped  uint64 // Replaces skipped because the payload was unchanged.
	Uploads  uint64 // Upload calls issued to the sink.
	Uploaded uint64 // Units uploaded to the sink.
	Draws    uint64 // Ranges drawn.
	Missing  uint64 // Queued ids without a slot at flush time.
}

// Batcher queues draws of arena records for a tick and flushes them to a sink.
// All methods are safe for concurrent use. The arena must not be modified other
// than through the batcher.
type Batcher[K comparable, T any] struct {
	mu      sync.Mutex
	logger  *slog.Logger
	digest  func([]T) uint64
	arena   *slotarena.Arena[K, T]
	sink    Sink[T]
	digests map[K]uint64
	dirty   map[K]struct{}
	queue   []K
	stats   Stats
}

// New creates a batcher writing to arena and flushing to sink.
func New[K comparable, T any](arena *slotarena.Arena[K, T], sink Sink[T], config Config[T]) (*Batcher[K, T], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if arena == nil || sink == nil {
		return nil, errors.New("batch: arena and sink are required")
	}
	return &Batcher[K, T]{
		logger:  config.Logger,
		digest:  config.Digest,
		arena:   arena,
		sink:    sink,
		digests: make(map[K]uint64),
		dirty:   make(map[K]struct{}),
	}, nil
}

// Queue queues id to be drawn on the next Flush.
//
// The record is written to the arena if id has no slot yet, or if replace is set
// and data differs from what is stored. Otherwise data is ignored and the stored
// record is drawn. If the write fails the id is not queued.
func (b *Batcher[K, T]) Queue(id K, data []T, replace bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	present := b.arena.Has(id)
	if present && !replace {
		b.logger.Debug("id already stored, skipping write", "id", id)
		b.enqueue(id)
		return nil
	}

	d := b.digest(data)
	if present {
		if prev, ok := b.digests[id]; ok && prev == d {
			b.stats.Skipped++
			b.enqueue(id)
			return nil
		}
	}

	p, err := b.arena.InsertOrReplace(id, data)
	b.markRelocated(p.Relocations)
	if err != nil {
		return fmt.Errorf("batch: queue %v: %w", id, err)
	}
	b.digests[id] = d
	b.dirty[id] = struct{}{}
	b.stats.Writes++
	b.enqueue(id)
	return nil
}

// Remove removes the record of id from the arena.
// Queued draws of id are skipped on the next Flush.
func (b *Batcher[K, T]) Remove(id K) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.digests, id)
	delete(b.dirty, id)
	return b.arena.Remove(id)
}

// Compact compacts the arena; moved records are uploaded on the next Flush.
func (b *Batcher[K, T]) Compact() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	relocations := b.arena.Compact()
	b.markRelocated(relocations)
	return len(relocations)
}

// Pending returns the number of queued draws.
func (b *Batcher[K, T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Dirty returns the number of records waiting to be uploaded.
func (b *Batcher[K, T]) Dirty() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.dirty)
}

// Stats returns a snapshot of the batcher stats.
func (b *Batcher[K, T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Flush uploads all dirty records in ascending offset order, then draws the
// queued ids in queue order and clears the queue.
//
// If an upload fails, records not yet uploaded stay dirty and the queue is kept.
func (b *Batcher[K, T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.upload(ctx); err != nil {
		return err
	}

	ranges := make([]Range, 0, len(b.queue))
	for _, id := range b.queue {
		s, ok := b.arena.Slot(id)
		if !ok {
			b.stats.Missing++
			b.logger.Warn("queued id has no slot, skipping draw", "id", id)
			continue
		}
		ranges = append(ranges, Range{Start: s.Start, Length: s.Length})
	}
	if len(ranges) > 0 {
		if err := b.sink.Draw(ctx, ranges); err != nil {
			return fmt.Errorf("batch: draw: %w", err)
		}
		b.stats.Draws += uint64(len(ranges))
	}
	b.queue = b.queue[:0]
	return nil
}

func (b *Batcher[K, T]) upload(ctx context.Context) error {
	if len(b.dirty) == 0 {
		return nil
	}
	type pending struct {
		id K
		slotarena.Slot
	}
	uploads := make([]pending, 0, len(b.dirty))
	for id := range b.dirty {
		s, ok := b.arena.Slot(id)
		if !ok {
			delete(b.dirty, id)
			continue
		}
		uploads = append(uploads, pending{id: id, Slot: s})
	}
	slices.SortFunc(uploads, func(x, y pending) int {
		return cmp.Compare(x.Start, y.Start)
	})

	for _, u := range uploads {
		if u.Length > 0 {
			data, ok := b.arena.Get(u.id)
			if !ok {
				panic(fmt.Errorf("internal error: slot of %v vanished during flush", u.id))
			}
			if err := b.sink.Upload(ctx, u.Start, data); err != nil {
				return fmt.Errorf("batch: upload %v at %d: %w", u.id, u.Start, err)
			}
			b.stats.Uploads++
			b.stats.Uploaded += uint64(u.Length)
		}
		delete(b.dirty, u.id)
	}
	return nil
}

func (b *Batcher[K, T]) enqueue(id K) {
	b.queue = append(b.queue, id)
	b.stats.Queued++
}

func (b *Batcher[K, T]) markRelocated(relocations []slotarena.Relocation[K]) {
	for _, r := range relocations {
		b.dirty[r.ID] = struct{}{}
	}
}

// Digest returns the xxhash of the raw memory of data.
// T must not contain pointers; padding bytes take part in the digest.
func Digest[T any](data []T) uint64 {
	if len(data) == 0 {
		return xxhash.Sum64(nil)
	}
	size := int(unsafe.Sizeof(data[0])) * len(data)
	return xxhash.Sum64(unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), size))
}
