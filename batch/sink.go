package batch

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ThrottledSink limits the rate at which units are uploaded to a sink.
// Uploads larger than the burst are split into consecutive sub-range uploads.
type ThrottledSink[T any] struct {
	sink    Sink[T]
	limiter *rate.Limiter
}

// NewThrottledSink wraps sink with a limit of unitsPerSec uploaded units per second
// and the given burst. A unitsPerSec <= 0 disables throttling.
func NewThrottledSink[T any](sink Sink[T], unitsPerSec int, burst int) *ThrottledSink[T] {
	limit := rate.Limit(unitsPerSec)
	if unitsPerSec <= 0 {
		limit = rate.Inf
	}
	return &ThrottledSink[T]{
		sink:    sink,
		limiter: rate.NewLimiter(limit, max(burst, 1)),
	}
}

func (s *ThrottledSink[T]) Upload(ctx context.Context, start int, data []T) error {
	if s.limiter.Limit() == rate.Inf {
		return s.sink.Upload(ctx, start, data)
	}
	for len(data) > 0 {
		n := min(len(data), s.limiter.Burst())
		if err := s.limiter.WaitN(ctx, n); err != nil {
			return fmt.Errorf("throttled upload at %d: %w", start, err)
		}
		if err := s.sink.Upload(ctx, start, data[:n]); err != nil {
			return err
		}
		start += n
		data = data[n:]
	}
	return nil
}

func (s *ThrottledSink[T]) Draw(ctx context.Context, ranges []Range) error {
	return s.sink.Draw(ctx, ranges)
}

// Flusher is implemented by Batcher.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Group flushes several batchers concurrently, typically one per resource kind.
type Group struct {
	flushers []Flusher
	limit    int
}

// NewGroup creates a group flushing at most limit batchers at once.
// A limit <= 0 means no limit.
func NewGroup(limit int, flushers ...Flusher) *Group {
	return &Group{flushers: flushers, limit: limit}
}

// Add adds a flusher to the group. Not safe for use concurrently with Flush.
func (g *Group) Add(f Flusher) {
	g.flushers = append(g.flushers, f)
}

// Len returns the number of flushers in the group.
func (g *Group) Len() int {
	return len(g.flushers)
}

// Flush flushes every member and returns the first error. Once a member fails the
// context passed to the others is cancelled.
func (g *Group) Flush(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	if g.limit > 0 {
		eg.SetLimit(g.limit)
	}
	for _, f := range g.flushers {
		eg.Go(func() error {
			return f.Flush(ctx)
		})
	}
	return eg.Wait()
}
