package slotarena

import (
	"context"
	"fmt"
	"log/slog"
)

// EventKind identifies a slot state transition.
type EventKind int

const (
	EventInsert               EventKind = iota // ABSENT → ALLOCATED.
	EventReplace                               // ALLOCATED → ALLOCATED with new payload.
	EventRemove                                // ALLOCATED → ABSENT.
	EventRelocate                              // Slot moved by compaction.
	EventCompact                               // A compaction pass finished.
	EventNoSpace                               // First-fit search failed; compaction follows.
	EventInsufficientCapacity                  // Allocation failed after compaction.
	EventReset                                 // All slots dropped.
)

func (k EventKind) String() string {
	switch k {
	case EventInsert:
		return "insert"
	case EventReplace:
		return "replace"
	case EventRemove:
		return "remove"
	case EventRelocate:
		return "relocate"
	case EventCompact:
		return "compact"
	case EventNoSpace:
		return "noSpace"
	case EventInsufficientCapacity:
		return "insufficientCapacity"
	case EventReset:
		return "reset"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event describes a single arena state transition.
// Fields that do not apply to a kind are left zero.
type Event[K comparable] struct {
	Kind     EventKind
	ID       K
	Start    int // Current start of the slot.
	OldStart int // Previous start for replace and relocate events.
	Length   int // Slot length, or requested length for failed allocations.
	Moved    int // Number of relocated slots, for compact events.
}

// Observer is notified after each state transition of an arena.
//
// Observers are invoked while the arena lock is held and must not call back into
// the arena.
type Observer[K comparable] interface {
	Observe(e Event[K])
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc[K comparable] func(e Event[K])

func (f ObserverFunc[K]) Observe(e Event[K]) {
	f(e)
}

// LogObserver writes every event to a structured logger.
type LogObserver[K comparable] struct {
	Logger *slog.Logger
	Level  slog.Level
}

// NewLogObserver returns an observer that logs events at debug level.
func NewLogObserver[K comparable](logger *slog.Logger) *LogObserver[K] {
	return &LogObserver[K]{Logger: logger, Level: slog.LevelDebug}
}

func (o *LogObserver[K]) Observe(e Event[K]) {
	if !o.Logger.Enabled(context.Background(), o.Level) {
		return
	}
	attrs := []slog.Attr{slog.String("event", e.Kind.String())}
	switch e.Kind {
	case EventCompact:
		attrs = append(attrs, slog.Int("moved", e.Moved))
	case EventReset:
	case EventNoSpace, EventInsufficientCapacity:
		attrs = append(attrs, slog.Any("id", e.ID), slog.Int("length", e.Length))
	default:
		attrs = append(attrs,
			slog.Any("id", e.ID),
			slog.Int("start", e.Start),
			slog.Int("length", e.Length),
		)
		if e.Kind == EventReplace || e.Kind == EventRelocate {
			attrs = append(attrs, slog.Int("oldStart", e.OldStart))
		}
	}
	o.Logger.LogAttrs(context.Background(), o.Level, "arena event", attrs...)
}
