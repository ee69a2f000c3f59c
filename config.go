package slotarena

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/holmberd/go-slotarena/internal/index"
)

// MaxCapacity is the largest supported arena capacity, in units.
const MaxCapacity = index.MaxCapacity

type Config[K comparable] struct {
	// Capacity is the fixed number of units the arena can hold. It never grows;
	// running out of space after one compaction pass is an allocation failure.
	Capacity int

	Logger   *slog.Logger // Logger for arena diagnostics. Defaults to slog.Default().
	Observer Observer[K]  // Optional observer notified of every slot state transition.
}

func (c Config[K]) Validate() error {
	var errs []error
	if c.Capacity < 0 {
		errs = append(errs, fmt.Errorf("invalid config: capacity %d must not be negative", c.Capacity))
	} else if uint64(c.Capacity) > MaxCapacity {
		errs = append(errs, fmt.Errorf("invalid config: capacity %d exceeds maximum %d", c.Capacity, uint64(MaxCapacity)))
	}
	if c.Logger == nil {
		errs = append(errs, errors.New("invalid config: logger must not be nil"))
	}
	return errors.Join(errs...)
}

func DefaultConfig[K comparable](capacity int) Config[K] {
	return Config[K]{
		Capacity: capacity,
		Logger:   slog.Default(),
	}
}
