package slotarena

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/holmberd/go-slotarena/internal/store"
)

// Memory provides the backing storage of an arena's payload store.
type Memory[T any] = store.Memory[T]

// HeapMemory allocates arena storage on the Go heap.
type HeapMemory[T any] struct{}

// Alloc returns a zeroed slice of n units.
func (HeapMemory[T]) Alloc(n int) []T {
	return make([]T, n)
}

// Free is a no-op; the garbage collector reclaims heap storage.
func (HeapMemory[T]) Free([]T) {}

// MappedMemory allocates byte arena storage off the Go heap using anonymous
// memory mappings. Large arenas backed by mapped memory are never scanned by the GC.
//
// Mapped regions are released back to the operating system on Free.
type MappedMemory struct {
	mu     sync.Mutex
	logger *slog.Logger
	live   map[uintptr]int // Base address → mapping length.
}

// NewMappedMemory creates a new mapped memory provider.
// A nil logger falls back to slog.Default().
func NewMappedMemory(logger *slog.Logger) *MappedMemory {
	if logger == nil {
		logger = slog.Default()
	}
	return &MappedMemory{logger: logger, live: make(map[uintptr]int)}
}

// Alloc maps n zeroed bytes. It panics if the mapping fails.
func (m *MappedMemory) Alloc(n int) []byte {
	if n == 0 {
		return []byte{}
	}
	// Anonymous mappings are zero-filled by the kernel.
	data, err := unix.Mmap(-1, 0, n,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		panic(fmt.Errorf("cannot allocate %d bytes via mmap: %w", n, err))
	}
	m.mu.Lock()
	m.live[uintptr(unsafe.Pointer(&data[0]))] = n
	m.mu.Unlock()
	return data[:n:n]
}

// Free unmaps a slice returned by Alloc.
// It does nothing for slices it did not allocate.
func (m *MappedMemory) Free(s []byte) {
	if cap(s) == 0 {
		return
	}
	s = s[:cap(s)] // Ensure the mapping is unmapped at its full length.
	base := uintptr(unsafe.Pointer(&s[0]))

	m.mu.Lock()
	n, ok := m.live[base]
	ok = ok && n == len(s)
	if ok {
		delete(m.live, base)
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Warn("ignoring free of memory not allocated by this provider", "bytes", len(s))
		return
	}
	// Perform unmap outside of the lock to avoid blocking other operations.
	if err := unix.Munmap(s); err != nil {
		m.logger.Error("failed to unmap arena memory", "error", err)
	}
}

// Mapped returns the number of live mappings.
func (m *MappedMemory) Mapped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}
