package testutils

import (
	"sync/atomic"
)

// MockMemory is a heap-backed memory provider that counts its calls.
type MockMemory[T any] struct {
	allocCalls atomic.Int64
	freeCalls  atomic.Int64
	allocUnits atomic.Int64
}

func (m *MockMemory[T]) Alloc(n int) []T {
	m.allocCalls.Add(1)
	m.allocUnits.Add(int64(n))
	return make([]T, n)
}

func (m *MockMemory[T]) Free(s []T) {
	m.freeCalls.Add(1)
	m.allocUnits.Add(-int64(len(s)))
}

func (m *MockMemory[T]) AllocCalls() int64 {
	return m.allocCalls.Load()
}

func (m *MockMemory[T]) FreeCalls() int64 {
	return m.freeCalls.Load()
}

// UnitsInUse returns the number of units allocated and not yet freed.
func (m *MockMemory[T]) UnitsInUse() int64 {
	return m.allocUnits.Load()
}

func (m *MockMemory[T]) Reset() {
	m.allocCalls.Store(0)
	m.freeCalls.Store(0)
	m.allocUnits.Store(0)
}
