package slotarena

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapMemory(t *testing.T) {
	var mem HeapMemory[uint32]
	s := mem.Alloc(8)
	assert.Len(t, s, 8)
	for _, v := range s {
		assert.Zero(t, v)
	}
	mem.Free(s)
}

func TestMappedMemory(t *testing.T) {
	t.Run("alloc and free", func(t *testing.T) {
		mem := NewMappedMemory(slog.New(slog.NewTextHandler(io.Discard, nil)))
		s := mem.Alloc(4096)
		require.Len(t, s, 4096)
		assert.Equal(t, 4096, cap(s))
		for _, b := range s {
			require.Zero(t, b)
		}
		s[0], s[4095] = 1, 2
		assert.Equal(t, 1, mem.Mapped())

		mem.Free(s)
		assert.Equal(t, 0, mem.Mapped())
	})

	t.Run("zero length", func(t *testing.T) {
		mem := NewMappedMemory(nil)
		s := mem.Alloc(0)
		assert.NotNil(t, s)
		assert.Empty(t, s)
		mem.Free(s) // Must not panic.
		assert.Equal(t, 0, mem.Mapped())
	})

	t.Run("free of foreign slice is ignored", func(t *testing.T) {
		mem := NewMappedMemory(slog.New(slog.NewTextHandler(io.Discard, nil)))
		mem.Free(make([]byte, 16))
		mem.Free(nil)
		assert.Equal(t, 0, mem.Mapped())
	})

	t.Run("backs an arena", func(t *testing.T) {
		mem := NewMappedMemory(slog.New(slog.NewTextHandler(io.Discard, nil)))
		a, err := Custom[string, byte](mem, testConfig[string](64))
		require.NoError(t, err)

		_, err = a.InsertOrReplace("k", []byte("off-heap"))
		require.NoError(t, err)
		got, ok := a.Get("k")
		require.True(t, ok)
		assert.Equal(t, []byte("off-heap"), got)

		require.NoError(t, a.Close())
		assert.Equal(t, 0, mem.Mapped())
	})
}
