package slotarena

import (
	"bytes"
	"io"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holmberd/go-slotarena/internal/testutils"
)

// testConfig is a helper for creating an arena config that discards logs.
func testConfig[K comparable](capacity int) Config[K] {
	cfg := DefaultConfig[K](capacity)
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil)) // Discard logs during testing.
	return cfg
}

// newTestArena is a helper for creating a byte arena with cleanup.
func newTestArena[K comparable](t *testing.T, capacity int) *Arena[K, byte] {
	t.Helper()
	a, err := Custom[K, byte](&testutils.MockMemory[byte]{}, testConfig[K](capacity))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
	})
	return a
}

func mustInsert[K comparable](t *testing.T, a *Arena[K, byte], id K, data string) Placement[K] {
	t.Helper()
	p, err := a.InsertOrReplace(id, []byte(data))
	require.NoError(t, err)
	require.NoError(t, a.Check())
	return p
}

func requireData[K comparable](t *testing.T, a *Arena[K, byte], id K, want string) {
	t.Helper()
	got, ok := a.Get(id)
	require.True(t, ok, "expected %v to be present", id)
	require.Equal(t, want, string(got))
}

func TestArenaInsertAndGet(t *testing.T) {
	a := newTestArena[string](t, 16)
	p := mustInsert(t, a, "a", "hello")
	assert.Equal(t, Placement[string]{Start: 0, Length: 5}, p)
	p = mustInsert(t, a, "b", "world")
	assert.Equal(t, 5, p.Start)

	requireData(t, a, "a", "hello")
	requireData(t, a, "b", "world")
	assert.Equal(t, 2, a.Len())
	assert.True(t, a.Has("a"))

	_, ok := a.Get("missing")
	assert.False(t, ok)
}

func TestArenaGetReturnsCopy(t *testing.T) {
	a := newTestArena[int](t, 8)
	mustInsert(t, a, 1, "abc")
	got, _ := a.Get(1)
	got[0] = 'z'
	requireData(t, a, 1, "abc")
}

func TestArenaRemove(t *testing.T) {
	a := newTestArena[string](t, 8)
	mustInsert(t, a, "a", "abc")
	assert.True(t, a.Remove("a"))
	_, ok := a.Get("a")
	assert.False(t, ok)
	assert.False(t, a.Remove("a"), "remove must be idempotent")
	assert.False(t, a.Remove("never"))
	require.NoError(t, a.Check())
	assert.Equal(t, 0, a.Stats().Used)
}

func TestArenaReplace(t *testing.T) {
	t.Run("same length", func(t *testing.T) {
		a := newTestArena[string](t, 8)
		mustInsert(t, a, "a", "abc")
		p := mustInsert(t, a, "a", "xyz")
		assert.Equal(t, 0, p.Start)
		requireData(t, a, "a", "xyz")
		assert.Equal(t, 1, a.Len())
	})

	t.Run("grow does not corrupt neighbours", func(t *testing.T) {
		a := newTestArena[string](t, 8)
		mustInsert(t, a, "a", "aa")
		mustInsert(t, a, "b", "bb")
		p := mustInsert(t, a, "a", "AAAA")
		assert.Equal(t, 4, p.Start)
		requireData(t, a, "a", "AAAA")
		requireData(t, a, "b", "bb")
	})

	t.Run("grow through compaction does not corrupt neighbours", func(t *testing.T) {
		a := newTestArena[string](t, 6)
		mustInsert(t, a, "a", "aa")
		mustInsert(t, a, "b", "bb")
		p := mustInsert(t, a, "a", "AAAA")
		assert.True(t, p.Compacted)
		assert.Equal(t, []Relocation[string]{{ID: "b", OldStart: 2, NewStart: 0, Length: 2}}, p.Relocations)
		assert.Equal(t, 2, p.Start)
		requireData(t, a, "a", "AAAA")
		requireData(t, a, "b", "bb")
	})

	t.Run("shrink", func(t *testing.T) {
		a := newTestArena[string](t, 8)
		mustInsert(t, a, "a", "abcd")
		mustInsert(t, a, "a", "x")
		requireData(t, a, "a", "x")
		assert.Equal(t, 7, a.Stats().Free)
	})
}

// Capacity 10: A[0,3) B[3,6), remove A, insert C of length 5.
// Free runs are [0,3) and [6,10); C only fits after compaction.
func TestArenaCompactOnInsert(t *testing.T) {
	a := newTestArena[string](t, 10)
	assert.Equal(t, 0, mustInsert(t, a, "A", "aaa").Start)
	assert.Equal(t, 3, mustInsert(t, a, "B", "bbb").Start)
	require.True(t, a.Remove("A"))

	p := mustInsert(t, a, "C", "ccccc")
	assert.True(t, p.Compacted)
	assert.Equal(t, 3, p.Start)
	assert.Equal(t, []Relocation[string]{{ID: "B", OldStart: 3, NewStart: 0, Length: 3}}, p.Relocations)

	s, ok := a.Slot("B")
	require.True(t, ok)
	assert.Equal(t, Slot{Start: 0, Length: 3}, s)
	requireData(t, a, "B", "bbb")
	requireData(t, a, "C", "ccccc")
	assert.EqualValues(t, 1, a.Stats().Compactions)
}

// Capacity 5 filled by X; Y of length 1 cannot fit even after compaction.
func TestArenaInsufficientCapacity(t *testing.T) {
	a := newTestArena[string](t, 5)
	mustInsert(t, a, "X", "xxxxx")

	p, err := a.InsertOrReplace("Y", []byte("y"))
	require.ErrorIs(t, err, ErrInsufficientCapacity)
	assert.True(t, p.Compacted)
	assert.Empty(t, p.Relocations)
	assert.False(t, a.Has("Y"))
	requireData(t, a, "X", "xxxxx")
	require.NoError(t, a.Check())
	assert.EqualValues(t, 1, a.Stats().Failures)
}

func TestArenaFailedReplaceKeepsPreviousPayload(t *testing.T) {
	a := newTestArena[string](t, 8)
	mustInsert(t, a, "a", "aa")
	mustInsert(t, a, "b", "bbbb")

	p, err := a.InsertOrReplace("a", []byte("AAAAAAA"))
	require.ErrorIs(t, err, ErrInsufficientCapacity)
	requireData(t, a, "a", "aa")
	requireData(t, a, "b", "bbbb")
	require.NoError(t, a.Check())

	// b moved to the front, a was restored behind it.
	assert.ElementsMatch(t, []Relocation[string]{
		{ID: "b", OldStart: 2, NewStart: 0, Length: 4},
		{ID: "a", OldStart: 0, NewStart: 4, Length: 2},
	}, p.Relocations)
	s, _ := a.Slot("a")
	assert.Equal(t, Slot{Start: 4, Length: 2}, s)
}

func TestArenaInsertN(t *testing.T) {
	a := newTestArena[int](t, 8)
	p, err := a.InsertOrReplaceN(1, []byte("ab"), 4)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Length)
	got, _ := a.Get(1)
	assert.Equal(t, []byte{'a', 'b', 0, 0}, got)

	_, err = a.InsertOrReplaceN(2, []byte("abc"), 2)
	require.ErrorIs(t, err, ErrInvalidLength)
	assert.False(t, a.Has(2))
}

func TestArenaZeroLength(t *testing.T) {
	a := newTestArena[int](t, 4)
	mustInsert(t, a, 1, "abcd")
	p := mustInsert(t, a, 2, "")
	assert.Equal(t, 0, p.Length)

	got, ok := a.Get(2)
	require.True(t, ok)
	assert.Empty(t, got)

	a.Compact()
	require.NoError(t, a.Check())
	requireData(t, a, 1, "abcd")
}

func TestArenaZeroCapacity(t *testing.T) {
	a := newTestArena[int](t, 0)
	mustInsert(t, a, 1, "")
	_, err := a.InsertOrReplace(2, []byte("a"))
	require.ErrorIs(t, err, ErrInsufficientCapacity)
}

func TestArenaCompact(t *testing.T) {
	a := newTestArena[string](t, 12)
	mustInsert(t, a, "a", "aa")
	mustInsert(t, a, "b", "bbb")
	mustInsert(t, a, "c", "c")
	mustInsert(t, a, "d", "dddd")
	a.Remove("a")
	a.Remove("c")

	relocations := a.Compact()
	assert.Equal(t, []Relocation[string]{
		{ID: "b", OldStart: 2, NewStart: 0, Length: 3},
		{ID: "d", OldStart: 6, NewStart: 3, Length: 4},
	}, relocations)
	requireData(t, a, "b", "bbb")
	requireData(t, a, "d", "dddd")
	require.NoError(t, a.Check())

	st := a.Stats()
	assert.Equal(t, 5, st.LargestFreeRun)
	assert.Zero(t, st.Fragmentation())
}

func TestArenaCompactIdempotent(t *testing.T) {
	a := newTestArena[string](t, 12)
	mustInsert(t, a, "a", "aa")
	mustInsert(t, a, "b", "bbb")
	mustInsert(t, a, "c", "c")
	a.Remove("b")

	a.Compact()
	once := a.Slots()
	assert.Empty(t, a.Compact())
	assert.Equal(t, once, a.Slots())
}

func TestArenaCompactClearsVacatedUnits(t *testing.T) {
	a := newTestArena[string](t, 6)
	mustInsert(t, a, "a", "aa")
	mustInsert(t, a, "b", "bb")
	a.Remove("a")
	a.Compact()

	// A padded insert over the vacated tail must not observe stale bytes.
	_, err := a.InsertOrReplaceN("c", nil, 4)
	require.NoError(t, err)
	got, _ := a.Get("c")
	assert.Equal(t, []byte{0, 0, 0, 0}, got)
}

func TestArenaFragmentation(t *testing.T) {
	a := newTestArena[int](t, 10)
	for i := range 5 {
		mustInsert(t, a, i, "xx")
	}
	a.Remove(1)
	a.Remove(3)
	st := a.Stats()
	assert.Equal(t, 4, st.Free)
	assert.Equal(t, 2, st.LargestFreeRun)
	assert.InDelta(t, 0.5, st.Fragmentation(), 1e-9)
}

func TestArenaReset(t *testing.T) {
	a := newTestArena[int](t, 4)
	mustInsert(t, a, 1, "ab")
	a.Reset()
	assert.Equal(t, 0, a.Len())
	mustInsert(t, a, 2, "wxyz")
	requireData(t, a, 2, "wxyz")
}

func TestArenaClose(t *testing.T) {
	mem := &testutils.MockMemory[byte]{}
	a, err := Custom[int, byte](mem, testConfig[int](16))
	require.NoError(t, err)
	mustInsert(t, a, 1, "ab")

	require.NoError(t, a.Close())
	assert.EqualValues(t, 0, mem.UnitsInUse())
	require.ErrorIs(t, a.Close(), ErrClosed)

	_, err = a.InsertOrReplace(2, []byte("a"))
	require.ErrorIs(t, err, ErrClosed)
	_, ok := a.Get(1)
	assert.False(t, ok)
	assert.False(t, a.Remove(1))
	assert.Nil(t, a.Compact())
}

func TestArenaInvalidConfig(t *testing.T) {
	_, err := New[int, byte](-1)
	require.Error(t, err)

	cfg := DefaultConfig[int](8)
	cfg.Logger = nil
	_, err = Custom[int, byte](HeapMemory[byte]{}, cfg)
	require.Error(t, err)
}

func TestArenaGenericUnits(t *testing.T) {
	type vertex struct{ X, Y, Z float32 }
	a, err := New[uint32, vertex](6)
	require.NoError(t, err)

	tri := []vertex{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}
	_, err = a.InsertOrReplace(7, tri)
	require.NoError(t, err)
	got, ok := a.Get(7)
	require.True(t, ok)
	assert.Equal(t, tri, got)

	var seen Slot
	require.True(t, a.View(7, func(s Slot, data []vertex) {
		seen = s
		assert.Equal(t, tri, data)
	}))
	assert.Equal(t, Slot{Start: 0, Length: 3}, seen)
	assert.False(t, a.View(8, func(Slot, []vertex) { t.Fatal("unexpected call") }))
}

func TestArenaObserver(t *testing.T) {
	var events []Event[string]
	cfg := testConfig[string](6)
	cfg.Observer = ObserverFunc[string](func(e Event[string]) {
		events = append(events, e)
	})
	a, err := Custom[string, byte](HeapMemory[byte]{}, cfg)
	require.NoError(t, err)

	mustInsert(t, a, "a", "aa")
	mustInsert(t, a, "b", "bb")
	mustInsert(t, a, "a", "AAAA")
	a.Remove("b")
	a.Reset()

	kinds := make([]EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	assert.Equal(t, []EventKind{
		EventInsert,
		EventInsert,
		EventNoSpace,
		EventRelocate,
		EventCompact,
		EventReplace,
		EventRemove,
		EventReset,
	}, kinds)
	assert.Equal(t, Event[string]{Kind: EventRelocate, ID: "b", Start: 0, OldStart: 2, Length: 2}, events[3])
	assert.Equal(t, Event[string]{Kind: EventReplace, ID: "a", Start: 2, OldStart: 0, Length: 4}, events[5])
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	cfg := testConfig[string](4)
	cfg.Observer = NewLogObserver[string](logger)
	a, err := Custom[string, byte](HeapMemory[byte]{}, cfg)
	require.NoError(t, err)

	mustInsert(t, a, "k", "ab")
	_, err = a.InsertOrReplace("big", []byte("abcde"))
	require.Error(t, err)

	out := buf.String()
	assert.Contains(t, out, "event=insert id=k start=0 length=2")
	assert.Contains(t, out, "event=insufficientCapacity id=big length=5")
	assert.Contains(t, out, "event=compact moved=0")

	buf.Reset()
	quiet := NewLogObserver[string](slog.New(slog.NewTextHandler(&buf, nil)))
	quiet.Observe(Event[string]{Kind: EventInsert, ID: "x"})
	assert.Empty(t, buf.String(), "debug events must be dropped at info level")
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "relocate", EventRelocate.String())
	assert.Equal(t, "EventKind(42)", EventKind(42).String())
}

func TestArenaPrint(t *testing.T) {
	a := newTestArena[string](t, 8)
	mustInsert(t, a, "a", "aa")
	mustInsert(t, a, "b", "bbb")
	a.Remove("a")

	want := "--- Arena capacity=8 used=3 slots=1 ---\n" +
		"[__###___]\n" +
		"b: start=2 length=3\n"
	assert.Equal(t, want, a.String())

	var nilArena *Arena[string, byte]
	nilArena.Print(io.Discard) // Must not panic.
}

func TestArenaRandomOperations(t *testing.T) {
	const capacity = 128
	rng := rand.New(rand.NewSource(42))
	a := newTestArena[int](t, capacity)
	model := make(map[int]string)

	for i := range 10000 {
		id := rng.Intn(48)
		switch op := rng.Intn(10); {
		case op < 6:
			data := strconv.Itoa(i) + string(bytes.Repeat([]byte{byte('a' + id%26)}, rng.Intn(12)))
			prev, existed := model[id]
			_, err := a.InsertOrReplace(id, []byte(data))
			used := 0
			for k, v := range model {
				if k != id {
					used += len(v)
				}
			}
			if used+len(data) <= capacity {
				require.NoError(t, err, "op %d: insert of %d units with %d used", i, len(data), used)
				model[id] = data
			} else {
				require.ErrorIs(t, err, ErrInsufficientCapacity, "op %d", i)
				if existed {
					model[id] = prev
				}
			}
		case op < 9:
			_, existed := model[id]
			assert.Equal(t, existed, a.Remove(id), "op %d", i)
			delete(model, id)
		default:
			a.Compact()
			st := a.Stats()
			assert.Equal(t, st.Free, st.LargestFreeRun, "op %d: compacted arena must have one free run", i)
		}

		require.NoError(t, a.Check(), "op %d", i)
		require.Equal(t, len(model), a.Len(), "op %d", i)
		for k, v := range model {
			requireData(t, a, k, v)
		}
	}
}

func TestArenaConcurrentAccess(t *testing.T) {
	a, err := New[int, byte](4096)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 500 {
				id := w*1000 + i%20
				data := []byte(strconv.Itoa(id))
				if _, err := a.InsertOrReplace(id, data); err != nil {
					t.Errorf("insert %d: %v", id, err)
					return
				}
				if got, ok := a.Get(id); !ok || !bytes.Equal(got, data) {
					t.Errorf("get %d: got %q, want %q", id, got, data)
					return
				}
				if i%7 == 0 {
					a.Remove(id)
				}
				if i%50 == 0 {
					a.Compact()
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, a.Check())
}

func TestArenaEach(t *testing.T) {
	a := newTestArena[string](t, 8)
	mustInsert(t, a, "a", "aa")
	mustInsert(t, a, "b", "bbb")
	mustInsert(t, a, "c", "c")
	a.Remove("a")
	a.Compact()

	var ids []string
	var payload []string
	a.Each(func(e Entry[string], data []byte) bool {
		ids = append(ids, e.ID)
		payload = append(payload, string(data))
		return true
	})
	assert.Equal(t, []string{"b", "c"}, ids)
	assert.Equal(t, []string{"bbb", "c"}, payload)

	n := 0
	a.Each(func(Entry[string], []byte) bool {
		n++
		return false
	})
	assert.Equal(t, 1, n)
}

func TestArenaReplaceClearsVacatedUnits(t *testing.T) {
	raw := func(a *Arena[string, byte]) string {
		return string(a.store.View(0, a.Capacity()))
	}
	tests := []struct {
		name  string
		setup func(t *testing.T, a *Arena[string, byte])
		data  string
		start int
		want  string
	}{
		{
			name: "shrink in place",
			setup: func(t *testing.T, a *Arena[string, byte]) {
				mustInsert(t, a, "a", "abcd")
				mustInsert(t, a, "b", "xy")
			},
			data: "z", start: 0, want: "z\x00\x00\x00xy\x00\x00",
		},
		{
			name: "grow over own range",
			setup: func(t *testing.T, a *Arena[string, byte]) {
				mustInsert(t, a, "a", "ab")
			},
			data: "wxyz", start: 0, want: "wxyz\x00\x00\x00\x00",
		},
		{
			name: "move forward",
			setup: func(t *testing.T, a *Arena[string, byte]) {
				mustInsert(t, a, "a", "ab")
				mustInsert(t, a, "b", "c")
			},
			data: "wxyz", start: 3, want: "\x00\x00cwxyz\x00",
		},
		{
			name: "move backward",
			setup: func(t *testing.T, a *Arena[string, byte]) {
				mustInsert(t, a, "x", "qq")
				mustInsert(t, a, "a", "ab")
				mustInsert(t, a, "b", "c")
				a.Remove("x")
			},
			data: "z", start: 0, want: "z\x00\x00\x00c\x00\x00\x00",
		},
		{
			name: "replace with empty",
			setup: func(t *testing.T, a *Arena[string, byte]) {
				mustInsert(t, a, "b", "c")
				mustInsert(t, a, "a", "abc")
			},
			data: "", start: 0, want: "c\x00\x00\x00\x00\x00\x00\x00",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestArena[string](t, 8)
			tt.setup(t, a)
			p := mustInsert(t, a, "a", tt.data)
			assert.False(t, p.Compacted)
			assert.Equal(t, tt.start, p.Start)
			requireData(t, a, "a", tt.data)
			assert.Equal(t, tt.want, raw(a))
		})
	}
}

func TestArenaInsertNextToLargeRecord(t *testing.T) {
	const capacity = 1 << 24
	a := newTestArena[int](t, capacity)
	_, err := a.InsertOrReplaceN(0, nil, capacity-100)
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		p, err := a.InsertOrReplace(i, []byte("0123456789"))
		require.NoError(t, err)
		assert.Equal(t, capacity-100+(i-1)*10, p.Start)
	}
	_, err = a.InsertOrReplace(11, []byte("x"))
	require.ErrorIs(t, err, ErrInsufficientCapacity)
	assert.Zero(t, a.Stats().LargestFreeRun)
}
