package slab

import (
	"sync"
	"testing"

	"github.com/racoonbattle/matrix/internal/heap"
	"github.com/racoonbattle/matrix/internal/platform"
)

func newTestCache(t *testing.T, objectSize int, ctor Ctor, dtor Dtor) (*Cache, *heap.Pool) {
	t.Helper()
	mapper := platform.NewMmapPageMapper()
	pool, err := heap.Create(mapper, heap.Config{Max: 4 << 20})
	if err != nil {
		t.Fatalf("heap.Create: %v", err)
	}
	c, err := NewCache(pool, "test", objectSize, ctor, dtor)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return c, pool
}

func TestAllocFreeRoundTrip(t *testing.T) {
	c, _ := newTestCache(t, 64, nil, nil)

	p, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	buf := c.Payload(p)
	if len(buf) != 64 {
		t.Fatalf("payload len = %d, want 64", len(buf))
	}
	buf[0] = 0xAB
	c.Free(p)
}

func TestCtorDtorInvoked(t *testing.T) {
	var ctorCalls, dtorCalls int
	ctor := func(obj []byte) {
		ctorCalls++
		obj[0] = 0x11
	}
	dtor := func(obj []byte) { dtorCalls++ }

	c, _ := newTestCache(t, 32, ctor, dtor)

	p1, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if ctorCalls == 0 {
		t.Fatal("expected ctor to run when a slab is first created")
	}
	if got := c.Payload(p1)[0]; got != 0x11 {
		t.Fatalf("ctor did not initialize object: got %#x", got)
	}

	c.Free(p1)
	if dtorCalls != 1 {
		t.Fatalf("dtorCalls = %d, want 1", dtorCalls)
	}
}

func TestSlabReleasedWhenWhollyEmpty(t *testing.T) {
	c, _ := newTestCache(t, 128, nil, nil)

	// Alloc() lazily creates the first slab; force it, then read how many
	// objects the slab holds so every one of them can be allocated.
	first, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	ptrs := []Ptr{first}
	capacity := c.Stats().FreeCount + 1

	for len(ptrs) < capacity {
		p, err := c.Alloc()
		if err != nil {
			t.Fatalf("Alloc #%d: %v", len(ptrs), err)
		}
		ptrs = append(ptrs, p)
	}

	if slabs := c.Stats().Slabs; slabs != 1 {
		t.Fatalf("Slabs = %d, want 1 after filling the first slab", slabs)
	}

	for _, p := range ptrs {
		c.Free(p)
	}

	if slabs := c.Stats().Slabs; slabs != 0 {
		t.Fatalf("Slabs = %d, want 0 once every object in the slab is freed", slabs)
	}
}

func TestStatsFreeCountMatchesSlabFreeLists(t *testing.T) {
	c, _ := newTestCache(t, 48, nil, nil)

	var ptrs []Ptr
	for i := 0; i < 5; i++ {
		p, err := c.Alloc()
		if err != nil {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
		ptrs = append(ptrs, p)
	}

	if c.freeCount != c.Stats().FreeCount {
		t.Fatalf("c.freeCount = %d, Stats().FreeCount = %d, want equal", c.freeCount, c.Stats().FreeCount)
	}

	c.Free(ptrs[0])
	c.Free(ptrs[1])

	if c.freeCount != c.Stats().FreeCount {
		t.Fatalf("after partial free: c.freeCount = %d, Stats().FreeCount = %d", c.freeCount, c.Stats().FreeCount)
	}
}

func TestObjectTooLargeRejected(t *testing.T) {
	mapper := platform.NewMmapPageMapper()
	pool, err := heap.Create(mapper, heap.Config{Max: 4 << 20})
	if err != nil {
		t.Fatalf("heap.Create: %v", err)
	}
	if _, err := NewCache(pool, "huge", platform.PageSize*65, nil, nil); err == nil {
		t.Fatal("expected ErrObjectTooLarge")
	}
}

// TestConcurrentAllocFree drives many goroutines hammering Alloc/Free on
// one shared Cache at once — the shape of real concurrent use, since
// cmd/kernel allocates every thread's kernel stack from a single cache
// shared across every CPU. Run with -race to check Cache's mutex
// actually serializes pages/freeCount access.
func TestConcurrentAllocFree(t *testing.T) {
	c, _ := newTestCache(t, 64, nil, nil)

	const goroutines = 16
	const opsPerGoroutine = 200

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < opsPerGoroutine; i++ {
				p, err := c.Alloc()
				if err != nil {
					t.Errorf("Alloc: %v", err)
					return
				}
				buf := c.Payload(p)
				buf[0] = byte(i)
				c.Free(p)
			}
		}()
	}
	wg.Wait()

	if stats := c.Stats(); stats.Slabs != 0 {
		t.Fatalf("Stats().Slabs = %d, want 0 once every goroutine has freed everything it allocated", stats.Slabs)
	}
}

type countingMetrics struct {
	newSlabs, released int
}

func (m *countingMetrics) RecordSlabNew()      { m.newSlabs++ }
func (m *countingMetrics) RecordSlabReleased() { m.released++ }

func TestMetricsHooksFire(t *testing.T) {
	mapper := platform.NewMmapPageMapper()
	pool, err := heap.Create(mapper, heap.Config{Max: 4 << 20})
	if err != nil {
		t.Fatalf("heap.Create: %v", err)
	}
	m := &countingMetrics{}
	c, err := NewCacheWithMetrics(pool, "metered", 64, nil, nil, m)
	if err != nil {
		t.Fatalf("NewCacheWithMetrics: %v", err)
	}

	p, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if m.newSlabs != 1 {
		t.Fatalf("newSlabs = %d, want 1", m.newSlabs)
	}

	c.Free(p)
	if m.released != 1 {
		t.Fatalf("released = %d, want 1 once the lone slab empties", m.released)
	}
}
