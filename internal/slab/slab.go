// Package slab implements fixed-size object caches layered on the kernel
// heap (spec §3, §4.2). Each slab is one or more heap-allocated,
// page-aligned pages carved into equal-size objects tracked by an embedded
// free list; the cache holds any number of slabs and satisfies allocation
// from the first one with a free object, creating a new slab from the heap
// when none remain.
package slab

import (
	"errors"
	"fmt"
	"sync"

	"github.com/racoonbattle/matrix/internal/heap"
	"github.com/racoonbattle/matrix/internal/platform"
)

// ErrObjectTooLarge is returned when objectSize would not fit even a single
// object into a slab of 64 pages.
var ErrObjectTooLarge = errors.New("slab: object size too large")

// Metrics receives counter updates for slab lifecycle events. Satisfied
// structurally by internal/telemetry's MetricsCollector (SPEC_FULL.md
// AMBIENT STACK); this package never imports telemetry.
type Metrics interface {
	RecordSlabNew()
	RecordSlabReleased()
}

type noopMetrics struct{}

func (noopMetrics) RecordSlabNew()      {}
func (noopMetrics) RecordSlabReleased() {}

// Ctor initializes a freshly carved object and runs once per object when
// its slab is created. Dtor runs each time an object is freed, and at
// Delete for objects still live; releasing an emptied slab to the heap runs
// no Dtor, and a freed object is not re-constructed before Alloc hands it
// out again.
type Ctor func(obj []byte)
type Dtor func(obj []byte)

// minObjectsPerSlab is the target object count used to size new slabs; for
// large objects a slab may hold fewer.
const minObjectsPerSlab = 8

type slabPage struct {
	ptr       heap.Ptr
	mem       []byte
	freeList  []uint32 // stack of free object indices
	objCount  int
	freeCount int
}

// Ptr identifies a live object: which slab it came from and its index
// within that slab.
type Ptr struct {
	page *slabPage
	idx  uint32
}

// Cache is a fixed-size object allocator (§3 "Slab Cache"). A cache is
// shared by every CPU admitting threads in a multiprocessor scheduler
// (cmd/kernel allocates kernel stacks from one shared cache), so every
// exported method except Payload is guarded by mu the same way
// internal/heap.Pool guards its own state.
type Cache struct {
	name       string
	objectSize int
	pagesPerSlab int
	objsPerSlab  int
	ctor       Ctor
	dtor       Dtor
	pool       *heap.Pool
	metrics    Metrics

	mu        sync.Mutex
	pages     []*slabPage
	freeCount int
}

// NewCache creates a cache of objectSize-byte objects backed by pool.
func NewCache(pool *heap.Pool, name string, objectSize int, ctor Ctor, dtor Dtor) (*Cache, error) {
	return NewCacheWithMetrics(pool, name, objectSize, ctor, dtor, nil)
}

// NewCacheWithMetrics is NewCache with an optional Metrics sink for slab
// lifecycle events (SPEC_FULL.md AMBIENT STACK).
func NewCacheWithMetrics(pool *heap.Pool, name string, objectSize int, ctor Ctor, dtor Dtor, metrics Metrics) (*Cache, error) {
	if objectSize <= 0 {
		return nil, fmt.Errorf("slab: invalid object size %d", objectSize)
	}
	pagesPerSlab := 1
	for pagesPerSlab*platform.PageSize/objectSize < 1 {
		pagesPerSlab++
		if pagesPerSlab > 64 {
			return nil, ErrObjectTooLarge
		}
	}
	for pagesPerSlab*platform.PageSize/objectSize < minObjectsPerSlab && pagesPerSlab < 16 {
		pagesPerSlab++
	}
	objsPerSlab := pagesPerSlab * platform.PageSize / objectSize
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Cache{
		name:         name,
		objectSize:   objectSize,
		pagesPerSlab: pagesPerSlab,
		objsPerSlab:  objsPerSlab,
		ctor:         ctor,
		dtor:         dtor,
		pool:         pool,
		metrics:      metrics,
	}, nil
}

// Alloc pops a free object, growing the cache with a new slab if needed.
func (c *Cache) Alloc() (Ptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pg := range c.pages {
		if pg.freeCount > 0 {
			return c.allocFrom(pg), nil
		}
	}
	pg, err := c.newSlab()
	if err != nil {
		return Ptr{}, err
	}
	c.pages = append(c.pages, pg)
	return c.allocFrom(pg), nil
}

func (c *Cache) allocFrom(pg *slabPage) Ptr {
	n := len(pg.freeList)
	idx := pg.freeList[n-1]
	pg.freeList = pg.freeList[:n-1]
	pg.freeCount--
	c.freeCount--
	return Ptr{page: pg, idx: idx}
}

// Payload returns the writable bytes for a live object.
func (c *Cache) Payload(p Ptr) []byte {
	off := int(p.idx) * c.objectSize
	return p.page.mem[off : off+c.objectSize]
}

// Free returns an object to its slab's free list. If the slab becomes
// wholly empty, it is released back to the heap.
func (c *Cache) Free(p Ptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pg := p.page
	if c.dtor != nil {
		c.dtor(c.Payload(p))
	}
	pg.freeList = append(pg.freeList, p.idx)
	pg.freeCount++
	c.freeCount++

	if pg.freeCount == pg.objCount {
		c.releaseSlab(pg)
	}
}

func (c *Cache) newSlab() (*slabPage, error) {
	size := c.pagesPerSlab * platform.PageSize
	ptr, err := c.pool.Alloc(size, true)
	if err != nil {
		return nil, err
	}
	mem := c.pool.Payload(ptr)
	pg := &slabPage{
		ptr:       ptr,
		mem:       mem,
		objCount:  c.objsPerSlab,
		freeCount: c.objsPerSlab,
		freeList:  make([]uint32, c.objsPerSlab),
	}
	for i := 0; i < c.objsPerSlab; i++ {
		pg.freeList[i] = uint32(c.objsPerSlab - 1 - i)
		if c.ctor != nil {
			off := i * c.objectSize
			c.ctor(mem[off : off+c.objectSize])
		}
	}
	c.freeCount += c.objsPerSlab
	c.metrics.RecordSlabNew()
	return pg, nil
}

func (c *Cache) releaseSlab(pg *slabPage) {
	for i, other := range c.pages {
		if other == pg {
			c.pages = append(c.pages[:i], c.pages[i+1:]...)
			break
		}
	}
	c.freeCount -= pg.freeCount
	c.pool.Free(pg.ptr)
	c.metrics.RecordSlabReleased()
}

// Delete tears down every still-live object and releases all slabs to the
// heap. Objects already individually freed had their Dtor run at Free time
// and are not torn down again.
func (c *Cache) Delete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pg := range c.pages {
		if c.dtor != nil {
			free := make(map[uint32]bool, len(pg.freeList))
			for _, idx := range pg.freeList {
				free[idx] = true
			}
			for i := 0; i < pg.objCount; i++ {
				if free[uint32(i)] {
					continue
				}
				off := i * c.objectSize
				c.dtor(pg.mem[off : off+c.objectSize])
			}
		}
		c.pool.Free(pg.ptr)
	}
	c.pages = nil
	c.freeCount = 0
}

// Stats reports cache-wide bookkeeping used by §8's slab invariant
// ("the cache's free-count equals the sum of slab free-lists").
type Stats struct {
	Slabs     int
	FreeCount int
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	sum := 0
	for _, pg := range c.pages {
		sum += pg.freeCount
	}
	return Stats{Slabs: len(c.pages), FreeCount: sum}
}
