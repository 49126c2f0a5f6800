// Package heap implements the kernel's variable-size allocator: a
// hole-coalescing, first-fit pool over a growable virtual range backed by a
// platform.PageMapper (§4.1). Blocks tile the range end-to-end, each
// bracketed by an encoded header and footer; free blocks are tracked in a
// size-ascending index so allocation picks the smallest hole that fits.
//
// The hole index lives in ordinary Go memory rather than a fixed-capacity
// region carved out of the pool's own range — self-hosting the index only
// matters when bootstrapping an allocator before any allocator exists to
// host its metadata, a concern Go's runtime heap already solves. The pool's
// reserved range backs block storage only; every invariant about block
// tiling, coalescing and conservation (§3/§8) is about that block storage
// and is preserved exactly.
package heap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/racoonbattle/matrix/internal/platform"
)

const (
	blockMagicHeader uint32 = 0x4D41_4748 // "MAGH"
	blockMagicFooter uint32 = 0x4D41_4746 // "MAGF"

	headerSize = 16 // magic(4) size(4) isHole(4) reserved(4)
	footerSize = 16 // magic(4) reserved(4) headerOffset(8)

	minBlockSize = headerSize + footerSize

	// Align is the minimum payload alignment guaranteed by Alloc.
	Align = 8
)

var (
	// ErrOutOfMemory is returned when the pool cannot satisfy a request
	// even after attempting to grow (§7 out-of-memory).
	ErrOutOfMemory = errors.New("heap: out of memory")
	// ErrInvalidArgument covers nonsense sizes (§7 invalid-argument).
	ErrInvalidArgument = errors.New("heap: invalid argument")
)

// Metrics receives counter updates for pool operations. It is satisfied
// structurally by internal/telemetry's MetricsCollector; the heap package
// never imports telemetry, so wiring happens at the caller (cmd/kernel)
// by passing the shared collector in Config.
type Metrics interface {
	RecordHeapAlloc()
	RecordHeapFree()
	RecordHeapGrow()
	RecordHeapContract()
	RecordHeapOOM()
}

type noopMetrics struct{}

func (noopMetrics) RecordHeapAlloc()    {}
func (noopMetrics) RecordHeapFree()     {}
func (noopMetrics) RecordHeapGrow()     {}
func (noopMetrics) RecordHeapContract() {}
func (noopMetrics) RecordHeapOOM()      {}

// corrupt panics — magic mismatches and index/footer inconsistencies are
// fatal per §7 ("corruption ... panics the kernel").
func corrupt(format string, args ...any) {
	panic(fmt.Sprintf("heap: corruption detected: "+format, args...))
}

// Ptr identifies an allocated block by the offset of its header within the
// pool's backing memory. The block at the start of the pool has offset 0,
// so a successful Alloc can return the zero value; failure is reported by
// Alloc's error alone.
type Ptr uint32

// hole records a free block's offset and size for the size-ascending index.
type hole struct {
	offset uint32
	size   uint32
}

// Pool is a hole-coalescing first-fit allocator over a growable range
// backed by a platform.PageMapper (§3 "Heap Pool").
type Pool struct {
	mu sync.Mutex

	mapper     platform.PageMapper
	mem        []byte // len(mem) == max, reserved once at Create
	end        int    // committed length; grows/shrinks in page increments
	max        int    // hard ceiling on end
	minSize    int    // end never contracts below this

	supervisor bool
	readonly   bool

	holes   []hole // sorted ascending by size
	metrics Metrics
}

// Config parameterizes Create.
type Config struct {
	// Max is the maximum size in bytes the pool may grow to.
	Max int
	// Initial is the number of bytes committed up front (rounded up to a
	// page). Zero means "one page".
	Initial int
	// MinSize is the floor Shrink will never contract below (§3 "size ≥ a
	// configured minimum after contraction"). Zero means one page.
	MinSize    int
	Supervisor bool
	ReadOnly   bool

	// Metrics, if set, receives counter updates for this pool's
	// operations (SPEC_FULL.md AMBIENT STACK). Nil means no metrics.
	Metrics Metrics
}

// Create reserves a virtual range able to grow up to cfg.Max bytes and
// commits the initial portion as one free block (§4.1 pool_create).
func Create(mapper platform.PageMapper, cfg Config) (*Pool, error) {
	if cfg.Max <= 0 {
		return nil, fmt.Errorf("heap: %w: max must be positive", ErrInvalidArgument)
	}
	initial := cfg.Initial
	if initial <= 0 {
		initial = platform.PageSize
	}
	minSize := cfg.MinSize
	if minSize <= 0 {
		minSize = platform.PageSize
	}
	maxRounded := platform.RoundUpPage(cfg.Max)
	initialRounded := platform.RoundUpPage(initial)
	if initialRounded > maxRounded {
		initialRounded = maxRounded
	}
	if initialRounded < minBlockSize {
		return nil, fmt.Errorf("heap: %w: initial size too small", ErrInvalidArgument)
	}

	mem, err := mapper.Reserve(maxRounded)
	if err != nil {
		return nil, err
	}
	// Always commit the initial range read-write first: the header/footer
	// below must be written into it regardless of cfg.ReadOnly. If the
	// pool is meant to end up read-only, the range is re-committed with
	// ReadOnly after those writes land.
	writeFlags := platform.MapFlags{Supervisor: cfg.Supervisor}
	if err := mapper.Grow(mem, 0, initialRounded, writeFlags); err != nil {
		_ = mapper.Release(mem)
		return nil, err
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	p := &Pool{
		mapper:     mapper,
		mem:        mem,
		end:        initialRounded,
		max:        maxRounded,
		minSize:    minSize,
		supervisor: cfg.Supervisor,
		readonly:   cfg.ReadOnly,
		metrics:    metrics,
	}
	p.writeHeader(0, uint32(initialRounded), true)
	p.writeFooter(0, uint32(initialRounded))
	p.holes = []hole{{offset: 0, size: uint32(initialRounded)}}

	if cfg.ReadOnly {
		roFlags := platform.MapFlags{Supervisor: cfg.Supervisor, ReadOnly: true}
		if err := mapper.Grow(mem, 0, initialRounded, roFlags); err != nil {
			_ = mapper.Release(mem)
			return nil, err
		}
	}
	return p, nil
}

// Len reports the currently committed size of the pool (the "end").
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.end
}

// --- block encode/decode -------------------------------------------------

func (p *Pool) writeHeader(off uint32, size uint32, isHole bool) {
	b := p.mem[off : off+headerSize]
	binary.LittleEndian.PutUint32(b[0:4], blockMagicHeader)
	binary.LittleEndian.PutUint32(b[4:8], size)
	var h uint32
	if isHole {
		h = 1
	}
	binary.LittleEndian.PutUint32(b[8:12], h)
	binary.LittleEndian.PutUint32(b[12:16], 0)
}

func (p *Pool) readHeader(off uint32) (size uint32, isHole bool, ok bool) {
	if int(off)+headerSize > len(p.mem) {
		return 0, false, false
	}
	b := p.mem[off : off+headerSize]
	magic := binary.LittleEndian.Uint32(b[0:4])
	if magic != blockMagicHeader {
		return 0, false, false
	}
	size = binary.LittleEndian.Uint32(b[4:8])
	isHole = binary.LittleEndian.Uint32(b[8:12]) != 0
	return size, isHole, true
}

// footerOffset returns the offset of the footer belonging to the block
// whose header is at off and whose total size is size.
func footerOffset(off, size uint32) uint32 { return off + size - footerSize }

func (p *Pool) writeFooter(headerOff uint32, size uint32) {
	foff := footerOffset(headerOff, size)
	b := p.mem[foff : foff+footerSize]
	binary.LittleEndian.PutUint32(b[0:4], blockMagicFooter)
	binary.LittleEndian.PutUint32(b[4:8], 0)
	binary.LittleEndian.PutUint64(b[8:16], uint64(headerOff))
}

func (p *Pool) readFooter(foff uint32) (headerOff uint32, ok bool) {
	if int(foff)+footerSize > len(p.mem) || int(foff) < 0 {
		return 0, false
	}
	b := p.mem[foff : foff+footerSize]
	magic := binary.LittleEndian.Uint32(b[0:4])
	if magic != blockMagicFooter {
		return 0, false
	}
	return uint32(binary.LittleEndian.Uint64(b[8:16])), true
}

func (p *Pool) setHole(off uint32, isHole bool) {
	b := p.mem[off+8 : off+12]
	var h uint32
	if isHole {
		h = 1
	}
	binary.LittleEndian.PutUint32(b, h)
}

// Payload returns the writable payload slice for an allocated block.
func (p *Pool) Payload(ptr Ptr) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	off := uint32(ptr)
	size, isHole, ok := p.readHeader(off)
	if !ok || isHole {
		corrupt("Payload: invalid pointer %d", ptr)
	}
	return p.mem[off+headerSize : off+size-footerSize]
}

// --- hole index -----------------------------------------------------------

// indexInsert inserts a hole, keeping holes sorted ascending by size.
func (p *Pool) indexInsert(off, size uint32) {
	i := sort.Search(len(p.holes), func(i int) bool { return p.holes[i].size >= size })
	p.holes = append(p.holes, hole{})
	copy(p.holes[i+1:], p.holes[i:])
	p.holes[i] = hole{offset: off, size: size}
}

// indexRemove removes the hole at the given offset (size used to narrow the
// search). Panics (corruption) if not present — every hole in memory must
// have exactly one index entry.
func (p *Pool) indexRemove(off, size uint32) {
	lo := sort.Search(len(p.holes), func(i int) bool { return p.holes[i].size >= size })
	for i := lo; i < len(p.holes) && p.holes[i].size == size; i++ {
		if p.holes[i].offset == off {
			p.holes = append(p.holes[:i], p.holes[i+1:]...)
			return
		}
	}
	corrupt("indexRemove: hole at %d size %d not found", off, size)
}

// firstFit scans the index in ascending size order and returns the first
// hole whose usable size (after any page-alignment prefix split) is >= need.
func (p *Pool) firstFit(need uint32, pageAlign bool) (off, size uint32, prefix uint32, found bool) {
	for _, h := range p.holes {
		if !pageAlign {
			if h.size >= need {
				return h.offset, h.size, 0, true
			}
			continue
		}
		payloadStart := h.offset + headerSize
		alignedStart := alignUp(payloadStart, platform.PageSize)
		pre := alignedStart - payloadStart
		if pre > 0 && pre < minBlockSize {
			// slack too small to become its own free block; try the next
			// page boundary up.
			alignedStart += platform.PageSize
			pre = alignedStart - payloadStart
		}
		usable := h.size - pre
		if h.size >= pre && usable >= need {
			return h.offset, h.size, pre, true
		}
	}
	return 0, 0, 0, false
}

func alignUp(v uint32, align uint32) uint32 {
	if v%align == 0 {
		return v
	}
	return v + (align - v%align)
}
