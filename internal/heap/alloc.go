package heap

import (
	"fmt"

	"github.com/racoonbattle/matrix/internal/platform"
)

// Alloc returns a pointer to a payload of at least size bytes. When
// pageAlign is set, the payload's start address (relative to the pool's
// base) is page-aligned; any leading slack within the chosen hole is split
// off as its own free block (§4.1).
func (p *Pool) Alloc(size int, pageAlign bool) (Ptr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("heap: %w: size must be positive", ErrInvalidArgument)
	}
	if p.readonly {
		return 0, fmt.Errorf("heap: %w: pool is read-only", ErrInvalidArgument)
	}

	need := alignUp(uint32(size), Align) + minBlockSize

	p.mu.Lock()
	defer p.mu.Unlock()

	off, holeSize, prefix, ok := p.firstFit(need, pageAlign)
	if !ok {
		if err := p.grow(need); err != nil {
			p.metrics.RecordHeapOOM()
			return 0, err
		}
		off, holeSize, prefix, ok = p.firstFit(need, pageAlign)
		if !ok {
			p.metrics.RecordHeapOOM()
			return 0, ErrOutOfMemory
		}
	}

	p.indexRemove(off, holeSize)

	if prefix > 0 {
		// split off the alignment slack as its own free block
		p.writeHeader(off, prefix, true)
		p.writeFooter(off, prefix)
		p.indexInsert(off, prefix)
		off += prefix
		holeSize -= prefix
	}

	if holeSize-need < minBlockSize {
		// absorb the slack rather than create an unusably small hole
		p.writeHeader(off, holeSize, false)
		p.writeFooter(off, holeSize)
	} else {
		p.writeHeader(off, need, false)
		p.writeFooter(off, need)
		tailOff := off + need
		tailSize := holeSize - need
		p.writeHeader(tailOff, tailSize, true)
		p.writeFooter(tailOff, tailSize)
		p.indexInsert(tailOff, tailSize)
	}

	p.metrics.RecordHeapAlloc()
	return Ptr(off), nil
}

// Free marks the block free, coalesces with free neighbours, and contracts
// the pool if the freed region abuts the committed end (§4.1).
func (p *Pool) Free(ptr Ptr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	off := uint32(ptr)
	size, isHole, ok := p.readHeader(off)
	if !ok || isHole {
		corrupt("Free: invalid pointer %d", ptr)
	}

	// merge backward: the footer immediately preceding this header, if any,
	// belongs to a free predecessor.
	if off >= footerSize {
		predFooterOff := off - footerSize
		if predHeaderOff, ok := p.readFooter(predFooterOff); ok {
			predSize, predIsHole, ok := p.readHeader(predHeaderOff)
			if ok && predIsHole && predHeaderOff+predSize == off {
				p.indexRemove(predHeaderOff, predSize)
				off = predHeaderOff
				size = predSize + size
			}
		}
	}

	// merge forward: the header immediately after this block's footer, if
	// any, belongs to a free successor.
	succOff := off + size
	if int(succOff) < p.end {
		succSize, succIsHole, ok := p.readHeader(succOff)
		if ok && succIsHole {
			p.indexRemove(succOff, succSize)
			size += succSize
		}
	}

	p.writeHeader(off, size, true)
	p.writeFooter(off, size)
	p.indexInsert(off, size)
	p.metrics.RecordHeapFree()

	p.maybeContract(off, size)
}

// grow expands the pool to satisfy at least `need` additional bytes,
// mapping new pages via the platform.PageMapper and either extending the
// tail block in place or creating a new one.
func (p *Pool) grow(need uint32) error {
	growBy := platform.RoundUpPage(int(need))
	newEnd := p.end + growBy
	if newEnd > p.max {
		newEnd = p.max
	}
	if newEnd-p.end < int(need) {
		return ErrOutOfMemory
	}

	// grow is only reached from Alloc, which refuses to run at all when
	// p.readonly is set (see Alloc's guard above), so ReadOnly is always
	// false here — the newly-committed tail still needs a header/footer
	// written into it immediately after.
	flags := platform.MapFlags{Supervisor: p.supervisor, ReadOnly: p.readonly}
	if err := p.mapper.Grow(p.mem, p.end, newEnd, flags); err != nil {
		return fmt.Errorf("heap: grow: %w", err)
	}

	addedSize := uint32(newEnd - p.end)
	tailOff, tailSize, hasTail := p.tailBlock()
	oldEnd := uint32(p.end)
	p.end = newEnd

	if hasTail && tailIsHole(p, tailOff) {
		p.indexRemove(tailOff, tailSize)
		newSize := tailSize + addedSize
		p.writeHeader(tailOff, newSize, true)
		p.writeFooter(tailOff, newSize)
		p.indexInsert(tailOff, newSize)
	} else {
		p.writeHeader(oldEnd, addedSize, true)
		p.writeFooter(oldEnd, addedSize)
		p.indexInsert(oldEnd, addedSize)
	}
	p.metrics.RecordHeapGrow()
	return nil
}

// tailBlock returns the header offset/size of the block abutting the
// current end, if the pool is non-empty.
func (p *Pool) tailBlock() (off, size uint32, ok bool) {
	if p.end == 0 {
		return 0, 0, false
	}
	// Walk from the start is O(n); the pool keeps no separate tail pointer
	// since contraction already needs the tail's footer, read directly.
	foff := uint32(p.end) - footerSize
	hoff, ok := p.readFooter(foff)
	if !ok {
		return 0, 0, false
	}
	sz, _, ok := p.readHeader(hoff)
	if !ok {
		return 0, 0, false
	}
	return hoff, sz, true
}

func tailIsHole(p *Pool, off uint32) bool {
	_, isHole, ok := p.readHeader(off)
	return ok && isHole
}

// maybeContract shrinks the pool when the just-freed block abuts the
// committed end and the result stays at or above minSize (§4.1).
func (p *Pool) maybeContract(off, size uint32) {
	if int(off+size) != p.end {
		return
	}
	if p.end <= p.minSize {
		return
	}

	// Keep at least minSize committed; shrink back to the page boundary at
	// or above start-of-freed-block, clamped to minSize.
	newEnd := int(off)
	if newEnd < p.minSize {
		newEnd = p.minSize
	}
	newEnd = platform.RoundUpPage(newEnd)
	if newEnd >= p.end {
		return
	}

	keep := newEnd - int(off)
	if keep < minBlockSize {
		// not enough room left for a valid trailing block at this
		// boundary; don't contract past a point that would corrupt tiling.
		return
	}

	if err := p.mapper.Shrink(p.mem, p.end, newEnd); err != nil {
		return
	}

	p.indexRemove(off, size)
	p.end = newEnd
	newSize := uint32(keep)
	p.writeHeader(off, newSize, true)
	p.writeFooter(off, newSize)
	p.indexInsert(off, newSize)
	p.metrics.RecordHeapContract()
}
