// Package heap implements the kernel heap: a fixed virtual region that is
// mapped once during boot and carved into variable sized blocks.
package heap

import (
	"galaxyos/kernel"
	"galaxyos/kernel/kfmt"
	"galaxyos/kernel/mm"
	"galaxyos/kernel/mm/vmm"
	"galaxyos/kernel/sync"
	"unsafe"
)

const (
	// Start is the virtual address of the first byte of the heap region.
	Start = uintptr(0o_000_001_000_000_0000)

	// Size is the length of the heap region in bytes.
	Size = uintptr(100 * 1024)

	// minAlign is the alignment of every block header and every payload.
	minAlign = uintptr(16)

	segmentHeaderSize = unsafe.Sizeof(segment{})

	// minSegmentSize is the smallest segment worth splitting off: a header
	// followed by a single aligned chunk of payload.
	minSegmentSize = segmentHeaderSize + minAlign
)

var (
	errAlreadyInitialized = &kernel.Error{Module: "heap", Message: "heap already initialized"}
	errNotInitialized     = &kernel.Error{Module: "heap", Message: "heap used before initialization"}
	errOutOfMemory        = &kernel.Error{Module: "heap", Message: "out of memory"}
	errBadAlignment       = &kernel.Error{Module: "heap", Message: "alignment is not a power of two"}
	errInvalidFree        = &kernel.Error{Module: "heap", Message: "address does not point to an allocated block"}

	// regionStart is the address the heap is placed at. Tests point it to
	// a Go buffer.
	regionStart = Start

	// acquireFn and releaseFn are mocked by tests; toggling the interrupt
	// flag is a privileged operation.
	acquireFn = (*sync.IRQSpinlock).Acquire
	releaseFn = (*sync.IRQSpinlock).Release

	kernelHeap allocator
)

// PageMapper is implemented by page table views that can map a range of
// pages to freshly allocated frames. *vmm.ActivePageTable satisfies it.
type PageMapper interface {
	MapRange(start, end mm.Page, flags vmm.PageTableEntryFlag, alloc mm.FrameAllocator)
}

// segment is the header that precedes every block in the heap. Segments are
// kept in a doubly-linked list sorted by address; each segment is physically
// adjacent to its successor. Links are plain addresses since the headers live
// outside of memory managed by the Go runtime.
type segment struct {
	next, prev uintptr

	// size is the length of the segment including its header.
	size      uintptr
	allocated uintptr
}

func segmentAt(addr uintptr) *segment {
	return (*segment)(unsafe.Pointer(addr))
}

type allocator struct {
	lock sync.IRQSpinlock

	// head is the address of the first segment or 0 if the allocator has
	// not been initialized.
	head uintptr
}

// Init maps every page in [Start, Start+Size) writable using mapper and
// frames from alloc and hands the region to the allocator. Calling Init more
// than once is a fatal error.
func Init(mapper PageMapper, alloc mm.FrameAllocator) {
	acquireFn(&kernelHeap.lock)
	if kernelHeap.head != 0 {
		releaseFn(&kernelHeap.lock)
		panic(errAlreadyInitialized)
	}

	startPage := mm.PageFromAddress(regionStart)
	endPage := mm.PageFromAddress(regionStart + Size - 1)
	mapper.MapRange(startPage, endPage, vmm.FlagRW|vmm.FlagNoExecute, alloc)

	kernelHeap.init(regionStart, Size)
	releaseFn(&kernelHeap.lock)

	kfmt.Printf("[heap] mapped %d pages at 0x%x\n", uintptr(endPage-startPage)+1, regionStart)
}

// Alloc returns the address of a block of at least size bytes whose address
// is a multiple of align. Running out of heap space is a fatal error.
func Alloc(size, align uintptr) uintptr {
	addr, ok := TryAlloc(size, align)
	if !ok {
		kfmt.Printf("[heap] allocation error: size=%d, align=%d\n", size, align)
		panic(errOutOfMemory)
	}

	return addr
}

// TryAlloc works like Alloc but returns false instead of halting when no
// free block can satisfy the request.
func TryAlloc(size, align uintptr) (uintptr, bool) {
	if align == 0 || align&(align-1) != 0 {
		panic(errBadAlignment)
	}

	acquireFn(&kernelHeap.lock)
	if kernelHeap.head == 0 {
		releaseFn(&kernelHeap.lock)
		panic(errNotInitialized)
	}
	addr, ok := kernelHeap.alloc(size, align)
	releaseFn(&kernelHeap.lock)

	return addr, ok
}

// AllocZeroed works like Alloc but also clears the returned block.
func AllocZeroed(size, align uintptr) uintptr {
	addr := Alloc(size, align)
	kernel.Memset(addr, 0, size)
	return addr
}

// Free returns a block obtained by Alloc to the heap. Passing any other
// address is a fatal error.
func Free(addr uintptr) {
	if !TryFree(addr) {
		panic(errInvalidFree)
	}
}

// TryFree works like Free but returns false instead of halting if addr does
// not point to an allocated block.
func TryFree(addr uintptr) bool {
	acquireFn(&kernelHeap.lock)
	if kernelHeap.head == 0 {
		releaseFn(&kernelHeap.lock)
		panic(errNotInitialized)
	}
	ok := kernelHeap.free(addr)
	releaseFn(&kernelHeap.lock)

	return ok
}

// Realloc moves the contents of the block at addr to a new block of size
// bytes and frees the old one. The contents are truncated if the new block
// is smaller. Calling Realloc with a zero addr is equivalent to Alloc.
func Realloc(addr, size, align uintptr) uintptr {
	if addr == 0 {
		return Alloc(size, align)
	}

	acquireFn(&kernelHeap.lock)
	oldSize, ok := kernelHeap.blockSize(addr)
	releaseFn(&kernelHeap.lock)
	if !ok {
		panic(errInvalidFree)
	}

	newAddr := Alloc(size, align)
	if oldSize > size {
		oldSize = size
	}
	kernel.Memcopy(addr, newAddr, oldSize)
	Free(addr)

	return newAddr
}

// Contains returns true if [addr, addr+size) lies inside the heap region.
func Contains(addr, size uintptr) bool {
	return addr >= regionStart && size <= Size && addr-regionStart <= Size-size
}

// init sets up a single free segment spanning the region.
func (h *allocator) init(start, size uintptr) {
	start = alignUp(start, minAlign)
	size &^= minAlign - 1

	*segmentAt(start) = segment{size: size}
	h.head = start
}

func (h *allocator) alloc(size, align uintptr) (uintptr, bool) {
	if size == 0 {
		size = 1
	}
	size = alignUp(size, minAlign)
	if align < minAlign {
		align = minAlign
	}

	for addr := h.head; addr != 0; addr = segmentAt(addr).next {
		seg := segmentAt(addr)
		if seg.allocated != 0 {
			continue
		}

		payload, ok := fit(addr, seg.size, size, align)
		if !ok {
			continue
		}

		// A gap in front of the payload becomes a free segment of its own.
		if lead := payload - segmentHeaderSize - addr; lead != 0 {
			split(seg, lead)
			addr += lead
			seg = segmentAt(addr)
		}

		if used := segmentHeaderSize + size; seg.size-used >= minSegmentSize {
			split(seg, used)
		}

		seg.allocated = 1
		return payload, true
	}

	return 0, false
}

// fit returns the first payload address inside the free segment at addr
// that satisfies align and leaves room for size bytes. Any gap between the
// segment header and the payload header is either empty or large enough to
// hold a segment.
func fit(addr, segSize, size, align uintptr) (uintptr, bool) {
	payload := alignUp(addr+segmentHeaderSize, align)
	for lead := payload - segmentHeaderSize - addr; lead != 0 && lead < minSegmentSize; lead = payload - segmentHeaderSize - addr {
		payload += align
	}

	return payload, payload+size <= addr+segSize
}

// split truncates seg to at bytes and inserts a free segment covering the
// rest of it.
func split(seg *segment, at uintptr) {
	segAddr := uintptr(unsafe.Pointer(seg))
	newAddr := segAddr + at

	*segmentAt(newAddr) = segment{
		next: seg.next,
		prev: segAddr,
		size: seg.size - at,
	}
	if seg.next != 0 {
		segmentAt(seg.next).prev = newAddr
	}

	seg.next = newAddr
	seg.size = at
}

// merge absorbs the successor of seg into it.
func merge(seg *segment) {
	next := segmentAt(seg.next)

	seg.size += next.size
	seg.next = next.next
	if next.next != 0 {
		segmentAt(next.next).prev = uintptr(unsafe.Pointer(seg))
	}
}

// lookup returns the allocated segment whose payload starts at addr.
func (h *allocator) lookup(addr uintptr) (*segment, bool) {
	for segAddr := h.head; segAddr != 0; segAddr = segmentAt(segAddr).next {
		if segAddr+segmentHeaderSize == addr {
			seg := segmentAt(segAddr)
			return seg, seg.allocated != 0
		}
		if segAddr > addr {
			break
		}
	}

	return nil, false
}

func (h *allocator) free(addr uintptr) bool {
	seg, ok := h.lookup(addr)
	if !ok {
		return false
	}

	seg.allocated = 0
	if seg.next != 0 && segmentAt(seg.next).allocated == 0 {
		merge(seg)
	}
	if seg.prev != 0 && segmentAt(seg.prev).allocated == 0 {
		merge(segmentAt(seg.prev))
	}

	return true
}

// blockSize returns the usable size of the allocated block at addr.
func (h *allocator) blockSize(addr uintptr) (uintptr, bool) {
	seg, ok := h.lookup(addr)
	if !ok {
		return 0, false
	}

	return seg.size - segmentHeaderSize, true
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
