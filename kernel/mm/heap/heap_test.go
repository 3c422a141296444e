package heap

import (
	"galaxyos/kernel"
	"galaxyos/kernel/mm"
	"galaxyos/kernel/mm/vmm"
	"galaxyos/kernel/sync"
	"testing"
	"unsafe"
)

// testRegion backs the heap during tests. It is one page larger than the
// heap so the region can be page-aligned.
var testRegion [Size + mm.PageSize]byte

type mapRangeCall struct {
	start, end mm.Page
	flags      vmm.PageTableEntryFlag
}

type fakeMapper struct {
	calls []mapRangeCall
}

func (m *fakeMapper) MapRange(start, end mm.Page, flags vmm.PageTableEntryFlag, _ mm.FrameAllocator) {
	m.calls = append(m.calls, mapRangeCall{start, end, flags})
}

// setupHeap points the heap to testRegion, replaces the lock hooks with
// counters and returns the region start, a pointer to the number of held
// locks and a function that restores the package state.
func setupHeap(t *testing.T) (uintptr, *int, func()) {
	origStart, origAcquire, origRelease := regionStart, acquireFn, releaseFn

	var held int
	acquireFn = func(*sync.IRQSpinlock) { held++ }
	releaseFn = func(*sync.IRQSpinlock) { held-- }

	regionStart = alignUp(uintptr(unsafe.Pointer(&testRegion[0])), mm.PageSize)
	kernelHeap = allocator{}

	return regionStart, &held, func() {
		if held != 0 {
			t.Errorf("expected all heap locks to be released; %d still held", held)
		}
		regionStart, acquireFn, releaseFn = origStart, origAcquire, origRelease
		kernelHeap = allocator{}
	}
}

func initHeap(t *testing.T) (uintptr, *int, func()) {
	start, held, restore := setupHeap(t)
	Init(&fakeMapper{}, nil)
	return start, held, restore
}

func expectPanic(t *testing.T, expErr *kernel.Error, fn func()) {
	t.Helper()

	defer func() {
		t.Helper()
		if err := recover(); err != expErr {
			t.Errorf("expected panic with %v; got %v", expErr, err)
		}
	}()

	fn()
}

// segments returns the list of segments in address order.
func segments() []segment {
	var list []segment
	for addr := kernelHeap.head; addr != 0; addr = segmentAt(addr).next {
		list = append(list, *segmentAt(addr))
	}
	return list
}

func TestInit(t *testing.T) {
	start, _, restore := setupHeap(t)
	defer restore()

	mapper := &fakeMapper{}
	Init(mapper, nil)

	if got := len(mapper.calls); got != 1 {
		t.Fatalf("expected MapRange to be called once; got %d", got)
	}

	call := mapper.calls[0]
	if exp := mm.PageFromAddress(start); call.start != exp {
		t.Errorf("expected mapped range to start at page %d; got %d", exp, call.start)
	}

	if exp, got := uintptr(Size/mm.PageSize), uintptr(call.end-call.start)+1; got != exp {
		t.Errorf("expected %d pages to be mapped; got %d", exp, got)
	}

	if exp := vmm.FlagRW | vmm.FlagNoExecute; call.flags != exp {
		t.Errorf("expected heap pages to be mapped with flags %x; got %x", exp, call.flags)
	}

	list := segments()
	if len(list) != 1 || list[0].size != Size || list[0].allocated != 0 {
		t.Fatalf("expected a single free segment spanning the heap; got %+v", list)
	}

	expectPanic(t, errAlreadyInitialized, func() {
		Init(mapper, nil)
	})
}

func TestUseBeforeInit(t *testing.T) {
	_, _, restore := setupHeap(t)
	defer restore()

	expectPanic(t, errNotInitialized, func() { Alloc(16, 16) })
	expectPanic(t, errNotInitialized, func() { Free(0x1000) })
}

func TestAllocFree(t *testing.T) {
	start, _, restore := initHeap(t)
	defer restore()

	a := Alloc(24, 8)
	if exp := start + segmentHeaderSize; a != exp {
		t.Errorf("expected first block at 0x%x; got 0x%x", exp, a)
	}

	b := Alloc(100, 16)
	if exp := a + 32 + segmentHeaderSize; b != exp {
		t.Errorf("expected second block at 0x%x; got 0x%x", exp, b)
	}

	// Blocks must be usable and must not overlap.
	kernel.Memset(a, 0xaa, 24)
	kernel.Memset(b, 0xbb, 100)
	if got := *(*byte)(unsafe.Pointer(a + 23)); got != 0xaa {
		t.Errorf("expected last byte of first block to be 0xaa; got 0x%x", got)
	}

	if got := len(segments()); got != 3 {
		t.Errorf("expected 3 segments after two allocations; got %d", got)
	}

	Free(a)
	Free(b)

	list := segments()
	if len(list) != 1 || list[0].size != Size || list[0].allocated != 0 {
		t.Fatalf("expected freed blocks to coalesce into a single segment; got %+v", list)
	}
}

func TestAllocAlignment(t *testing.T) {
	start, _, restore := initHeap(t)
	defer restore()

	specs := []uintptr{16, 64, 256, mm.PageSize}

	var blocks []uintptr
	for specIndex, align := range specs {
		addr := Alloc(10, align)
		if addr%align != 0 {
			t.Errorf("[spec %d] expected block to be aligned to %d; got 0x%x", specIndex, align, addr)
		}
		if addr < start || addr+10 > start+Size {
			t.Errorf("[spec %d] expected block 0x%x to reside inside the heap", specIndex, addr)
		}
		blocks = append(blocks, addr)
	}

	for _, addr := range blocks {
		Free(addr)
	}

	if got := len(segments()); got != 1 {
		t.Errorf("expected all segments to coalesce after freeing; got %d segments", got)
	}

	expectPanic(t, errBadAlignment, func() { Alloc(8, 3) })
	expectPanic(t, errBadAlignment, func() { Alloc(8, 0) })
}

func TestAllocFirstFit(t *testing.T) {
	_, _, restore := initHeap(t)
	defer restore()

	a := Alloc(64, 16)
	b := Alloc(64, 16)
	c := Alloc(64, 16)

	Free(b)

	if d := Alloc(32, 16); d != b {
		t.Errorf("expected allocation to reuse the freed block at 0x%x; got 0x%x", b, d)
	}

	if e := Alloc(64, 16); e <= c {
		t.Errorf("expected allocation to be placed after 0x%x; got 0x%x", c, e)
	}

	_ = a
}

func TestAllocOutOfMemory(t *testing.T) {
	_, _, restore := initHeap(t)
	defer restore()

	whole := Alloc(Size-segmentHeaderSize, 1)

	expectPanic(t, errOutOfMemory, func() { Alloc(1, 1) })

	Free(whole)
	expectPanic(t, errOutOfMemory, func() { Alloc(Size, 1) })
}

func TestFreeInvalidAddress(t *testing.T) {
	start, _, restore := initHeap(t)
	defer restore()

	addr := Alloc(32, 16)

	expectPanic(t, errInvalidFree, func() { Free(addr + 8) })
	expectPanic(t, errInvalidFree, func() { Free(start + Size + mm.PageSize) })

	Free(addr)
	expectPanic(t, errInvalidFree, func() { Free(addr) })
}

func TestRealloc(t *testing.T) {
	_, _, restore := initHeap(t)
	defer restore()

	addr := Realloc(0, 16, 16)
	for i := uintptr(0); i < 16; i++ {
		*(*byte)(unsafe.Pointer(addr + i)) = byte(i + 1)
	}

	// Keep the old block from being extended in place.
	pin := Alloc(16, 16)

	grown := Realloc(addr, 64, 16)
	if grown == addr {
		t.Fatal("expected Realloc to move the block")
	}

	for i := uintptr(0); i < 16; i++ {
		if got := *(*byte)(unsafe.Pointer(grown + i)); got != byte(i+1) {
			t.Errorf("expected byte %d of the grown block to be %d; got %d", i, i+1, got)
		}
	}

	shrunk := Realloc(grown, 4, 16)
	for i := uintptr(0); i < 4; i++ {
		if got := *(*byte)(unsafe.Pointer(shrunk + i)); got != byte(i+1) {
			t.Errorf("expected byte %d of the shrunk block to be %d; got %d", i, i+1, got)
		}
	}

	expectPanic(t, errInvalidFree, func() { Realloc(grown+1, 8, 16) })

	Free(shrunk)
	Free(pin)
	if got := len(segments()); got != 1 {
		t.Errorf("expected all segments to coalesce after freeing; got %d segments", got)
	}
}

func TestAllocZeroed(t *testing.T) {
	_, _, restore := initHeap(t)
	defer restore()

	addr := Alloc(128, 16)
	kernel.Memset(addr, 0xff, 128)
	Free(addr)

	zeroed := AllocZeroed(128, 16)
	if zeroed != addr {
		t.Fatalf("expected AllocZeroed to reuse block 0x%x; got 0x%x", addr, zeroed)
	}

	for i := uintptr(0); i < 128; i++ {
		if got := *(*byte)(unsafe.Pointer(zeroed + i)); got != 0 {
			t.Fatalf("expected byte %d to be cleared; got 0x%x", i, got)
		}
	}
}

func TestContains(t *testing.T) {
	start, _, restore := setupHeap(t)
	defer restore()

	specs := []struct {
		addr, size uintptr
		exp        bool
	}{
		{start, Size, true},
		{start + mm.PageSize, mm.PageSize, true},
		{start + Size - 1, 1, true},
		{start - 1, 1, false},
		{start + Size, 1, false},
		{start + mm.PageSize, Size, false},
		{start, Size + 1, false},
	}

	for specIndex, spec := range specs {
		if got := Contains(spec.addr, spec.size); got != spec.exp {
			t.Errorf("[spec %d] expected Contains(0x%x, %d) to return %t; got %t", specIndex, spec.addr, spec.size, spec.exp, got)
		}
	}
}

func TestTryAllocTryFree(t *testing.T) {
	_, _, restore := initHeap(t)
	defer restore()

	if _, ok := TryAlloc(Size, 1); ok {
		t.Error("expected TryAlloc to fail for a request larger than the heap")
	}

	addr, ok := TryAlloc(2*mm.PageSize, mm.PageSize)
	if !ok || addr%mm.PageSize != 0 {
		t.Fatalf("expected TryAlloc to return a page-aligned block; got (0x%x, %t)", addr, ok)
	}

	if TryFree(addr + 1) {
		t.Error("expected TryFree to reject an address inside a block")
	}

	if !TryFree(addr) {
		t.Error("expected TryFree to release the block")
	}

	if TryFree(addr) {
		t.Error("expected TryFree to reject a block that was already freed")
	}

	if got := len(segments()); got != 1 {
		t.Errorf("expected all segments to coalesce after freeing; got %d segments", got)
	}
}
