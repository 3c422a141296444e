package vmm

import (
	"galaxyos/kernel"
	"galaxyos/kernel/mm"
	"testing"
	"unsafe"
)

// junkEntry fills frames handed out by the fake allocator so that tests
// catch tables that are used without being cleared. Bit 0 is clear so a junk
// entry is never present.
const junkEntry = pageTableEntry(0xf0f0f0f0f0f0f0f0)

var errFakeOutOfFrames = &kernel.Error{Module: "test", Message: "fake allocator out of frames"}

// fakeMMU emulates the parts of the amd64 MMU that the vmm package relies
// on. Physical frames are Go arrays, CR3 is a field and page table accesses
// are resolved by walking the fake hierarchy exactly like the hardware would,
// so the recursive P4 mapping works for real.
type fakeMMU struct {
	t      *testing.T
	frames map[mm.Frame]*pageTable
	cr3    uintptr

	tlbFlushes   int
	flushedPages []uintptr
}

// newFakeMMU returns a fake MMU whose CR3 points to bootP4. The boot P4 is
// empty apart from the recursive mapping in its last slot.
func newFakeMMU(t *testing.T, bootP4 mm.Frame) *fakeMMU {
	m := &fakeMMU{
		t:      t,
		frames: make(map[mm.Frame]*pageTable),
		cr3:    bootP4.Address(),
	}

	p4 := m.frame(bootP4)
	*p4 = pageTable{}
	p4[recursiveSlot] = pageTableEntry(bootP4.Address() | uintptr(FlagPresent|FlagRW))
	return m
}

// frame returns the contents of a physical frame, creating it on first use.
func (m *fakeMMU) frame(f mm.Frame) *pageTable {
	table, ok := m.frames[f]
	if !ok {
		table = new(pageTable)
		for i := range table {
			table[i] = junkEntry
		}
		m.frames[f] = table
	}
	return table
}

// leafEntry walks the hierarchy rooted at p4 and returns the P1 entry that
// maps virtAddr.
func (m *fakeMMU) leafEntry(p4 mm.Frame, virtAddr uintptr) (pageTableEntry, bool) {
	var (
		page    = mm.PageFromAddress(virtAddr)
		table   = m.frame(p4)
		indices = [pageLevels]uintptr{page.P4Index(), page.P3Index(), page.P2Index(), page.P1Index()}
	)

	for level, index := range indices {
		entry := table[index]
		if level == pageLevels-1 {
			return entry, true
		}

		if !entry.HasFlags(FlagPresent) {
			return 0, false
		}
		table = m.frame(entry.PointedFrame())
	}

	return 0, false
}

// resolve translates virtAddr using the hierarchy referenced by CR3.
func (m *fakeMMU) resolve(virtAddr uintptr) (mm.Frame, bool) {
	entry, ok := m.leafEntry(mm.FrameFromAddress(m.cr3), virtAddr)
	if !ok || !entry.HasFlags(FlagPresent) {
		return mm.InvalidFrame, false
	}

	return entry.PointedFrame(), true
}

// install redirects the package hooks to the fake MMU and returns a function
// that restores them.
func (m *fakeMMU) install() func() {
	origTablePtr := tablePtrFn
	origActivePDT := activePDTFn
	origSwitchPDT := switchPDTFn
	origFlushTLB := flushTLBFn
	origFlushTLBEntry := flushTLBEntryFn

	tablePtrFn = func(tableAddr uintptr) unsafe.Pointer {
		frame, ok := m.resolve(tableAddr)
		if !ok {
			m.t.Fatalf("page fault while accessing page table at 0x%x", tableAddr)
		}
		return unsafe.Pointer(m.frame(frame))
	}
	activePDTFn = func() uintptr { return m.cr3 }
	switchPDTFn = func(pdtPhysAddr uintptr) {
		m.cr3 = pdtPhysAddr
		m.tlbFlushes++
	}
	flushTLBFn = func() { m.tlbFlushes++ }
	flushTLBEntryFn = func(virtAddr uintptr) {
		m.flushedPages = append(m.flushedPages, virtAddr)
	}

	return func() {
		tablePtrFn = origTablePtr
		activePDTFn = origActivePDT
		switchPDTFn = origSwitchPDT
		flushTLBFn = origFlushTLB
		flushTLBEntryFn = origFlushTLBEntry
	}
}

// fakeFrameAllocator hands out frames in [next, limit] and records frees.
type fakeFrameAllocator struct {
	next, limit mm.Frame
	freed       []mm.Frame
}

func newFakeFrameAllocator(first mm.Frame, count uintptr) *fakeFrameAllocator {
	return &fakeFrameAllocator{next: first, limit: first + mm.Frame(count) - 1}
}

func (a *fakeFrameAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if a.next > a.limit {
		return mm.InvalidFrame, errFakeOutOfFrames
	}

	frame := a.next
	a.next++
	return frame, nil
}

func (a *fakeFrameAllocator) FreeFrame(frame mm.Frame) {
	a.freed = append(a.freed, frame)
}

// expectPanic runs fn and fails the test unless it panics with expErr.
func expectPanic(t *testing.T, expErr *kernel.Error, fn func()) {
	t.Helper()

	defer func() {
		t.Helper()
		err := recover()
		if err != expErr {
			t.Errorf("expected panic with %v; got %v", expErr, err)
		}
	}()

	fn()
}
