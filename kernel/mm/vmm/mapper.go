package vmm

import (
	"galaxyos/kernel"
	"galaxyos/kernel/cpu"
	"galaxyos/kernel/mm"
)

var (
	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errPageAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page is already mapped"}
	errPageNotMapped     = &kernel.Error{Module: "vmm", Message: "attempted to unmap a page that is not mapped"}
	errRecursiveRegion   = &kernel.Error{Module: "vmm", Message: "page lies inside the recursively mapped page table region"}
)

// Mapper edits the page tables of the active P4 through the recursive
// mapping in its last slot.
type Mapper struct {
	p4 p4Table
}

func newMapper() Mapper {
	return Mapper{p4: p4Table{addr: p4VirtualAddr}}
}

// p1For returns the leaf table that maps page, if all intermediate tables
// exist.
func (m *Mapper) p1For(page mm.Page) (p1Table, bool) {
	p3, ok := m.p4.nextTable(page.P4Index())
	if !ok {
		return p1Table{}, false
	}

	p2, ok := p3.nextTable(page.P3Index())
	if !ok {
		return p1Table{}, false
	}

	return p2.nextTable(page.P2Index())
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (m *Mapper) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	frame, err := m.TranslatePage(mm.PageFromAddress(virtAddr))
	if err != nil {
		return 0, err
	}

	return frame.Address() + mm.PageOffset(virtAddr), nil
}

// TranslatePage returns the frame mapped to page or ErrInvalidMapping.
func (m *Mapper) TranslatePage(page mm.Page) (mm.Frame, *kernel.Error) {
	p1, ok := m.p1For(page)
	if !ok {
		return mm.InvalidFrame, ErrInvalidMapping
	}

	frame := p1.entry(page.P1Index()).PointedFrame()
	if !frame.Valid() {
		return mm.InvalidFrame, ErrInvalidMapping
	}

	return frame, nil
}

// MapTo maps page to frame. Missing intermediate tables are allocated from
// alloc. The leaf entry receives flags|FlagPresent. Mapping a page that is
// already in use or running out of frames is fatal.
func (m *Mapper) MapTo(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) {
	if page.P4Index() == recursiveSlot {
		panic(errRecursiveRegion)
	}

	p3 := m.p4.nextTableCreate(page.P4Index(), alloc)
	p2 := p3.nextTableCreate(page.P3Index(), alloc)
	p1 := p2.nextTableCreate(page.P2Index(), alloc)

	entry := p1.entry(page.P1Index())
	if !entry.IsUnused() {
		panic(errPageAlreadyMapped)
	}

	entry.Set(frame, flags|FlagPresent)
}

// Map maps page to a fresh frame from alloc.
func (m *Mapper) Map(page mm.Page, flags PageTableEntryFlag, alloc mm.FrameAllocator) {
	frame, err := alloc.AllocFrame()
	if err != nil {
		panic(err)
	}

	m.MapTo(page, frame, flags, alloc)
}

// IdentityMap maps frame to the page with the same address.
func (m *Mapper) IdentityMap(frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) {
	m.MapTo(mm.PageFromAddress(frame.Address()), frame, flags, alloc)
}

// IdentityMapRange identity-maps every frame in r.
func (m *Mapper) IdentityMapRange(r mm.FrameRange, flags PageTableEntryFlag, alloc mm.FrameAllocator) {
	for frame := r.Start; frame <= r.End; frame++ {
		m.IdentityMap(frame, flags, alloc)
	}
}

// MapRange maps every page in the inclusive range [start, end] to fresh
// frames from alloc.
func (m *Mapper) MapRange(start, end mm.Page, flags PageTableEntryFlag, alloc mm.FrameAllocator) {
	for page := start; page <= end; page++ {
		m.Map(page, flags, alloc)
	}
}

// Unmap removes the mapping for page and hands the backing frame back to
// alloc. Intermediate tables are not reclaimed. Unmapping a page that is not
// mapped is fatal.
func (m *Mapper) Unmap(page mm.Page, alloc mm.FrameAllocator) {
	alloc.FreeFrame(m.clearMapping(page))
}

// clearMapping removes the mapping for page without releasing the frame it
// pointed to and returns that frame.
func (m *Mapper) clearMapping(page mm.Page) mm.Frame {
	p1, ok := m.p1For(page)
	if !ok {
		panic(errPageNotMapped)
	}

	entry := p1.entry(page.P1Index())
	frame := entry.PointedFrame()
	if !frame.Valid() {
		panic(errPageNotMapped)
	}

	entry.SetUnused()
	flushTLBEntryFn(page.Address())
	return frame
}
