package vmm

import (
	"galaxyos/kernel"
	"galaxyos/kernel/mm"
)

// tinyAllocatorSlots is the number of frames needed to create the P3, P2
// and P1 tables for a single page.
const tinyAllocatorSlots = 3

var (
	errTinyAllocatorEmpty  = &kernel.Error{Module: "vmm", Message: "temporary page allocator has no frames left"}
	errTinyAllocatorFull   = &kernel.Error{Module: "vmm", Message: "temporary page allocator can hold at most 3 frames"}
	errTemporaryPageMapped = &kernel.Error{Module: "vmm", Message: "temporary page is already mapped"}
)

// tinyAllocator is a frame allocator with a fixed pool of frames borrowed
// from another allocator. It provides the page tables needed for mapping
// the temporary page without touching the main allocator.
type tinyAllocator struct {
	slots [tinyAllocatorSlots]mm.Frame
}

func newTinyAllocator(alloc mm.FrameAllocator) tinyAllocator {
	var tiny tinyAllocator
	for i := range tiny.slots {
		frame, err := alloc.AllocFrame()
		if err != nil {
			panic(err)
		}
		tiny.slots[i] = frame
	}

	return tiny
}

// AllocFrame hands out one of the pooled frames.
func (tiny *tinyAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for i, frame := range tiny.slots {
		if frame.Valid() {
			tiny.slots[i] = mm.InvalidFrame
			return frame, nil
		}
	}

	return mm.InvalidFrame, errTinyAllocatorEmpty
}

// FreeFrame returns a frame to the pool. Overfilling the pool is fatal.
func (tiny *tinyAllocator) FreeFrame(frame mm.Frame) {
	for i := range tiny.slots {
		if !tiny.slots[i].Valid() {
			tiny.slots[i] = frame
			return
		}
	}

	panic(errTinyAllocatorFull)
}

// TemporaryPage maps arbitrary frames at a fixed virtual page so that the
// kernel can edit memory that is not otherwise mapped, such as the P4 of an
// inactive page table.
type TemporaryPage struct {
	page  mm.Page
	alloc tinyAllocator
}

// NewTemporaryPage borrows the frames that back the page tables of the
// temporary page from alloc.
func NewTemporaryPage(page mm.Page, alloc mm.FrameAllocator) TemporaryPage {
	return TemporaryPage{
		page:  page,
		alloc: newTinyAllocator(alloc),
	}
}

// Map maps frame at the temporary page with write access and returns the
// page address. The temporary page must not already be mapped.
func (tp *TemporaryPage) Map(frame mm.Frame, active *ActivePageTable) uintptr {
	if _, err := active.TranslatePage(tp.page); err == nil {
		panic(errTemporaryPageMapped)
	}

	active.MapTo(tp.page, frame, FlagRW, &tp.alloc)
	return tp.page.Address()
}

// MapTableFrame maps frame at the temporary page and returns a view of it as
// a page table.
func (tp *TemporaryPage) MapTableFrame(frame mm.Frame, active *ActivePageTable) p1Table {
	return p1Table{addr: tp.Map(frame, active)}
}

// Unmap removes the temporary mapping. The frame that was mapped belongs to
// the caller of Map and is not released.
func (tp *TemporaryPage) Unmap(active *ActivePageTable) {
	active.clearMapping(tp.page)
}
