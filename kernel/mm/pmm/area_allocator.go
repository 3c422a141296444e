// Package pmm provides the physical frame allocator used while the kernel
// builds its address space.
package pmm

import (
	"galaxyos/kernel"
	"galaxyos/kernel/kfmt"
	"galaxyos/kernel/mm"
	"galaxyos/multiboot"
)

var (
	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// mapWriter indents the memory map dump. It lives in the data segment
	// so printing does not allocate.
	mapWriter = kfmt.PrefixWriter{Prefix: []byte("[pmm]   ")}
)

// AreaVisitorFn enumerates the firmware-reported memory areas. The
// production implementation is multiboot.VisitMemRegions.
type AreaVisitorFn func(multiboot.MemRegionVisitor)

// frameArea is a memory area with its bounds rounded inwards to whole frames.
type frameArea struct {
	start, end mm.Frame
}

// AreaFrameAllocator hands out physical frames in ascending order from the
// available areas of the memory map, skipping the frames occupied by the
// kernel image and the boot information structure.
//
// Frames are never reclaimed: FreeFrame is accepted and ignored. The
// allocator only needs to live until the kernel has a permanent address
// space.
type AreaFrameAllocator struct {
	nextFree    mm.Frame
	current     frameArea
	haveCurrent bool

	kernelStart, kernelEnd     uintptr
	bootInfoStart, bootInfoEnd uintptr
	kernelFrames               mm.FrameRange
	bootInfoFrames             mm.FrameRange

	visitAreas AreaVisitorFn
	allocCount uint64
}

// NewAreaFrameAllocator returns an allocator over the areas reported by
// visitAreas. The kernel image occupies [kernelStart, kernelEnd) and the boot
// information structure occupies [bootInfoStart, bootInfoEnd).
func NewAreaFrameAllocator(kernelStart, kernelEnd, bootInfoStart, bootInfoEnd uintptr, visitAreas AreaVisitorFn) AreaFrameAllocator {
	var alloc AreaFrameAllocator
	alloc.init(kernelStart, kernelEnd, bootInfoStart, bootInfoEnd, visitAreas)
	return alloc
}

func (alloc *AreaFrameAllocator) init(kernelStart, kernelEnd, bootInfoStart, bootInfoEnd uintptr, visitAreas AreaVisitorFn) {
	alloc.kernelStart, alloc.kernelEnd = kernelStart, kernelEnd
	alloc.bootInfoStart, alloc.bootInfoEnd = bootInfoStart, bootInfoEnd
	alloc.kernelFrames = mm.FrameRangeFromAddresses(kernelStart, kernelEnd)
	alloc.bootInfoFrames = mm.FrameRangeFromAddresses(bootInfoStart, bootInfoEnd)
	alloc.visitAreas = visitAreas
	alloc.nextFree = mm.Frame(0)
	alloc.allocCount = 0
	alloc.chooseNextArea()
}

// AllocFrame reserves the next free frame. It returns errOutOfMemory once all
// available areas have been consumed.
func (alloc *AreaFrameAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for alloc.haveCurrent {
		frame := alloc.nextFree

		switch {
		case frame > alloc.current.end:
			alloc.chooseNextArea()
		case alloc.kernelFrames.Contains(frame):
			alloc.nextFree = alloc.kernelFrames.End + 1
		case alloc.bootInfoFrames.Contains(frame):
			alloc.nextFree = alloc.bootInfoFrames.End + 1
		default:
			alloc.nextFree++
			alloc.allocCount++
			return frame, nil
		}
	}

	return mm.InvalidFrame, errOutOfMemory
}

// FreeFrame is a no-op; the area allocator cannot reclaim frames.
func (alloc *AreaFrameAllocator) FreeFrame(_ mm.Frame) {}

// AllocatedFrames returns the number of frames handed out so far.
func (alloc *AreaFrameAllocator) AllocatedFrames() uint64 {
	return alloc.allocCount
}

// chooseNextArea selects the area with the lowest base address that still
// contains frames at or above nextFree.
func (alloc *AreaFrameAllocator) chooseNextArea() {
	alloc.haveCurrent = false

	alloc.visitAreas(func(region *multiboot.MemoryMapEntry) bool {
		area, ok := usableArea(region)
		if !ok || area.end < alloc.nextFree {
			return true
		}

		if !alloc.haveCurrent || area.start < alloc.current.start {
			alloc.current = area
			alloc.haveCurrent = true
		}
		return true
	})

	if alloc.haveCurrent && alloc.nextFree < alloc.current.start {
		alloc.nextFree = alloc.current.start
	}
}

// usableArea converts an available memory region into whole frames. Regions
// that are reserved or do not contain a full frame are rejected.
func usableArea(region *multiboot.MemoryMapEntry) (frameArea, bool) {
	if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
		return frameArea{}, false
	}

	// Reported addresses may not be page-aligned; round up to get
	// the start frame and round down to get the end frame
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	startAddr := (region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1
	endAddr := (region.PhysAddress + region.Length) & ^pageSizeMinus1
	if endAddr <= startAddr {
		return frameArea{}, false
	}

	return frameArea{
		start: mm.FrameFromAddress(uintptr(startAddr)),
		end:   mm.FrameFromAddress(uintptr(endAddr)) - 1,
	}, true
}

// PrintMemoryMap logs the system memory map together with the ranges that
// the allocator will never hand out.
func (alloc *AreaFrameAllocator) PrintMemoryMap() {
	kfmt.Printf("[pmm] system memory map:\n")

	var totalFree uint64
	mapWriter.Sink = kfmt.GetOutputSink()
	alloc.visitAreas(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Fprintf(&mapWriter, "[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += region.Length
		}
		return true
	})

	kfmt.Printf("[pmm] available memory: %dKb\n", totalFree/1024)
	kfmt.Printf("[pmm] kernel image: 0x%x - 0x%x, reserved frames: %d\n",
		alloc.kernelStart, alloc.kernelEnd,
		uint64(alloc.kernelFrames.End-alloc.kernelFrames.Start+1),
	)
	kfmt.Printf("[pmm] boot info: 0x%x - 0x%x\n", alloc.bootInfoStart, alloc.bootInfoEnd)
}
