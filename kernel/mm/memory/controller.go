// Package memory brings up the kernel memory subsystem and owns the
// allocators that outlive the boot sequence.
package memory

import (
	"galaxyos/kernel"
	"galaxyos/kernel/cpu"
	"galaxyos/kernel/goruntime"
	"galaxyos/kernel/kfmt"
	"galaxyos/kernel/mm"
	"galaxyos/kernel/mm/heap"
	"galaxyos/kernel/mm/pmm"
	"galaxyos/kernel/mm/vmm"
	"galaxyos/kernel/sync"
	"galaxyos/multiboot"
	"sync/atomic"
	"unsafe"
)

// stackRegionPages is the number of pages, guard pages included, reserved
// for kernel stacks right after the heap.
const stackRegionPages = 101

var (
	errInitAlreadyCalled  = &kernel.Error{Module: "memory", Message: "memory subsystem may only be initialized once"}
	errMissingMemoryMap   = &kernel.Error{Module: "memory", Message: "bootloader did not provide a memory map"}
	errMissingElfSections = &kernel.Error{Module: "memory", Message: "bootloader did not provide the kernel ELF sections"}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	enableNXEFn          = cpu.EnableNXE
	enableWriteProtectFn = cpu.EnableWriteProtect
	hasMemoryMapFn       = multiboot.HasMemoryMap
	hasElfSectionsFn     = multiboot.HasElfSections
	visitMemRegionsFn    = multiboot.VisitMemRegions
	visitElfSectionsFn   = multiboot.VisitElfSections
	infoRegionFn         = multiboot.InfoRegion
	remapKernelFn        = vmm.RemapKernel
	heapInitFn           = heap.Init
	goruntimeInitFn      = goruntime.Init
	allocStackFn         = (*vmm.StackAllocator).AllocStack
	acquireFn            = (*sync.IRQSpinlock).Acquire
	releaseFn            = (*sync.IRQSpinlock).Release

	// initCalled is set by the first call to Init.
	initCalled uint32
)

// Controller owns the frame allocator, the active page table and the stack
// allocator once the kernel runs on its own page tables.
type Controller struct {
	lock sync.IRQSpinlock

	activeTable vmm.ActivePageTable
	frameAlloc  pmm.AreaFrameAllocator
	stackAlloc  vmm.StackAllocator
}

// Init sets up the memory subsystem using the information supplied by the
// bootloader. It enables no-execute support and supervisor write
// protection, builds the frame allocator, remaps the kernel, maps the kernel
// heap, enables the Go allocator on top of it and reserves the region
// following the heap for kernel stacks.
//
// Init may only be called once and any failure is fatal.
func Init() *Controller {
	if !atomic.CompareAndSwapUint32(&initCalled, 0, 1) {
		panic(errInitAlreadyCalled)
	}

	enableNXEFn()
	enableWriteProtectFn()

	if !hasMemoryMapFn() {
		panic(errMissingMemoryMap)
	}

	if !hasElfSectionsFn() {
		panic(errMissingElfSections)
	}

	kernelStart, kernelEnd := kernelImageBounds()
	infoStart, infoEnd := infoRegionFn()
	kfmt.Printf("[memory] kernel start: 0x%x, kernel end: 0x%x\n", kernelStart, kernelEnd)
	kfmt.Printf("[memory] multiboot start: 0x%x, multiboot end: 0x%x\n", infoStart, infoEnd)

	// Until the Go allocator is up, the allocator and the page table must
	// stay on the stack; hide their addresses from escape analysis.
	frameAlloc := pmm.NewAreaFrameAllocator(kernelStart, kernelEnd, infoStart, infoEnd, visitMemRegionsFn)
	frameAllocPtr := (*pmm.AreaFrameAllocator)(noEscape(unsafe.Pointer(&frameAlloc)))
	frameAllocPtr.PrintMemoryMap()

	activeTable := remapKernelFn(frameAllocPtr)
	heapInitFn((*vmm.ActivePageTable)(noEscape(unsafe.Pointer(&activeTable))), frameAllocPtr)

	if err := goruntimeInitFn(); err != nil {
		panic(err)
	}

	stackStart := mm.PageFromAddress(heap.Start+heap.Size-1) + 1
	stackEnd := stackStart + stackRegionPages - 1
	kfmt.Printf("[memory] stack region: 0x%x - 0x%x\n", stackStart.Address(), stackEnd.Address()+mm.PageSize)

	return &Controller{
		activeTable: activeTable,
		frameAlloc:  frameAlloc,
		stackAlloc:  vmm.NewStackAllocator(stackStart, stackEnd),
	}
}

// AllocStack maps a new kernel stack of sizeInPages pages preceded by an
// unmapped guard page. It returns false if the stack region is exhausted or
// sizeInPages is zero.
func (c *Controller) AllocStack(sizeInPages uintptr) (vmm.Stack, bool) {
	acquireFn(&c.lock)
	stack, ok := allocStackFn(&c.stackAlloc, &c.activeTable, &c.frameAlloc, sizeInPages)
	releaseFn(&c.lock)

	return stack, ok
}

// kernelImageBounds returns the lowest start address and the highest end
// address of the allocated kernel ELF sections.
func kernelImageBounds() (uintptr, uintptr) {
	var start, end uintptr = ^uintptr(0), 0

	var visitor = func(_ string, secFlags multiboot.ElfSectionFlag, secAddress uintptr, secSize uint64) {
		if secFlags&multiboot.ElfSectionAllocated == 0 {
			return
		}

		if secAddress < start {
			start = secAddress
		}
		if secEnd := secAddress + uintptr(secSize); secEnd > end {
			end = secEnd
		}
	}

	// Use the noescape hack to prevent the compiler from leaking the visitor
	// function literal to the heap.
	visitElfSectionsFn(
		*(*multiboot.ElfSectionVisitor)(noEscape(unsafe.Pointer(&visitor))),
	)

	if start > end {
		panic(errMissingElfSections)
	}

	return start, end
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
