// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator. The OS memory hooks of the runtime are redirected
// to functions that carve their regions out of the kernel heap.
package goruntime

import (
	"galaxyos/kernel"
	"galaxyos/kernel/mm"
	"galaxyos/kernel/mm/heap"
	"unsafe"
)

var (
	errUnmappedRegion = &kernel.Error{Module: "goruntime", Message: "runtime region is not backed by the kernel heap"}

	heapAllocFn     = heap.TryAlloc
	heapFreeFn      = heap.TryFree
	heapContainsFn  = heap.Contains
	memsetFn        = kernel.Memset
	mallocInitFn    = mallocInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit

	// A seed for the pseudo-random number generator used by getRandomData
	prngSeed = 0xdeadc0de

	// clockTicks is advanced by each nanotime1 call.
	clockTicks int64
)

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

// heapRegion allocates a page-aligned heap block large enough for size bytes.
// It returns nil if the heap cannot satisfy the request.
//
//go:nosplit
func heapRegion(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	regionSize := (size + mm.PageSize - 1) &^ (mm.PageSize - 1)
	regionStartAddr, ok := heapAllocFn(regionSize, mm.PageSize)
	if !ok {
		return nil
	}

	return unsafe.Pointer(regionStartAddr)
}

// sysReserveOS reserves a region for the Go allocator. The heap is mapped
// in full during boot so reserving and allocating are the same operation.
//
// This function replaces runtime.sysReserveOS and is required for
// initializing the Go allocator.
//
//go:redirect-from runtime.sysReserveOS
//go:nosplit
func sysReserveOS(_ unsafe.Pointer, size uintptr) unsafe.Pointer {
	return heapRegion(size)
}

// sysMapOS makes a previously reserved region usable. The region must lie
// inside the heap which is already mapped, so only the bounds are checked.
//
// This function replaces runtime.sysMapOS.
//
//go:redirect-from runtime.sysMapOS
//go:nosplit
func sysMapOS(virtAddr unsafe.Pointer, size uintptr) {
	if size != 0 && !heapContainsFn(uintptr(virtAddr), size) {
		panic(errUnmappedRegion)
	}

	memsetFn(uintptr(virtAddr), 0, size)
}

// sysAllocOS returns a zeroed, page-aligned region of at least size bytes or
// nil if the heap is exhausted.
//
// This function replaces runtime.sysAllocOS and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAllocOS
//go:nosplit
func sysAllocOS(size uintptr) unsafe.Pointer {
	ptr := heapRegion(size)
	if ptr != nil {
		memsetFn(uintptr(ptr), 0, size)
	}

	return ptr
}

// sysFreeOS returns a region obtained by sysAllocOS or sysReserveOS to the
// heap. Requests for partial regions are ignored.
//
// This function replaces runtime.sysFreeOS.
//
//go:redirect-from runtime.sysFreeOS
//go:nosplit
func sysFreeOS(virtAddr unsafe.Pointer, _ uintptr) {
	if virtAddr == nil {
		return
	}

	heapFreeFn(uintptr(virtAddr))
}

// sysUsedOS replaces runtime.sysUsedOS. Heap pages are never released to the
// MMU so there is nothing to do.
//
//go:redirect-from runtime.sysUsedOS
//go:nosplit
func sysUsedOS(_ unsafe.Pointer, _ uintptr) {}

// sysUnusedOS replaces runtime.sysUnusedOS.
//
//go:redirect-from runtime.sysUnusedOS
//go:nosplit
func sysUnusedOS(_ unsafe.Pointer, _ uintptr) {}

// sysHugePageOS replaces runtime.sysHugePageOS. Huge pages are not supported.
//
//go:redirect-from runtime.sysHugePageOS
//go:nosplit
func sysHugePageOS(_ unsafe.Pointer, _ uintptr) {}

// nanotime1 returns a monotonically increasing clock value. There is no
// timer support yet so the value only counts calls.
//
// This function replaces runtime.nanotime1 and is invoked by the Go allocator
// when a span allocation is performed.
//
//go:redirect-from runtime.nanotime1
//go:nosplit
func nanotime1() int64 {
	clockTicks++
	return clockTicks
}

// getRandomData populates the given slice with random data. The runtime
// reads a random stream from /dev/urandom but since this is not available,
// we use a prng instead.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
}

// Init enables support for various Go runtime features. It must be called
// after the kernel heap has been mapped. After a call to Init the following
// runtime features become available for use:
//   - heap memory allocation (new, make e.t.c)
//   - map primitives
//   - interfaces
func Init() *kernel.Error {
	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	zeroPtr := unsafe.Pointer(uintptr(0))

	sysReserveOS(zeroPtr, 0)
	sysMapOS(zeroPtr, 0)
	sysAllocOS(0)
	sysFreeOS(zeroPtr, 0)
	sysUsedOS(zeroPtr, 0)
	sysUnusedOS(zeroPtr, 0)
	sysHugePageOS(zeroPtr, 0)
	getRandomData(nil)
	_ = nanotime1()
}
