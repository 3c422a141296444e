package vmm

import (
	"galaxyos/kernel"
	"galaxyos/kernel/kfmt"
	"galaxyos/kernel/mm"
	"galaxyos/multiboot"
	"sync/atomic"
	"unsafe"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	visitElfSectionsFn = multiboot.VisitElfSections
	hasElfSectionsFn   = multiboot.HasElfSections
	infoRegionFn       = multiboot.InfoRegion

	// remapCalled is set by the first call to RemapKernel.
	remapCalled uint32

	errRemapAlreadyCalled = &kernel.Error{Module: "vmm", Message: "kernel remap may only run once"}
	errMissingElfSections = &kernel.Error{Module: "vmm", Message: "bootloader did not provide the kernel ELF sections"}
	errUnalignedSection   = &kernel.Error{Module: "vmm", Message: "kernel ELF section is not page-aligned"}
)

// RemapKernel builds a new page table hierarchy that identity-maps the
// kernel ELF sections with permissions derived from their section flags, the
// VGA text buffer and the boot information region. It then switches to the
// new hierarchy and turns the page that held the old P4 into a guard page
// below the kernel stack. The frame of the old P4 is not reused.
//
// RemapKernel may only be called once; it returns the active page table
// which the caller owns from then on.
func RemapKernel(alloc mm.FrameAllocator) ActivePageTable {
	if !atomic.CompareAndSwapUint32(&remapCalled, 0, 1) {
		panic(errRemapAlreadyCalled)
	}

	if !hasElfSectionsFn() {
		panic(errMissingElfSections)
	}

	// The page table views are handed to closures; hide them from escape
	// analysis as the Go allocator is not available yet.
	activeTable := ActivePageTable{Mapper: newMapper()}
	active := (*ActivePageTable)(noEscape(unsafe.Pointer(&activeTable)))
	tmp := NewTemporaryPage(mm.PageFromAddress(TemporaryPageAddr), alloc)

	frame, err := alloc.AllocFrame()
	if err != nil {
		panic(err)
	}
	newTable := NewInactivePageTable(frame, active, &tmp)

	active.With(&newTable, &tmp, func(m *Mapper) {
		var visitor = func(_ string, secFlags multiboot.ElfSectionFlag, secAddress uintptr, secSize uint64) {
			if secFlags&multiboot.ElfSectionAllocated == 0 {
				return
			}

			if mm.PageOffset(secAddress) != 0 {
				panic(errUnalignedSection)
			}

			sectionFrames := mm.FrameRangeFromAddresses(secAddress, secAddress+uintptr(secSize))
			m.IdentityMapRange(sectionFrames, sectionEntryFlags(secFlags), alloc)
		}

		// Use the noescape hack to prevent the compiler from leaking the visitor
		// function literal to the heap.
		visitElfSectionsFn(
			*(*multiboot.ElfSectionVisitor)(noEscape(unsafe.Pointer(&visitor))),
		)

		m.IdentityMap(mm.FrameFromAddress(vgaTextBufferAddr), FlagRW, alloc)

		infoStart, infoEnd := infoRegionFn()
		m.IdentityMapRange(mm.FrameRangeFromAddresses(infoStart, infoEnd), FlagPresent, alloc)
	})

	oldTable := active.Switch(newTable)
	kfmt.Printf("[vmm] switched to new page table (P4 frame: 0x%x)\n", newTable.p4Frame.Address())

	// The old P4 sits right below the boot stack. Unmapping it turns
	// stack overflows into page faults.
	guardPage := mm.PageFromAddress(oldTable.p4Frame.Address())
	active.clearMapping(guardPage)
	kfmt.Printf("[vmm] guard page at 0x%x\n", guardPage.Address())

	return activeTable
}

// sectionEntryFlags maps ELF section flags to page table entry flags.
func sectionEntryFlags(secFlags multiboot.ElfSectionFlag) PageTableEntryFlag {
	var flags PageTableEntryFlag

	if secFlags&multiboot.ElfSectionAllocated != 0 {
		flags |= FlagPresent
	}

	if secFlags&multiboot.ElfSectionWritable != 0 {
		flags |= FlagRW
	}

	if secFlags&multiboot.ElfSectionExecutable == 0 {
		flags |= FlagNoExecute
	}

	return flags
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
