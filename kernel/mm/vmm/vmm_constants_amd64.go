package vmm

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// pageLevelBits is the number of virtual address bits used to index
	// a table at any page level.
	pageLevelBits = 9

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// recursiveSlot is the P4 entry that points back at the P4 itself.
	recursiveSlot = 511

	// p4VirtualAddr exploits the recursive mapping of the last P4 entry to
	// access the active P4 table through the MMU. By setting all page
	// level indices to 511 the MMU keeps following the last P4 entry for
	// all page levels landing on the P4.
	p4VirtualAddr = uintptr(0xfffffffffffff000)

	// TemporaryPageAddr is a reserved virtual page address used for
	// temporary physical page mappings (e.g. when editing inactive page
	// tables). For amd64 this address uses the following table indices:
	// 510, 511, 511, 511.
	TemporaryPageAddr = uintptr(0xffffff7ffffff000)

	// vgaTextBufferAddr is the physical address of the VGA text buffer.
	vgaTextBufferAddr = uintptr(0xb8000)
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 2Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagNoExecute if set, indicates that a page contains non-executable
	// code. It only takes effect once EFER.NXE is enabled.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)
