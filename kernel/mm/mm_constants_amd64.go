package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). Shifting an address right by
	// PageShift yields its frame or page number.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// EntriesPerTable is the number of entries in a page table at any
	// level of the paging hierarchy.
	EntriesPerTable = 512

	// tableIndexMask selects the 9 bits of an address that index a table.
	tableIndexMask = uintptr(EntriesPerTable - 1)

	// canonicalLowEnd is the first address past the lower canonical half.
	canonicalLowEnd = uintptr(0x0000_8000_0000_0000)

	// canonicalHighStart is the first address of the upper canonical half.
	canonicalHighStart = uintptr(0xffff_8000_0000_0000)
)
