package vmm

import (
	"galaxyos/kernel"
	"galaxyos/kernel/mm"
	"unsafe"
)

var (
	// tablePtrFn returns a pointer to the page table at the supplied
	// virtual address. It is used by tests to redirect table accesses to
	// a software MMU. When compiling the kernel this function will be
	// automatically inlined.
	tablePtrFn = func(tableAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(tableAddr)
	}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// pageTable is the in-memory layout of a table at any paging level.
type pageTable [mm.EntriesPerTable]pageTableEntry

// Each paging level gets its own handle type so that only tables that point
// to other tables expose nextTable; a p1Table is a leaf. A handle stores the
// virtual address through which the table is reachable.
type (
	p4Table struct{ addr uintptr }
	p3Table struct{ addr uintptr }
	p2Table struct{ addr uintptr }
	p1Table struct{ addr uintptr }
)

func tableAt(tableAddr uintptr) *pageTable {
	return (*pageTable)(tablePtrFn(tableAddr))
}

// zeroTable marks every entry of the table at tableAddr as unused.
func zeroTable(tableAddr uintptr) {
	table := tableAt(tableAddr)
	for i := range table {
		table[i].SetUnused()
	}
}

// nextTableAddr returns the virtual address of the table referenced by the
// entry at index. The address is only valid because the P4 maps itself in
// its last slot: shifting the table address by one level and appending the
// index adds one more hop through the recursive entry.
func nextTableAddr(tableAddr, index uintptr) (uintptr, bool) {
	entry := tableAt(tableAddr)[index]
	if !entry.HasFlags(FlagPresent) {
		return 0, false
	}

	if entry.HasFlags(FlagHugePage) {
		panic(errNoHugePageSupport)
	}

	return (tableAddr << pageLevelBits) | (index << mm.PageShift), true
}

// nextTableAddrCreate behaves like nextTableAddr but allocates and clears a
// new table if the entry at index is not present. Frame exhaustion is fatal.
func nextTableAddrCreate(tableAddr, index uintptr, alloc mm.FrameAllocator) uintptr {
	if addr, ok := nextTableAddr(tableAddr, index); ok {
		return addr
	}

	frame, err := alloc.AllocFrame()
	if err != nil {
		panic(err)
	}

	tableAt(tableAddr)[index].Set(frame, FlagPresent|FlagRW)
	addr := (tableAddr << pageLevelBits) | (index << mm.PageShift)
	zeroTable(addr)
	return addr
}

func (t p4Table) entry(index uintptr) *pageTableEntry { return &tableAt(t.addr)[index] }
func (t p3Table) entry(index uintptr) *pageTableEntry { return &tableAt(t.addr)[index] }
func (t p2Table) entry(index uintptr) *pageTableEntry { return &tableAt(t.addr)[index] }
func (t p1Table) entry(index uintptr) *pageTableEntry { return &tableAt(t.addr)[index] }

func (t p1Table) zero() { zeroTable(t.addr) }

func (t p4Table) nextTable(index uintptr) (p3Table, bool) {
	addr, ok := nextTableAddr(t.addr, index)
	return p3Table{addr}, ok
}

func (t p3Table) nextTable(index uintptr) (p2Table, bool) {
	addr, ok := nextTableAddr(t.addr, index)
	return p2Table{addr}, ok
}

func (t p2Table) nextTable(index uintptr) (p1Table, bool) {
	addr, ok := nextTableAddr(t.addr, index)
	return p1Table{addr}, ok
}

func (t p4Table) nextTableCreate(index uintptr, alloc mm.FrameAllocator) p3Table {
	return p3Table{nextTableAddrCreate(t.addr, index, alloc)}
}

func (t p3Table) nextTableCreate(index uintptr, alloc mm.FrameAllocator) p2Table {
	return p2Table{nextTableAddrCreate(t.addr, index, alloc)}
}

func (t p2Table) nextTableCreate(index uintptr, alloc mm.FrameAllocator) p1Table {
	return p1Table{nextTableAddrCreate(t.addr, index, alloc)}
}
