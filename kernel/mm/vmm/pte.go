package vmm

import (
	"galaxyos/kernel"
	"galaxyos/kernel/mm"
)

var (
	errFrameNotEncodable = &kernel.Error{Module: "vmm", Message: "frame address is not page-aligned or does not fit in a page table entry"}
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. An entry equal to zero is
// unused.
type pageTableEntry uintptr

// IsUnused returns true if the entry is all zeroes.
func (pte pageTableEntry) IsUnused() bool {
	return pte == 0
}

// SetUnused clears the entry.
func (pte *pageTableEntry) SetUnused() {
	*pte = 0
}

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// Flags returns the flag bits of the entry.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uintptr(pte) &^ ptePhysPageMask)
}

// PointedFrame returns the frame this entry points to or mm.InvalidFrame if
// the entry is not present.
func (pte pageTableEntry) PointedFrame() mm.Frame {
	if !pte.HasFlags(FlagPresent) {
		return mm.InvalidFrame
	}

	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// Set points the entry to frame and replaces its flags.
func (pte *pageTableEntry) Set(frame mm.Frame, flags PageTableEntryFlag) {
	addr := frame.Address()
	if addr&^ptePhysPageMask != 0 || addr>>mm.PageShift != uintptr(frame) {
		panic(errFrameNotEncodable)
	}

	*pte = pageTableEntry(addr | uintptr(flags))
}
