package vmm

import (
	"galaxyos/kernel/cpu"
	"galaxyos/kernel/mm"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// flushTLBFn is used by tests to override calls to flushTLB which
	// will cause a fault if called in user-mode.
	flushTLBFn = cpu.FlushTLB
)

// ActivePageTable is the page table hierarchy referenced by CR3. There is
// exactly one; it is obtained from RemapKernel.
type ActivePageTable struct {
	Mapper
}

// InactivePageTable is a page table hierarchy that is not currently loaded.
// It is identified by the frame of its P4.
type InactivePageTable struct {
	p4Frame mm.Frame
}

// NewInactivePageTable turns frame into an empty P4 whose last entry maps
// the table itself. The frame is edited through the temporary page.
func NewInactivePageTable(frame mm.Frame, active *ActivePageTable, tmp *TemporaryPage) InactivePageTable {
	table := tmp.MapTableFrame(frame, active)
	table.zero()
	table.entry(recursiveSlot).Set(frame, FlagPresent|FlagRW)
	tmp.Unmap(active)

	return InactivePageTable{p4Frame: frame}
}

// P4Frame returns the frame that holds the table's P4.
func (t InactivePageTable) P4Frame() mm.Frame {
	return t.p4Frame
}

// With runs fn with the recursive slot of the active P4 pointing at table so
// that all Mapper operations inside fn edit table instead of the active
// hierarchy. The original slot is restored before With returns.
func (apt *ActivePageTable) With(table *InactivePageTable, tmp *TemporaryPage, fn func(*Mapper)) {
	backup := mm.FrameFromAddress(activePDTFn())

	// Keep a view of the active P4 that does not depend on the
	// recursive slot we are about to overwrite.
	p4View := tmp.MapTableFrame(backup, apt)

	apt.p4.entry(recursiveSlot).Set(table.p4Frame, FlagPresent|FlagRW)
	flushTLBFn()

	fn(&apt.Mapper)

	p4View.entry(recursiveSlot).Set(backup, FlagPresent|FlagRW)
	flushTLBFn()

	tmp.Unmap(apt)
}

// Switch loads table into CR3 and returns the table that was active.
func (apt *ActivePageTable) Switch(table InactivePageTable) InactivePageTable {
	old := InactivePageTable{p4Frame: mm.FrameFromAddress(activePDTFn())}
	switchPDTFn(table.p4Frame.Address())
	return old
}
