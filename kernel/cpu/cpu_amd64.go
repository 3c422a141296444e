// Package cpu exposes the privileged amd64 instructions required by the
// memory subsystem. All functions in this package fault if invoked from
// user-mode; code that calls them keeps a package-level function variable
// pointing to them so that tests can substitute a fake.
package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// InterruptsEnabled returns true if the interrupt flag (IF) is currently set.
func InterruptsEnabled() bool

// Halt disables interrupts and stops instruction execution. Halt never
// returns.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// FlushTLB flushes all non-global TLB entries by reloading the CR3 register.
func FlushTLB()

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB. The switch is performed by a single
// write to the CR3 register.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// EnableNXE sets the no-execute enable bit in the EFER MSR. Page table
// entries with the no-execute bit set cause a reserved-bit page fault unless
// this bit is set.
func EnableNXE()

// EnableWriteProtect sets the WP bit in CR0 so that read-only pages are also
// protected against writes performed in kernel mode.
func EnableWriteProtect()

// PortWriteByte writes a uint8 value to the requested I/O port.
func PortWriteByte(port uint16, val uint8)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// HasNX returns true if the CPU supports the no-execute page protection bit.
func HasNX() bool {
	maxExtLeaf, _, _, _ := cpuidFn(0x80000000)
	if maxExtLeaf < 0x80000001 {
		return false
	}

	_, _, _, edx := cpuidFn(0x80000001)
	return edx&(1<<20) != 0
}
