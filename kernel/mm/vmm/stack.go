package vmm

import (
	"galaxyos/kernel"
	"galaxyos/kernel/mm"
)

var errInvalidStack = &kernel.Error{Module: "vmm", Message: "stack top must be above stack bottom"}

// Stack is a mapped region used as a downward-growing stack.
type Stack struct {
	top, bottom uintptr
}

func newStack(top, bottom uintptr) Stack {
	if top <= bottom {
		panic(errInvalidStack)
	}

	return Stack{top: top, bottom: bottom}
}

// Top returns the address one byte past the end of the stack, which is the
// initial stack pointer.
func (s Stack) Top() uintptr { return s.top }

// Bottom returns the lowest mapped address of the stack.
func (s Stack) Bottom() uintptr { return s.bottom }

// StackAllocator carves stacks out of a fixed range of virtual pages. Every
// stack is preceded by an unmapped guard page.
type StackAllocator struct {
	next, end mm.Page
}

// NewStackAllocator returns an allocator for the inclusive page range
// [start, end].
func NewStackAllocator(start, end mm.Page) StackAllocator {
	return StackAllocator{next: start, end: end}
}

// AllocStack reserves sizeInPages+1 pages from the range, leaves the first
// one unmapped and maps the rest writable. It returns false without
// consuming any pages if sizeInPages is zero or the range is too small.
func (sa *StackAllocator) AllocStack(active *ActivePageTable, alloc mm.FrameAllocator, sizeInPages uintptr) (Stack, bool) {
	if sizeInPages == 0 || sa.next > sa.end || sizeInPages > uintptr(sa.end-sa.next) {
		return Stack{}, false
	}

	guardPage := sa.next
	startPage := guardPage + 1
	endPage := guardPage + mm.Page(sizeInPages)
	sa.next = endPage + 1

	active.MapRange(startPage, endPage, FlagRW|FlagNoExecute, alloc)

	return newStack(endPage.Address()+mm.PageSize, startPage.Address()), true
}
