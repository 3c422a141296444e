package mm

import (
	"galaxyos/kernel"
	"math"
)

var (
	// ErrNonCanonicalAddress is raised when constructing a Page from an
	// address inside the non-canonical hole of the 48-bit address space.
	ErrNonCanonicalAddress = &kernel.Error{Module: "mm", Message: "non-canonical virtual address"}
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte in this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains physAddr.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> PageShift)
}

// FrameRange is an inclusive range of physical frames.
type FrameRange struct {
	Start, End Frame
}

// FrameRangeFromAddresses returns the frames touched by the byte range
// [start, end). An empty byte range yields a range that contains no frames.
func FrameRangeFromAddresses(start, end uintptr) FrameRange {
	if end <= start {
		return FrameRange{Start: 1, End: 0}
	}

	return FrameRange{
		Start: FrameFromAddress(start),
		End:   FrameFromAddress(end - 1),
	}
}

// Contains returns true if f lies within the range.
func (r FrameRange) Contains(f Frame) bool {
	return f >= r.Start && f <= r.End
}

// FrameAllocator is implemented by physical frame allocators.
type FrameAllocator interface {
	// AllocFrame reserves a free frame. It returns an error when no
	// more frames are available.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame releases a frame obtained via AllocFrame.
	FreeFrame(Frame)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual address of the first byte in this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// P4Index returns the index of the P4 entry that covers this page.
func (p Page) P4Index() uintptr { return (uintptr(p) >> 27) & tableIndexMask }

// P3Index returns the index of the P3 entry that covers this page.
func (p Page) P3Index() uintptr { return (uintptr(p) >> 18) & tableIndexMask }

// P2Index returns the index of the P2 entry that covers this page.
func (p Page) P2Index() uintptr { return (uintptr(p) >> 9) & tableIndexMask }

// P1Index returns the index of the P1 entry that maps this page.
func (p Page) P1Index() uintptr { return uintptr(p) & tableIndexMask }

// PageFromAddress returns the Page that contains virtAddr. Addresses in the
// non-canonical hole between 0x0000_8000_0000_0000 and 0xffff_8000_0000_0000
// cannot be mapped and cause a panic with ErrNonCanonicalAddress.
func PageFromAddress(virtAddr uintptr) Page {
	if virtAddr >= canonicalLowEnd && virtAddr < canonicalHighStart {
		panic(ErrNonCanonicalAddress)
	}

	return Page(virtAddr >> PageShift)
}

// PageOffset returns the offset of virtAddr within its page.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (PageSize - 1)
}
