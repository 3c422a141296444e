// Package console provides the VGA text-mode console that the kernel uses
// as its output sink.
package console

import (
	"galaxyos/kernel/cpu"
	"unsafe"
)

// Color is one of the 16 default EGA text-mode colors.
type Color uint8

// The list of supported colors.
const (
	Black Color = iota
	Blue
	Green
	Cyan
	Red
	Magenta
	Brown
	LightGray
	DarkGray
	LightBlue
	LightGreen
	LightCyan
	LightRed
	LightMagenta
	Yellow
	White
)

const (
	// FramebufferAddr is the physical address of the text-mode framebuffer.
	// The kernel keeps it identity-mapped.
	FramebufferAddr = uintptr(0xb8000)

	// Columns and Rows are the dimensions of VGA mode 0x3.
	Columns = 80
	Rows    = 25

	crtcAddrPort   = 0x3d4
	crtcDataPort   = 0x3d5
	cursorLowReg   = 0x0f
	cursorHighReg  = 0x0e
	defaultFgColor = LightGray
	defaultBgColor = Black
)

var (
	// portWriteByteFn is mocked by tests and is automatically inlined by
	// the compiler.
	portWriteByteFn = cpu.PortWriteByte
)

// VgaTextConsole implements an EGA-compatible text console using VGA mode
// 0x3. Each character in the console framebuffer is represented using two
// bytes, a byte for the character code (code page 437) and a byte that
// encodes the foreground and background colors (4 bits for each).
//
// VgaTextConsole implements io.Writer. Output wraps at the last column and
// the contents scroll up once the last row is full.
type VgaTextConsole struct {
	width  uint32
	height uint32

	fb []uint16

	row, col uint32

	// attr holds the active colors shifted into the attribute byte.
	attr uint16
}

// NewVgaTextConsole returns a console with the given dimensions whose
// framebuffer is located at fbAddr. The framebuffer must be mapped before
// the console is written to.
func NewVgaTextConsole(columns, rows uint32, fbAddr uintptr) VgaTextConsole {
	return VgaTextConsole{
		width:  columns,
		height: rows,
		fb:     unsafe.Slice((*uint16)(unsafe.Pointer(fbAddr)), columns*rows),
		attr:   colorAttr(defaultFgColor, defaultBgColor),
	}
}

// Dimensions returns the console width and height in characters.
func (cons *VgaTextConsole) Dimensions() (uint32, uint32) {
	return cons.width, cons.height
}

// SetColor sets the colors used for any subsequent output.
func (cons *VgaTextConsole) SetColor(fg, bg Color) {
	cons.attr = colorAttr(fg, bg)
}

// Cursor returns the 0-based row and column where the next character will be
// written.
func (cons *VgaTextConsole) Cursor() (uint32, uint32) {
	return cons.row, cons.col
}

// SetCursor moves the output position to the given 0-based row and column.
// Out of range coordinates are clamped to the console dimensions.
func (cons *VgaTextConsole) SetCursor(row, col uint32) {
	if row >= cons.height {
		row = cons.height - 1
	}
	if col >= cons.width {
		col = cons.width - 1
	}

	cons.row, cons.col = row, col
	cons.moveCursor()
}

// Clear fills the console with blanks using the active colors and moves the
// cursor to the top-left corner.
func (cons *VgaTextConsole) Clear() {
	for row := uint32(0); row < cons.height; row++ {
		cons.clearRow(row)
	}

	cons.row, cons.col = 0, 0
	cons.moveCursor()
}

// Write implements io.Writer.
func (cons *VgaTextConsole) Write(p []byte) (int, error) {
	for _, ch := range p {
		cons.writeByte(ch)
	}

	return len(p), nil
}

func (cons *VgaTextConsole) writeByte(ch byte) {
	if ch == '\n' {
		cons.newLine()
		return
	}

	if cons.col >= cons.width {
		cons.newLine()
	}

	cons.fb[cons.row*cons.width+cons.col] = cons.attr | uint16(ch)
	cons.col++

	if cons.col >= cons.width {
		cons.newLine()
		return
	}

	cons.moveCursor()
}

func (cons *VgaTextConsole) newLine() {
	if cons.row >= cons.height-1 {
		copy(cons.fb, cons.fb[cons.width:])
		cons.clearRow(cons.height - 1)
	} else {
		cons.row++
	}

	cons.col = 0
	cons.moveCursor()
}

func (cons *VgaTextConsole) clearRow(row uint32) {
	blank := cons.attr | uint16(' ')
	offset := row * cons.width
	for col := uint32(0); col < cons.width; col++ {
		cons.fb[offset+col] = blank
	}
}

// moveCursor updates the position of the hardware cursor.
func (cons *VgaTextConsole) moveCursor() {
	pos := cons.row*cons.width + cons.col

	portWriteByteFn(crtcAddrPort, cursorLowReg)
	portWriteByteFn(crtcDataPort, uint8(pos))
	portWriteByteFn(crtcAddrPort, cursorHighReg)
	portWriteByteFn(crtcDataPort, uint8(pos>>8))
}

func colorAttr(fg, bg Color) uint16 {
	return (uint16(bg&0xf)<<4 | uint16(fg&0xf)) << 8
}
