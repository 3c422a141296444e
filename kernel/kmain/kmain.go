package kmain

import (
	"galaxyos/device/video/console"
	"galaxyos/kernel"
	"galaxyos/kernel/kfmt"
	"galaxyos/kernel/mm/memory"
	"galaxyos/multiboot"
)

const (
	version = "0.1.0"

	// DoubleFaultStackPages is the size of the stack reserved for the
	// double fault handler.
	DoubleFaultStackPages = 4
)

var (
	errKmainReturned      = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errNoDoubleFaultStack = &kernel.Error{Module: "kmain", Message: "could not allocate double fault stack"}

	// vgaConsole receives all kernel output. It lives in the data segment
	// as there is no heap when it is attached.
	vgaConsole console.VgaTextConsole
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function is invoked by the rt0 assembly code
// after setting up the GDT and a minimal g0 struct that allows Go code to
// run on the boot stack.
//
// The rt0 code passes the physical address of the multiboot info payload
// provided by the bootloader.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	vgaConsole = console.NewVgaTextConsole(console.Columns, console.Rows, console.FramebufferAddr)
	vgaConsole.Clear()
	kfmt.SetOutputSink(&vgaConsole)

	vgaConsole.SetColor(console.LightGreen, console.Black)
	kfmt.Printf("GalaxyOS v%s\n", version)
	kfmt.Printf("Command line: %s\n", multiboot.CmdLine())
	vgaConsole.SetColor(console.LightGray, console.Black)

	// memory.Init also enables the Go allocator; allocating code such as
	// the command line parser may only run after it returns.
	ctrl := memory.Init()

	for key, value := range multiboot.GetBootCmdLine() {
		kfmt.Printf("[kmain] cmdline: %s=%s\n", key, value)
	}

	stack, ok := ctrl.AllocStack(DoubleFaultStackPages)
	if !ok {
		panic(errNoDoubleFaultStack)
	}
	kfmt.Printf("[kmain] double fault stack: 0x%x - 0x%x\n", stack.Bottom(), stack.Top())

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}
