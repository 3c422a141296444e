package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. The Go allocator is not
// available while the memory subsystem boots so errors.New cannot be used.
//
// Errors that describe a broken invariant are never returned; they are passed
// to panic() which the kernel redirects to kfmt.Panic.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
