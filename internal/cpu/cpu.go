// Package cpu abstracts the faulting thread's register state the
// tracer needs (instruction pointer, flags, counter register) behind
// a small interface, so the rest of the module never branches on
// architecture or operating system at the call site.
package cpu

// Context exposes the parts of an OS thread context record the
// tracer reads or rewrites while resolving a nanomite.
type Context interface {
	InstructionPointer() uintptr
	SetInstructionPointer(uintptr)
	Flags() uint64
	Counter() uint64
}

// SectionExtent is the runtime address range a loaded PE section
// occupies once the image has been mapped by the OS loader.
type SectionExtent struct {
	Start uintptr
	End   uintptr // inclusive, matching the original's sectionEnd = sectionStart + size - 1
	Size  uintptr
}

// Contains reports whether va lies within the section, inclusive of
// both endpoints.
func (e SectionExtent) Contains(va uintptr) bool {
	return va >= e.Start && va <= e.End
}
