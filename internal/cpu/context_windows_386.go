//go:build windows && 386
// +build windows,386

package cpu

import "unsafe"

// winContext32 mirrors the WinNT.h CONTEXT structure for x86,
// including the fixed-size FLOATING_SAVE_AREA and ExtendedRegisters
// blocks so that Eip/EFlags/Ecx land at the correct offsets.
type winContext32 struct {
	ContextFlags                     uint32
	Dr0, Dr1, Dr2, Dr3, Dr6, Dr7      uint32
	FloatSave                        [112]byte
	SegGs, SegFs, SegEs, SegDs       uint32
	Edi, Esi, Ebx, Edx, Ecx, Eax, Ebp uint32
	Eip                              uint32
	SegCs                            uint32
	EFlags                           uint32
	Esp                              uint32
	SegSs                            uint32
	ExtendedRegisters                [512]byte
}

type i386Context struct {
	raw *winContext32
}

func (c *i386Context) InstructionPointer() uintptr    { return uintptr(c.raw.Eip) }
func (c *i386Context) SetInstructionPointer(v uintptr) { c.raw.Eip = uint32(v) }
func (c *i386Context) Flags() uint64                  { return uint64(c.raw.EFlags) }
func (c *i386Context) Counter() uint64                { return uint64(c.raw.Ecx) }

// NewContext wraps the CONTEXT pointer the kernel passes to a
// vectored exception handler's EXCEPTION_POINTERS.ContextRecord.
func NewContext(ptr uintptr) (Context, error) {
	return &i386Context{raw: (*winContext32)(unsafe.Pointer(ptr))}, nil
}
