//go:build windows && amd64
// +build windows,amd64

package cpu

import "unsafe"

// winContext64 mirrors the fields of the WinNT.h CONTEXT structure for
// x64 that the tracer actually touches. It is only ever reached
// through a pointer the kernel already allocated (the ContextRecord
// handed to a vectored exception handler), so the floating-point/SSE
// state and debug-trace fields that follow Rip in the real structure
// are intentionally not declared here.
type winContext64 struct {
	P1Home, P2Home, P3Home, P4Home, P5Home, P6Home uint64
	ContextFlags                                    uint32
	MxCsr                                           uint32
	SegCs, SegDs, SegEs, SegFs, SegGs, SegSs        uint16
	EFlags                                          uint32
	Dr0, Dr1, Dr2, Dr3, Dr6, Dr7                    uint64
	Rax, Rcx, Rdx, Rbx, Rsp, Rbp, Rsi, Rdi           uint64
	R8, R9, R10, R11, R12, R13, R14, R15             uint64
	Rip                                              uint64
}

type amd64Context struct {
	raw *winContext64
}

func (c *amd64Context) InstructionPointer() uintptr    { return uintptr(c.raw.Rip) }
func (c *amd64Context) SetInstructionPointer(v uintptr) { c.raw.Rip = uint64(v) }
func (c *amd64Context) Flags() uint64                  { return uint64(c.raw.EFlags) }
func (c *amd64Context) Counter() uint64                { return c.raw.Rcx }

// NewContext wraps the CONTEXT pointer the kernel passes to a
// vectored exception handler's EXCEPTION_POINTERS.ContextRecord.
func NewContext(ptr uintptr) (Context, error) {
	return &amd64Context{raw: (*winContext64)(unsafe.Pointer(ptr))}, nil
}
