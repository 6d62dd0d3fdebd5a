//go:build windows
// +build windows

package tracer

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/xyproto/nanomites/internal/cpu"
)

// golang.org/x/sys/windows does not wrap AddVectoredExceptionHandler/
// RemoveVectoredExceptionHandler; their addresses are resolved the
// same lazy-DLL way x/sys/windows resolves its own procs internally.
var (
	modkernel32                        = windows.NewLazySystemDLL("kernel32.dll")
	procAddVectoredExceptionHandler    = modkernel32.NewProc("AddVectoredExceptionHandler")
	procRemoveVectoredExceptionHandler = modkernel32.NewProc("RemoveVectoredExceptionHandler")
)

const (
	exceptionBreakpoint        = 0x80000003
	exceptionContinueExecution = ^uintptr(0) // -1
	exceptionContinueSearch    = 0
	callFirst                  = 1
)

var (
	handlerHandle   uintptr
	handlerCallback uintptr
)

// exceptionPointers mirrors _EXCEPTION_POINTERS: a pointer to the
// exception record and a pointer to the faulting thread's CONTEXT.
type exceptionPointers struct {
	ExceptionRecord uintptr
	ContextRecord   uintptr
}

// exceptionRecord mirrors the leading fields of _EXCEPTION_RECORD;
// the variable-length ExceptionInformation array that follows is
// never read.
type exceptionRecord struct {
	ExceptionCode       uint32
	ExceptionFlags      uint32
	ExceptionRecordPtr  uintptr
	ExceptionAddress    uintptr
	NumberParameters    uint32
}

// vectoredHandler is the LONG WINAPI VectoredHandler(PEXCEPTION_POINTERS)
// callback: it resolves EXCEPTION_BREAKPOINT faults our table owns and
// asks every other handler in the chain to handle anything else.
func vectoredHandler(exceptionInfo uintptr) uintptr {
	ep := (*exceptionPointers)(unsafe.Pointer(exceptionInfo))
	rec := (*exceptionRecord)(unsafe.Pointer(ep.ExceptionRecord))

	if rec.ExceptionCode == exceptionBreakpoint {
		ctx, err := cpu.NewContext(ep.ContextRecord)
		if err == nil && resolve(ctx) {
			return exceptionContinueExecution
		}
	}
	return exceptionContinueSearch
}

func installHandler() error {
	handlerCallback = syscall.NewCallback(vectoredHandler)
	r1, _, callErr := procAddVectoredExceptionHandler.Call(callFirst, handlerCallback)
	if r1 == 0 {
		return fmt.Errorf("AddVectoredExceptionHandler: %v", callErr)
	}
	handlerHandle = r1
	return nil
}

func removeHandler() {
	if handlerHandle != 0 {
		procRemoveVectoredExceptionHandler.Call(handlerHandle)
		handlerHandle = 0
	}
}
