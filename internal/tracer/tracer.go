// Package tracer installs a first-chance vectored exception handler
// that intercepts the INT3 traps the Builder planted, evaluates what
// the original branch would have done, and rewrites the faulting
// thread's instruction pointer to continue past it — restoring the
// code's original control flow without the relative displacement
// ever existing on disk.
package tracer

import (
	"fmt"
	"os"
	"sync"

	"github.com/xyproto/nanomites/internal/cpu"
	"github.com/xyproto/nanomites/internal/evaluate"
	"github.com/xyproto/nanomites/internal/nanomite"
)

// Verbose is a package-level switch gating diagnostic output to
// stderr; there is no logging framework involved. It must not be
// toggled once StartTracing has been called from a goroutine other
// than the tracing one: the handler body itself never logs, precisely
// so the hot path stays non-allocating and non-blocking.
var Verbose bool

var (
	mu        sync.Mutex
	imageBase uintptr
	section   cpu.SectionExtent
	index     map[uint32]*nanomite.Record
	active    bool
)

// StartTracing records the image base, the protected section's
// runtime extent, and the decoded nanomite table, then installs the
// process-wide vectored exception handler. Calling it twice without
// an intervening StopTracing replaces the previously recorded
// section/table without installing a second handler, matching the
// original's null check before calling AddVectoredExceptionHandler.
func StartTracing(base uintptr, sectionExtent cpu.SectionExtent, table nanomite.Table) error {
	mu.Lock()
	defer mu.Unlock()

	imageBase = base
	section = sectionExtent
	index = table.Index()

	if !active {
		if err := installHandler(); err != nil {
			return fmt.Errorf("tracer: %v", err)
		}
		active = true
	}

	if Verbose {
		fmt.Fprintf(os.Stderr, "tracer: tracing %d nanomites in [0x%x, 0x%x]\n", len(index), section.Start, section.End)
	}
	return nil
}

// StopTracing removes the exception handler and forgets the table.
func StopTracing() {
	mu.Lock()
	defer mu.Unlock()

	imageBase = 0
	section = cpu.SectionExtent{}
	index = nil
	if active {
		removeHandler()
		active = false
	}
}

// resolve is the handler's actual decision logic, factored out of the
// OS-specific callback shim so it can be unit tested without an OS
// exception delivery mechanism. It reports whether the fault was ours
// to resolve.
//
// It reads imageBase/section/index without taking mu: the handler
// must not allocate, block, or take locks, and the table is read-only
// for the entire interval between StartTracing and StopTracing, so
// there is nothing for a lock to protect against here. Callers must
// not call StartTracing/StopTracing concurrently with a fault still
// in flight; the usual start-trace/run/stop-trace sequencing already
// guarantees that.
func resolve(ctx cpu.Context) bool {
	rec, ok := lookupIndex(ctx.InstructionPointer())
	if !ok {
		return false
	}

	taken := evaluate.Taken(rec.Kind(), ctx.Flags(), ctx.Counter())
	ip := ctx.InstructionPointer()
	if taken {
		ip = ip + uintptr(rec.OpcodeLength) + uintptr(rec.SignedDisplacement())
	} else {
		ip = ip + uintptr(rec.OpcodeLength)
	}
	ctx.SetInstructionPointer(ip)
	return true
}

// lookupIndex reports the nanomite at va, if any, after checking va
// falls within the traced section — the same two-step guard (section
// bounds, then table lookup) the original performs before ever
// indexing its map.
func lookupIndex(va uintptr) (*nanomite.Record, bool) {
	if index == nil || !section.Contains(va) {
		return nil, false
	}
	rva := uint32(va - imageBase)
	rec, ok := index[rva]
	return rec, ok
}
