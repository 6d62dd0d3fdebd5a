// Package evaluate decides whether a conditional branch would have
// been taken, as a pure function of CPU flags and (for JCXZ) the
// counter register — no process state, no I/O, safe to call from a
// trap handler.
package evaluate

import "github.com/xyproto/nanomites/internal/branch"

// Flag bit positions within the x86 EFLAGS/RFLAGS register.
const (
	bitCF = 1 << 0
	bitPF = 1 << 2
	bitZF = 1 << 6
	bitSF = 1 << 7
	bitOF = 1 << 11
)

func cf(flags uint64) bool { return flags&bitCF != 0 }
func pf(flags uint64) bool { return flags&bitPF != 0 }
func zf(flags uint64) bool { return flags&bitZF != 0 }
func sf(flags uint64) bool { return flags&bitSF != 0 }
func of(flags uint64) bool { return flags&bitOF != 0 }

// Taken decides whether a branch of the given kind would have been
// taken, given the faulting thread's flags register and its CX/ECX/RCX
// register (only consulted for JCXZ).
//
// JCXZ compares the full architectural width of the counter register
// rather than just the instruction's own 16-bit CX, matching how the
// register is actually reported in a thread context.
func Taken(kind branch.Kind, flags uint64, cx uint64) bool {
	switch kind {
	case branch.JO:
		return of(flags)
	case branch.JNO:
		return !of(flags)
	case branch.JB:
		return cf(flags)
	case branch.JNB:
		return !cf(flags)
	case branch.JE:
		return zf(flags)
	case branch.JNE:
		return !zf(flags)
	case branch.JBE:
		return cf(flags) || zf(flags)
	case branch.JA:
		return !cf(flags) && !zf(flags)
	case branch.JS:
		return sf(flags)
	case branch.JNS:
		return !sf(flags)
	case branch.JP:
		return pf(flags)
	case branch.JNP:
		return !pf(flags)
	case branch.JL:
		return sf(flags) != of(flags)
	case branch.JGE:
		return sf(flags) == of(flags)
	case branch.JLE:
		return zf(flags) || sf(flags) != of(flags)
	case branch.JG:
		return !zf(flags) && sf(flags) == of(flags)
	case branch.JCXZ:
		return cx == 0
	case branch.JMP:
		return true
	default:
		return false
	}
}
