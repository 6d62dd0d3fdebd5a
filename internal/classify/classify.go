// Package classify implements a linear-sweep x86/x64 instruction
// classifier: given a contiguous byte range, it reports each
// instruction's length, the branch kind its opcode byte maps to, and
// whether the instruction is a relative branch.
//
// The classifier is pure over the buffer it is given — it never reads
// or writes memory outside it, and it never stalls: every decode step
// advances the cursor by at least one byte, even over bytes it cannot
// recognize.
package classify

import "github.com/xyproto/nanomites/internal/branch"

// Instruction is one decoded entry from a Sweep.
type Instruction struct {
	// Offset is the byte offset, relative to the start of the buffer
	// passed to Sweep, at which this instruction begins.
	Offset int

	// Length is the full encoded length in bytes.
	Length int

	// Kind is branch.Unknown unless the instruction is a recognized
	// relative branch (conditional, JCXZ, or unconditional JMP) — CALL
	// is deliberately never reported as relative, since a trap can't
	// stand in for a call without also faking its return address.
	Kind branch.Kind

	// Displacement is the raw encoded displacement immediate, zero
	// extended to 32 bits. Only meaningful when Kind != branch.Unknown.
	Displacement uint32
}

// IsRelativeBranch reports whether this instruction is a relative
// branch the Builder should consider patching.
func (in Instruction) IsRelativeBranch() bool { return in.Kind != branch.Unknown }

// Sweep linearly decodes buf from offset 0, stopping before any
// instruction that would straddle the end of buf (such an instruction
// is not emitted).
func Sweep(buf []byte) []Instruction {
	var out []Instruction
	offset := 0
	for offset < len(buf) {
		in, length := decodeOne(buf[offset:])
		if offset+length > len(buf) {
			// Straddles the end of the section: not emitted.
			break
		}
		in.Offset = offset
		in.Length = length
		out = append(out, in)
		offset += length
	}
	return out
}

// decodeOne decodes a single instruction at the start of buf. It
// returns the classified instruction and its length. Bytes past the
// end of buf read as zero and the length is not clamped to len(buf),
// so the caller can still detect a straddling instruction; decodeOne always returns
// length >= 1 so a sweep can never stall on unrecognized bytes.
func decodeOne(buf []byte) (Instruction, int) {
	idx := 0

	// Legacy prefixes (operand/address size overrides, segment
	// overrides, lock, repeat) may appear in any order before the
	// opcode; they do not affect length beyond their own byte.
	for idx < len(buf) && isLegacyPrefix(buf[idx]) {
		idx++
	}

	// REX prefix (x86-64 only), at most one, immediately before the
	// opcode.
	rexW := false
	if idx < len(buf) && buf[idx] >= 0x40 && buf[idx] <= 0x4F {
		rexW = buf[idx]&0x08 != 0
		idx++
	}

	if idx >= len(buf) {
		return Instruction{Kind: branch.Unknown}, max(idx, 1)
	}

	opcode := buf[idx]
	idx++

	if opcode == 0x0F {
		return decodeTwoByte(buf, idx)
	}

	return decodeOneByte(buf, idx, opcode, rexW)
}

func isLegacyPrefix(b byte) bool {
	switch b {
	case 0x66, 0x67, 0xF0, 0xF2, 0xF3, 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65:
		return true
	}
	return false
}

// decodeOneByte handles the one-byte opcode map. idx is the offset
// just past the opcode byte.
func decodeOneByte(buf []byte, idx int, opcode byte, rexW bool) (Instruction, int) {
	// Short conditional jumps, JCXZ, and short unconditional JMP:
	// opcode + 1-byte relative displacement.
	if k := branch.FromShortOpcode(opcode, false); k != branch.Unknown && opcode != 0xE9 {
		disp := readByte(buf, idx)
		return Instruction{Kind: k, Displacement: uint32(disp)}, idx + 1
	}

	// Near unconditional JMP: opcode + 4-byte relative displacement.
	if opcode == 0xE9 {
		disp := readU32(buf, idx)
		return Instruction{Kind: branch.JMP, Displacement: disp}, idx + 4
	}

	// CALL rel32 is explicitly out of scope: it must never be
	// reported as a relative branch, but its length is identical to
	// JMP rel32 so the sweep can keep moving.
	if opcode == 0xE8 {
		return Instruction{Kind: branch.Unknown}, idx + 4
	}

	switch {
	case opcode == 0x68 || opcode == 0xA9 || (opcode >= 0x05 && opcode <= 0x3D && opcode%8 == 5):
		// PUSH imm32, TEST eAX/rAX,imm32, and the eAX-form
		// arithmetic-immediate opcodes (0x05,0x0D,...,0x3D).
		return Instruction{Kind: branch.Unknown}, idx + 4
	case opcode >= 0xB8 && opcode <= 0xBF:
		// MOV r32/r64, imm32/imm64 (imm64 only with REX.W).
		if rexW {
			return Instruction{Kind: branch.Unknown}, idx + 8
		}
		return Instruction{Kind: branch.Unknown}, idx + 4
	case opcode == 0x6A || opcode == 0xA8 || (opcode <= 0x3C && opcode%8 == 4) || (opcode >= 0xB0 && opcode <= 0xB7):
		// PUSH imm8, TEST AL,imm8, the AL-form arithmetic-immediate
		// opcodes, and MOV r8, imm8.
		return Instruction{Kind: branch.Unknown}, idx + 1
	case opcode == 0xC2:
		// RET imm16.
		return Instruction{Kind: branch.Unknown}, idx + 2
	case hasModRM(opcode):
		length := idx + modRMLength(buf, idx)
		length += immediateSizeForModRMOpcode(opcode, buf, idx, rexW)
		return Instruction{Kind: branch.Unknown}, length
	default:
		// No-operand forms: PUSH/POP reg, INC/DEC reg (32-bit mode),
		// NOP, RET, LEAVE, INT3, HLT, CLC/STC/CLD/STD, and anything
		// else not recognized above.
		return Instruction{Kind: branch.Unknown}, idx
	}
}

// decodeTwoByte handles the 0x0F xx opcode map. idx is the offset
// just past the 0x0F escape byte.
func decodeTwoByte(buf []byte, idx int) (Instruction, int) {
	second := readByte(buf, idx)
	idx++

	// Near conditional jumps: 0F 8x + 4-byte relative displacement.
	if k := branch.FromShortOpcode(second, true); k != branch.Unknown {
		disp := readU32(buf, idx)
		return Instruction{Kind: k}.withDisplacement(disp), idx + 4
	}

	switch second {
	case 0x05, 0x0B, 0x31, 0xA2:
		// SYSCALL, UD2, RDTSC, CPUID — no ModRM, no immediate.
		return Instruction{Kind: branch.Unknown}, idx
	case 0xA0, 0xA1, 0xA8, 0xA9:
		// PUSH/POP FS/GS — no ModRM, no immediate.
		return Instruction{Kind: branch.Unknown}, idx
	}

	// The remaining two-byte opcodes (MOVZX/MOVSX, IMUL, SSE/SSE2
	// loads and arithmetic, multi-byte NOP, ...) all carry a ModRM
	// byte; a handful also carry a trailing imm8.
	length := idx + modRMLength(buf, idx)
	if hasImm8AfterTwoByte(second) {
		length++
	}
	return Instruction{Kind: branch.Unknown}, length
}

func hasImm8AfterTwoByte(opcode byte) bool {
	switch opcode {
	case 0x70, 0xA4, 0xAC, 0xC2, 0xC4, 0xC5, 0xC6, 0xBA:
		return true
	}
	return false
}

// hasModRM reports whether the one-byte opcode is followed by a
// ModRM byte, covering the common arithmetic/MOV/LEA/shift/group
// forms a compiler's own emitters (mov.go, cmp.go, shift.go, ...)
// produce.
func hasModRM(opcode byte) bool {
	switch {
	case opcode <= 0x3B && opcode%8 <= 3:
		// ADD/OR/ADC/SBB/AND/SUB/XOR/CMP, reg-form encodings.
		return true
	case opcode >= 0x80 && opcode <= 0x8F:
		// Group1 imm, TEST, XCHG, MOV, LEA, POP r/m.
		return true
	case opcode == 0xC0 || opcode == 0xC1 || (opcode >= 0xD0 && opcode <= 0xD3):
		// Shift/rotate group.
		return true
	case opcode == 0xC6 || opcode == 0xC7:
		// MOV r/m, imm.
		return true
	case opcode == 0xF6 || opcode == 0xF7:
		// Group3: TEST/NOT/NEG/MUL/IMUL/DIV/IDIV.
		return true
	case opcode == 0xFE || opcode == 0xFF:
		// Group4/5: INC/DEC/CALL/JMP/PUSH r/m.
		return true
	case opcode == 0x69 || opcode == 0x6B:
		// IMUL r, r/m, imm.
		return true
	}
	return false
}

// immediateSizeForModRMOpcode returns the number of trailing
// immediate bytes a ModRM-bearing one-byte opcode carries, beyond the
// ModRM/SIB/displacement bytes already accounted for.
func immediateSizeForModRMOpcode(opcode byte, buf []byte, modrmOffset int, rexW bool) int {
	switch opcode {
	case 0xC6, 0x80, 0x82, 0x83, 0x6B:
		return 1
	case 0xC7, 0x81, 0x69:
		if rexW {
			return 4 // imm32 sign-extended to 64, per x86-64 convention.
		}
		return 4
	case 0xF6:
		// Group3 imm8 only for the TEST /0 and /1 encodings; the
		// reg field lives in the ModRM byte itself.
		if modrmReg(readByte(buf, modrmOffset)) <= 1 {
			return 1
		}
		return 0
	case 0xF7:
		if modrmReg(readByte(buf, modrmOffset)) <= 1 {
			if rexW {
				return 4
			}
			return 4
		}
		return 0
	}
	return 0
}

func modrmReg(modrm byte) byte { return (modrm >> 3) & 0x7 }

// modRMLength returns the number of bytes occupied by the ModRM byte
// plus any SIB byte and displacement that follow it, starting at
// offset in buf.
func modRMLength(buf []byte, offset int) int {
	modrm := readByte(buf, offset)
	mod := modrm >> 6
	rm := modrm & 0x7

	length := 1 // the ModRM byte itself

	if mod == 3 {
		return length // register-direct, no SIB/disp
	}

	hasSIB := rm == 4
	if hasSIB {
		length++ // SIB byte
	}

	switch mod {
	case 0:
		if rm == 5 {
			// RIP-relative (x86-64) or absolute disp32 (x86-32).
			return length + 4
		}
		if hasSIB {
			sib := readByte(buf, offset+1)
			if sib&0x7 == 5 {
				return length + 4 // disp32, no base register
			}
		}
		return length
	case 1:
		return length + 1 // disp8
	case 2:
		return length + 4 // disp32
	}
	return length
}

func readByte(buf []byte, i int) byte {
	if i < len(buf) {
		return buf[i]
	}
	return 0
}

func readU32(buf []byte, i int) uint32 {
	var v uint32
	for n := 0; n < 4; n++ {
		v |= uint32(readByte(buf, i+n)) << (8 * n)
	}
	return v
}

func (in Instruction) withDisplacement(d uint32) Instruction {
	in.Displacement = d
	return in
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
