// Package branch defines the closed set of relative-branch kinds a
// nanomite can describe, and the opcode tables used to recognize and
// re-derive them.
package branch

// Kind identifies a branch's semantics independent of its encoded
// form (short 2-byte vs near 5/6-byte).
type Kind uint32

const (
	JO Kind = iota
	JNO
	JB
	JNB
	JE
	JNE
	JBE
	JA
	JS
	JNS
	JP
	JNP
	JL
	JGE
	JLE
	JG
	JCXZ
	JMP
	Unknown
)

func (k Kind) String() string {
	switch k {
	case JO:
		return "JO"
	case JNO:
		return "JNO"
	case JB:
		return "JB"
	case JNB:
		return "JNB"
	case JE:
		return "JE"
	case JNE:
		return "JNE"
	case JBE:
		return "JBE"
	case JA:
		return "JA"
	case JS:
		return "JS"
	case JNS:
		return "JNS"
	case JP:
		return "JP"
	case JNP:
		return "JNP"
	case JL:
		return "JL"
	case JGE:
		return "JGE"
	case JLE:
		return "JLE"
	case JG:
		return "JG"
	case JCXZ:
		return "JCXZ"
	case JMP:
		return "JMP"
	default:
		return "UNKNOWN"
	}
}

// shortOpcodes maps a short-form (Jcc rel8) first opcode byte, in
// 0x70..0x7F, to its Kind.
var shortOpcodes = map[byte]Kind{
	0x70: JO, 0x71: JNO, 0x72: JB, 0x73: JNB,
	0x74: JE, 0x75: JNE, 0x76: JBE, 0x77: JA,
	0x78: JS, 0x79: JNS, 0x7A: JP, 0x7B: JNP,
	0x7C: JL, 0x7D: JGE, 0x7E: JLE, 0x7F: JG,
}

// nearOpcodes maps the second byte of a near-form 0x0F 0x8x (Jcc
// rel32) instruction to its Kind.
var nearOpcodes = map[byte]Kind{
	0x80: JO, 0x81: JNO, 0x82: JB, 0x83: JNB,
	0x84: JE, 0x85: JNE, 0x86: JBE, 0x87: JA,
	0x88: JS, 0x89: JNS, 0x8A: JP, 0x8B: JNP,
	0x8C: JL, 0x8D: JGE, 0x8E: JLE, 0x8F: JG,
}

// FromShortOpcode recognizes a short-form conditional jump, JCXZ or a
// short/near unconditional JMP from its leading (post-0x0F) opcode
// byte. isNearPrefixed indicates the byte was read after a 0x0F
// escape, so it is looked up in the near table instead of the short
// one. Any opcode not named here, including CALL's 0xE8, yields
// Unknown — CALL is explicitly out of scope.
func FromShortOpcode(opcode byte, isNearPrefixed bool) Kind {
	if isNearPrefixed {
		if k, ok := nearOpcodes[opcode]; ok {
			return k
		}
		return Unknown
	}

	switch opcode {
	case 0xE3:
		return JCXZ
	case 0xEB, 0xE9:
		return JMP
	}

	if k, ok := shortOpcodes[opcode]; ok {
		return k
	}
	return Unknown
}

// RandomShortOpcode returns a uniformly-random short conditional jump
// opcode byte in 0x70..0x7F, for decoy records.
func RandomShortOpcode(r func(n int) int) byte {
	return byte(0x70 + r(0x10))
}
