package branch

import "testing"

func TestFromShortOpcodeShortForm(t *testing.T) {
	cases := []struct {
		opcode byte
		want   Kind
	}{
		{0x74, JE},
		{0x75, JNE},
		{0x7F, JG},
		{0xE3, JCXZ},
		{0xEB, JMP},
		{0xE9, JMP},
		{0xE8, Unknown}, // CALL is out of scope
		{0x90, Unknown}, // NOP
	}
	for _, c := range cases {
		if got := FromShortOpcode(c.opcode, false); got != c.want {
			t.Errorf("FromShortOpcode(0x%02X, false) = %s, want %s", c.opcode, got, c.want)
		}
	}
}

func TestFromShortOpcodeNearForm(t *testing.T) {
	cases := []struct {
		opcode byte
		want   Kind
	}{
		{0x84, JE},
		{0x8F, JG},
		{0x80, JO},
		{0xFF, Unknown},
	}
	for _, c := range cases {
		if got := FromShortOpcode(c.opcode, true); got != c.want {
			t.Errorf("FromShortOpcode(0x%02X, true) = %s, want %s", c.opcode, got, c.want)
		}
	}
}

func TestKindString(t *testing.T) {
	if JE.String() != "JE" {
		t.Errorf("JE.String() = %q, want %q", JE.String(), "JE")
	}
	if Unknown.String() != "UNKNOWN" {
		t.Errorf("Unknown.String() = %q, want %q", Unknown.String(), "UNKNOWN")
	}
}
