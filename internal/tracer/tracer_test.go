package tracer

import (
	"testing"

	"github.com/xyproto/nanomites/internal/branch"
	"github.com/xyproto/nanomites/internal/cpu"
	"github.com/xyproto/nanomites/internal/nanomite"
)

// fakeContext is a minimal in-memory cpu.Context, standing in for a
// real thread CONTEXT so resolve's decision logic is testable without
// an OS exception-delivery mechanism.
type fakeContext struct {
	ip    uintptr
	flags uint64
	cx    uint64
}

func (c *fakeContext) InstructionPointer() uintptr     { return c.ip }
func (c *fakeContext) SetInstructionPointer(v uintptr) { c.ip = v }
func (c *fakeContext) Flags() uint64                   { return c.flags }
func (c *fakeContext) Counter() uint64                 { return c.cx }

// withState installs package-level tracer state directly, bypassing
// StartTracing's OS handler install so these tests run on any
// platform, and restores the previous state afterward.
func withState(t *testing.T, base uintptr, sec cpu.SectionExtent, table nanomite.Table, fn func()) {
	t.Helper()
	mu.Lock()
	prevBase, prevSec, prevIdx := imageBase, section, index
	imageBase, section, index = base, sec, table.Index()
	mu.Unlock()

	defer func() {
		mu.Lock()
		imageBase, section, index = prevBase, prevSec, prevIdx
		mu.Unlock()
	}()

	fn()
}

func TestResolveUnconditionalJump(t *testing.T) {
	const base = 0x10000
	sec := cpu.SectionExtent{Start: base + 0x1000, End: base + 0x1FFF, Size: 0x1000}
	table := nanomite.Table{Records: []nanomite.Record{
		{RVA: 0x1000, JumpType: uint32(branch.JMP), JumpLength: 0x05, OpcodeLength: 2},
	}}

	withState(t, base, sec, table, func() {
		ctx := &fakeContext{ip: base + 0x1000}
		if !resolve(ctx) {
			t.Fatal("resolve returned false for a known nanomite")
		}
		want := uintptr(base + 0x1000 + 2 + 5)
		if ctx.ip != want {
			t.Errorf("ip = 0x%x, want 0x%x", ctx.ip, want)
		}
	})
}

func TestResolveConditionalNotTaken(t *testing.T) {
	const base = 0x10000
	sec := cpu.SectionExtent{Start: base + 0x1000, End: base + 0x1FFF, Size: 0x1000}
	table := nanomite.Table{Records: []nanomite.Record{
		{RVA: 0x1010, JumpType: uint32(branch.JE), JumpLength: 0x20, OpcodeLength: 2},
	}}

	withState(t, base, sec, table, func() {
		ctx := &fakeContext{ip: base + 0x1010, flags: 0} // ZF clear: not taken
		if !resolve(ctx) {
			t.Fatal("resolve returned false for a known nanomite")
		}
		want := uintptr(base + 0x1010 + 2)
		if ctx.ip != want {
			t.Errorf("ip = 0x%x, want 0x%x", ctx.ip, want)
		}
	})
}

func TestResolveBackwardBranchTaken(t *testing.T) {
	const base = 0x10000
	sec := cpu.SectionExtent{Start: base + 0x1000, End: base + 0x1FFF, Size: 0x1000}
	table := nanomite.Table{Records: []nanomite.Record{
		{RVA: 0x1050, JumpType: uint32(branch.JNE), JumpLength: 0xFB, OpcodeLength: 2}, // -5
	}}
	const bitZF = 1 << 6

	withState(t, base, sec, table, func() {
		ctx := &fakeContext{ip: base + 0x1050, flags: 0} // ZF clear: JNE taken
		if !resolve(ctx) {
			t.Fatal("resolve returned false for a known nanomite")
		}
		want := uintptr(base + 0x1050 + 2 - 5)
		if ctx.ip != want {
			t.Errorf("ip = 0x%x, want 0x%x", ctx.ip, want)
		}
	})
}

func TestResolveUnknownAddressFalse(t *testing.T) {
	const base = 0x10000
	sec := cpu.SectionExtent{Start: base + 0x1000, End: base + 0x1FFF, Size: 0x1000}
	table := nanomite.Table{Records: []nanomite.Record{
		{RVA: 0x1000, JumpType: uint32(branch.JMP), JumpLength: 0x02, OpcodeLength: 2},
	}}

	withState(t, base, sec, table, func() {
		ctx := &fakeContext{ip: base + 0x1234}
		if resolve(ctx) {
			t.Fatal("resolve returned true for an address with no nanomite")
		}
	})
}

func TestResolveOutsideSectionFalse(t *testing.T) {
	const base = 0x10000
	sec := cpu.SectionExtent{Start: base + 0x1000, End: base + 0x1FFF, Size: 0x1000}
	table := nanomite.Table{Records: []nanomite.Record{
		{RVA: 0x1000, JumpType: uint32(branch.JMP), JumpLength: 0x02, OpcodeLength: 2},
	}}

	withState(t, base, sec, table, func() {
		ctx := &fakeContext{ip: base} // before the section starts
		if resolve(ctx) {
			t.Fatal("resolve returned true for an address outside the traced section")
		}
	})
}
