package builder

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/xyproto/nanomites/internal/branch"
)

func TestPatchUnconditionalShortJump(t *testing.T) {
	// EB 02 90 90 at file offset 0x400, va 0x1000: a short unconditional jump.
	image := make([]byte, 0x500)
	copy(image[0x400:], []byte{0xEB, 0x02, 0x90, 0x90})

	sec := Section{RawOffset: 0x400, RawSize: 4, VA: 0x1000, VirtualSize: 4}
	rng := rand.New(rand.NewSource(1))

	table, err := Patch(image, sec, rng)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	if len(table.Records) != 1 {
		t.Fatalf("got %d records, want 1", len(table.Records))
	}
	r := table.Records[0]
	if r.RVA != 0x1000 {
		t.Errorf("RVA = 0x%x, want 0x1000", r.RVA)
	}
	if branch.Kind(r.JumpType) != branch.JMP {
		t.Errorf("kind = %s, want JMP", branch.Kind(r.JumpType))
	}
	if r.JumpLength != 0x02 {
		t.Errorf("jump length = 0x%x, want 0x02", r.JumpLength)
	}
	if r.OpcodeLength != 2 {
		t.Errorf("opcode length = %d, want 2", r.OpcodeLength)
	}
	if image[0x400] != 0xCC {
		t.Errorf("patched byte = 0x%02x, want 0xCC", image[0x400])
	}
	// The trailing 0x90 0x90 bytes must be untouched.
	if image[0x402] != 0x90 || image[0x403] != 0x90 {
		t.Errorf("bytes past the patch were modified: %x", image[0x402:0x404])
	}
}

func TestPatchConditionalBranch(t *testing.T) {
	// 74 05 (JE +5) at rva 0x10: a short conditional jump.
	image := make([]byte, 0x100)
	copy(image[0x10:], []byte{0x74, 0x05})

	sec := Section{RawOffset: 0, RawSize: 0x20, VA: 0, VirtualSize: 0x20}
	rng := rand.New(rand.NewSource(2))

	table, err := Patch(image, sec, rng)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	found := false
	for _, r := range table.Records {
		if r.RVA == 0x10 {
			found = true
			if branch.Kind(r.JumpType) != branch.JE {
				t.Errorf("kind = %s, want JE", branch.Kind(r.JumpType))
			}
			if r.JumpLength != 5 {
				t.Errorf("jump length = %d, want 5", r.JumpLength)
			}
		}
	}
	if !found {
		t.Fatal("no record found at rva 0x10")
	}
}

func TestPatchBackwardBranch(t *testing.T) {
	// 75 FB (JNE -5) at rva 0x50: a backward short conditional jump.
	image := make([]byte, 0x100)
	copy(image[0x50:], []byte{0x75, 0xFB})

	sec := Section{RawOffset: 0, RawSize: 0x60, VA: 0, VirtualSize: 0x60}
	rng := rand.New(rand.NewSource(3))

	table, err := Patch(image, sec, rng)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	for _, r := range table.Records {
		if r.RVA == 0x50 {
			if r.SignedDisplacement() != -5 {
				t.Errorf("signed displacement = %d, want -5", r.SignedDisplacement())
			}
			return
		}
	}
	t.Fatal("no record found at rva 0x50")
}

func TestDecoyRecordForPreexistingCC(t *testing.T) {
	// A stray CC not produced by the Builder.
	image := make([]byte, 0x40)
	image[0x30] = 0xCC

	sec := Section{RawOffset: 0, RawSize: 0x40, VA: 0, VirtualSize: 0x40}
	rng := rand.New(rand.NewSource(4))

	table, err := Patch(image, sec, rng)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	for _, r := range table.Records {
		if r.RVA == 0x30 {
			if r.OpcodeLength != 2 {
				t.Errorf("decoy opcode length = %d, want 2", r.OpcodeLength)
			}
			if r.JumpLength < 0x02 || r.JumpLength > 0xA0 {
				t.Errorf("decoy jump length 0x%x out of [0x02, 0xA0]", r.JumpLength)
			}
			// Decoys are not patched: the byte must remain CC (it
			// already was), and it must not have been overwritten
			// with a fresh random value.
			if image[0x30] != 0xCC {
				t.Errorf("decoy byte changed to 0x%02x", image[0x30])
			}
			return
		}
	}
	t.Fatal("no decoy record found at rva 0x30")
}

func TestRecordsSortedAscendingNoDuplicates(t *testing.T) {
	image := make([]byte, 0x100)
	// Two real branches plus a decoy, deliberately out of order.
	copy(image[0x40:], []byte{0x74, 0x02})
	copy(image[0x10:], []byte{0xEB, 0x02})
	image[0x60] = 0xCC

	sec := Section{RawOffset: 0, RawSize: 0x80, VA: 0, VirtualSize: 0x80}
	rng := rand.New(rand.NewSource(5))

	table, err := Patch(image, sec, rng)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	if !sort.SliceIsSorted(table.Records, func(i, j int) bool { return table.Records[i].RVA < table.Records[j].RVA }) {
		t.Fatal("records are not sorted ascending by rva")
	}

	seen := map[uint32]bool{}
	for _, r := range table.Records {
		if seen[r.RVA] {
			t.Fatalf("duplicate rva 0x%x", r.RVA)
		}
		seen[r.RVA] = true
	}
}

func TestPatchedRealBranchesAreAll0xCC(t *testing.T) {
	image := make([]byte, 0x100)
	copy(image[0x08:], []byte{0x74, 0x02})
	copy(image[0x20:], []byte{0xEB, 0x10})

	sec := Section{RawOffset: 0, RawSize: 0x40, VA: 0, VirtualSize: 0x40}
	rng := rand.New(rand.NewSource(6))

	table, err := Patch(image, sec, rng)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	for _, r := range table.Records {
		if branch.Kind(r.JumpType) == branch.Unknown {
			continue
		}
		fileOff := r.RVA - sec.VA + sec.RawOffset
		if image[fileOff] != 0xCC {
			t.Errorf("record at rva 0x%x: byte at file offset 0x%x = 0x%02x, want 0xCC", r.RVA, fileOff, image[fileOff])
		}
	}
}

func TestSectionExceedsImage(t *testing.T) {
	image := make([]byte, 0x10)
	sec := Section{RawOffset: 0, RawSize: 0x20, VA: 0, VirtualSize: 0x20}
	if _, err := Patch(image, sec, rand.New(rand.NewSource(7))); err == nil {
		t.Fatal("expected error when section exceeds image bounds")
	}
}
