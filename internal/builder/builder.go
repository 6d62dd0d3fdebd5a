// Package builder implements the static scan/patch/decoy pipeline:
// locate every relative branch inside a section, replace each with a
// software breakpoint padded by random bytes, and emit the sorted
// nanomite table describing what used to be there.
package builder

import (
	"fmt"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/xyproto/nanomites/internal/branch"
	"github.com/xyproto/nanomites/internal/classify"
	"github.com/xyproto/nanomites/internal/nanomite"
)

// Verbose is a package-level switch gating diagnostic output to
// stderr; there is no logging framework involved.
var Verbose bool

// Section describes the protected section's location within the
// on-disk image and its runtime extent, as resolved by
// internal/peimage.
type Section struct {
	RawOffset   uint32
	RawSize     uint32
	VA          uint32
	VirtualSize uint32
}

// NewRand returns a time-seeded math/rand source suitable for the
// Builder's decoy and pad-byte generation. The padding only needs to
// be unpredictable enough to avoid a fixed byte pattern, not
// cryptographically secure, so crypto/rand would be overkill here.
func NewRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// Patch scans section's bytes within image, patches every recognized
// relative branch with a trap, enumerates pre-existing 0xCC bytes as
// decoys, and returns the combined, RVA-sorted nanomite table. image
// is mutated in place for the real-branch patch sites only.
func Patch(image []byte, section Section, rng *rand.Rand) (nanomite.Table, error) {
	if uint64(section.RawOffset)+uint64(section.RawSize) > uint64(len(image)) {
		return nanomite.Table{}, fmt.Errorf("builder: section [0x%x, 0x%x) exceeds image size %d", section.RawOffset, section.RawOffset+section.RawSize, len(image))
	}

	secBytes := image[section.RawOffset : section.RawOffset+section.RawSize]

	realBranches, patchSites := scanRealBranches(secBytes, section)
	decoys := scanDecoys(secBytes, section, rng)

	for _, site := range patchSites {
		patchSite(image, site, rng)
	}

	all := make([]nanomite.Record, 0, len(realBranches)+len(decoys))
	all = append(all, realBranches...)
	all = append(all, decoys...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].RVA < all[j].RVA })

	return nanomite.Table{Records: all}, nil
}

// patchTarget is a real-branch site awaiting the patch pass: a file
// offset and the number of bytes (opcode_length) to overwrite.
type patchTarget struct {
	fileOffset int
	length     int
}

// scanRealBranches runs the classifier over secBytes and returns one
// Record per recognized relative branch, plus the file-relative sites
// the patch pass must overwrite. secBytes is read only; it must not be
// mutated before scanDecoys also observes it.
func scanRealBranches(secBytes []byte, section Section) ([]nanomite.Record, []patchTarget) {
	instrs := classify.Sweep(secBytes)

	records := make([]nanomite.Record, 0, len(instrs))
	sites := make([]patchTarget, 0, len(instrs))

	for _, in := range instrs {
		if !in.IsRelativeBranch() {
			continue
		}

		jumpLength := in.Displacement & 0xFF
		if in.Length > 2 && !fitsSignedByte(in.Displacement) && Verbose {
			fmt.Fprintf(os.Stderr, "builder: near branch at rva 0x%x has 32-bit displacement 0x%x truncated to 8 bits\n",
				section.VA+uint32(in.Offset), in.Displacement)
		}

		records = append(records, nanomite.Record{
			RVA:          section.VA + uint32(in.Offset),
			JumpType:     uint32(in.Kind),
			JumpLength:   jumpLength,
			OpcodeLength: uint32(in.Length),
		})
		sites = append(sites, patchTarget{
			fileOffset: int(section.RawOffset) + in.Offset,
			length:     in.Length,
		})
	}

	return records, sites
}

// fitsSignedByte reports whether a 32-bit relative displacement, as
// decoded, would survive being narrowed to a signed 8-bit value
// unchanged.
func fitsSignedByte(disp uint32) bool {
	signed := int32(disp)
	return signed >= -128 && signed <= 127
}

// scanDecoys finds every byte already equal to 0xCC in secBytes and
// manufactures a decoy record for each: a record describing a trap
// the Builder did not create, so that the table's cardinality and
// content cannot, by themselves, disclose the true branch set.
func scanDecoys(secBytes []byte, section Section, rng *rand.Rand) []nanomite.Record {
	var decoys []nanomite.Record
	for i, b := range secBytes {
		if b != 0xCC {
			continue
		}
		opcode := branch.RandomShortOpcode(rng.Intn)
		kind := branch.FromShortOpcode(opcode, false)
		decoys = append(decoys, nanomite.Record{
			RVA:          section.VA + uint32(i),
			JumpType:     uint32(kind),
			JumpLength:   uint32(rng.Intn(0xA0-0x02+1) + 0x02),
			OpcodeLength: 2,
		})
	}
	return decoys
}

// patchSite overwrites one real-branch instruction in image with a
// trap byte followed by random padding: the original displacement is
// lost from the image and survives only in the nanomite record.
func patchSite(image []byte, site patchTarget, rng *rand.Rand) {
	image[site.fileOffset] = 0xCC
	for i := 1; i < site.length; i++ {
		image[site.fileOffset+i] = byte(rng.Intn(256))
	}
}
