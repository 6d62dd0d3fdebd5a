// Package nanomite defines the layout-stable record and envelope
// shared between the build-time Builder and the runtime Tracer, and
// the binary codec used to persist and reload them.
package nanomite

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/xyproto/nanomites/internal/branch"
)

// Record is one persisted nanomite: the RVA of a trap byte, the
// branch kind it stands in for, its raw (possibly decoy) displacement,
// and the distance from the trap to the original instruction's
// fall-through. All fields are 32-bit to keep the layout identical
// between a 32-bit and a 64-bit build of the same architecture.
type Record struct {
	RVA          uint32
	JumpType     uint32
	JumpLength   uint32
	OpcodeLength uint32
}

const recordSize = 16 // 4 x uint32, no padding.

// Kind returns the record's branch.Kind.
func (r Record) Kind() branch.Kind { return branch.Kind(r.JumpType) }

// SignedDisplacement reinterprets JumpLength as the signed 8-bit
// displacement it was encoded from: the field is a zero-extended
// unsigned byte on the wire and must be sign-extended before use.
func (r Record) SignedDisplacement() int32 {
	return int32(int8(byte(r.JumpLength)))
}

// envelopeHeader mirrors the build-time writer's in-memory struct: an
// item count followed by a pointer-sized field that exists only
// because the original writer shares its layout with a live pointer.
// Go has no use for the pointer value itself — it is ignored on
// read — but the field's *width* must still match the reader's
// platform for the envelope to parse, so a 32-bit build's table
// cannot be loaded by a 64-bit reader and vice versa. Kept as-is
// rather than "fixed" into a portable fixed-width field, since
// matching builder/loader bitness is already a deployment
// precondition.
type envelopeHeader struct {
	ItemCount    uint32
	NanomitesPtr uintptr
}

// Table is the in-memory, already-parsed form of a nanomite envelope:
// records in ascending RVA order, exactly as persisted.
type Table struct {
	Records []Record
}

// Encode serializes t into the wire format: an envelope header sized
// for the *current* platform, followed by a flat, densely packed
// array of records.
func (t Table) Encode() []byte {
	var buf bytes.Buffer
	hdr := envelopeHeader{ItemCount: uint32(len(t.Records))}
	binary.Write(&buf, binary.LittleEndian, hdr.ItemCount)
	writePointerPadding(&buf)

	for _, r := range t.Records {
		binary.Write(&buf, binary.LittleEndian, r.RVA)
		binary.Write(&buf, binary.LittleEndian, r.JumpType)
		binary.Write(&buf, binary.LittleEndian, r.JumpLength)
		binary.Write(&buf, binary.LittleEndian, r.OpcodeLength)
	}
	return buf.Bytes()
}

// Decode parses a byte stream produced by Encode (possibly by a
// different build of the same architecture) back into a Table.
func Decode(data []byte) (Table, error) {
	headerSize := envelopeHeaderSize()
	if len(data) < headerSize {
		return Table{}, fmt.Errorf("nanomite: envelope truncated: have %d bytes, need at least %d", len(data), headerSize)
	}

	itemCount := binary.LittleEndian.Uint32(data[0:4])
	body := data[headerSize:]

	want := int(itemCount) * recordSize
	if len(body) < want {
		return Table{}, fmt.Errorf("nanomite: record array truncated: have %d bytes, need %d for %d records", len(body), want, itemCount)
	}

	records := make([]Record, itemCount)
	for i := range records {
		off := i * recordSize
		records[i] = Record{
			RVA:          binary.LittleEndian.Uint32(body[off:]),
			JumpType:     binary.LittleEndian.Uint32(body[off+4:]),
			JumpLength:   binary.LittleEndian.Uint32(body[off+8:]),
			OpcodeLength: binary.LittleEndian.Uint32(body[off+12:]),
		}
	}
	return Table{Records: records}, nil
}

// envelopeHeaderSize reports the size, in bytes, of the envelope
// header on the running platform: item_count (4 bytes), plus
// whatever alignment padding the platform's C ABI inserts before a
// pointer-sized field, plus the pointer width itself.
func envelopeHeaderSize() int {
	return 4 + pointerPadding() + int(unsafe.Sizeof(uintptr(0)))
}

// pointerPadding is the number of bytes needed after a 4-byte
// item_count field to align the following pointer-sized field to its
// own width: 4 on a 64-bit build (4+4=8-aligned), 0 on a 32-bit build
// (4 is already 4-aligned).
func pointerPadding() int {
	ptrSize := int(unsafe.Sizeof(uintptr(0)))
	return (ptrSize - (4 % ptrSize)) % ptrSize
}

func writePointerPadding(buf *bytes.Buffer) {
	pad := make([]byte, pointerPadding()+int(unsafe.Sizeof(uintptr(0))))
	buf.Write(pad)
}

// Index builds an RVA -> *Record lookup for O(1) retrieval, as used
// by the Tracer.
func (t Table) Index() map[uint32]*Record {
	idx := make(map[uint32]*Record, len(t.Records))
	for i := range t.Records {
		idx[t.Records[i].RVA] = &t.Records[i]
	}
	return idx
}
