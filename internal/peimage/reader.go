package peimage

import (
	"fmt"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/xyproto/nanomites/internal/builder"
)

// Image is a parsed, memory-mapped PE file, open for section lookup
// and (via Builder.Patch on the byte slice it exposes) in-place
// patching of one section's bytes.
type Image struct {
	data     mmap.MMap
	coff     coffHeader
	opt      optionalHeader
	sections []sectionHeader
	peOffset uint32
}

// Open memory-maps path read/write and parses its DOS/COFF/optional
// headers and section table with the same sequential-read approach a
// plain os.File walk would use, adapted to run directly over the
// mapped bytes so the Builder can both scan and patch without a
// second pass.
func Open(path string) (*Image, error) {
	data, err := mmap.OpenFile(path, mmap.RDWR)
	if err != nil {
		return nil, fmt.Errorf("peimage: mmap %s: %v", path, err)
	}

	img := &Image{data: data}
	if err := img.parse(); err != nil {
		data.Unmap()
		return nil, err
	}
	return img, nil
}

// Close unmaps the image. Changes made via Bytes are flushed to disk
// by the OS's normal mmap writeback, not guaranteed synchronously;
// callers that need a durable write should call Flush first.
func (img *Image) Close() error {
	return img.data.Unmap()
}

// Flush forces the mapped pages back to disk.
func (img *Image) Flush() error {
	return img.data.Flush()
}

func (img *Image) parse() error {
	h, err := parseHeaders(img.data)
	if err != nil {
		return err
	}
	img.peOffset = h.peOffset
	img.coff = h.coff
	img.opt = h.opt
	img.sections = h.sections
	return nil
}

// headers is every field the Builder and the resource writer need,
// parsed once from a raw byte slice so Image (over an mmap) and
// AppendResource (over a freshly read []byte) share one parser.
type headers struct {
	peOffset uint32
	coff     coffHeader
	opt      optionalHeader
	sections []sectionHeader
}

func parseHeaders(data []byte) (headers, error) {
	var h headers

	if len(data) < 0x40 {
		return h, fmt.Errorf("peimage: file too small for a DOS header")
	}
	magic := readU16(data, 0)
	if magic != dosMagic {
		return h, fmt.Errorf("peimage: invalid DOS magic 0x%04x", magic)
	}

	h.peOffset = readU32(data, peOffsetField)
	if uint64(h.peOffset)+24 > uint64(len(data)) {
		return h, fmt.Errorf("peimage: PE header offset out of range")
	}

	sig := readU32(data, int(h.peOffset))
	if sig != peSignature {
		return h, fmt.Errorf("peimage: invalid PE signature 0x%08x", sig)
	}

	coffOff := int(h.peOffset) + 4
	h.coff = coffHeader{
		Machine:              readU16(data, coffOff+0),
		NumberOfSections:     readU16(data, coffOff+2),
		TimeDateStamp:        readU32(data, coffOff+4),
		PointerToSymbolTable: readU32(data, coffOff+8),
		NumberOfSymbols:      readU32(data, coffOff+12),
		SizeOfOptionalHeader: readU16(data, coffOff+16),
		Characteristics:      readU16(data, coffOff+18),
	}
	if err := h.coff.validate(); err != nil {
		return h, err
	}

	optOff := coffOff + 20
	if h.coff.SizeOfOptionalHeader == 0 {
		return h, fmt.Errorf("peimage: missing optional header")
	}

	optMagic := readU16(data, optOff)
	var err error
	switch optMagic {
	case magicPE32Plus:
		h.opt, err = parseOptional64(data, optOff)
	case magicPE32:
		h.opt, err = parseOptional32(data, optOff)
	default:
		err = fmt.Errorf("peimage: unknown optional header magic 0x%04x", optMagic)
	}
	if err != nil {
		return h, err
	}

	secOff := optOff + int(h.coff.SizeOfOptionalHeader)
	h.sections = make([]sectionHeader, h.coff.NumberOfSections)
	for i := range h.sections {
		off := secOff + i*sectionHeaderSize()
		if off+sectionHeaderSize() > len(data) {
			return h, fmt.Errorf("peimage: section header %d out of range", i)
		}
		var name [8]byte
		copy(name[:], data[off:off+8])
		h.sections[i] = sectionHeader{
			Name:                 name,
			VirtualSize:          readU32(data, off+8),
			VirtualAddress:       readU32(data, off+12),
			SizeOfRawData:        readU32(data, off+16),
			PointerToRawData:     readU32(data, off+20),
			PointerToRelocations: readU32(data, off+24),
			PointerToLinenumbers: readU32(data, off+28),
			NumberOfRelocations:  readU16(data, off+32),
			NumberOfLinenumbers:  readU16(data, off+34),
			Characteristics:      readU32(data, off+36),
		}
	}

	return h, nil
}

// PE32+ optional header field offsets relative to optOff, up through
// the data directory table (the fields the Builder/loader consult are
// identical in meaning between PE32 and PE32+, only their preceding
// field widths differ).
func parseOptional64(data []byte, optOff int) (optionalHeader, error) {
	var opt optionalHeader
	opt.isPE32Plus = true
	opt.sectionAlignment = readU32(data, optOff+32)
	opt.fileAlignment = readU32(data, optOff+36)
	opt.sizeOfImage = readU32(data, optOff+56)
	opt.sizeOfHeaders = readU32(data, optOff+60)
	opt.numberOfRvaSizes = readU32(data, optOff+108)
	dirs, err := parseDataDirectories(data, optOff+112, opt.numberOfRvaSizes)
	opt.dataDirectories = dirs
	return opt, err
}

func parseOptional32(data []byte, optOff int) (optionalHeader, error) {
	var opt optionalHeader
	opt.isPE32Plus = false
	opt.sectionAlignment = readU32(data, optOff+32)
	opt.fileAlignment = readU32(data, optOff+36)
	opt.sizeOfImage = readU32(data, optOff+56)
	opt.sizeOfHeaders = readU32(data, optOff+60)
	opt.numberOfRvaSizes = readU32(data, optOff+92)
	dirs, err := parseDataDirectories(data, optOff+96, opt.numberOfRvaSizes)
	opt.dataDirectories = dirs
	return opt, err
}

func parseDataDirectories(data []byte, off int, count uint32) ([]dataDirectory, error) {
	n := int(count)
	if n > 16 {
		n = 16
	}
	dirs := make([]dataDirectory, n)
	for i := 0; i < n; i++ {
		entryOff := off + i*8
		if entryOff+8 > len(data) {
			return nil, fmt.Errorf("peimage: data directory %d out of range", i)
		}
		dirs[i] = dataDirectory{
			VirtualAddress: readU32(data, entryOff),
			Size:           readU32(data, entryOff+4),
		}
	}
	return dirs, nil
}

// Section returns the named section's on-disk and runtime extent, in
// the shape internal/builder.Patch expects.
func (img *Image) Section(name string) (builder.Section, bool) {
	return sectionByName(img.sections, name)
}

// SectionFromBytes parses PE/COFF headers out of an arbitrary byte
// slice and looks up name, independent of whether the slice is a
// memory-mapped file (the Builder's case) or a view over a loaded
// module's headers in the current process's own memory (the loader's
// case, once a runtime image base is known).
func SectionFromBytes(data []byte, name string) (builder.Section, bool) {
	h, err := parseHeaders(data)
	if err != nil {
		return builder.Section{}, false
	}
	return sectionByName(h.sections, name)
}

func sectionByName(sections []sectionHeader, name string) (builder.Section, bool) {
	for _, s := range sections {
		if s.name() == name {
			return builder.Section{
				RawOffset:   s.PointerToRawData,
				RawSize:     s.SizeOfRawData,
				VA:          s.VirtualAddress,
				VirtualSize: s.VirtualSize,
			}, true
		}
	}
	return builder.Section{}, false
}

// Bytes exposes the full mapped image for in-place patching, e.g. by
// internal/builder.Patch.
func (img *Image) Bytes() []byte { return img.data }

func readU16(b []byte, off int) uint16 {
	if off+2 > len(b) {
		return 0
	}
	return uint16(b[off]) | uint16(b[off+1])<<8
}

func readU32(b []byte, off int) uint32 {
	if off+4 > len(b) {
		return 0
	}
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}
