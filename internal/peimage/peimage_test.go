package peimage

import "testing"

// buildMinimalPE32Plus assembles just enough of a PE32+ file for
// parseHeaders to succeed, with a single named section.
func buildMinimalPE32Plus(sectionName string, rawOffset, rawSize, va, vsize uint32) []byte {
	const numDataDirs = 16
	const optHeaderSize = 112 + numDataDirs*8
	const numSections = 1

	coffOff := 0x80
	optOff := coffOff + 24
	secOff := optOff + optHeaderSize
	fileSize := secOff + numSections*sectionHeaderSize()
	if int(rawOffset+rawSize) > fileSize {
		fileSize = int(rawOffset + rawSize)
	}

	buf := make([]byte, fileSize)
	writeU16At(buf, 0, dosMagic)
	writeU32At(buf, peOffsetField, uint32(coffOff))
	writeU32At(buf, coffOff, peSignature)

	writeU16At(buf, coffOff+4, 0x8664)                 // Machine
	writeU16At(buf, coffOff+6, numSections)            // NumberOfSections
	writeU16At(buf, coffOff+20, uint16(optHeaderSize)) // SizeOfOptionalHeader

	writeU16At(buf, optOff, magicPE32Plus)
	writeU32At(buf, optOff+32, 0x1000) // SectionAlignment
	writeU32At(buf, optOff+36, 0x200)  // FileAlignment
	writeU32At(buf, optOff+56, uint32(fileSize)) // SizeOfImage (placeholder)
	writeU32At(buf, optOff+60, uint32(secOff))   // SizeOfHeaders
	writeU32At(buf, optOff+108, numDataDirs)     // NumberOfRvaAndSizes

	copy(buf[secOff:secOff+8], sectionName)
	writeU32At(buf, secOff+8, vsize)
	writeU32At(buf, secOff+12, va)
	writeU32At(buf, secOff+16, rawSize)
	writeU32At(buf, secOff+20, rawOffset)

	return buf
}

func TestParseHeadersFindsSection(t *testing.T) {
	buf := buildMinimalPE32Plus(".nano", 0x400, 0x200, 0x1000, 0x1F0)

	h, err := parseHeaders(buf)
	if err != nil {
		t.Fatalf("parseHeaders: %v", err)
	}
	if len(h.sections) != 1 {
		t.Fatalf("got %d sections, want 1", len(h.sections))
	}
	s := h.sections[0]
	if s.name() != ".nano" {
		t.Errorf("section name = %q, want .nano", s.name())
	}
	if s.PointerToRawData != 0x400 || s.SizeOfRawData != 0x200 {
		t.Errorf("raw extent = [0x%x, +0x%x), want [0x400, +0x200)", s.PointerToRawData, s.SizeOfRawData)
	}
	if s.VirtualAddress != 0x1000 || s.VirtualSize != 0x1F0 {
		t.Errorf("virtual extent = [0x%x, +0x%x), want [0x1000, +0x1F0)", s.VirtualAddress, s.VirtualSize)
	}
	if !h.opt.isPE32Plus {
		t.Error("isPE32Plus = false, want true")
	}
}

func TestParseHeadersRejectsBadMagic(t *testing.T) {
	buf := buildMinimalPE32Plus(".nano", 0x400, 0x200, 0x1000, 0x1F0)
	buf[0] = 0

	if _, err := parseHeaders(buf); err == nil {
		t.Fatal("expected error for invalid DOS magic")
	}
}

func TestAlign(t *testing.T) {
	cases := []struct{ v, alignment, want uint32 }{
		{0, 0x200, 0},
		{1, 0x200, 0x200},
		{0x200, 0x200, 0x200},
		{0x201, 0x200, 0x400},
		{5, 0, 5},
	}
	for _, c := range cases {
		if got := align(c.v, c.alignment); got != c.want {
			t.Errorf("align(0x%x, 0x%x) = 0x%x, want 0x%x", c.v, c.alignment, got, c.want)
		}
	}
}

func TestBuildResourceTreeRoundTrip(t *testing.T) {
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02}
	const sectionVA = 0x4000
	const resourceID = 1234

	tree := buildResourceTree(resourceID, uint32(len(data)), sectionVA)

	// Walk the three directory levels by hand, as FindResource would.
	typeEntries := readU16(tree, 14)
	if typeEntries != 1 {
		t.Fatalf("type level has %d entries, want 1", typeEntries)
	}
	typeID := readU32(tree, imageResourceDirectorySize)
	if typeID != RTRCData {
		t.Errorf("type id = %d, want %d", typeID, RTRCData)
	}
	idDirOff := int(readU32(tree, imageResourceDirectorySize+4) &^ 0x80000000)

	idEntries := readU16(tree, idDirOff+14)
	if idEntries != 1 {
		t.Fatalf("id level has %d entries, want 1", idEntries)
	}
	gotID := readU32(tree, idDirOff+imageResourceDirectorySize)
	if gotID != resourceID {
		t.Errorf("resource id = %d, want %d", gotID, resourceID)
	}
	langDirOff := int(readU32(tree, idDirOff+imageResourceDirectorySize+4) &^ 0x80000000)

	langID := readU32(tree, langDirOff+imageResourceDirectorySize)
	if langID != LangNeutral {
		t.Errorf("language id = %d, want neutral (0)", langID)
	}
	dataEntryOff := int(readU32(tree, langDirOff+imageResourceDirectorySize+4))

	gotRVA := readU32(tree, dataEntryOff)
	gotSize := readU32(tree, dataEntryOff+4)
	if gotRVA != sectionVA+uint32(len(tree)) {
		t.Errorf("data RVA = 0x%x, want 0x%x", gotRVA, sectionVA+uint32(len(tree)))
	}
	if gotSize != uint32(len(data)) {
		t.Errorf("data size = %d, want %d", gotSize, len(data))
	}
}
