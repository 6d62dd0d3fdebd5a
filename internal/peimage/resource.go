package peimage

import (
	"fmt"
	"os"
	"path/filepath"
)

// RTRCData is IMAGE_RESOURCE_DIRECTORY's RT_RCDATA resource type: raw
// application-defined data, the type the nanomite table is attached
// as.
const RTRCData = 10

// LangNeutral is MAKELANGID(LANG_NEUTRAL, SUBLANG_NEUTRAL).
const LangNeutral = 0

const imageResourceDirectorySize = 16
const imageResourceDirectoryEntrySize = 8
const imageResourceDataEntrySize = 16

// AppendResource attaches data as a new PE section holding a
// single-entry IMAGE_RESOURCE_DIRECTORY tree (type/id/language, three
// levels deep, one leaf) addressable at runtime via
// FindResource(id, RT_RCDATA), and commits the result atomically: the
// rewritten image is written to a temporary file in the same
// directory and renamed over path, so a failure midway never leaves a
// partially patched executable.
//
// This achieves the same end result as the Windows resource-update
// APIs (BeginUpdateResource/UpdateResourceW/EndUpdateResource) without
// depending on them at build time, so the Builder can run on any host
// OS.
func AppendResource(path string, id uint16, data []byte) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("peimage: read %s: %v", path, err)
	}

	h, err := parseHeaders(raw)
	if err != nil {
		return err
	}

	if len(h.sections) == 0 {
		return fmt.Errorf("peimage: no sections to anchor the new section after")
	}

	secOff := sectionTableOffset(h)
	headerRoomEnd := int(h.opt.sizeOfHeaders)
	nextHeaderSlot := secOff + len(h.sections)*sectionHeaderSize()
	if nextHeaderSlot+sectionHeaderSize() > headerRoomEnd {
		return fmt.Errorf("peimage: no slack between the section table and the first section's raw data to add another section header")
	}

	fileAlign := nonZero(h.opt.fileAlignment, 0x200)
	sectAlign := nonZero(h.opt.sectionAlignment, 0x1000)

	lastRawEnd, lastVAEnd := uint32(0), uint32(0)
	for _, s := range h.sections {
		if end := s.PointerToRawData + s.SizeOfRawData; end > lastRawEnd {
			lastRawEnd = end
		}
		if end := s.VirtualAddress + align(s.VirtualSize, sectAlign); end > lastVAEnd {
			lastVAEnd = end
		}
	}

	resourceTree := buildResourceTree(id, uint32(len(data)), lastVAEnd)
	content := append(resourceTree, data...)

	rawOffset := align(lastRawEnd, fileAlign)
	rawSize := align(uint32(len(content)), fileAlign)
	virtualAddress := align(lastVAEnd, sectAlign)
	virtualSize := uint32(len(content))

	out := make([]byte, 0, rawOffset+rawSize)
	out = append(out, raw...)
	if pad := int(rawOffset) - len(out); pad > 0 {
		out = append(out, make([]byte, pad)...)
	}
	out = append(out, content...)
	if pad := int(rawSize) - len(content); pad > 0 {
		out = append(out, make([]byte, pad)...)
	}

	newSection := sectionHeader{
		VirtualSize:      virtualSize,
		VirtualAddress:   virtualAddress,
		SizeOfRawData:    rawSize,
		PointerToRawData: rawOffset,
		Characteristics:  0x40000040, // IMAGE_SCN_CNT_INITIALIZED_DATA | IMAGE_SCN_MEM_READ
	}
	copy(newSection.Name[:], ".ndat")

	writeSectionHeader(out, nextHeaderSlot, newSection)
	writeU16At(out, sectionCountOffset(h), h.coff.NumberOfSections+1)

	newSizeOfImage := align(virtualAddress+virtualSize, sectAlign)
	writeU32At(out, sizeOfImageOffset(h), newSizeOfImage)

	if int(resourceDirIdx) < len(h.opt.dataDirectories) {
		dirOff := dataDirectoryOffset(h, resourceDirIdx)
		writeU32At(out, dirOff, virtualAddress)
		writeU32At(out, dirOff+4, virtualSize)
	}

	return commitAtomically(path, out)
}

func sectionTableOffset(h headers) int {
	coffOff := int(h.peOffset) + 4
	optOff := coffOff + 20
	return optOff + int(h.coff.SizeOfOptionalHeader)
}

func sectionCountOffset(h headers) int {
	return int(h.peOffset) + 4 + 2
}

func sizeOfImageOffset(h headers) int {
	coffOff := int(h.peOffset) + 4
	optOff := coffOff + 20
	// SizeOfImage sits at the same offset in both optional header
	// forms (their preceding fields differ in width but not in the
	// cumulative byte count up to this point).
	return optOff + 56
}

func dataDirectoryOffset(h headers, index int) int {
	coffOff := int(h.peOffset) + 4
	optOff := coffOff + 20
	base := optOff + 112
	if !h.opt.isPE32Plus {
		base = optOff + 96
	}
	return base + index*8
}

// buildResourceTree encodes a three-level IMAGE_RESOURCE_DIRECTORY
// tree (type RT_RCDATA -> id -> language neutral) with a single leaf
// IMAGE_RESOURCE_DATA_ENTRY pointing at dataSize bytes that follow the
// tree itself within the new section, whose section VA is sectionVA.
func buildResourceTree(id uint16, dataSize uint32, sectionVA uint32) []byte {
	const highBit = 0x80000000

	typeDirOff := 0
	idDirOff := typeDirOff + imageResourceDirectorySize + imageResourceDirectoryEntrySize
	langDirOff := idDirOff + imageResourceDirectorySize + imageResourceDirectoryEntrySize
	dataEntryOff := langDirOff + imageResourceDirectorySize + imageResourceDirectoryEntrySize
	treeSize := dataEntryOff + imageResourceDataEntrySize

	buf := make([]byte, treeSize)

	writeResourceDirectory(buf, typeDirOff, 1)
	writeResourceDirectoryEntry(buf, typeDirOff+imageResourceDirectorySize, RTRCData, false, uint32(idDirOff)|highBit)

	writeResourceDirectory(buf, idDirOff, 1)
	writeResourceDirectoryEntry(buf, idDirOff+imageResourceDirectorySize, uint32(id), false, uint32(langDirOff)|highBit)

	writeResourceDirectory(buf, langDirOff, 1)
	writeResourceDirectoryEntry(buf, langDirOff+imageResourceDirectorySize, LangNeutral, false, uint32(dataEntryOff))

	// OffsetToData in IMAGE_RESOURCE_DATA_ENTRY is an RVA, not an
	// offset relative to the resource directory, unlike every entry
	// above it.
	writeU32At(buf, dataEntryOff, sectionVA+uint32(treeSize))
	writeU32At(buf, dataEntryOff+4, dataSize)
	writeU32At(buf, dataEntryOff+8, 0) // CodePage
	writeU32At(buf, dataEntryOff+12, 0)

	return buf
}

func writeResourceDirectory(buf []byte, off int, namedPlusIDEntries uint16) {
	// Characteristics, TimeDateStamp, MajorVersion, MinorVersion: 0.
	writeU16At(buf, off+12, 0) // NumberOfNamedEntries
	writeU16At(buf, off+14, namedPlusIDEntries)
}

func writeResourceDirectoryEntry(buf []byte, off int, idOrNameOffset uint32, isName bool, offsetToDataOrDir uint32) {
	writeU32At(buf, off, idOrNameOffset)
	writeU32At(buf, off+4, offsetToDataOrDir)
}

func writeSectionHeader(buf []byte, off int, s sectionHeader) {
	copy(buf[off:off+8], s.Name[:])
	writeU32At(buf, off+8, s.VirtualSize)
	writeU32At(buf, off+12, s.VirtualAddress)
	writeU32At(buf, off+16, s.SizeOfRawData)
	writeU32At(buf, off+20, s.PointerToRawData)
	writeU32At(buf, off+24, s.PointerToRelocations)
	writeU32At(buf, off+28, s.PointerToLinenumbers)
	writeU16At(buf, off+32, s.NumberOfRelocations)
	writeU16At(buf, off+34, s.NumberOfLinenumbers)
	writeU32At(buf, off+36, s.Characteristics)
}

func writeU16At(buf []byte, off int, v uint16) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
}

func writeU32At(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

func align(v, alignment uint32) uint32 {
	if alignment == 0 {
		return v
	}
	rem := v % alignment
	if rem == 0 {
		return v
	}
	return v + (alignment - rem)
}

func nonZero(v, fallback uint32) uint32 {
	if v == 0 {
		return fallback
	}
	return v
}

// commitAtomically writes content to a temp file beside path and
// renames it over path, so a crash or write error midway leaves the
// original file untouched.
func commitAtomically(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".nanomites-*.tmp")
	if err != nil {
		return fmt.Errorf("peimage: create temp file: %v", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("peimage: write temp file: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("peimage: close temp file: %v", err)
	}

	info, err := os.Stat(path)
	if err == nil {
		os.Chmod(tmpPath, info.Mode())
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("peimage: rename into place: %v", err)
	}
	return nil
}
