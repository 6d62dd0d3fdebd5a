//go:build windows
// +build windows

package loader

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/xyproto/nanomites/internal/cpu"
	"github.com/xyproto/nanomites/internal/nanomite"
	"github.com/xyproto/nanomites/internal/peimage"
)

// golang.org/x/sys/windows does not wrap the resource-loading quartet
// (FindResource/SizeofResource/LoadResource/LockResource) or
// GetModuleHandle(nullptr), so their addresses are resolved the same
// lazy-DLL way x/sys/windows resolves its own procs internally.
var (
	modkernel32          = windows.NewLazySystemDLL("kernel32.dll")
	procGetModuleHandleW = modkernel32.NewProc("GetModuleHandleW")
	procFindResourceW    = modkernel32.NewProc("FindResourceW")
	procSizeofResource   = modkernel32.NewProc("SizeofResource")
	procLoadResource     = modkernel32.NewProc("LoadResource")
	procLockResource     = modkernel32.NewProc("LockResource")
)

// ImageBase returns the running process's own module base address
// (GetModuleHandle(nullptr) cast to an address), the reference point
// every RVA in the nanomite table and every section header is
// relative to.
func ImageBase() (uintptr, error) {
	r1, _, callErr := procGetModuleHandleW.Call(0)
	if r1 == 0 {
		return 0, fmt.Errorf("loader: GetModuleHandleW: %v", callErr)
	}
	return r1, nil
}

// LoadMetadataResource locates the nanomite table attached under id
// as an RT_RCDATA resource of the running executable, copies it out
// of the module's mapped memory, and decodes it.
func LoadMetadataResource(id uint16) (nanomite.Table, error) {
	base, err := ImageBase()
	if err != nil {
		return nanomite.Table{}, err
	}

	hrsrc, _, callErr := procFindResourceW.Call(base, uintptr(id), uintptr(peimage.RTRCData))
	if hrsrc == 0 {
		return nanomite.Table{}, fmt.Errorf("loader: FindResourceW(id=%d): %v", id, callErr)
	}

	size, _, _ := procSizeofResource.Call(base, hrsrc)
	if size == 0 {
		return nanomite.Table{}, fmt.Errorf("loader: SizeofResource(id=%d) returned 0", id)
	}

	hglobal, _, callErr := procLoadResource.Call(base, hrsrc)
	if hglobal == 0 {
		return nanomite.Table{}, fmt.Errorf("loader: LoadResource(id=%d): %v", id, callErr)
	}

	ptr, _, callErr := procLockResource.Call(hglobal)
	if ptr == 0 {
		return nanomite.Table{}, fmt.Errorf("loader: LockResource(id=%d): %v", id, callErr)
	}

	view := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), int(size))
	owned := make([]byte, len(view))
	copy(owned, view)

	return nanomite.Decode(owned)
}

// ResolveSectionExtent re-parses the running module's own PE headers
// directly out of its mapped memory (the same header walk
// internal/peimage runs against a file) to find name's live address
// range.
func ResolveSectionExtent(name string) (cpu.SectionExtent, error) {
	base, err := ImageBase()
	if err != nil {
		return cpu.SectionExtent{}, err
	}

	headerView := unsafe.Slice((*byte)(unsafe.Pointer(base)), headerProbeSize)
	sec, ok := peimage.SectionFromBytes(headerView, name)
	if !ok {
		return cpu.SectionExtent{}, fmt.Errorf("loader: section %q not found in loaded image", name)
	}

	start := base + uintptr(sec.VA)
	size := uintptr(sec.VirtualSize)
	return cpu.SectionExtent{Start: start, End: start + size - 1, Size: size}, nil
}
