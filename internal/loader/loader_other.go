//go:build !windows
// +build !windows

package loader

import (
	"fmt"

	"github.com/xyproto/nanomites/internal/cpu"
	"github.com/xyproto/nanomites/internal/nanomite"
)

// ImageBase always fails outside Windows, for the same reason.
func ImageBase() (uintptr, error) {
	return 0, fmt.Errorf("loader: image base resolution is only supported on windows")
}

// LoadMetadataResource always fails outside Windows: there is no PE
// resource section to read from this process's own image. The stub
// keeps the module buildable on non-Windows development machines.
func LoadMetadataResource(id uint16) (nanomite.Table, error) {
	return nanomite.Table{}, fmt.Errorf("loader: resource loading is only supported on windows")
}

// ResolveSectionExtent always fails outside Windows, for the same
// reason.
func ResolveSectionExtent(name string) (cpu.SectionExtent, error) {
	return cpu.SectionExtent{}, fmt.Errorf("loader: section resolution is only supported on windows")
}
