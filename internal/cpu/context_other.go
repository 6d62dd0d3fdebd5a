//go:build !windows
// +build !windows

package cpu

import "fmt"

// NewContext always fails outside Windows: there is no vectored
// exception handler delivering a CONTEXT pointer to wrap. The stub
// exists so the module, its tests, and tooling that only needs
// internal/branch, internal/classify, internal/nanomite, and
// internal/evaluate still build on a non-Windows development machine.
func NewContext(ptr uintptr) (Context, error) {
	return nil, fmt.Errorf("cpu: thread context access is only supported on windows")
}
