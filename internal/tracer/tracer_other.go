//go:build !windows
// +build !windows

package tracer

import "fmt"

// installHandler always fails outside Windows: there is no vectored
// exception handler API to install into. The stub keeps the module
// buildable, and internal/evaluate-level behavior testable via
// resolve, on non-Windows development machines.
func installHandler() error {
	return fmt.Errorf("exception handling is only supported on windows")
}

func removeHandler() {}
