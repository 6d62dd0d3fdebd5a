// Package loader resolves, at runtime inside the protected process
// itself, the two things the tracer needs before it can install its
// exception handler: the nanomite table embedded as a resource, and
// the protected section's live address range once the OS has mapped
// the image.
package loader

// headerProbeSize is generously larger than any DOS+COFF+optional
// header plus a handful of section headers will ever be; it bounds
// how much of the running process's own image we read as a byte
// slice to re-run the PE header parser against memory instead of a
// file.
const headerProbeSize = 4096
