// Package protected is the demo payload meant to run inside the
// nanomited section: a small, deliberately branchy routine whose
// control flow the Builder replaces with traps, and whose checksum
// the demo prints once the tracer has finished stitching it back
// together. It has no role in the protection scheme itself.
package protected

import "hash/crc32"

// Checksum runs a short piece of branchy text-processing logic over
// input and returns its CRC-32 (IEEE polynomial), exercising enough
// conditional and unconditional branches to be worth nanomiting.
func Checksum(input string) uint32 {
	table := crc32.MakeTable(crc32.IEEE)
	var sum uint32

	for i := 0; i < len(input); i++ {
		c := input[i]
		switch {
		case c >= 'a' && c <= 'z':
			c -= 'a' - 'A'
		case c >= '0' && c <= '9':
			if sum%2 == 0 {
				c++
			} else {
				c--
			}
		case c == ' ':
			continue
		}
		sum = crc32.Update(sum, table, []byte{c})
	}

	return sum
}
