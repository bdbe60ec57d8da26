// Miscellaneous utility functions

package utils

import "fmt"

// FormatBytes formats a uint64 byte quantity using human-readable units, e.g.
// kilobyte, megabyte.
func FormatBytes(v uint64) string {
	var i int

	// Only populate to exabyte, since we are constrained by uint64 limit
	suffixes := [...]string{"B", "KB", "MB", "GB", "TB", "PB", "EB"}
	d := uint64(1)

	for i = 0; i < len(suffixes)-1; i++ {
		if v >= d*1000 {
			d *= 1000
		} else {
			break
		}
	}

	if i == 0 {
		return fmt.Sprintf("%d %s", v, suffixes[i])
	} else {
		// Print 3 significant digits
		return fmt.Sprintf("%.3g %s", float64(v)/float64(d), suffixes[i])
	}
}
