// Package progress prints single-line step timings for interactive
// use.
package progress

import (
	"fmt"
	"strings"
	"time"
)

// Step prints the bracketed status and returns a done func that
// rewrites the line with the elapsed time. fragment, if non-empty, is
// appended to the done line.
func Step(status string) (done func(fragment string)) {
	fmt.Printf("[%s]", status)
	start := time.Now()
	return func(fragment string) {
		elapsed := time.Since(start)
		// Pad to overwrite the longer of the two lines.
		pad := strings.Repeat(" ", len(status)+2)
		fmt.Printf("\r[done] %s in %.2fs%s%s\n", status, elapsed.Seconds(), fragment, pad)
	}
}
