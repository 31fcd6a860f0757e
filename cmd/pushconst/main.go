// Command pushconst runs the add-offset push constant workload on a compute backend.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/openfluke/pushconst/verify"
)

// exitMismatch is the exit code for a run whose result failed verification.
const exitMismatch = 2

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, verify.ErrMismatch) {
			os.Exit(exitMismatch)
		}
		os.Exit(1)
	}
}
