// offsync-demo exercises the sync core end to end: it serves the reference
// remote, runs reconciliation cycles against it, and walks the offline-first
// flow from the command line.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
