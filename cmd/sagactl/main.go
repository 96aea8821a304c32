// Command sagactl drives a cartwheel deployment over gRPC: it manages users,
// items and orders, runs checkout and cancel sagas, and generates or decodes
// identifiers.
package main

import (
	"fmt"
	"os"
)

func main() {
	cmd := NewRootCommand(nil)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(GetExitCode(err))
	}
}
