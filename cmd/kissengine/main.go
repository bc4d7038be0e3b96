// Command kissengine runs the embedded multi-model data engine: an HTTP
// API in front of a single-writer event-sourced core combining a
// revisioned key/value store, a document layer, and vector collections.
//
// Grounded on _examples/ppriyankuu-godkv/cmd/server/main.go's
// flag-parsed, graceful-shutdown lifecycle, rebuilt around cobra
// subcommands the way _examples/launix-de-memcp and the rest of the
// pack use spf13/cobra for their own CLIs (the teacher's own go.mod
// already carries cobra/pflag as indirect dependencies, unused by its
// flag-based main).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "kissengine",
		Short: "Embedded multi-model data engine: key/value, documents and vectors behind one HTTP API.",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVacuumCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
