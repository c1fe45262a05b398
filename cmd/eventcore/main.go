// Command eventcore is the operator CLI and projection server of the event
// store.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/eventcore/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
