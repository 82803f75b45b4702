// Command covenant runs the social agreement and collateral ledger.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/covenant/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
