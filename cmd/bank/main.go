// Command bank runs replicated bank branches and their customers.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/lamportbank/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
