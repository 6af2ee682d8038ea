package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/platinummonkey/warden/pkg/cli"
)

func main() {
	rootCmd := cli.NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		// check already printed the decision
		if !errors.Is(err, cli.ErrDenied) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
