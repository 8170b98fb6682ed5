package main

import (
	"fmt"
	"os"

	"github.com/arctir/pintos/internal/cli"
)

func main() {
	pintosCmd := cli.SetupCLI()
	if err := pintosCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
