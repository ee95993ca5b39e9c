package main

import (
	"os"

	"github.com/meshstor/meshstor/internal/cli"
)

func main() {
	if err := cli.NewRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
