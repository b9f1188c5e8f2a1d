// Package main is the entry point for the turnloop CLI.
package main

import (
	"os"

	"github.com/turnloop/turnloop/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
