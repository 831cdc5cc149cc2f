// Package main provides the entry point for the dray CLI.
package main

import (
	"os"

	"github.com/draycraft/dray/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
