// Package main is the entry point for the pagegate CLI.
package main

import (
	"os"

	"github.com/dk5761/pagegate/cmd/pagegate/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
