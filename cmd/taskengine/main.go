// Package main is the entry point for the taskengine CLI.
package main

import (
	"fmt"
	"os"

	"github.com/rogers-f/taskengine/internal/cli"
	"github.com/rogers-f/taskengine/internal/domain"
)

// version is set at build time using -ldflags.
var version = "dev"

func main() {
	if err := cli.NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(domain.ExitCode(err))
	}
}
