package main

import (
	"os"

	"github.com/fatih/color"

	"github.com/withObsrvr/checkpoint-indexer/internal/cli/cmd"
)

// Set with -ldflags "-X main.version=..." at build time.
var (
	version   string
	gitCommit string
	buildDate string
)

func main() {
	cmd.SetVersionInfo(version, gitCommit, buildDate)
	if err := cmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}
