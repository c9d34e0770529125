package main

import (
	"fmt"
	"os"

	"github.com/roach88/funnel/internal/cli"
)

// Build-time version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := cli.NewRootCommand()
	rootCmd.Version = fmt.Sprintf("%s (%s)", version, commit)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
