package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.Version=..."
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func fullVersion() string {
	return fmt.Sprintf("meet-recorder %s, commit %s, built at %s (%s)", Version, Commit, Date, runtime.Version())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), fullVersion())
		},
	}
}
