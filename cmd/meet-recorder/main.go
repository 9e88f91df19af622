package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meet-recorder",
		Short: "Join online meetings with a headless browser and record them",
		Long: `meet-recorder runs an HTTP API that starts recording sessions. Each session
gets its own virtual display, audio sink and browser, joins a Google Meet or
Zoom call and records it with ffmpeg until it is stopped.`,
		SilenceUsage: true,
	}

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate(fullVersion() + "\n")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newDoctorCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
