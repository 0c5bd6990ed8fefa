package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mpvd",
	Short: "Headless video playback controller",
	Long: `mpvd is a headless video playback controller.

It runs as a daemon that owns a single mpv process, drives it over its
JSON IPC socket and exposes playback control, media management and
uploads through an HTTP API - intended for display appliances such as a
Raspberry Pi wired to a TV over HDMI.

It also provides CLI commands that control a running daemon, useful for
scripting or quick checks over SSH.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
