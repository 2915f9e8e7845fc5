package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
)

// Version information set at build time.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatd",
		Short: "Global broadcast WebSocket chat server",
		Long: `chatd serves a single global chat group over WebSocket.

Every client gets a resumable session whose message count survives
reconnects, a heartbeat every 30 seconds, and a clean goodbye when it
leaves or the server shuts down.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		loadtestCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
