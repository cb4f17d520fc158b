// Command miioctl is a console entry point for talking to a single Mi
// Home device over UDP: handshake, send a raw method call, or use one of
// a few convenience wrappers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "miioctl",
		Short:         "Talk to a Mi Home device over its binary UDP protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		handshakeCmd(),
		sendCmd(),
		getPropCmd(),
		setPowerCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("miioctl %s (%s, built %s)\n", version, commit, date)
		},
	}
}
