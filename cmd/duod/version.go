package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Overridden by ldflags at release build time.
var (
	Version = "0.1.0"
	Build   = "dev"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if jsonOutput {
			fmt.Printf("{\"version\":%q,\"build\":%q}\n", Version, Build)
			return
		}
		fmt.Printf("duod version %s (%s)\n", Version, Build)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
