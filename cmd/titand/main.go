package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "titand",
		Short: "titan - JS action server with synchronous-looking async I/O",
		Long:  "titand runs titan's HTTP transport, worker pool, and drift engine over a directory of pre-bundled JS actions.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, flags/env override)")

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the titand version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("titand 0.1.0")
			return nil
		},
	}
}
