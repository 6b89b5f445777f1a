package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "careervp",
	Short: "Asynchronous career value proposition generation service",
	Long: `careervp runs the asynchronous generation subsystem: an HTTP API that
accepts generation requests and answers status polls, and a queue worker
that performs the long-running generation itself.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
