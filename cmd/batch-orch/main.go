package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "batch-orch",
		Short: "Batch Orchestrator - dependency-aware plan runner",
		Long: `Batch Orchestrator executes batch plans against a shared git repository.
Each batch runs in an isolated worktree through a sandboxed execution
backend, and finished work is merged back in dependency order.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
