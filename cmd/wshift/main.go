// Command wshift migrates work items from Rally to Azure DevOps.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	configPath string

	// Signal-aware context for graceful cancellation: in-flight items are
	// allowed to finish and the checkpoint stays consistent.
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	rootCmd := &cobra.Command{
		Use:   "wshift",
		Short: "Migrate work items from Rally to Azure DevOps",
		Long: `wshift migrates work-tracking records from Rally (CA Agile Central) to
Azure DevOps, preserving content, hierarchy, comments, attachments, and
workflow state. Runs are idempotent: re-running never creates duplicates,
and interrupted runs resume from a checkpoint.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./wshift.yaml)")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.ExecuteContext(rootCtx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
