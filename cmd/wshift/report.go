package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/workshift/workshift/internal/config"
	"github.com/workshift/workshift/internal/types"
)

func reportCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show failed and skipped records from the last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(cfg.Run.ResultsFile)
			if err != nil {
				return fmt.Errorf("no results found (%s): %w", cfg.Run.ResultsFile, err)
			}
			var summary types.RunSummary
			if err := json.Unmarshal(data, &summary); err != nil {
				return fmt.Errorf("parsing results: %w", err)
			}

			failed := summary.FailedResults()
			skipped := summary.SkippedResults()

			if out != "" {
				export := struct {
					RunID   string                  `json:"run_id"`
					Failed  []types.MigrationResult `json:"failed"`
					Skipped []types.MigrationResult `json:"skipped"`
				}{summary.RunID, failed, skipped}
				payload, err := json.MarshalIndent(export, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, payload, 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %d failed and %d skipped records to %s\n", len(failed), len(skipped), out)
				return nil
			}

			color.Cyan("Run %s: %d processed, %d failed, %d skipped",
				summary.RunID, summary.Progress.Processed, len(failed), len(skipped))
			if len(failed) > 0 {
				fmt.Println()
				color.Red("Failed:")
				for _, r := range failed {
					fmt.Printf("  %-10s %-12s %s\n", r.FormattedID, r.SourceID, r.Reason)
				}
			}
			if len(skipped) > 0 {
				fmt.Println()
				color.Yellow("Skipped:")
				for _, r := range skipped {
					fmt.Printf("  %-10s %-12s %s\n", r.FormattedID, r.SourceID, r.Reason)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "export failed/skipped records to a JSON file")
	return cmd
}
