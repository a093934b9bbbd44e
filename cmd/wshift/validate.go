package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/workshift/workshift/internal/config"
	"github.com/workshift/workshift/internal/connector/azuredevops"
	"github.com/workshift/workshift/internal/connector/rally"
	"github.com/workshift/workshift/internal/mapping"
	"github.com/workshift/workshift/internal/workflow"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check configuration, mapping, and connectivity to both trackers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			color.Green("✓ configuration")

			if _, err := mapping.Load(cfg.MappingFile); err != nil {
				return err
			}
			color.Green("✓ mapping config (%s)", cfg.MappingFile)

			if cfg.TransitionsFile != "" {
				if _, err := workflow.LoadTable(cfg.TransitionsFile); err != nil {
					return err
				}
				color.Green("✓ transition table (%s)", cfg.TransitionsFile)
			}

			ctx := cmd.Context()
			source := rally.New(cfg.Source.BaseURL, cfg.Source.APIKey, cfg.Source.Workspace)
			if err := source.Validate(ctx); err != nil {
				return err
			}
			color.Green("✓ source connection (rally)")

			target := azuredevops.New(cfg.Target.Organization, cfg.Target.Project, cfg.Target.PAT)
			if err := target.Validate(ctx); err != nil {
				return err
			}
			color.Green("✓ target connection (azuredevops, project %s)", cfg.Target.Project)
			return nil
		},
	}
}
