package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/workshift/workshift/internal/checkpoint"
	"github.com/workshift/workshift/internal/config"
	"github.com/workshift/workshift/internal/connector"
	"github.com/workshift/workshift/internal/connector/azuredevops"
	"github.com/workshift/workshift/internal/connector/rally"
	"github.com/workshift/workshift/internal/engine"
	"github.com/workshift/workshift/internal/events"
	"github.com/workshift/workshift/internal/mapping"
	"github.com/workshift/workshift/internal/types"
	"github.com/workshift/workshift/internal/workflow"
)

func migrateCmd() *cobra.Command {
	var (
		dryRun bool
		resume bool
		ids    []string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run the migration",
		Long: `Migrate migrates all matching Rally artifacts to Azure DevOps. Records
that already exist in the target are reconciled (patched or skipped), new
ones are created, stepped to their mapped workflow state, and linked to
their parents, children, and test cases. Ctrl-C cancels cooperatively;
--resume continues an interrupted run from its checkpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runMigrate(cmd.Context(), cfg, dryRun, resume, ids)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute decisions without writing to the target")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume from the last checkpoint")
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "migrate only these source ObjectIDs")
	return cmd
}

func runMigrate(ctx context.Context, cfg *config.Config, dryRun, resume bool, onlyIDs []string) error {
	source := rally.New(cfg.Source.BaseURL, cfg.Source.APIKey, cfg.Source.Workspace)
	target := azuredevops.New(cfg.Target.Organization, cfg.Target.Project, cfg.Target.PAT)

	transformer, err := mapping.Load(cfg.MappingFile)
	if err != nil {
		return err
	}

	table := workflow.DefaultTable()
	if cfg.TransitionsFile != "" {
		if table, err = workflow.LoadTable(cfg.TransitionsFile); err != nil {
			return err
		}
	}
	controller := workflow.NewController(target, table)
	cps := checkpoint.NewStore(cfg.Run.CheckpointFile)

	opts := engine.Options{
		BatchSize:             cfg.Run.BatchSize,
		Concurrency:           cfg.Run.Concurrency,
		AttachmentConcurrency: cfg.Run.AttachmentConcurrency,
		InterBatchDelay:       cfg.Run.InterBatchDelay,
		MaxRetries:            cfg.Run.MaxRetries,
		DryRun:                dryRun,
	}

	var seed map[string]string
	if resume {
		cp, err := cps.Load()
		if err != nil {
			return err
		}
		if cp == nil {
			color.Yellow("No checkpoint found; starting from the beginning")
		} else {
			opts.StartIndex = cp.LastIndex + 1
			seed = cp.XRef
			color.Cyan("Resuming run %s from index %d (%d records already mapped)",
				cp.RunID, opts.StartIndex, len(cp.XRef))
		}
	}

	ids := onlyIDs
	if len(ids) == 0 {
		filter := connector.SourceFilter{
			Types: cfg.Source.Types,
			State: cfg.Source.State,
			Query: cfg.Source.Query,
		}
		if ids, err = source.FetchAllRecordIDs(ctx, filter); err != nil {
			return err
		}
	}
	if len(ids) == 0 {
		color.Yellow("Nothing to migrate")
		return nil
	}

	bus := events.New()
	registerProgressBar(bus, len(ids))

	eng := engine.New(source, target, transformer, controller, cps, bus, opts)
	if seed != nil {
		eng.SeedXRef(seed)
	}

	summary, err := eng.Run(ctx, ids)
	if summary != nil {
		if werr := writeResults(cfg.Run.ResultsFile, summary); werr != nil {
			color.Yellow("Warning: could not write results file: %v", werr)
		}
		printSummary(summary)
	}
	return err
}

// registerProgressBar attaches an mpb progress bar plus warning passthrough
// to the event bus.
func registerProgressBar(bus *events.Bus, total int) {
	progress := mpb.New(mpb.WithWidth(48))
	bar := progress.AddBar(int64(total),
		mpb.PrependDecorators(
			decor.Name("migrating "),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(decor.Percentage()),
	)

	bus.Register(&events.HandlerFunc{
		Name:  "cli-progress",
		Types: []events.EventType{events.EventItemCompleted, events.EventRunFinished},
		Fn: func(_ context.Context, ev *events.Event) error {
			switch ev.Type {
			case events.EventItemCompleted:
				bar.Increment()
			case events.EventRunFinished:
				bar.SetTotal(-1, true)
				progress.Wait()
			}
			return nil
		},
	})
	bus.Register(&events.HandlerFunc{
		Name:  "cli-warnings",
		Types: []events.EventType{events.EventWarning},
		Prio:  10,
		Fn: func(_ context.Context, ev *events.Event) error {
			fmt.Fprintln(os.Stderr, color.YellowString("warning: %s", ev.Message))
			return nil
		},
	})
}

func writeResults(path string, summary *types.RunSummary) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func printSummary(summary *types.RunSummary) {
	p := summary.Progress
	fmt.Println()
	if summary.Cancelled {
		color.Yellow("Run %s cancelled after %d of %d records", summary.RunID, p.Processed, p.Total)
	} else {
		color.Cyan("Run %s finished", summary.RunID)
	}
	fmt.Printf("  %s  %d\n", color.GreenString("succeeded:"), p.Succeeded)
	fmt.Printf("  %s    %d\n", color.YellowString("skipped:"), p.Skipped)
	fmt.Printf("  %s     %d\n", color.RedString("failed:"), p.Failed)
	if p.Failed > 0 {
		fmt.Println("\nRun `wshift report` for the failed/skipped breakdown.")
	}
}
