package main

import (
	"context"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/medirec/offsync/engine"
)

var syncCmd = &cobra.Command{
	Use:   "sync [collection...]",
	Short: "Run one reconciliation cycle per collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		collections := args
		if len(collections) == 0 {
			collections, err = a.store.PendingCollections(cmd.Context())
			if err != nil {
				return err
			}
			if len(collections) == 0 {
				color.Yellow("nothing pending")
				return nil
			}
		}

		for _, collection := range collections {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			summary, err := a.engine.RunCycle(ctx, collection)
			cancel()
			if err != nil {
				return err
			}
			printSummary(summary)
		}
		return nil
	},
}

func printSummary(s *engine.Summary) {
	color.Cyan("%s:", s.Collection)
	color.Green("  pushed    %d", s.Pushed)
	color.Green("  pulled    %d", s.Pulled)
	if s.Conflicts > 0 {
		color.Yellow("  conflicts %d", s.Conflicts)
	}
	if s.Blocked > 0 {
		color.Yellow("  blocked   %d", s.Blocked)
	}
	if s.Dead > 0 {
		color.Red("  dead      %d", s.Dead)
	}
	for _, err := range s.Errors {
		color.Red("  error: %v", err)
	}
}
