package main

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/medirec/offsync/record"
	"github.com/medirec/offsync/resolve"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list [collection]",
	Short: "List unresolved conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		collection := ""
		if len(args) > 0 {
			collection = args[0]
		}

		conflicts, err := a.store.ListConflicts(cmd.Context(), collection)
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			color.Green("no unresolved conflicts")
			return nil
		}

		for _, c := range conflicts {
			printConflict(c)
		}
		color.Yellow("%d unresolved conflict(s)", len(conflicts))
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id> <keep-local|keep-remote|field-merge>",
	Short: "Resolve a conflict with the given strategy",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		rec, err := a.resolver.Resolve(cmd.Context(), args[0], resolve.Strategy(args[1]))
		if err != nil {
			return err
		}

		color.Green("resolved %s/%s with %s", rec.Collection, rec.ID, args[1])
		if rec.Dirty {
			// The chosen outcome still has to reach the remote.
			a.engine.TriggerSync(rec.Collection)
			color.Cyan("sync cycle triggered for %s", rec.Collection)
		}
		return nil
	},
}

func init() {
	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd)
}

func printConflict(c *record.Conflict) {
	color.Yellow("%s  %s/%s  detected %s",
		c.ID, c.Collection, c.RecordID, c.DetectedAt.Format("2006-01-02 15:04:05"))

	keys := map[string]struct{}{}
	for k := range c.Local.Fields {
		keys[k] = struct{}{}
	}
	for k := range c.Remote.Fields {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		lv, lok := c.Local.Fields[k]
		rv, rok := c.Remote.Fields[k]
		if lok && rok && fmt.Sprint(lv) == fmt.Sprint(rv) {
			continue
		}
		fmt.Printf("    %s: local=%v remote=%v\n", k, lv, rv)
	}
	if c.Remote.Deleted {
		color.Red("    remote side is a delete")
	}
	if c.Local.Deleted {
		color.Red("    local side is a delete")
	}
}
