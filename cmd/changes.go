package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var changesCmd = &cobra.Command{
	Use:   "changes <target-id>",
	Short: "Show recent diffs of a target (default 50)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		db, _, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		diffs, err := db.ListDiffs(context.Background(), args[0], limit)
		if err != nil {
			return err
		}
		for _, d := range diffs {
			ts := d.CreatedAt.Local().Format("2006-01-02 15:04:05")
			fmt.Printf("%s  %-11s  %-6s  %s\n", ts, d.Result.Signal, d.Result.Severity, d.Result.Summary)
			for _, c := range d.Result.Changes {
				fmt.Printf("    %-24s %s  %s -> %s\n", c.Kind, c.Field, c.OldValue, c.NewValue)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(changesCmd)
	changesCmd.Flags().Int("limit", 50, "Number of recent diffs to show")
}
