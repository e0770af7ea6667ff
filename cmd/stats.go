package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Prints per-context statistics about snapshots, diffs and alerts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		stats, err := db.GetStats(ctx)
		if err != nil {
			return err
		}

		if len(stats) == 0 {
			fmt.Println("No data in the database to generate stats.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "CONTEXT\tSNAPSHOTS\tDIFFS\tALERTS\t")

		var totalSnapshots, totalDiffs, totalAlerts int
		for _, s := range stats {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t\n", s.ContextKey, s.Snapshots, s.Diffs, s.Alerts)
			totalSnapshots += s.Snapshots
			totalDiffs += s.Diffs
			totalAlerts += s.Alerts
		}

		fmt.Fprintln(w, " \t \t \t \t")
		fmt.Fprintf(w, "TOTAL\t%d\t%d\t%d\t\n", totalSnapshots, totalDiffs, totalAlerts)

		w.Flush()

		crawls, err := db.TotalCrawls(ctx, time.Now().UTC().Format("2006-01-02"))
		if err != nil {
			return err
		}
		fmt.Printf("\nScheduled crawls today: %d\n", crawls)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
