package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rivalwatch/rivalwatch/pkg/quota"
	"github.com/rivalwatch/rivalwatch/pkg/scheduler"
)

// checkCmd implements: rivalwatch check <target-id> [--context us,de]
var checkCmd = &cobra.Command{
	Use:   "check <target-id>",
	Short: "Check a target now, spending one manual check",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, _ := cmd.Flags().GetStringSlice("context")

		db, _, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		eng, err := newEngine(db, printItem)
		if err != nil {
			return err
		}
		defer eng.Close()

		stats, err := eng.scheduler.RunOnDemand(cmd.Context(), scheduler.Request{TargetID: args[0], ContextKeys: keys})
		var denied *quota.DeniedError
		switch {
		case errors.As(err, &denied):
			fmt.Println(denied.Decision.Reason)
			if denied.Decision.UpgradePrompt {
				fmt.Println("Upgrade your plan to run more manual checks today.")
			}
			return nil
		case errors.Is(err, scheduler.ErrNothingToDo):
			return fmt.Errorf("no allowed monitoring context matches %v", keys)
		case err != nil:
			return err
		}
		printStats(stats)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringSlice("context", nil, "Context keys to check (default: every context the plan allows)")
}
