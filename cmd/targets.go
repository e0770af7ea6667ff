package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rivalwatch/rivalwatch/internal/utils"
	"github.com/rivalwatch/rivalwatch/pkg/monitor"
	"github.com/rivalwatch/rivalwatch/pkg/quota"
	"github.com/rivalwatch/rivalwatch/pkg/targets"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Manage monitored competitor targets",
}

// targetsAddCmd implements: rivalwatch targets add --user <id|email> --name Acme <url>
var targetsAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Start monitoring a competitor page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userRef, _ := cmd.Flags().GetString("user")
		name, _ := cmd.Flags().GetString("name")

		db, _, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		guard, err := newGuardrail(db)
		if err != nil {
			return err
		}

		r := targets.NewRegistrar(db, guard, utils.Log)
		t, err := r.Add(context.Background(), targets.Request{User: userRef, URL: args[0], Name: name})
		var denied *quota.DeniedError
		if errors.As(err, &denied) {
			fmt.Println(denied.Decision.Reason)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("Added %s (%s) as %s\n", t.Name, t.URL, t.ID)
		return nil
	},
}

var targetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List targets",
	RunE: func(cmd *cobra.Command, args []string) error {
		userRef, _ := cmd.Flags().GetString("user")

		db, _, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		userID := ""
		if userRef != "" {
			user, err := db.GetUser(ctx, userRef)
			if err != nil {
				return err
			}
			userID = user.ID
		}
		list, err := db.ListTargets(ctx, userID)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No targets yet. Add one with 'rivalwatch targets add'.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tDOMAIN\tSTATUS\tHINT\tFAILURES\tLAST CHECKED\t")
		for _, t := range list {
			last := "never"
			if t.LastCheckedAt != nil {
				last = t.LastCheckedAt.Local().Format("2006-01-02 15:04")
			}
			hint := string(t.ScraperHint)
			if hint == "" {
				hint = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t\n", t.ID, utils.Truncate(t.Name, 30), t.Domain, t.Status, hint, t.ConsecutiveFailures, last)
		}
		return w.Flush()
	},
}

func statusCmd(use, short string, status monitor.TargetStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <target-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.SetTargetStatus(context.Background(), args[0], status); err != nil {
				return err
			}
			fmt.Printf("%s is now %s\n", args[0], status)
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(targetsCmd)
	targetsCmd.AddCommand(targetsAddCmd, targetsListCmd,
		statusCmd("pause", "Stop scheduling a target", monitor.StatusPaused),
		statusCmd("resume", "Resume scheduling a paused or errored target", monitor.StatusActive),
	)

	targetsAddCmd.Flags().String("user", "", "Owner user id or email")
	targetsAddCmd.Flags().String("name", "", "Display name (default: registrable domain)")
	_ = targetsAddCmd.MarkFlagRequired("user")
	targetsListCmd.Flags().String("user", "", "Only list targets of this user id or email")
}
