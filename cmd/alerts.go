package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
	"github.com/rivalwatch/rivalwatch/pkg/storage"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Show alerts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		unread, _ := cmd.Flags().GetBool("unread")
		userRef, _ := cmd.Flags().GetString("user")
		targetID, _ := cmd.Flags().GetString("target")
		limit, _ := cmd.Flags().GetInt("limit")

		db, _, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		f := storage.AlertFilter{TargetID: targetID, UnreadOnly: unread, Limit: limit}
		if userRef != "" {
			u, err := db.GetUser(ctx, userRef)
			if err != nil {
				return err
			}
			f.UserID = u.ID
		}
		alerts, err := db.ListAlerts(ctx, f)
		if err != nil {
			return err
		}
		if len(alerts) == 0 {
			fmt.Println("No alerts.")
			return nil
		}
		for _, a := range alerts {
			printAlert(a)
		}
		return nil
	},
}

func printAlert(a monitor.Alert) {
	marker := " "
	if !a.Read {
		marker = "*"
	}
	trust := ""
	if a.Metadata.LowTrust {
		trust = " [low trust]"
	}
	fmt.Printf("%s %s  %-6s  %-11s  %s%s\n", marker, a.CreatedAt.Local().Format("2006-01-02 15:04"), a.Severity, a.Signal, a.Title, trust)
	fmt.Printf("    %s\n", a.Description)
	fmt.Printf("    id=%s context=%s\n", a.ID, a.Metadata.ContextKey)
}

var alertsReadCmd = &cobra.Command{
	Use:   "read <alert-id>",
	Short: "Mark an alert as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		return db.MarkAlertRead(context.Background(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(alertsCmd)
	alertsCmd.AddCommand(alertsReadCmd)

	alertsCmd.Flags().Bool("unread", false, "Only unread alerts")
	alertsCmd.Flags().String("user", "", "Only alerts of this user id or email")
	alertsCmd.Flags().String("target", "", "Only alerts of this target id")
	alertsCmd.Flags().Int("limit", 50, "Maximum number of alerts to show")
}
