package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage users and their plans",
}

var usersAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Create a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, _ := cmd.Flags().GetString("plan")
		plans, err := loadPlans()
		if err != nil {
			return err
		}
		if !plans.Has(plan) {
			return fmt.Errorf("unknown plan %q (available: %s)", plan, strings.Join(plans.IDs(), ", "))
		}

		db, _, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		u, err := db.CreateUser(context.Background(), args[0], plan)
		if err != nil {
			return err
		}
		fmt.Printf("Created %s on plan %s (%s)\n", u.Email, u.PlanID, u.ID)
		return nil
	},
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		users, err := db.ListUsers(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tEMAIL\tPLAN\tACTIVE TARGETS\t")
		for _, u := range users {
			n, err := db.CountActiveTargets(ctx, u.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t\n", u.ID, u.Email, u.PlanID, n)
		}
		return w.Flush()
	},
}

var usersPlanCmd = &cobra.Command{
	Use:   "plan <user> <plan>",
	Short: "Change a user's plan",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		plans, err := loadPlans()
		if err != nil {
			return err
		}
		if !plans.Has(args[1]) {
			return fmt.Errorf("unknown plan %q (available: %s)", args[1], strings.Join(plans.IDs(), ", "))
		}

		db, _, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		u, err := db.GetUser(ctx, args[0])
		if err != nil {
			return err
		}
		if err := db.SetUserPlan(ctx, u.ID, args[1]); err != nil {
			return err
		}
		fmt.Printf("%s moved from %s to %s\n", u.Email, u.PlanID, args[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(usersCmd)
	usersCmd.AddCommand(usersAddCmd, usersListCmd, usersPlanCmd)
	usersAddCmd.Flags().String("plan", "free", "Plan id")
}
