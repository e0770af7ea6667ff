package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

var contextsCmd = &cobra.Command{
	Use:   "contexts",
	Short: "Manage monitoring contexts (locales and regions)",
}

var contextsAddCmd = &cobra.Command{
	Use:   "add <key>",
	Short: "Add a monitoring context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		rich, _ := cmd.Flags().GetBool("rich")
		isDefault, _ := cmd.Flags().GetBool("default")
		position, _ := cmd.Flags().GetInt("position")

		db, _, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		mc, err := db.CreateContext(context.Background(), monitor.MonitoringContext{
			Key:                   args[0],
			Name:                  name,
			RequiresRichRendering: rich,
			IsDefault:             isDefault,
			Position:              position,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Added context %s (%s)\n", mc.Key, mc.ID)
		return nil
	},
}

var contextsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List monitoring contexts, default first",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		contexts, err := db.ListContexts(context.Background())
		if err != nil {
			return err
		}
		if len(contexts) == 0 {
			fmt.Println("No monitoring contexts. Add one with 'rivalwatch contexts add us --default'.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "KEY\tNAME\tDEFAULT\tRICH\tPOSITION\t")
		for _, c := range contexts {
			fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%d\t\n", c.Key, c.Name, c.IsDefault, c.RequiresRichRendering, c.Position)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(contextsCmd)
	contextsCmd.AddCommand(contextsAddCmd, contextsListCmd)

	contextsAddCmd.Flags().String("name", "", "Display name")
	contextsAddCmd.Flags().Bool("rich", false, "Pages in this context always need a rich renderer")
	contextsAddCmd.Flags().Bool("default", false, "Make this the default context")
	contextsAddCmd.Flags().Int("position", 0, "Ordering among non-default contexts")
}
