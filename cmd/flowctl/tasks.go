package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"flowdesk/internal/app"
	"flowdesk/pkg/task"
)

var (
	listIdentity string
	listRole     string
	listStatus   string
	listLimit    int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List and show tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		f := task.Filter{
			Identity: listIdentity,
			Role:     task.Role(listRole),
			Status:   task.Status(listStatus),
			Limit:    listLimit,
		}
		if f.Role != "" && !f.Role.Valid() {
			return fmt.Errorf("unknown role %q", listRole)
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			tasks, err := a.Tasks.List(ctx, f)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(tasks)
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks.")
				return nil
			}
			for _, t := range tasks {
				fmt.Printf("%s  %-9s %-20s %-8s %-15s step %d  %s\n",
					t.ID, t.Status, t.Type, t.Role, t.Identity, t.Step, t.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		})
	},
}

var tasksGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one task and its journal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			t, err := a.Tasks.Get(ctx, args[0])
			if err != nil {
				return err
			}
			entries, err := a.Journal.ByTask(ctx, t.ID, 200)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]any{"task": t, "journal": entries})
			}
			printTask(t)
			if len(entries) > 0 {
				fmt.Println("Journal:")
				for _, e := range entries {
					fmt.Printf("  %s  %-22s %v\n", e.Timestamp.Format(time.RFC3339), e.Type, e.Content)
				}
			}
			return nil
		})
	},
}

func printTask(t *task.Task) {
	fmt.Printf("ID:       %s\n", t.ID)
	fmt.Printf("Type:     %s\n", t.Type)
	fmt.Printf("Identity: %s (%s)\n", t.Identity, t.Role)
	fmt.Printf("Status:   %s\n", t.Status)
	fmt.Printf("Step:     %d\n", t.Step)
	fmt.Printf("Updated:  %s\n", t.UpdatedAt.Format(time.RFC3339))
	if t.ExpiredAt != nil {
		fmt.Printf("Expired:  %s\n", t.ExpiredAt.Format(time.RFC3339))
	}
	if len(t.Data) > 0 {
		fmt.Println("Data:")
		for k, v := range t.Data {
			fmt.Printf("  %s: %v\n", k, v)
		}
	}
}

func init() {
	tasksListCmd.Flags().StringVar(&listIdentity, "identity", "", "Filter by identity")
	tasksListCmd.Flags().StringVar(&listRole, "role", "", "Filter by role (provider, customer)")
	tasksListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	tasksListCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "Maximum number of tasks")
	tasksCmd.AddCommand(tasksListCmd, tasksGetCmd)
}
