package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"flowdesk/internal/app"
	"flowdesk/pkg/fault"
	"flowdesk/pkg/task"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire tasks idle longer than the expiry window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			rep, err := a.Lifecycle.Sweep(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(rep)
			}
			fmt.Printf("Expired %d of %d stale tasks (idle since before %s).\n",
				rep.Expired, rep.Scanned, rep.Cutoff.Format(time.RFC3339))
			return nil
		})
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover <identity>",
	Short: "Reactivate an identity's most recently expired task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			t, err := a.Lifecycle.Recover(ctx, args[0])
			switch fault.KindOf(err) {
			case fault.NotFound:
				fmt.Println("Nothing to recover.")
				return nil
			case fault.Timeout:
				return fmt.Errorf("too late to recover: %w", err)
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(t)
			}
			fmt.Printf("Recovered %s task %s at step %d.\n", t.Type, t.ID, t.Step)
			return nil
		})
	},
}

var resumableCmd = &cobra.Command{
	Use:   "resumable <identity> <role> <type>",
	Short: "Show the running task a new start of <type> would offer to resume",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := task.Role(args[1])
		if !role.Valid() {
			return fmt.Errorf("unknown role %q", args[1])
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Lifecycle.Resumable(ctx, args[0], role, task.Type(args[2]))
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(res)
			}
			if res == nil {
				fmt.Println("Nothing to resume.")
				return nil
			}
			printTask(res.Task)
			fmt.Printf("Idle:     %s (abandoned: %t)\n", res.Idle.Round(time.Second), res.Abandoned)
			return nil
		})
	},
}
