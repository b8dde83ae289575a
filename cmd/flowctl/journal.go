package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"flowdesk/internal/app"
)

var journalLimit int

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Read and verify the task journal",
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the newest journal entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			entries, err := a.Journal.Recent(ctx, journalLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(entries)
			}
			for _, e := range entries {
				fmt.Printf("%s  %-22s %s  %s\n", e.Timestamp.Format(time.RFC3339), e.Type, e.TaskID, e.Identity)
			}
			return nil
		})
	},
}

var journalVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check every hash link in the journal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.Journal.Count(ctx)
			if err != nil {
				return err
			}
			if err := a.Journal.VerifyChain(ctx); err != nil {
				return err
			}
			fmt.Printf("Chain intact: %d entries.\n", n)
			return nil
		})
	},
}

func init() {
	journalListCmd.Flags().IntVarP(&journalLimit, "limit", "n", 20, "Number of entries")
	journalCmd.AddCommand(journalListCmd, journalVerifyCmd)
}
