// Command flowctl inspects and maintains a flowdesk deployment: tasks, the
// journal and the expiry lifecycle.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"flowdesk/internal/app"
	"flowdesk/internal/config"
)

var (
	configPath string
	jsonOutput bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "flowctl",
	Short: "Inspect and maintain flowdesk tasks",
	Long: `flowctl talks to the flowdesk store directly.

Examples:
  flowctl init                               # Create tables
  flowctl tasks list --identity +919876543210
  flowctl tasks get <id>
  flowctl sweep                              # Expire idle tasks now
  flowctl recover +919876543210              # Bring back an expired task
  flowctl journal verify                     # Check the hash chain`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("FLOWDESK_CONFIG"), "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log store activity to stderr")

	rootCmd.AddCommand(initCmd, tasksCmd, sweepCmd, recoverCmd, resumableCmd, journalCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}

// open builds the application without the HTTP surface.
func open(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	var w io.Writer = io.Discard
	if verbose {
		w = os.Stderr
	}
	return app.New(ctx, cfg, app.NewLogger(cfg, w))
}

// withApp runs fn against an opened application and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create missing tables and indexes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.EnsureTables(ctx); err != nil {
				return err
			}
			fmt.Println("Tables ready.")
			return nil
		})
	},
}
