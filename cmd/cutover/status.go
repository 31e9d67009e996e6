package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/hyperengineering/cutover/internal/config"
	"github.com/hyperengineering/cutover/internal/mode"
	"github.com/hyperengineering/cutover/internal/store"
	"github.com/spf13/cobra"
)

var (
	statusControlOverride string
	statusJSONOutput      bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status without running the server",
	Long:  "Print the resolved migration modes, outbox depth, and open conflict count from the control store.",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusControlOverride, "control-db", "",
		"Control store path (overrides config and CUTOVER_CONTROL_DB_PATH)")
	statusCmd.Flags().BoolVar(&statusJSONOutput, "json", false,
		"Output in JSON format")
}

const statusFailedSample = 50

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	controlPath := cfg.Database.ControlPath
	if statusControlOverride != "" {
		controlPath = statusControlOverride
	}

	modes, _ := mode.Resolve(cfg.Migration.BackendMode, cfg.Migration.WriteMode)

	control, err := store.NewSQLiteStore(controlPath)
	if err != nil {
		return fmt.Errorf("open control store: %w", err)
	}
	defer control.Close()

	pending, err := control.CountPending(ctx)
	if err != nil {
		return fmt.Errorf("count pending: %w", err)
	}
	failed, err := control.ListFailed(ctx, statusFailedSample)
	if err != nil {
		return fmt.Errorf("list failed: %w", err)
	}
	conflicts, err := control.ListOpen(ctx, statusFailedSample)
	if err != nil {
		return fmt.Errorf("list conflicts: %w", err)
	}

	if statusJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"backend_mode":    string(modes.Backend),
			"write_mode":      string(modes.Write),
			"outbox_pending":  pending,
			"outbox_failed":   len(failed),
			"open_conflicts":  len(conflicts),
			"control_db_path": controlPath,
		})
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Backend mode:\t%s\n", modes.Backend)
	fmt.Fprintf(w, "Write mode:\t%s\n", modes.Write)
	fmt.Fprintf(w, "Outbox pending:\t%d\n", pending)
	fmt.Fprintf(w, "Outbox failed:\t%d\n", len(failed))
	fmt.Fprintf(w, "Open conflicts:\t%d\n", len(conflicts))
	w.Flush()

	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
