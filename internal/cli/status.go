package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bioflow/collector/internal/core/config"
	"github.com/bioflow/collector/internal/infra/storage/postgres"
)

var statusWindow time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show exception counts by interface type, severity and status",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().DurationVar(&statusWindow, "window", 24*time.Hour, "how far back to aggregate")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	to := time.Now().UTC()
	rows, err := postgres.NewExceptionRepo(db).Summary(ctx, to.Add(-statusWindow), to)
	if err != nil {
		slog.Error("Failed to query summary", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "INTERFACE\tSEVERITY\tSTATUS\tCOUNT")
	for _, row := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", row.InterfaceType, row.Severity, row.Status, row.Count)
	}
	_ = w.Flush()
}
