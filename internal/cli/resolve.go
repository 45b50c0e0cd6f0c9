package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bioflow/collector/internal/core/config"
	"github.com/bioflow/collector/internal/core/domain"
	"github.com/bioflow/collector/internal/infra/storage/postgres"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [transaction_id] [notes...]",
	Short: "Force-resolve an exception that was handled out of band",
	Args:  cobra.MinimumNArgs(1),
	Run:   runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) {
	transactionID := args[0]
	notes := strings.Join(args[1:], " ")

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

	exc, err := postgres.NewExceptionRepo(db).UpdateStatus(ctx, transactionID, domain.StatusResolved,
		func(e *domain.InterfaceException) {
			now := time.Now().UTC()
			e.ResolvedBy = "cli"
			e.ResolutionNotes = notes
			e.ResolvedAt = &now
		})
	if err != nil {
		slog.Error("Failed to resolve exception", "transaction_id", transactionID, "error", err)
		os.Exit(1)
	}

	fmt.Printf("Resolved %s (was created %s, interface %s)\n",
		exc.TransactionID, exc.Timestamp.Format("2006-01-02 15:04:05"), exc.InterfaceType)
}
