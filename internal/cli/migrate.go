package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/paywatcher/internal/control"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Run:   runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		slog.Error("Nothing to migrate", "error", control.ErrNoDatabase)
		os.Exit(1)
	}

	st, err := control.OpenStorage(context.Background(), cfg.Database, true)
	if err != nil {
		slog.Error("Migration failed", "error", err)
		os.Exit(1)
	}
	_ = st.Close()
	slog.Info("Migrations applied")
}
