package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/paywatcher/internal/control"
	"github.com/vietddude/paywatcher/internal/core/config"
	"github.com/vietddude/paywatcher/internal/core/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scanner cursors and intent counts per status",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx := context.Background()
	st, err := control.OpenDatabase(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = st.Close()
	}()

	cursors, err := st.Cursors.List(ctx)
	if err != nil {
		slog.Error("Failed to list cursors", "error", err)
		os.Exit(1)
	}
	counts, err := st.Intents.CountByStatus(ctx)
	if err != nil {
		slog.Error("Failed to count intents", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "SERVICE\tBLOCK\tUPDATED")
	for _, c := range cursors {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", c.ServiceID, c.LastProcessedBlock, c.UpdatedAt.Format(time.RFC3339))
	}
	_, _ = fmt.Fprintln(w, "\t\t")
	if p, ok := chainProgress(ctx, cfg, st); ok {
		_, _ = fmt.Fprintln(w, "HEAD\tLAG\t")
		_, _ = fmt.Fprintf(w, "%d\t%d\t\n", p.Head, p.Lag)
		_, _ = fmt.Fprintln(w, "\t\t")
	}
	_, _ = fmt.Fprintln(w, "STATUS\tINTENTS\t")
	for _, s := range []domain.IntentStatus{
		domain.IntentStatusPending,
		domain.IntentStatusConfirming,
		domain.IntentStatusConfirmed,
		domain.IntentStatusFailed,
	} {
		_, _ = fmt.Fprintf(w, "%s\t%d\t\n", s, counts[s])
	}
	_ = w.Flush()
}

// chainProgress asks the configured reader for the head. A failing reader
// only drops the lag section.
func chainProgress(ctx context.Context, cfg *config.AppConfig, st *control.Storage) (control.Progress, bool) {
	reader, err := control.NewReader(cfg.Chain)
	if err != nil {
		slog.Warn("Chain reader unavailable", "error", err)
		return control.Progress{}, false
	}
	defer reader.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.Chain.RequestTimeout)
	defer cancel()
	p, err := control.ScanProgress(ctx, reader, st.Cursors, cfg.ServiceID)
	if err != nil {
		slog.Warn("Failed to read chain head", "error", err)
		return control.Progress{}, false
	}
	return p, true
}
