package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vietddude/paywatcher/internal/control"
)

var resetCursorCmd = &cobra.Command{
	Use:   "reset-cursor [block_number]",
	Short: "Overwrite the scanner cursor for the configured service_id",
	Long: `Overwrite the last processed block for the configured service_id.
The next cycle scans from block_number+1. Moving the cursor backwards
re-scans blocks, which is safe; moving it forwards skips them.`,
	Args: cobra.ExactArgs(1),
	Run:  runResetCursor,
}

var resetServiceID string

func init() {
	resetCursorCmd.Flags().StringVar(&resetServiceID, "service", "", "service id (defaults to service_id from config)")
	rootCmd.AddCommand(resetCursorCmd)
}

func runResetCursor(cmd *cobra.Command, args []string) {
	height, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Invalid block number: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig()
	serviceID := resetServiceID
	if serviceID == "" {
		serviceID = cfg.ServiceID
	}

	ctx := context.Background()
	st, err := control.OpenDatabase(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = st.Close()
	}()

	if err := st.Cursors.Reset(ctx, serviceID, height); err != nil {
		slog.Error("Failed to reset cursor", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Successfully reset cursor for %s to block %d\n", serviceID, height)
}
