package cli

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/paywatcher/internal/control"
	"github.com/vietddude/paywatcher/internal/infra/storage"
)

var intentCmd = &cobra.Command{
	Use:   "intent",
	Short: "Create and inspect payment intents",
}

var intentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a payment intent to watch for",
	Run:   runIntentCreate,
}

var intentGetCmd = &cobra.Command{
	Use:   "get [intent_id]",
	Short: "Print a payment intent as JSON",
	Args:  cobra.ExactArgs(1),
	Run:   runIntentGet,
}

var (
	intentOrderID       string
	intentFrom          string
	intentTo            string
	intentAmount        string
	intentConfirmations uint64
)

func init() {
	f := intentCreateCmd.Flags()
	f.StringVar(&intentOrderID, "order", "", "order id")
	f.StringVar(&intentFrom, "from", "", "expected sender address")
	f.StringVar(&intentTo, "to", "", "receiving address")
	f.StringVar(&intentAmount, "amount", "", "expected amount in token units, e.g. 50.0")
	f.Uint64Var(&intentConfirmations, "confirmations", 0, "target confirmations (0 uses scanner.default_confirmations)")
	_ = intentCreateCmd.MarkFlagRequired("from")
	_ = intentCreateCmd.MarkFlagRequired("to")
	_ = intentCreateCmd.MarkFlagRequired("amount")

	intentCmd.AddCommand(intentCreateCmd, intentGetCmd)
	rootCmd.AddCommand(intentCmd)
}

func runIntentCreate(cmd *cobra.Command, args []string) {
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

	req := control.IntentRequest{
		OrderID: intentOrderID,
		From:    intentFrom,
		To:      intentTo,
		Amount:  intentAmount,
	}
	if intentConfirmations > 0 {
		req.TargetConfirmations = &intentConfirmations
	}

	intent, err := control.CreateIntent(ctx, st.Intents, req, cfg.Chain.Decimals())
	if err != nil {
		slog.Error("Failed to create intent", "error", err)
		os.Exit(1)
	}
	printJSON(intent)
}

func runIntentGet(cmd *cobra.Command, args []string) {
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

	intent, err := control.GetIntent(ctx, st.Intents, args[0])
	if errors.Is(err, storage.ErrIntentNotFound) {
		slog.Error("Intent not found", "intent_id", args[0])
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to load intent", "error", err)
		os.Exit(1)
	}
	printJSON(intent)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
