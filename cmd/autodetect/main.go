// Command autodetect turns bank notifications into transactions, learning a
// regex rule per bank with one LLM call and regenerating it when flagged.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/covault/autodetect/pkg/config"
	"github.com/covault/autodetect/pkg/logging"
)

var (
	cfgFile string
	cfg     config.Config
	logger  *slog.Logger

	rootCmd = &cobra.Command{
		Use:   "autodetect",
		Short: "Notification-to-transaction inference engine",
		Long: `autodetect reads bank notifications from a source, extracts the vendor
and amount with a learned regex rule per bank, and writes transactions to a sink.

Configuration comes from environment variables, optionally layered over a
JSON file given with --config.`,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "JSON config file (environment variables take precedence)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(categoriesCmd())
	rootCmd.AddCommand(flagCmd())
	rootCmd.AddCommand(applyCmd())
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	err := rootCmd.ExecuteContext(ctx)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig(_ *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger = logging.Setup(logging.FromStrings(cfg.LogLevel, cfg.LogFormat))
	return nil
}
