// Command ledgerd serves the read API over the audit ledger.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auditledger/internal/config"
	"auditledger/internal/infra/crypto"
	"auditledger/internal/infra/db"
	httpinfra "auditledger/internal/infra/http"
	"auditledger/internal/infra/ledgermem"
	"auditledger/internal/infra/metrics"
	"auditledger/internal/usecase"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(stderr io.Writer) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:           "ledgerd",
		Short:         "Serve the audit ledger read API",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			if cmd.Flags().Changed("addr") {
				cfg.HTTPAddr = addr
			}
			logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
			slog.SetDefault(logger)

			server, closeStore, err := buildServer(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeStore(); err != nil {
					logger.Warn("close ledger store", "error", err)
				}
			}()
			return server.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides HTTP_ADDR)")
	return cmd
}

func buildServer(ctx context.Context, cfg config.Config, logger *slog.Logger) (*httpinfra.Server, func() error, error) {
	deps := httpinfra.ServerDeps{
		Metrics: metrics.New(prometheus.NewRegistry()),
		Logger:  logger,
	}
	closeStore := func() error { return nil }

	var store usecase.LedgerStore
	if cfg.PostgresDSN == "" {
		logger.Warn("POSTGRES_DSN not set; serving an empty in-memory ledger")
		store = ledgermem.New()
	} else {
		pg, err := db.NewStore(cfg)
		if err != nil {
			return nil, nil, err
		}
		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := pg.Migrate(migrateCtx, logger); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate ledger: %w", err)
		}
		store = db.NewLedgerRepository(pg.DB)
		deps.Health = pg.Ping
		closeStore = pg.Close
	}
	deps.Ledger = store
	deps.Verifier = usecase.NewVerifier(store, crypto.RecordHasher{})
	return httpinfra.NewServer(cfg, deps), closeStore, nil
}
