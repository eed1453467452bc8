// Command consume-audit drains the central audit queue into the ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auditledger/internal/config"
	"auditledger/internal/domain"
	"auditledger/internal/infra/broker"
	"auditledger/internal/infra/crypto"
	"auditledger/internal/infra/db"
	"auditledger/internal/infra/metrics"
	"auditledger/internal/usecase"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const (
	exitOK          = 0
	exitError       = 1
	exitCredentials = 3
)

// consumer is the part of broker.Consumer the command drives.
type consumer interface {
	Run(ctx context.Context) error
}

type deps struct {
	openStore   func(cfg config.Config) (usecase.LedgerStore, func() error, error)
	newConsumer func(cfg broker.ConsumerConfig) consumer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stderr, deps{
		openStore:   openPostgres,
		newConsumer: func(cfg broker.ConsumerConfig) consumer { return broker.NewConsumer(cfg) },
	}))
}

func run(ctx context.Context, args []string, stderr io.Writer, d deps) int {
	cmd := newRootCmd(d)
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "consume-audit: %v\n", err)
		if errors.Is(err, domain.ErrBrokerCredentials) {
			return exitCredentials
		}
		return exitError
	}
	return exitOK
}

func newRootCmd(d deps) *cobra.Command {
	var (
		metricsAddr     string
		maxRedeliveries int
	)
	cmd := &cobra.Command{
		Use:           "consume-audit",
		Short:         "Append audit events from the central queue to the ledger",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			if cmd.Flags().Changed("max-redeliveries") {
				cfg.MaxRedeliveries = maxRedeliveries
			}
			logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()}))
			return consume(cmd.Context(), cfg, logger, d)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides METRICS_ADDR)")
	cmd.Flags().IntVar(&maxRedeliveries, "max-redeliveries", 0, "Dead-letter a delivery after this many broker redeliveries (overrides AUDIT_MAX_REDELIVERIES)")
	return cmd
}

func consume(ctx context.Context, cfg config.Config, logger *slog.Logger, d deps) error {
	store, closeStore, err := d.openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("close ledger store", "error", err)
		}
	}()

	reg := metrics.New(prometheus.NewRegistry())
	if cfg.MetricsAddr != "" {
		stopMetrics := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer stopMetrics()
	}

	appender := usecase.NewAppender(store, crypto.RecordHasher{}, cfg.DedupWindow, logger)
	handler := usecase.NewIngestHandler(appender, cfg.MaxRedeliveries, logger)
	c := d.newConsumer(broker.ConsumerConfig{
		URL:     cfg.AMQPURL,
		Service: cfg.ServiceName + "-consumer",
		Handler: handler,
		Metrics: reg,
		Logger:  logger,
	})

	logger.Info("audit consumer starting", "queue", domain.AuditQueue, "max_redeliveries", handler.MaxRedeliveries)
	if err := c.Run(ctx); err != nil {
		logger.Error("audit consumer stopped", "error", err)
		return err
	}
	logger.Info("audit consumer stopped")
	return nil
}

func serveMetrics(addr string, reg *metrics.Metrics, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server exited", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func openPostgres(cfg config.Config) (usecase.LedgerStore, func() error, error) {
	store, err := db.NewStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Migrate(ctx, slog.Default()); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return db.NewLedgerRepository(store.DB), store.Close, nil
}
