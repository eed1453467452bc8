// Command verify-ledger walks the audit ledger's hash chains and reports
// tampered and broken records.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"auditledger/internal/config"
	"auditledger/internal/domain"
	"auditledger/internal/infra/crypto"
	"auditledger/internal/infra/db"
	"auditledger/internal/usecase"

	"github.com/spf13/cobra"
)

const (
	exitClean     = 0
	exitCorrupted = 1
	exitError     = 2
)

// ledgerOpener returns the store to verify and a function releasing it.
type ledgerOpener func(ctx context.Context, cfg config.Config, logger *slog.Logger) (usecase.LedgerStore, func() error, error)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr, openPostgres))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, open ledgerOpener) int {
	code := exitClean
	cmd := newRootCmd(open, &code)
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "verify-ledger: %v\n", err)
		return exitError
	}
	return code
}

func newRootCmd(open ledgerOpener, code *int) *cobra.Command {
	var (
		tenant   string
		format   string
		pageSize int
	)
	cmd := &cobra.Command{
		Use:   "verify-ledger",
		Short: "Verify the audit ledger hash chains",
		Long: "Recomputes every record hash and checks chain linkage per tenant.\n" +
			"Exit code 0 if the ledger is intact, 1 if any record is corrupted, 2 on error.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()}))
			if format != "text" && format != "json" {
				return fmt.Errorf("unsupported format %q", format)
			}

			store, closeStore, err := open(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeStore(); err != nil {
					logger.Warn("close ledger store", "error", err)
				}
			}()

			verifier := usecase.NewVerifier(store, crypto.RecordHasher{})
			verifier.PageSize = pageSize
			var report domain.VerifyReport
			if cmd.Flags().Changed("tenant") {
				report, err = verifier.VerifyTenant(cmd.Context(), tenant)
			} else {
				report, err = verifier.VerifyAll(cmd.Context())
			}
			if err != nil {
				return fmt.Errorf("verify: %w", err)
			}

			if err := writeReport(cmd.OutOrStdout(), report, format); err != nil {
				return err
			}
			if !report.Clean() {
				logger.Warn("ledger corruption detected", "corrupted", len(report.Corrupted))
				*code = exitCorrupted
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Verify only this tenant's chain (empty string names the no-tenant chain)")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format (text|json)")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Records read per page (default 500)")
	return cmd
}

func writeReport(w io.Writer, report domain.VerifyReport, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	for _, c := range report.Corrupted {
		if _, err := fmt.Fprintf(w, "id=%d tenant=%s reasons=%s\n", c.ID, c.Tenant, strings.Join(c.Reasons, ",")); err != nil {
			return err
		}
	}
	status := "ok"
	if !report.Clean() {
		status = "corrupted"
	}
	_, err := fmt.Fprintf(w, "%s: tenants=%d checked=%d ok=%d corrupted=%d\n",
		status, len(report.Tenants), report.Checked, report.OKCount, len(report.Corrupted))
	return err
}

func openPostgres(ctx context.Context, cfg config.Config, logger *slog.Logger) (usecase.LedgerStore, func() error, error) {
	store, err := db.NewStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		if errors.Is(err, domain.ErrStoreUnavailable) {
			return nil, nil, fmt.Errorf("ledger store unreachable: %w", err)
		}
		return nil, nil, err
	}
	logger.Debug("ledger store connected")
	return db.NewLedgerRepository(store.DB), store.Close, nil
}
