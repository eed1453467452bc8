package usecase

import (
	"context"

	"auditledger/internal/domain"
)

type Hasher interface {
	Digest(record domain.Record) (string, error)
}

// LedgerTx is the view of the ledger available while a tenant's chain is
// locked for writing.
type LedgerTx interface {
	FindRecentDuplicate(ctx context.Context, tenant, dedupKey string, window int) (*domain.Record, error)
	LastHash(ctx context.Context, tenant string) (string, error)
	NextID(ctx context.Context) (int64, error)
	Insert(ctx context.Context, record domain.Record) (domain.Record, error)
}

type LedgerReader interface {
	Tenants(ctx context.Context) ([]string, error)
	ListByTenant(ctx context.Context, tenant string, afterID int64, limit int) ([]domain.Record, error)
	Get(ctx context.Context, id int64) (domain.Record, error)
}

type LedgerStore interface {
	LedgerReader
	// WithTenantLock runs fn in one transaction that holds the tenant's
	// write lock. fn's error aborts the transaction.
	WithTenantLock(ctx context.Context, tenant string, fn func(tx LedgerTx) error) error
	FindByDedupKey(ctx context.Context, tenant, dedupKey string) (domain.Record, error)
	// Snapshot runs fn against a consistent read-only view.
	Snapshot(ctx context.Context, fn func(r LedgerReader) error) error
}

type EventAppender interface {
	Append(ctx context.Context, event domain.Event) (domain.Record, domain.AppendResult, error)
}
