package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"auditledger/internal/domain"
	"auditledger/internal/infra/crypto"
)

// MinDedupWindow is the smallest number of trailing records per tenant that
// are checked for an already appended copy of an event.
const MinDedupWindow = 1024

type Appender struct {
	Store       LedgerStore
	Hasher      Hasher
	DedupWindow int
	Logger      *slog.Logger
}

func NewAppender(store LedgerStore, hasher Hasher, dedupWindow int, logger *slog.Logger) *Appender {
	return &Appender{
		Store:       store,
		Hasher:      hasher,
		DedupWindow: dedupWindow,
		Logger:      logger,
	}
}

// Append chains event onto its tenant's ledger. A second copy of an event
// already in the ledger returns the stored record with Duplicate set.
func (a *Appender) Append(ctx context.Context, event domain.Event) (domain.Record, domain.AppendResult, error) {
	if a == nil || a.Store == nil {
		return domain.Record{}, domain.AppendResult{}, domain.ErrStoreUnavailable
	}
	normalized, err := NormalizeEvent(event)
	if err != nil {
		return domain.Record{}, domain.AppendResult{}, err
	}
	hasher := a.Hasher
	if hasher == nil {
		hasher = crypto.RecordHasher{}
	}

	record := domain.RecordFromEvent(normalized)
	record.DedupKey = crypto.DedupKey(record.Service, record.Verb, record.Path, domain.FormatTimestamp(record.Timestamp), record.SubjectID)

	var (
		out       domain.Record
		duplicate bool
	)
	err = a.Store.WithTenantLock(ctx, record.Tenant, func(tx LedgerTx) error {
		existing, err := tx.FindRecentDuplicate(ctx, record.Tenant, record.DedupKey, a.window())
		if err != nil {
			return err
		}
		if existing != nil {
			out = *existing
			duplicate = true
			return nil
		}

		prev, err := tx.LastHash(ctx, record.Tenant)
		if err != nil {
			return err
		}
		if prev == "" {
			prev = domain.ZeroHash
		}
		id, err := tx.NextID(ctx)
		if err != nil {
			return err
		}
		record.ID = id
		record.PreviousHash = prev
		hash, err := hasher.Digest(record)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
		}
		record.Hash = hash

		stored, err := tx.Insert(ctx, record)
		if err != nil {
			return err
		}
		out = stored
		return nil
	})
	if errors.Is(err, domain.ErrDuplicate) {
		existing, findErr := a.Store.FindByDedupKey(ctx, record.Tenant, record.DedupKey)
		if findErr != nil {
			return domain.Record{}, domain.AppendResult{}, findErr
		}
		a.logger().Debug("audit append hit dedup constraint", "tenant", record.Tenant, "id", existing.ID)
		return existing, domain.AppendResult{Duplicate: true}, nil
	}
	if err != nil {
		return domain.Record{}, domain.AppendResult{}, err
	}
	if duplicate {
		a.logger().Debug("audit append deduplicated", "tenant", out.Tenant, "id", out.ID)
	}
	return out, domain.AppendResult{Duplicate: duplicate}, nil
}

// NormalizeEvent validates the required fields and brings an event into the
// form that is hashed: lower-case verb, UTC microsecond timestamp, bounded
// path and canonical payload.
func NormalizeEvent(event domain.Event) (domain.Event, error) {
	verb, ok := domain.ParseVerb(string(event.Verb))
	if !ok {
		return domain.Event{}, fmt.Errorf("%w: unsupported verb %q", domain.ErrInvalidEvent, event.Verb)
	}
	event.Verb = verb
	event.Service = strings.TrimSpace(event.Service)
	if event.Service == "" {
		return domain.Event{}, fmt.Errorf("%w: service is required", domain.ErrInvalidEvent)
	}
	if event.Path == "" {
		return domain.Event{}, fmt.Errorf("%w: path is required", domain.ErrInvalidEvent)
	}
	event.Path = domain.TruncatePath(event.Path)
	if event.StatusCode < 100 || event.StatusCode > 599 {
		return domain.Event{}, fmt.Errorf("%w: status_code %d out of range", domain.ErrInvalidEvent, event.StatusCode)
	}
	if event.Timestamp.IsZero() {
		return domain.Event{}, fmt.Errorf("%w: timestamp is required", domain.ErrInvalidEvent)
	}
	event.Timestamp = domain.NewTimestamp(event.Timestamp.Time())

	payload, err := crypto.CanonicalizeObject(event.PayloadPreview)
	if err != nil {
		return domain.Event{}, fmt.Errorf("%w: payload_preview: %v", domain.ErrInvalidEvent, err)
	}
	event.PayloadPreview = payload
	return event, nil
}

func (a *Appender) window() int {
	if a.DedupWindow < MinDedupWindow {
		return MinDedupWindow
	}
	return a.DedupWindow
}

func (a *Appender) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
