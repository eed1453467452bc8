package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"auditledger/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func TestClassifyError_UniqueViolationIsDuplicate(t *testing.T) {
	err := classifyError(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "audit_ledger_tenant_dedup_key_idx"}))
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestClassifyError_RetryableCodes(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "55P03", "57P01", "53300"} {
		err := classifyError(&pgconn.PgError{Code: code})
		if !errors.Is(err, domain.ErrStorageTransient) {
			t.Fatalf("code %s: expected transient, got %v", code, err)
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != code {
			t.Fatalf("code %s: original error should stay reachable", code)
		}
	}
}

func TestClassifyError_DeadlineIsTransient(t *testing.T) {
	err := classifyError(fmt.Errorf("query: %w", context.DeadlineExceeded))
	if !errors.Is(err, domain.ErrStorageTransient) {
		t.Fatalf("expected transient, got %v", err)
	}
}

func TestClassifyError_OtherErrorsPassThrough(t *testing.T) {
	if err := classifyError(gorm.ErrRecordNotFound); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	syntax := &pgconn.PgError{Code: "42601"}
	err := classifyError(syntax)
	if errors.Is(err, domain.ErrStorageTransient) || errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("syntax error must not be retryable, got %v", err)
	}
	if classifyError(nil) != nil {
		t.Fatal("nil should stay nil")
	}
}

func TestLedgerModelRoundTrip(t *testing.T) {
	record := domain.Record{
		ID:             3,
		Tenant:         "T1",
		Verb:           domain.VerbPut,
		Path:           "/a",
		StatusCode:     204,
		PayloadPreview: []byte(`{"a":1,"b":2}`),
		PreviousHash:   domain.ZeroHash,
		Hash:           "h",
	}
	model := ledgerModelFromRecord(record)
	if model.PayloadPreview == nil || *model.PayloadPreview != `{"a":1,"b":2}` {
		t.Fatalf("expected canonical payload text, got %v", model.PayloadPreview)
	}
	back := recordFromModel(model)
	if string(back.PayloadPreview) != `{"a":1,"b":2}` {
		t.Fatalf("expected hashed bytes on read, got %s", back.PayloadPreview)
	}

	record.PayloadPreview = nil
	model = ledgerModelFromRecord(record)
	if model.PayloadPreview != nil {
		t.Fatal("nil payload should be stored as NULL")
	}
	if back := recordFromModel(model); back.PayloadPreview != nil {
		t.Fatalf("expected nil payload, got %s", back.PayloadPreview)
	}
}
