package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"auditledger/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var errDBUnavailable = fmt.Errorf("db unavailable: %w", domain.ErrStoreUnavailable)

const (
	sqlstateUniqueViolation      = "23505"
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateLockNotAvailable     = "55P03"
	sqlstateAdminShutdown        = "57P01"
	sqlstateTooManyConnections   = "53300"
)

// classifyError maps driver errors onto the ledger's error kinds: unique
// violations become ErrDuplicate and retryable failures ErrStorageTransient.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrDuplicate) || errors.Is(err, domain.ErrStorageTransient) ||
		errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidEvent) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateUniqueViolation:
			return fmt.Errorf("%w: %s", domain.ErrDuplicate, pgErr.ConstraintName)
		case sqlstateSerializationFailure, sqlstateDeadlockDetected, sqlstateLockNotAvailable,
			sqlstateAdminShutdown, sqlstateTooManyConnections:
			return fmt.Errorf("%w: %w", domain.ErrStorageTransient, err)
		}
		return err
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %w", domain.ErrStorageTransient, err)
	}
	return err
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlstateSerializationFailure
}

func stringPtrIfNotEmpty(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
