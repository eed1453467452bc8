// Package testdb hands integration tests a private, empty Postgres database.
package testdb

import (
	"context"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// NewDatabase creates a database named after a random uuid and returns its
// DSN. The database is dropped when the test finishes. Tests are skipped
// unless POSTGRES_DSN_TEST is set; POSTGRES_ADMIN_DSN overrides the
// connection used to create and drop databases.
func NewDatabase(t *testing.T) string {
	t.Helper()
	baseDSN := strings.TrimSpace(os.Getenv("POSTGRES_DSN_TEST"))
	if baseDSN == "" {
		t.Skip("POSTGRES_DSN_TEST not set")
	}
	adminDSN := os.Getenv("POSTGRES_ADMIN_DSN")
	if adminDSN == "" {
		adminDSN = withDatabase(baseDSN, "postgres")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	adminConn, err := pgx.Connect(ctx, adminDSN)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}

	dbName := "ledger_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := adminConn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{dbName}.Sanitize()); err != nil {
		_ = adminConn.Close(context.Background())
		t.Fatalf("create database: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := dropDatabase(ctx, adminConn, dbName); err != nil {
			t.Logf("drop database %s: %v", dbName, err)
		}
		_ = adminConn.Close(ctx)
	})
	return withDatabase(baseDSN, dbName)
}

func withDatabase(dsn string, dbName string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" {
		return dsn + " dbname=" + dbName
	}
	parsed.Path = "/" + dbName
	return parsed.String()
}

// dropDatabase forces out connections a test left open.
func dropDatabase(ctx context.Context, conn *pgx.Conn, name string) error {
	_, err := conn.Exec(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{name}.Sanitize()+" WITH (FORCE)")
	return err
}
