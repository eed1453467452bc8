package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"auditledger/internal/config"
	"auditledger/internal/domain"
	"auditledger/migrations"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Store struct {
	DB *gorm.DB
}

func NewStore(cfg config.Config) (*Store, error) {
	if cfg.PostgresDSN == "" {
		return nil, errors.New("POSTGRES_DSN is required")
	}

	gdb, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	return &Store{DB: gdb}, nil
}

// Migrate applies embedded migrations that have not been recorded yet.
func (s *Store) Migrate(ctx context.Context, log *slog.Logger) error {
	if s == nil || s.DB == nil {
		return errDBUnavailable
	}
	if log == nil {
		log = slog.Default()
	}
	all, err := migrations.All()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	db := s.DB.WithContext(ctx)
	if err := db.Exec(`CREATE TABLE IF NOT EXISTS ledger_schema_migrations (
		name text PRIMARY KEY,
		applied_at timestamptz NOT NULL
	)`).Error; err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	for _, m := range all {
		var count int64
		if err := db.Model(&SchemaMigrationModel{}).Where("name = ?", m.Name).Count(&count).Error; err != nil {
			return fmt.Errorf("check migration %s: %w", m.Name, err)
		}
		if count > 0 {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(m.SQL).Error; err != nil {
				return err
			}
			return tx.Create(&SchemaMigrationModel{Name: m.Name, AppliedAt: time.Now().UTC()}).Error
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
		log.Info("applied migration", "name", m.Name)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errDBUnavailable
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}
