package db

import "time"

type LedgerRecordModel struct {
	ID               int64     `gorm:"primaryKey;autoIncrement:false"`
	Tenant           string    `gorm:"index:audit_ledger_tenant_id_idx,priority:1;not null"`
	SubjectID        string    `gorm:"not null"`
	SubjectName      string    `gorm:"not null"`
	Service          string    `gorm:"not null"`
	Verb             string    `gorm:"not null"`
	Path             string    `gorm:"not null"`
	IP               string    `gorm:"column:ip;not null"`
	UserAgent        string    `gorm:"not null"`
	StatusCode       int       `gorm:"not null"`
	PayloadPreview   *string   `gorm:"type:text"`
	Timestamp        time.Time `gorm:"column:timestamp;not null"`
	PreviousHash     string    `gorm:"type:char(64);not null"`
	Hash             string    `gorm:"type:char(64);not null"`
	DedupKey         string    `gorm:"type:char(64);not null"`
	CreatedAt        time.Time `gorm:"not null;default:now()"`
}

func (LedgerRecordModel) TableName() string {
	return "audit_ledger"
}

type TenantHeadModel struct {
	Tenant    string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null;default:now()"`
}

func (TenantHeadModel) TableName() string {
	return "ledger_tenant_heads"
}

type SchemaMigrationModel struct {
	Name      string    `gorm:"primaryKey"`
	AppliedAt time.Time `gorm:"not null"`
}

func (SchemaMigrationModel) TableName() string {
	return "ledger_schema_migrations"
}
