package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"auditledger/internal/domain"
	"auditledger/internal/usecase"

	"gorm.io/gorm"
)

const maxSerializableAttempts = 3

type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// WithTenantLock runs fn in a serializable transaction that holds the
// tenant's head row. The snapshot is taken before the lock wait ends, so a
// writer that queued behind another one fails with 40001; that attempt is
// retried with a fresh snapshot before the failure is reported as transient.
func (r *LedgerRepository) WithTenantLock(ctx context.Context, tenant string, fn func(tx usecase.LedgerTx) error) error {
	if r.db == nil {
		return errDBUnavailable
	}
	var err error
	for attempt := 1; attempt <= maxSerializableAttempts; attempt++ {
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := lockTenantHead(ctx, tx, tenant); err != nil {
				return err
			}
			return fn(&ledgerTx{db: tx})
		}, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err == nil || !isSerializationFailure(err) || ctx.Err() != nil {
			break
		}
	}
	return classifyError(err)
}

func (r *LedgerRepository) FindByDedupKey(ctx context.Context, tenant, dedupKey string) (domain.Record, error) {
	if r.db == nil {
		return domain.Record{}, errDBUnavailable
	}
	var model LedgerRecordModel
	if err := r.db.WithContext(ctx).
		Where("tenant = ? AND dedup_key = ?", tenant, dedupKey).
		Take(&model).Error; err != nil {
		return domain.Record{}, classifyError(err)
	}
	return recordFromModel(model), nil
}

func (r *LedgerRepository) Tenants(ctx context.Context) ([]string, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	return ledgerReader{db: r.db}.Tenants(ctx)
}

func (r *LedgerRepository) ListByTenant(ctx context.Context, tenant string, afterID int64, limit int) ([]domain.Record, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	return ledgerReader{db: r.db}.ListByTenant(ctx, tenant, afterID, limit)
}

func (r *LedgerRepository) Get(ctx context.Context, id int64) (domain.Record, error) {
	if r.db == nil {
		return domain.Record{}, errDBUnavailable
	}
	return ledgerReader{db: r.db}.Get(ctx, id)
}

// Snapshot runs fn inside a read-only repeatable-read transaction, so every
// query fn makes sees the same committed state and takes no row locks.
func (r *LedgerRepository) Snapshot(ctx context.Context, fn func(reader usecase.LedgerReader) error) error {
	if r.db == nil {
		return errDBUnavailable
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ledgerReader{db: tx})
	}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	return classifyError(err)
}

func lockTenantHead(ctx context.Context, tx *gorm.DB, tenant string) error {
	if err := tx.WithContext(ctx).Exec(
		"INSERT INTO ledger_tenant_heads (tenant) VALUES (?) ON CONFLICT (tenant) DO NOTHING",
		tenant,
	).Error; err != nil {
		return err
	}
	var locked string
	return tx.WithContext(ctx).Raw(
		"SELECT tenant FROM ledger_tenant_heads WHERE tenant = ? FOR UPDATE",
		tenant,
	).Scan(&locked).Error
}

type ledgerTx struct {
	db *gorm.DB
}

func (t *ledgerTx) FindRecentDuplicate(ctx context.Context, tenant, dedupKey string, window int) (*domain.Record, error) {
	if window < 1 {
		window = 1
	}
	var models []LedgerRecordModel
	err := t.db.WithContext(ctx).Raw(`
		SELECT * FROM audit_ledger
		WHERE tenant = ? AND dedup_key = ?
		  AND id >= COALESCE((
			SELECT id FROM audit_ledger WHERE tenant = ? ORDER BY id DESC OFFSET ? LIMIT 1
		  ), 0)
		ORDER BY id DESC
		LIMIT 1`,
		tenant, dedupKey, tenant, window-1,
	).Scan(&models).Error
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, nil
	}
	record := recordFromModel(models[0])
	return &record, nil
}

func (t *ledgerTx) LastHash(ctx context.Context, tenant string) (string, error) {
	var hashes []string
	if err := t.db.WithContext(ctx).Raw(
		"SELECT hash FROM audit_ledger WHERE tenant = ? ORDER BY id DESC LIMIT 1 FOR UPDATE",
		tenant,
	).Scan(&hashes).Error; err != nil {
		return "", err
	}
	if len(hashes) == 0 {
		return "", nil
	}
	return hashes[0], nil
}

func (t *ledgerTx) NextID(ctx context.Context) (int64, error) {
	var id int64
	if err := t.db.WithContext(ctx).Raw("SELECT nextval('audit_ledger_id_seq')").Scan(&id).Error; err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, errors.New("sequence returned no id")
	}
	return id, nil
}

func (t *ledgerTx) Insert(ctx context.Context, record domain.Record) (domain.Record, error) {
	model := ledgerModelFromRecord(record)
	if err := t.db.WithContext(ctx).Omit("CreatedAt").Create(&model).Error; err != nil {
		return domain.Record{}, classifyError(err)
	}
	var stored LedgerRecordModel
	if err := t.db.WithContext(ctx).Where("id = ?", model.ID).Take(&stored).Error; err != nil {
		return domain.Record{}, err
	}
	return recordFromModel(stored), nil
}

type ledgerReader struct {
	db *gorm.DB
}

func (r ledgerReader) Tenants(ctx context.Context) ([]string, error) {
	var tenants []string
	if err := r.db.WithContext(ctx).
		Model(&LedgerRecordModel{}).
		Distinct("tenant").
		Order("tenant ASC").
		Pluck("tenant", &tenants).Error; err != nil {
		return nil, classifyError(err)
	}
	return tenants, nil
}

func (r ledgerReader) ListByTenant(ctx context.Context, tenant string, afterID int64, limit int) ([]domain.Record, error) {
	query := r.db.WithContext(ctx).
		Where("tenant = ? AND id > ?", tenant, afterID).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []LedgerRecordModel
	if err := query.Find(&models).Error; err != nil {
		return nil, classifyError(err)
	}
	out := make([]domain.Record, 0, len(models))
	for _, model := range models {
		out = append(out, recordFromModel(model))
	}
	return out, nil
}

func (r ledgerReader) Get(ctx context.Context, id int64) (domain.Record, error) {
	var model LedgerRecordModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&model).Error; err != nil {
		return domain.Record{}, classifyError(err)
	}
	return recordFromModel(model), nil
}

func ledgerModelFromRecord(record domain.Record) LedgerRecordModel {
	return LedgerRecordModel{
		ID:               record.ID,
		Tenant:           record.Tenant,
		SubjectID:        record.SubjectID,
		SubjectName:      record.SubjectName,
		Service:          record.Service,
		Verb:             string(record.Verb),
		Path:             record.Path,
		IP:               record.IP,
		UserAgent:        record.UserAgent,
		StatusCode:       record.StatusCode,
		PayloadPreview:   stringPtrIfNotEmpty(string(record.PayloadPreview)),
		Timestamp:        record.Timestamp.UTC(),
		PreviousHash:     record.PreviousHash,
		Hash:             record.Hash,
		DedupKey:         record.DedupKey,
	}
}

// recordFromModel hands back the payload text exactly as it was hashed. The
// column is text rather than jsonb so no second, unhashed copy exists.
func recordFromModel(model LedgerRecordModel) domain.Record {
	var payload []byte
	if model.PayloadPreview != nil {
		payload = []byte(*model.PayloadPreview)
	}
	return domain.Record{
		ID:             model.ID,
		Tenant:         model.Tenant,
		SubjectID:      model.SubjectID,
		SubjectName:    model.SubjectName,
		Service:        model.Service,
		Verb:           domain.Verb(model.Verb),
		Path:           model.Path,
		StatusCode:     model.StatusCode,
		IP:             model.IP,
		UserAgent:      model.UserAgent,
		PayloadPreview: payload,
		Timestamp:      model.Timestamp.UTC().Truncate(time.Microsecond),
		PreviousHash:   model.PreviousHash,
		Hash:           model.Hash,
		DedupKey:       model.DedupKey,
		CreatedAt:      model.CreatedAt.UTC(),
	}
}

var _ usecase.LedgerStore = (*LedgerRepository)(nil)
