package ledgermem

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"auditledger/internal/domain"
	"auditledger/internal/usecase"
)

// Store is an in-memory ledger. Writers serialize per tenant; readers get a
// copy of the committed rows.
type Store struct {
	mu      sync.RWMutex
	records []domain.Record
	byID    map[int64]int
	tenants map[string]*tenantState
	nextID  int64
	clock   func() time.Time
}

type tenantState struct {
	lock    sync.Mutex
	indexes []int
	dedup   map[string]int
}

func New() *Store {
	return NewWithClock(nil)
}

func NewWithClock(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		byID:    make(map[int64]int),
		tenants: make(map[string]*tenantState),
		clock:   clock,
	}
}

func (s *Store) WithTenantLock(ctx context.Context, tenant string, fn func(tx usecase.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state := s.tenant(tenant)
	state.lock.Lock()
	defer state.lock.Unlock()

	tx := &memTx{store: s, tenant: tenant}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.staged == nil {
		return nil
	}
	return s.commit(*tx.staged)
}

func (s *Store) FindByDedupKey(ctx context.Context, tenant, dedupKey string) (domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.tenants[tenant]
	if !ok {
		return domain.Record{}, domain.ErrNotFound
	}
	idx, ok := state.dedup[dedupKey]
	if !ok {
		return domain.Record{}, domain.ErrNotFound
	}
	return cloneRecord(s.records[idx]), nil
}

func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tenants))
	for tenant, state := range s.tenants {
		if len(state.indexes) == 0 {
			continue
		}
		out = append(out, tenant)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ListByTenant(ctx context.Context, tenant string, afterID int64, limit int) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listByTenant(s.records, s.tenants[tenant], afterID, limit), nil
}

func (s *Store) Get(ctx context.Context, id int64) (domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return domain.Record{}, domain.ErrNotFound
	}
	return cloneRecord(s.records[idx]), nil
}

// Snapshot hands fn a frozen copy of the ledger; appends that commit while fn
// runs are not visible to it.
func (s *Store) Snapshot(ctx context.Context, fn func(r usecase.LedgerReader) error) error {
	s.mu.RLock()
	snap := &snapshot{
		records: make([]domain.Record, len(s.records)),
		byID:    make(map[int64]int, len(s.byID)),
		tenants: make(map[string][]int, len(s.tenants)),
	}
	for i, record := range s.records {
		snap.records[i] = cloneRecord(record)
	}
	for id, idx := range s.byID {
		snap.byID[id] = idx
	}
	for tenant, state := range s.tenants {
		if len(state.indexes) == 0 {
			continue
		}
		snap.tenants[tenant] = append([]int(nil), state.indexes...)
	}
	s.mu.RUnlock()
	return fn(snap)
}

// Len reports the number of committed records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) tenant(tenant string) *tenantState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.tenants[tenant]
	if !ok {
		state = &tenantState{dedup: make(map[string]int)}
		s.tenants[tenant] = state
	}
	return state
}

func (s *Store) reserveID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *Store) commit(record domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.tenants[record.Tenant]
	if record.DedupKey != "" {
		if _, exists := state.dedup[record.DedupKey]; exists {
			return domain.ErrDuplicate
		}
	}
	idx := len(s.records)
	s.records = append(s.records, record)
	s.byID[record.ID] = idx
	state.indexes = append(state.indexes, idx)
	if record.DedupKey != "" {
		state.dedup[record.DedupKey] = idx
	}
	return nil
}

type memTx struct {
	store  *Store
	tenant string
	staged *domain.Record
}

func (tx *memTx) FindRecentDuplicate(ctx context.Context, tenant, dedupKey string, window int) (*domain.Record, error) {
	s := tx.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := s.tenants[tenant]
	if state == nil {
		return nil, nil
	}
	start := len(state.indexes) - window
	if start < 0 || window <= 0 {
		start = 0
	}
	for i := len(state.indexes) - 1; i >= start; i-- {
		record := s.records[state.indexes[i]]
		if record.DedupKey == dedupKey {
			out := cloneRecord(record)
			return &out, nil
		}
	}
	return nil, nil
}

func (tx *memTx) LastHash(ctx context.Context, tenant string) (string, error) {
	s := tx.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := s.tenants[tenant]
	if state == nil || len(state.indexes) == 0 {
		return "", nil
	}
	return s.records[state.indexes[len(state.indexes)-1]].Hash, nil
}

func (tx *memTx) NextID(ctx context.Context) (int64, error) {
	return tx.store.reserveID(), nil
}

func (tx *memTx) Insert(ctx context.Context, record domain.Record) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}
	if record.Tenant != tx.tenant {
		return domain.Record{}, domain.ErrForbidden
	}
	if tx.staged != nil {
		return domain.Record{}, domain.ErrDuplicate
	}
	if _, err := tx.store.FindByDedupKey(ctx, record.Tenant, record.DedupKey); err == nil {
		return domain.Record{}, domain.ErrDuplicate
	}
	record.CreatedAt = tx.store.clock().UTC()
	stored := cloneRecord(record)
	tx.staged = &stored
	return cloneRecord(stored), nil
}

type snapshot struct {
	records []domain.Record
	byID    map[int64]int
	tenants map[string][]int
}

func (s *snapshot) Tenants(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(s.tenants))
	for tenant := range s.tenants {
		out = append(out, tenant)
	}
	sort.Strings(out)
	return out, nil
}

func (s *snapshot) ListByTenant(ctx context.Context, tenant string, afterID int64, limit int) ([]domain.Record, error) {
	return listIndexes(s.records, s.tenants[tenant], afterID, limit), nil
}

func (s *snapshot) Get(ctx context.Context, id int64) (domain.Record, error) {
	idx, ok := s.byID[id]
	if !ok {
		return domain.Record{}, domain.ErrNotFound
	}
	return cloneRecord(s.records[idx]), nil
}

func listByTenant(records []domain.Record, state *tenantState, afterID int64, limit int) []domain.Record {
	if state == nil {
		return []domain.Record{}
	}
	return listIndexes(records, state.indexes, afterID, limit)
}

func listIndexes(records []domain.Record, indexes []int, afterID int64, limit int) []domain.Record {
	out := []domain.Record{}
	for _, idx := range indexes {
		record := records[idx]
		if record.ID <= afterID {
			continue
		}
		out = append(out, cloneRecord(record))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func cloneRecord(record domain.Record) domain.Record {
	if record.PayloadPreview != nil {
		record.PayloadPreview = append(json.RawMessage(nil), record.PayloadPreview...)
	}
	return record
}

var (
	_ usecase.LedgerStore  = (*Store)(nil)
	_ usecase.LedgerReader = (*snapshot)(nil)
)
