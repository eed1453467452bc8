package usecase_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"auditledger/internal/domain"
	"auditledger/internal/infra/crypto"
	"auditledger/internal/infra/ledgermem"
	"auditledger/internal/usecase"
)

var baseTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func testEvent(tenant, path string, offset time.Duration) domain.Event {
	return domain.Event{
		Service:        "auth",
		SubjectID:      "u1",
		Tenant:         tenant,
		Verb:           domain.VerbPost,
		Path:           path,
		StatusCode:     200,
		IP:             "1.1.1.1",
		UserAgent:      "x",
		PayloadPreview: json.RawMessage(`{}`),
		Timestamp:      domain.NewTimestamp(baseTime.Add(offset)),
	}
}

func newLedger() (*ledgermem.Store, *usecase.Appender, *usecase.Verifier) {
	store := ledgermem.New()
	return store, usecase.NewAppender(store, crypto.RecordHasher{}, 0, nil), usecase.NewVerifier(store, crypto.RecordHasher{})
}

func mustAppend(t *testing.T, appender *usecase.Appender, event domain.Event) domain.Record {
	t.Helper()
	record, res, err := appender.Append(context.Background(), event)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.Duplicate {
		t.Fatalf("unexpected duplicate for %s", event.Path)
	}
	return record
}

func TestAppender_FirstAppendOnEmptyLedger(t *testing.T) {
	_, appender, _ := newLedger()
	record := mustAppend(t, appender, testEvent("T1", "/login", 0))

	if record.ID != 1 {
		t.Fatalf("expected id 1, got %d", record.ID)
	}
	if record.PreviousHash != domain.ZeroHash {
		t.Fatalf("expected zero previous hash, got %s", record.PreviousHash)
	}
	canonical := "1|T1|u1||auth|post|/login|200|1.1.1.1|x|{}|2025-01-01T00:00:00.000000Z|" + domain.ZeroHash
	sum := sha256.Sum256([]byte(canonical))
	if record.Hash != hex.EncodeToString(sum[:]) {
		t.Fatalf("hash mismatch: %s", record.Hash)
	}
}

func TestAppender_ChainLinkage(t *testing.T) {
	_, appender, _ := newLedger()
	a := mustAppend(t, appender, testEvent("T1", "/a", 0))
	b := mustAppend(t, appender, testEvent("T1", "/b", time.Second))
	if b.PreviousHash != a.Hash {
		t.Fatalf("expected b to link to a: %s != %s", b.PreviousHash, a.Hash)
	}
	if b.ID <= a.ID {
		t.Fatalf("expected increasing ids, got %d then %d", a.ID, b.ID)
	}
}

func TestAppender_TenantsChainIndependently(t *testing.T) {
	_, appender, _ := newLedger()
	a := mustAppend(t, appender, testEvent("T1", "/a", 0))
	b := mustAppend(t, appender, testEvent("T2", "/b", time.Second))
	c := mustAppend(t, appender, testEvent("T1", "/c", 2*time.Second))

	if b.PreviousHash != domain.ZeroHash {
		t.Fatalf("expected T2 genesis, got %s", b.PreviousHash)
	}
	if c.PreviousHash != a.Hash {
		t.Fatalf("expected C to link to A, got %s", c.PreviousHash)
	}
	if c.PreviousHash == b.Hash {
		t.Fatal("C must not link to another tenant's record")
	}
}

func TestAppender_DedupReturnsExistingRecord(t *testing.T) {
	store, appender, _ := newLedger()
	first := mustAppend(t, appender, testEvent("T1", "/orders", 0))

	again := testEvent("T1", "/orders", 0)
	again.StatusCode = 500
	again.PayloadPreview = json.RawMessage(`{"different":true}`)
	record, res, err := appender.Append(context.Background(), again)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if !res.Duplicate {
		t.Fatal("expected duplicate result")
	}
	if record.ID != first.ID || record.Hash != first.Hash {
		t.Fatalf("expected stored record back, got %+v", record)
	}
	if store.Len() != 1 {
		t.Fatalf("expected exactly one record, got %d", store.Len())
	}
}

func TestAppender_DedupKeyCoversSubject(t *testing.T) {
	store, appender, _ := newLedger()
	mustAppend(t, appender, testEvent("T1", "/orders", 0))
	other := testEvent("T1", "/orders", 0)
	other.SubjectID = "u2"
	mustAppend(t, appender, other)
	if store.Len() != 2 {
		t.Fatalf("expected two records, got %d", store.Len())
	}
}

func TestAppender_RejectsInvalidEvents(t *testing.T) {
	_, appender, _ := newLedger()
	cases := map[string]func(e *domain.Event){
		"verb":      func(e *domain.Event) { e.Verb = "get" },
		"service":   func(e *domain.Event) { e.Service = " " },
		"path":      func(e *domain.Event) { e.Path = "" },
		"status":    func(e *domain.Event) { e.StatusCode = 0 },
		"timestamp": func(e *domain.Event) { e.Timestamp = domain.Timestamp{} },
		"payload":   func(e *domain.Event) { e.PayloadPreview = json.RawMessage(`[1,2]`) },
	}
	for name, mutate := range cases {
		event := testEvent("T1", "/x", 0)
		mutate(&event)
		if _, _, err := appender.Append(context.Background(), event); !errors.Is(err, domain.ErrInvalidEvent) {
			t.Fatalf("%s: expected ErrInvalidEvent, got %v", name, err)
		}
	}
}

func TestAppender_NormalizesEvent(t *testing.T) {
	_, appender, _ := newLedger()
	event := testEvent("T1", "/x", 0)
	event.Verb = "PATCH"
	event.Timestamp = domain.NewTimestamp(time.Date(2025, 1, 1, 3, 0, 0, 123456789, time.FixedZone("x", 3*3600)))
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'a'
	}
	event.Path = "/" + string(long)
	event.PayloadPreview = json.RawMessage(`{ "b": 1, "a": 2 }`)

	record := mustAppend(t, appender, event)
	if record.Verb != domain.VerbPatch {
		t.Fatalf("expected lower-case verb, got %q", record.Verb)
	}
	if len(record.Path) != domain.MaxPathLength {
		t.Fatalf("expected truncated path, got %d bytes", len(record.Path))
	}
	if got := domain.FormatTimestamp(record.Timestamp); got != "2025-01-01T00:00:00.123456Z" {
		t.Fatalf("unexpected timestamp %s", got)
	}
	if string(record.PayloadPreview) != `{"a":2,"b":1}` {
		t.Fatalf("unexpected payload %s", record.PayloadPreview)
	}
}

func TestVerifier_CleanLedger(t *testing.T) {
	_, appender, verifier := newLedger()
	const n = 25
	for i := 0; i < n; i++ {
		tenant := fmt.Sprintf("T%d", i%3)
		mustAppend(t, appender, testEvent(tenant, fmt.Sprintf("/items/%d", i), time.Duration(i)*time.Second))
	}
	verifier.PageSize = 4
	report, err := verifier.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Checked != n || report.OKCount != n || !report.Clean() {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Tenants) != 3 {
		t.Fatalf("expected 3 tenants, got %v", report.Tenants)
	}
}

func TestVerifier_TamperedRecordTaintsRestOfTenant(t *testing.T) {
	store, appender, _ := newLedger()
	for i := 0; i < 8; i++ {
		mustAppend(t, appender, testEvent("T1", fmt.Sprintf("/items/%d", i), time.Duration(i)*time.Second))
	}
	other := mustAppend(t, appender, testEvent("T2", "/other", 0))

	records := dumpRecords(t, store)
	for i := range records {
		if records[i].ID == 5 {
			records[i].Path = "/items/forged"
		}
	}
	report, err := usecase.NewVerifier(frozenStore(records), crypto.RecordHasher{}).VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Clean() {
		t.Fatal("expected corruption")
	}
	want := map[int64][]string{
		5: {domain.ReasonTampered},
		6: {domain.ReasonBrokenChain},
		7: {domain.ReasonBrokenChain},
		8: {domain.ReasonBrokenChain},
	}
	assertCorruptions(t, report, want)
	for _, c := range report.Corrupted {
		if c.ID == other.ID {
			t.Fatal("other tenant must stay clean")
		}
	}
	if report.OKCount != 5 {
		t.Fatalf("expected 5 clean records, got %d", report.OKCount)
	}
}

func TestVerifier_EveryFieldMutationIsDetected(t *testing.T) {
	store, appender, _ := newLedger()
	for i := 0; i < 3; i++ {
		event := testEvent("T1", fmt.Sprintf("/p/%d", i), time.Duration(i)*time.Second)
		event.SubjectName = "alice"
		event.PayloadPreview = json.RawMessage(`{"k":"v"}`)
		mustAppend(t, appender, event)
	}
	mutations := map[string]func(r *domain.Record){
		"tenant":          func(r *domain.Record) { r.Tenant = "T1" + "x" },
		"subject_id":      func(r *domain.Record) { r.SubjectID = "u9" },
		"subject_name":    func(r *domain.Record) { r.SubjectName = "mallory" },
		"service":         func(r *domain.Record) { r.Service = "billing" },
		"verb":            func(r *domain.Record) { r.Verb = domain.VerbDelete },
		"path":            func(r *domain.Record) { r.Path = "/p/x" },
		"status":          func(r *domain.Record) { r.StatusCode = 201 },
		"ip":              func(r *domain.Record) { r.IP = "2.2.2.2" },
		"user_agent":      func(r *domain.Record) { r.UserAgent = "y" },
		"payload_preview": func(r *domain.Record) { r.PayloadPreview = json.RawMessage(`{"k":"w"}`) },
		"timestamp":       func(r *domain.Record) { r.Timestamp = r.Timestamp.Add(time.Microsecond) },
	}
	for name, mutate := range mutations {
		records := dumpRecords(t, store)
		mutate(&records[0])
		report, err := usecase.NewVerifier(frozenStore(records), nil).VerifyTenant(context.Background(), records[0].Tenant)
		if err != nil {
			t.Fatalf("%s: verify: %v", name, err)
		}
		found := false
		for _, c := range report.Corrupted {
			if c.ID == records[0].ID && contains(c.Reasons, domain.ReasonTampered) {
				found = true
			}
		}
		if !found {
			t.Fatalf("%s: mutation not flagged as tampered: %+v", name, report)
		}
	}
}

func TestVerifier_DroppedRecordBreaksChain(t *testing.T) {
	store, appender, verifier := newLedger()
	for i := 0; i < 6; i++ {
		mustAppend(t, appender, testEvent("T1", fmt.Sprintf("/items/%d", i), time.Duration(i)*time.Second))
	}
	if report, _ := verifier.VerifyAll(context.Background()); !report.Clean() {
		t.Fatalf("expected clean ledger before drop: %+v", report)
	}

	records := dumpRecords(t, store)
	kept := records[:0]
	for _, r := range records {
		if r.ID != 3 {
			kept = append(kept, r)
		}
	}
	report, err := usecase.NewVerifier(frozenStore(kept), nil).VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	assertCorruptions(t, report, map[int64][]string{
		4: {domain.ReasonBrokenChain},
		5: {domain.ReasonBrokenChain},
		6: {domain.ReasonBrokenChain},
	})
}

func TestVerifier_HonoursCancellation(t *testing.T) {
	_, appender, verifier := newLedger()
	mustAppend(t, appender, testEvent("T1", "/a", 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := verifier.VerifyAll(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAppender_ConcurrentTenantsKeepChainsIntact(t *testing.T) {
	store, appender, verifier := newLedger()
	const tenants, perTenant = 6, 40
	var wg sync.WaitGroup
	errs := make(chan error, tenants*perTenant)
	for ti := 0; ti < tenants; ti++ {
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func(tenant string, worker int) {
				defer wg.Done()
				for i := worker; i < perTenant; i += 2 {
					event := testEvent(tenant, fmt.Sprintf("/items/%d", i), time.Duration(i)*time.Millisecond)
					if _, _, err := appender.Append(context.Background(), event); err != nil {
						errs <- err
					}
				}
			}(fmt.Sprintf("T%d", ti), w)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}
	if store.Len() != tenants*perTenant {
		t.Fatalf("expected %d records, got %d", tenants*perTenant, store.Len())
	}
	report, err := verifier.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Clean() || report.OKCount != tenants*perTenant {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func dumpRecords(t *testing.T, store *ledgermem.Store) []domain.Record {
	t.Helper()
	var out []domain.Record
	err := store.Snapshot(context.Background(), func(r usecase.LedgerReader) error {
		tenants, err := r.Tenants(context.Background())
		if err != nil {
			return err
		}
		for _, tenant := range tenants {
			records, err := r.ListByTenant(context.Background(), tenant, 0, 0)
			if err != nil {
				return err
			}
			out = append(out, records...)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func assertCorruptions(t *testing.T, report domain.VerifyReport, want map[int64][]string) {
	t.Helper()
	if len(report.Corrupted) != len(want) {
		t.Fatalf("expected %d corruptions, got %+v", len(want), report.Corrupted)
	}
	for _, c := range report.Corrupted {
		reasons, ok := want[c.ID]
		if !ok {
			t.Fatalf("unexpected corruption for id %d: %v", c.ID, c.Reasons)
		}
		if fmt.Sprint(reasons) != fmt.Sprint(c.Reasons) {
			t.Fatalf("id %d: expected reasons %v, got %v", c.ID, reasons, c.Reasons)
		}
	}
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// frozenStore serves a fixed set of records, letting tests present rows
// that were altered after commit.
type frozenStore []domain.Record

func (f frozenStore) Tenants(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, r := range f {
		if !seen[r.Tenant] {
			seen[r.Tenant] = true
			out = append(out, r.Tenant)
		}
	}
	return out, nil
}

func (f frozenStore) ListByTenant(ctx context.Context, tenant string, afterID int64, limit int) ([]domain.Record, error) {
	var out []domain.Record
	for _, r := range f {
		if r.Tenant != tenant || r.ID <= afterID {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f frozenStore) Get(ctx context.Context, id int64) (domain.Record, error) {
	for _, r := range f {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.Record{}, domain.ErrNotFound
}

func (f frozenStore) WithTenantLock(ctx context.Context, tenant string, fn func(tx usecase.LedgerTx) error) error {
	return errors.New("read-only")
}

func (f frozenStore) FindByDedupKey(ctx context.Context, tenant, dedupKey string) (domain.Record, error) {
	return domain.Record{}, domain.ErrNotFound
}

func (f frozenStore) Snapshot(ctx context.Context, fn func(r usecase.LedgerReader) error) error {
	return fn(f)
}
