package emission

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"auditledger/internal/domain"
	"auditledger/internal/infra/crypto"
	"auditledger/internal/infra/ledgermem"
	"auditledger/internal/usecase"

	"github.com/gin-gonic/gin"
)

type publisherStub struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
	block  chan struct{}
}

func (p *publisherStub) Publish(ctx context.Context, event domain.Event) (domain.PublishResult, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return domain.PublishTransient, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	if p.err != nil {
		return domain.PublishTransient, p.err
	}
	return domain.PublishOK, nil
}

func (p *publisherStub) published() []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Event(nil), p.events...)
}

var fixedClock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }

func echoHandler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(status)
		_, _ = w.Write(body)
	})
}

func TestMiddleware_EmitsRedactedEventAfterResponse(t *testing.T) {
	pub := &publisherStub{}
	i := New(Config{Service: "hrms", Publisher: pub, Claims: HeaderClaims, Clock: fixedClock})
	handler := i.Middleware(echoHandler(http.StatusCreated))

	body := `{"user":"a","Password":"p","nested":{"API_KEY":"k","list":[{"token":"t"}]}}`
	req := httptest.NewRequest(http.MethodPost, "/employees?x=1", strings.NewReader(body))
	req.Header.Set(HeaderSubject, "u1")
	req.Header.Set(HeaderName, "Alice")
	req.Header.Set(HeaderTenant, "T1")
	req.Header.Set("User-Agent", "curl/8")
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	i.Wait()

	if rec.Code != http.StatusCreated || rec.Body.String() != body {
		t.Fatalf("handler must see the full body, got %d %q", rec.Code, rec.Body.String())
	}
	events := pub.published()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	event := events[0]
	if event.Verb != domain.VerbPost || event.Path != "/employees" || event.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.Service != "hrms" || event.Tenant != "T1" || event.SubjectID != "u1" || event.SubjectName != "Alice" {
		t.Fatalf("unexpected identity: %+v", event)
	}
	if event.IP != "10.0.0.1" || event.UserAgent != "curl/8" {
		t.Fatalf("unexpected client: %q %q", event.IP, event.UserAgent)
	}
	want := `{"Password":"[REDACTED]","nested":{"API_KEY":"[REDACTED]","list":[{"token":"[REDACTED]"}]},"user":"a"}`
	if string(event.PayloadPreview) != want {
		t.Fatalf("unexpected preview %s", event.PayloadPreview)
	}
	if event.Timestamp.String() != "2025-01-01T00:00:00.000000Z" {
		t.Fatalf("unexpected timestamp %s", event.Timestamp)
	}
}

func TestMiddleware_SkipsReads(t *testing.T) {
	pub := &publisherStub{}
	i := New(Config{Service: "crm", Publisher: pub})
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		rec := httptest.NewRecorder()
		i.Middleware(echoHandler(http.StatusOK)).ServeHTTP(rec, httptest.NewRequest(method, "/contacts", nil))
	}
	i.Wait()
	if n := len(pub.published()); n != 0 {
		t.Fatalf("reads must not be audited, got %d events", n)
	}
}

func TestMiddleware_DefaultStatusAndNonObjectBody(t *testing.T) {
	pub := &publisherStub{}
	i := New(Config{Service: "pos", Publisher: pub})
	handler := i.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sales/1", strings.NewReader(`[1,2,3]`)))
	i.Wait()

	events := pub.published()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].StatusCode != http.StatusOK {
		t.Fatalf("expected implicit 200, got %d", events[0].StatusCode)
	}
	if events[0].PayloadPreview != nil {
		t.Fatalf("non-object body should yield null preview, got %s", events[0].PayloadPreview)
	}
	if events[0].Tenant != "" || events[0].SubjectID != "" {
		t.Fatalf("anonymous request should carry empty identity: %+v", events[0])
	}
}

func TestMiddleware_ClampsOversizedBody(t *testing.T) {
	pub := &publisherStub{}
	i := New(Config{Service: "inventory", Publisher: pub, PayloadMaxBytes: 16})
	body := `{"description":"` + strings.Repeat("x", 64) + `"}`
	var seen string
	handler := i.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/items/1", strings.NewReader(body)))
	i.Wait()

	if seen != body {
		t.Fatal("handler must receive the untruncated body")
	}
	events := pub.published()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	var marker map[string]any
	if err := json.Unmarshal(events[0].PayloadPreview, &marker); err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if marker["_truncated"] != true || marker["_size"] != float64(len(body)) {
		t.Fatalf("unexpected truncation marker %s", events[0].PayloadPreview)
	}
}

func TestMiddleware_PublishFailureDoesNotAffectResponse(t *testing.T) {
	pub := &publisherStub{err: errors.New("broker down")}
	i := New(Config{Service: "crm", Publisher: pub})
	rec := httptest.NewRecorder()
	i.Middleware(echoHandler(http.StatusOK)).ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/leads/1", strings.NewReader(`{}`)))
	i.Wait()
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if len(pub.published()) != 1 {
		t.Fatal("expected a publish attempt")
	}
}

func TestMiddleware_DoesNotWaitForPublish(t *testing.T) {
	pub := &publisherStub{block: make(chan struct{})}
	i := New(Config{Service: "crm", Publisher: pub, Deadline: time.Minute})
	done := make(chan struct{})
	go func() {
		rec := httptest.NewRecorder()
		i.Middleware(echoHandler(http.StatusOK)).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/leads", strings.NewReader(`{}`)))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler blocked on publish")
	}
	close(pub.block)
	i.Wait()
}

func TestMiddleware_DropsEventAfterDeadline(t *testing.T) {
	pub := &publisherStub{block: make(chan struct{})}
	i := New(Config{Service: "crm", Publisher: pub, Deadline: 20 * time.Millisecond})
	rec := httptest.NewRecorder()
	i.Middleware(echoHandler(http.StatusOK)).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/leads", strings.NewReader(`{}`)))
	i.Wait()
	if n := len(pub.published()); n != 0 {
		t.Fatalf("expected event to be dropped, got %d", n)
	}
}

func TestMiddleware_PrefersContextClaims(t *testing.T) {
	pub := &publisherStub{}
	i := New(Config{Service: "acct", Publisher: pub, Claims: func(r *http.Request) domain.Claims {
		return domain.Claims{SubjectID: "fallback"}
	}})
	chain := ClaimsMiddleware(HeaderClaims)(i.Middleware(echoHandler(http.StatusOK)))
	req := httptest.NewRequest(http.MethodPost, "/ledger", strings.NewReader(`{}`))
	req.Header.Set(HeaderSubject, "u7")
	req.Header.Set(HeaderTenant, "T9")
	chain.ServeHTTP(httptest.NewRecorder(), req)
	i.Wait()
	events := pub.published()
	if len(events) != 1 || events[0].SubjectID != "u7" || events[0].Tenant != "T9" {
		t.Fatalf("expected context claims, got %+v", events)
	}
}

func TestGinAdapter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	pub := &publisherStub{}
	i := New(Config{Service: "hrms", Publisher: pub, Claims: HeaderClaims})
	router := gin.New()
	router.Use(i.Gin())
	router.POST("/leave/:id", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"ok": false})
	})
	router.GET("/leave/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/leave/3", strings.NewReader(`{"days":2,"secret":"s"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTenant, "T1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/leave/3", nil))
	i.Wait()

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("handler should have parsed the body, got %d %s", rec.Code, rec.Body.String())
	}
	events := pub.published()
	if len(events) != 1 {
		t.Fatalf("expected only the POST to be audited, got %d", len(events))
	}
	if events[0].StatusCode != http.StatusUnprocessableEntity || events[0].Path != "/leave/3" {
		t.Fatalf("unexpected event %+v", events[0])
	}
	if string(events[0].PayloadPreview) != `{"days":2,"secret":"[REDACTED]"}` {
		t.Fatalf("unexpected preview %s", events[0].PayloadPreview)
	}
}

// ingestPublisher feeds events through the wire format into a ledger.
type ingestPublisher struct {
	handler *usecase.IngestHandler
	results []usecase.IngestResult
	mu      sync.Mutex
}

func (p *ingestPublisher) Publish(ctx context.Context, event domain.Event) (domain.PublishResult, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return domain.PublishPermanent, err
	}
	res := p.handler.Handle(ctx, usecase.Delivery{Body: body})
	p.mu.Lock()
	p.results = append(p.results, res)
	p.mu.Unlock()
	return domain.PublishOK, res.Err
}

func TestRedactedPayloadIsWhatGetsHashed(t *testing.T) {
	store := ledgermem.New()
	appender := usecase.NewAppender(store, crypto.RecordHasher{}, 0, nil)
	pub := &ingestPublisher{handler: usecase.NewIngestHandler(appender, 5, nil)}
	i := New(Config{Service: "auth", Publisher: pub, Claims: HeaderClaims, Clock: fixedClock})

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"user":"a","password":"p"}`))
	req.Header.Set(HeaderTenant, "T1")
	i.Middleware(echoHandler(http.StatusOK)).ServeHTTP(httptest.NewRecorder(), req)
	i.Wait()

	if len(pub.results) != 1 || pub.results[0].Outcome != usecase.OutcomeAck {
		t.Fatalf("expected appended record, got %+v", pub.results)
	}
	record, err := store.Get(context.Background(), pub.results[0].Record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var stored map[string]any
	if err := json.Unmarshal(record.PayloadPreview, &stored); err != nil {
		t.Fatalf("decode stored payload: %v", err)
	}
	if stored["password"] != RedactedValue || stored["user"] != "a" {
		t.Fatalf("unexpected stored payload %s", record.PayloadPreview)
	}
	digest, err := crypto.RecordHasher{}.Digest(record)
	if err != nil || digest != record.Hash {
		t.Fatalf("hash must cover the redacted payload: %v", err)
	}
	if strings.Contains(string(record.PayloadPreview), `"p"`) {
		t.Fatal("secret leaked into the ledger")
	}
}
