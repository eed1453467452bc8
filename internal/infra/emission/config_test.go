package emission

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"auditledger/internal/config"
)

func TestNewFromConfig_AppliesEnvironment(t *testing.T) {
	t.Setenv("SERVICE_NAME", "payroll")
	t.Setenv("AUDIT_PUBLISH_DEADLINE_MS", "150")
	t.Setenv("AUDIT_PAYLOAD_MAX_BYTES", "32")
	t.Setenv("AUDIT_SENSITIVE_KEYS", "ssn")

	pub := &publisherStub{}
	i := NewFromConfig(config.FromEnv(), pub, nil, nil)
	if i.deadline != 150*time.Millisecond {
		t.Fatalf("unexpected deadline %s", i.deadline)
	}
	if i.maxBytes != 32 {
		t.Fatalf("unexpected payload cap %d", i.maxBytes)
	}
	if !i.redactor.Sensitive("ssn") || !i.redactor.Sensitive("password") {
		t.Fatal("configured keys must extend the default set")
	}

	req := httptest.NewRequest(http.MethodPut, "/staff/7", strings.NewReader(`{"ssn":"1","password":"p"}`))
	req.Header.Set(HeaderSubject, "u1")
	i.Middleware(echoHandler(http.StatusOK)).ServeHTTP(httptest.NewRecorder(), req)
	i.Wait()
	events := pub.published()
	if len(events) != 1 || events[0].Service != "payroll" {
		t.Fatalf("unexpected events %+v", events)
	}
	if string(events[0].PayloadPreview) != `{"password":"[REDACTED]","ssn":"[REDACTED]"}` {
		t.Fatalf("unexpected preview %s", events[0].PayloadPreview)
	}
}

func TestNewFromConfig_OversizedBodyUsesConfiguredCap(t *testing.T) {
	t.Setenv("AUDIT_PAYLOAD_MAX_BYTES", "8")

	pub := &publisherStub{}
	i := NewFromConfig(config.FromEnv(), pub, nil, nil)
	i.Middleware(echoHandler(http.StatusOK)).ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"a":"0123456789"}`)))
	i.Wait()
	events := pub.published()
	if len(events) != 1 || !strings.Contains(string(events[0].PayloadPreview), `"_truncated":true`) {
		t.Fatalf("expected truncated marker, got %+v", events)
	}
}
