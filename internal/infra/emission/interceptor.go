// Package emission captures state-changing requests of a producing service
// and hands them to the audit publisher once the response is written.
package emission

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"auditledger/internal/domain"
	"auditledger/internal/infra/metrics"

	"github.com/gin-gonic/gin"
)

const (
	DefaultPayloadMaxBytes = 8192
	DefaultPublishDeadline = 2 * time.Second
)

type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) (domain.PublishResult, error)
}

type Config struct {
	Service   string
	Publisher EventPublisher
	// Claims is consulted when the request context carries no claims.
	Claims          ClaimsFunc
	PayloadMaxBytes int
	SensitiveKeys   []string
	Deadline        time.Duration
	Clock           func() time.Time
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

type Interceptor struct {
	service   string
	publisher EventPublisher
	claims    ClaimsFunc
	maxBytes  int
	deadline  time.Duration
	clock     func() time.Time
	redactor  *Redactor
	metrics   *metrics.Metrics
	logger    *slog.Logger

	inflight sync.WaitGroup
}

func New(cfg Config) *Interceptor {
	i := &Interceptor{
		service:   cfg.Service,
		publisher: cfg.Publisher,
		claims:    cfg.Claims,
		maxBytes:  cfg.PayloadMaxBytes,
		deadline:  cfg.Deadline,
		clock:     cfg.Clock,
		redactor:  NewRedactor(cfg.SensitiveKeys),
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
	if i.maxBytes <= 0 {
		i.maxBytes = DefaultPayloadMaxBytes
	}
	if i.deadline <= 0 {
		i.deadline = DefaultPublishDeadline
	}
	if i.clock == nil {
		i.clock = time.Now
	}
	if i.logger == nil {
		i.logger = slog.Default()
	}
	return i
}

// Middleware wraps a net/http handler.
func (i *Interceptor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verb, ok := domain.ParseVerb(r.Method)
		if !ok {
			i.metrics.ObserveEmission("skipped")
			next.ServeHTTP(w, r)
			return
		}
		capture := i.capture(r)
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		i.emit(r, verb, capture, rec.code)
	})
}

// Gin adapts the interceptor to a gin engine. Claims placed in the request
// context by later middleware are picked up after the handler chain runs.
func (i *Interceptor) Gin() gin.HandlerFunc {
	return func(c *gin.Context) {
		verb, ok := domain.ParseVerb(c.Request.Method)
		if !ok {
			i.metrics.ObserveEmission("skipped")
			c.Next()
			return
		}
		capture := i.capture(c.Request)
		c.Next()
		i.emit(c.Request, verb, capture, c.Writer.Status())
	}
}

// Wait blocks until in-flight publishes have finished or given up.
func (i *Interceptor) Wait() {
	i.inflight.Wait()
}

type bodyCapture struct {
	body      []byte
	size      int64
	truncated bool
}

// capture reads at most maxBytes+1 bytes of the body and puts them back in
// front of the unread rest, so the handler sees the full body.
func (i *Interceptor) capture(r *http.Request) bodyCapture {
	if r.Body == nil || r.Body == http.NoBody {
		return bodyCapture{}
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, int64(i.maxBytes)+1))
	r.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
	if err != nil {
		i.logger.Debug("audit body capture failed", "error", err)
		return bodyCapture{}
	}
	out := bodyCapture{body: buf, size: int64(len(buf))}
	if len(buf) > i.maxBytes {
		out.truncated = true
		out.body = nil
		if r.ContentLength > out.size {
			out.size = r.ContentLength
		}
	}
	return out
}

func (i *Interceptor) emit(r *http.Request, verb domain.Verb, capture bodyCapture, status int) {
	if i.publisher == nil {
		return
	}
	claims := i.claimsFor(r)
	event := domain.Event{
		Service:        i.service,
		SubjectID:      claims.SubjectID,
		SubjectName:    claims.SubjectName,
		Tenant:         claims.TenantID,
		Verb:           verb,
		Path:           domain.TruncatePath(r.URL.Path),
		StatusCode:     status,
		IP:             claims.IP,
		UserAgent:      claims.UserAgent,
		PayloadPreview: i.preview(capture),
		Timestamp:      domain.NewTimestamp(i.clock()),
	}
	i.metrics.ObserveEmission("emitted")

	i.inflight.Add(1)
	go func() {
		defer i.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), i.deadline)
		defer cancel()
		result, err := i.publisher.Publish(ctx, event)
		if err != nil {
			i.logger.Warn("audit publish dropped",
				"result", result.String(),
				"service", event.Service,
				"verb", string(event.Verb),
				"path", event.Path,
				"error", err,
			)
		}
	}()
}

func (i *Interceptor) preview(capture bodyCapture) []byte {
	if capture.truncated {
		return []byte(fmt.Sprintf(`{"_size":%d,"_truncated":true}`, capture.size))
	}
	return i.redactor.Preview(capture.body)
}

func (i *Interceptor) claimsFor(r *http.Request) domain.Claims {
	claims, ok := domain.ClaimsFromContext(r.Context())
	if !ok {
		if i.claims != nil {
			claims = i.claims(r)
		} else {
			claims = domain.AnonymousClaims("", "")
		}
	}
	if claims.IP == "" {
		claims.IP = ClientIP(r)
	}
	if claims.UserAgent == "" {
		claims.UserAgent = r.UserAgent()
	}
	return claims
}

type replayBody struct {
	io.Reader
	io.Closer
}

type statusRecorder struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	if !s.wroteHeader {
		s.code = statusCode
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
