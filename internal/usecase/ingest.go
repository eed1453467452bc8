package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"auditledger/internal/domain"
)

type Outcome int

const (
	OutcomeAck Outcome = iota
	OutcomeDuplicate
	OutcomeDeadLetter
	OutcomeRequeue
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeDuplicate:
		return "dedup"
	case OutcomeDeadLetter:
		return "dead_letter"
	case OutcomeRequeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// Delivery is one broker message as the ingest path sees it.
type Delivery struct {
	Body []byte
	// DeliveryCount is the broker-maintained count of previous deliveries,
	// or -1 when the broker does not report one.
	DeliveryCount int
	Redelivered   bool
}

type IngestResult struct {
	Outcome Outcome
	Record  domain.Record
	Err     error
}

const DefaultMaxRedeliveries = 5

// IngestHandler decodes deliveries and routes them to the appender. It
// decides the acknowledgement; it never talks to the broker itself.
type IngestHandler struct {
	Appender        EventAppender
	MaxRedeliveries int
	Logger          *slog.Logger
}

func NewIngestHandler(appender EventAppender, maxRedeliveries int, logger *slog.Logger) *IngestHandler {
	return &IngestHandler{Appender: appender, MaxRedeliveries: maxRedeliveries, Logger: logger}
}

func (h *IngestHandler) Handle(ctx context.Context, d Delivery) IngestResult {
	event, err := DecodeEvent(d.Body)
	if err != nil {
		h.logger().Warn("audit delivery rejected", "error", err)
		return IngestResult{Outcome: OutcomeDeadLetter, Err: err}
	}

	record, res, err := h.Appender.Append(ctx, event)
	switch {
	case err == nil && res.Duplicate:
		return IngestResult{Outcome: OutcomeDuplicate, Record: record}
	case err == nil:
		return IngestResult{Outcome: OutcomeAck, Record: record}
	case errors.Is(err, domain.ErrInvalidEvent):
		h.logger().Warn("audit event failed validation", "service", event.Service, "error", err)
		return IngestResult{Outcome: OutcomeDeadLetter, Err: err}
	case errors.Is(err, domain.ErrStorageTransient) || errors.Is(err, domain.ErrStoreUnavailable):
		if h.redeliveryExhausted(d) {
			h.logger().Error("audit delivery exceeded redelivery limit", "deliveries", d.DeliveryCount, "error", err)
			return IngestResult{Outcome: OutcomeDeadLetter, Err: err}
		}
		h.logger().Warn("audit append failed transiently; requeueing", "error", err)
		return IngestResult{Outcome: OutcomeRequeue, Err: err}
	default:
		h.logger().Error("audit append failed", "tenant", event.Tenant, "service", event.Service, "error", err)
		return IngestResult{Outcome: OutcomeDeadLetter, Err: err}
	}
}

func (h *IngestHandler) redeliveryExhausted(d Delivery) bool {
	limit := h.MaxRedeliveries
	if limit <= 0 {
		limit = DefaultMaxRedeliveries
	}
	if d.DeliveryCount < 0 {
		return false
	}
	return d.DeliveryCount >= limit
}

func (h *IngestHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

type wireEvent struct {
	Service        *string         `json:"service"`
	SubjectID      string          `json:"subject_id"`
	SubjectName    string          `json:"subject_name"`
	Tenant         string          `json:"tenant"`
	Verb           *string         `json:"verb"`
	Path           *string         `json:"path"`
	StatusCode     *int            `json:"status_code"`
	IP             string          `json:"ip"`
	UserAgent      string          `json:"user_agent"`
	PayloadPreview json.RawMessage `json:"payload_preview"`
	Timestamp      *string         `json:"timestamp"`
}

// DecodeEvent parses the bus wire format and rejects messages that miss a
// required field.
func DecodeEvent(body []byte) (domain.Event, error) {
	var wire wireEvent
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&wire); err != nil {
		return domain.Event{}, fmt.Errorf("%w: decode: %v", domain.ErrInvalidEvent, err)
	}
	switch {
	case wire.Service == nil:
		return domain.Event{}, fmt.Errorf("%w: missing service", domain.ErrInvalidEvent)
	case wire.Verb == nil:
		return domain.Event{}, fmt.Errorf("%w: missing verb", domain.ErrInvalidEvent)
	case wire.Path == nil:
		return domain.Event{}, fmt.Errorf("%w: missing path", domain.ErrInvalidEvent)
	case wire.StatusCode == nil:
		return domain.Event{}, fmt.Errorf("%w: missing status_code", domain.ErrInvalidEvent)
	case wire.Timestamp == nil:
		return domain.Event{}, fmt.Errorf("%w: missing timestamp", domain.ErrInvalidEvent)
	}
	ts, err := time.Parse(time.RFC3339Nano, *wire.Timestamp)
	if err != nil {
		return domain.Event{}, fmt.Errorf("%w: timestamp: %v", domain.ErrInvalidEvent, err)
	}
	event := domain.Event{
		Service:        *wire.Service,
		SubjectID:      wire.SubjectID,
		SubjectName:    wire.SubjectName,
		Tenant:         wire.Tenant,
		Verb:           domain.Verb(*wire.Verb),
		Path:           *wire.Path,
		StatusCode:     *wire.StatusCode,
		IP:             wire.IP,
		UserAgent:      wire.UserAgent,
		PayloadPreview: wire.PayloadPreview,
		Timestamp:      domain.NewTimestamp(ts),
	}
	if _, err := NormalizeEvent(event); err != nil {
		return domain.Event{}, err
	}
	return event, nil
}
