package domain

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// ZeroHash is the previous_hash of the first record of every tenant chain.
	ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

	AuditExchange    = "audit_logs"
	AuditQueue       = "central_audit_queue"
	AuditBindingKey  = "audit.#"
	AuditRoutePrefix = "audit."

	// TimestampLayout is the wire and hashing form of event timestamps.
	TimestampLayout = "2006-01-02T15:04:05.000000Z"

	MaxPathLength = 400
)

type Verb string

const (
	VerbPost   Verb = "post"
	VerbPut    Verb = "put"
	VerbPatch  Verb = "patch"
	VerbDelete Verb = "delete"
)

// ParseVerb maps an HTTP method to an audited verb class.
func ParseVerb(method string) (Verb, bool) {
	switch Verb(strings.ToLower(strings.TrimSpace(method))) {
	case VerbPost:
		return VerbPost, true
	case VerbPut:
		return VerbPut, true
	case VerbPatch:
		return VerbPatch, true
	case VerbDelete:
		return VerbDelete, true
	default:
		return "", false
	}
}

func (v Verb) RoutingKey() string {
	return AuditRoutePrefix + strings.ToLower(string(v))
}

// TruncatePath clamps a path to MaxPathLength characters.
func TruncatePath(path string) string {
	if utf8.RuneCountInString(path) <= MaxPathLength {
		return path
	}
	count := 0
	for i := range path {
		if count == MaxPathLength {
			return path[:i]
		}
		count++
	}
	return path
}

// Event is one state-changing request as it travels over the bus.
type Event struct {
	Service        string          `json:"service"`
	SubjectID      string          `json:"subject_id"`
	SubjectName    string          `json:"subject_name"`
	Tenant         string          `json:"tenant"`
	Verb           Verb            `json:"verb"`
	Path           string          `json:"path"`
	StatusCode     int             `json:"status_code"`
	IP             string          `json:"ip"`
	UserAgent      string          `json:"user_agent"`
	PayloadPreview json.RawMessage `json:"payload_preview"`
	Timestamp      Timestamp       `json:"timestamp"`
}

// Record is a committed ledger row. Hash covers every field but Hash,
// DedupKey and CreatedAt.
type Record struct {
	ID             int64
	Tenant         string
	SubjectID      string
	SubjectName    string
	Service        string
	Verb           Verb
	Path           string
	StatusCode     int
	IP             string
	UserAgent      string
	PayloadPreview json.RawMessage
	Timestamp      time.Time
	PreviousHash   string
	Hash           string
	DedupKey       string
	CreatedAt      time.Time
}

// RecordFromEvent copies event fields into an unchained record.
func RecordFromEvent(event Event) Record {
	return Record{
		Tenant:         event.Tenant,
		SubjectID:      event.SubjectID,
		SubjectName:    event.SubjectName,
		Service:        event.Service,
		Verb:           event.Verb,
		Path:           event.Path,
		StatusCode:     event.StatusCode,
		IP:             event.IP,
		UserAgent:      event.UserAgent,
		PayloadPreview: event.PayloadPreview,
		Timestamp:      event.Timestamp.Time(),
	}
}

// Timestamp is a UTC instant with microsecond precision on the wire.
type Timestamp time.Time

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UTC().Truncate(time.Microsecond))
}

func (t Timestamp) Time() time.Time {
	return time.Time(t).UTC()
}

func (t Timestamp) IsZero() bool {
	return time.Time(t).IsZero()
}

func (t Timestamp) String() string {
	return FormatTimestamp(time.Time(t))
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return err
	}
	*t = NewTimestamp(parsed)
	return nil
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(TimestampLayout)
}

// AppendResult describes how an append was satisfied.
type AppendResult struct {
	Duplicate bool
}

const (
	ReasonTampered    = "tampered"
	ReasonBrokenChain = "broken-chain"
)

type Corruption struct {
	ID      int64    `json:"id"`
	Tenant  string   `json:"tenant"`
	Reasons []string `json:"reasons"`
}

type VerifyReport struct {
	Tenants   []string     `json:"tenants"`
	Checked   int          `json:"checked"`
	OKCount   int          `json:"ok_count"`
	Corrupted []Corruption `json:"corrupted"`
}

func (r VerifyReport) Clean() bool {
	return len(r.Corrupted) == 0
}

// PublishResult classifies one publish attempt.
type PublishResult int

const (
	PublishOK PublishResult = iota
	PublishTransient
	PublishPermanent
)

func (r PublishResult) String() string {
	switch r {
	case PublishOK:
		return "ok"
	case PublishTransient:
		return "transient"
	case PublishPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}
