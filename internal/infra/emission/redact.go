package emission

import (
	"bytes"
	"strings"

	"auditledger/internal/infra/crypto"
)

const RedactedValue = "[REDACTED]"

var DefaultSensitiveKeys = []string{"password", "token", "secret", "authorization", "api_key"}

// Redactor replaces the values of sensitive keys, matched
// case-insensitively at any depth of a JSON document.
type Redactor struct {
	keys map[string]struct{}
}

// NewRedactor always covers DefaultSensitiveKeys; extra keys are added to them.
func NewRedactor(extra []string) *Redactor {
	set := make(map[string]struct{}, len(DefaultSensitiveKeys)+len(extra))
	for _, key := range append(append([]string(nil), DefaultSensitiveKeys...), extra...) {
		key = strings.ToLower(strings.TrimSpace(key))
		if key != "" {
			set[key] = struct{}{}
		}
	}
	return &Redactor{keys: set}
}

func (r *Redactor) Sensitive(key string) bool {
	_, ok := r.keys[strings.ToLower(key)]
	return ok
}

// Redact returns a copy of value with sensitive keys replaced.
func (r *Redactor) Redact(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			if r.Sensitive(key) {
				out[key] = RedactedValue
				continue
			}
			out[key] = r.Redact(inner)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = r.Redact(inner)
		}
		return out
	default:
		return v
	}
}

// Preview turns a captured request body into the event's payload_preview:
// a canonical, redacted JSON object, or nil when the body is empty or not an
// object.
func (r *Redactor) Preview(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	decoded, err := crypto.DecodeJSON(trimmed)
	if err != nil {
		return nil
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil
	}
	out, err := crypto.CanonicalizeAny(r.Redact(obj))
	if err != nil {
		return nil
	}
	return out
}
