package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"auditledger/internal/domain"
)

const fieldSeparator = "|"

// RecordHasher computes the chain digest of a ledger record.
type RecordHasher struct{}

// Canonical returns the byte string that is hashed for a record. The Hash
// field is ignored.
//
// Field order: id, tenant, subject_id, subject_name, service, verb, path,
// status, ip, user_agent, payload_preview, timestamp, previous_hash.
func (RecordHasher) Canonical(record domain.Record) ([]byte, error) {
	payload, err := canonicalPayload(record.PayloadPreview)
	if err != nil {
		return nil, err
	}
	fields := []string{
		strconv.FormatInt(record.ID, 10),
		record.Tenant,
		record.SubjectID,
		record.SubjectName,
		record.Service,
		strings.ToLower(string(record.Verb)),
		record.Path,
		strconv.Itoa(record.StatusCode),
		record.IP,
		record.UserAgent,
		payload,
		timestampField(record),
		record.PreviousHash,
	}
	return []byte(strings.Join(fields, fieldSeparator)), nil
}

func (h RecordHasher) Digest(record domain.Record) (string, error) {
	canonical, err := h.Canonical(record)
	if err != nil {
		return "", err
	}
	return SHA256Hex(canonical), nil
}

// DedupKey fingerprints the logical event behind a record so redelivered
// copies can be recognised.
func DedupKey(service string, verb domain.Verb, path string, timestamp string, subjectID string) string {
	joined := strings.Join([]string{service, strings.ToLower(string(verb)), path, timestamp, subjectID}, fieldSeparator)
	return SHA256Hex([]byte(joined))
}

func SHA256Hex(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

func canonicalPayload(payload []byte) (string, error) {
	canonical, err := CanonicalizeObject(payload)
	if err != nil {
		return "", err
	}
	return string(canonical), nil
}

func timestampField(record domain.Record) string {
	if record.Timestamp.IsZero() {
		return ""
	}
	return domain.FormatTimestamp(record.Timestamp)
}
