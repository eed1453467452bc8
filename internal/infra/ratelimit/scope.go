package ratelimit

import (
	"strings"
	"time"

	"auditledger/internal/domain"
)

// Scope identifies who is charged for a read API request.
//
// Record reads are charged to the tenant whose chain is read. Verification
// walks whole chains, so it is charged to the calling subject as well, and a
// scan over every tenant gets its own bucket instead of borrowing the empty
// tenant's.
type Scope struct {
	Route      string
	Tenant     string
	Subject    string
	AllTenants bool
}

func (s Scope) Key() string {
	var b strings.Builder
	b.WriteString("route:")
	b.WriteString(s.Route)
	b.WriteString(":tenant:")
	if s.AllTenants {
		b.WriteString("*")
	} else {
		b.WriteString(escapeKeyPart(s.Tenant))
	}
	if s.Subject != "" {
		b.WriteString(":subject:")
		b.WriteString(escapeKeyPart(s.Subject))
	}
	return b.String()
}

// escapeKeyPart keeps tenant and subject ids from forging another key's
// separators or the all-tenants marker.
func escapeKeyPart(part string) string {
	if part == "" {
		return "-"
	}
	return strings.NewReplacer("%", "%25", ":", "%3A", "*", "%2A", "-", "%2D").Replace(part)
}

// decide turns a window's post-increment count into a decision.
func decide(count, limit int, resetAt time.Time) domain.RateLimitDecision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return domain.RateLimitDecision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func unlimited(limit int) domain.RateLimitDecision {
	return domain.RateLimitDecision{Allowed: true, Limit: limit, Remaining: limit}
}
