package emission

import (
	"net"
	"net/http"
	"strings"

	"auditledger/internal/domain"
)

const (
	HeaderSubject     = "X-Principal-Subject"
	HeaderName        = "X-Principal-Name"
	HeaderTenant      = "X-Principal-Tenant"
	HeaderRoles       = "X-Principal-Roles"
	HeaderPermissions = "X-Principal-Permissions"
)

// ClaimsFunc builds the claims bundle of a request.
type ClaimsFunc func(r *http.Request) domain.Claims

// HeaderClaims reads claims that a trusted gateway has already validated
// and forwarded as headers.
func HeaderClaims(r *http.Request) domain.Claims {
	claims := domain.AnonymousClaims(ClientIP(r), r.UserAgent())
	claims.SubjectID = strings.TrimSpace(r.Header.Get(HeaderSubject))
	claims.SubjectName = strings.TrimSpace(r.Header.Get(HeaderName))
	claims.TenantID = strings.TrimSpace(r.Header.Get(HeaderTenant))
	if roles := strings.TrimSpace(r.Header.Get(HeaderRoles)); roles != "" {
		claims.Roles = domain.NewStringSet(splitCSV(roles)...)
	}
	if perms := strings.TrimSpace(r.Header.Get(HeaderPermissions)); perms != "" {
		claims.Permissions = domain.NewStringSet(splitCSV(perms)...)
	}
	return claims
}

// ClaimsMiddleware stores the claims built by fn in the request context.
func ClaimsMiddleware(fn ClaimsFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(domain.WithClaims(r.Context(), fn(r))))
		})
	}
}

// ClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection's remote address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
