package domain

import (
	"context"
	"sort"
)

const (
	SuperuserRole        = "superuser"
	PermissionAuditView  = "audit.view"
	PermissionAuditCheck = "audit.verify"
)

// StringSet is an unordered set of role or permission names.
type StringSet map[string]struct{}

func NewStringSet(values ...string) StringSet {
	set := make(StringSet, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}

func (s StringSet) Has(value string) bool {
	if s == nil {
		return false
	}
	_, ok := s[value]
	return ok
}

func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Claims is the validated identity of one request, built once by the
// service's transport layer.
type Claims struct {
	SubjectID   string
	SubjectName string
	TenantID    string
	Roles       StringSet
	Permissions StringSet
	IP          string
	UserAgent   string
}

// AnonymousClaims is what a request without a token carries.
func AnonymousClaims(ip, userAgent string) Claims {
	return Claims{
		Roles:       StringSet{},
		Permissions: StringSet{},
		IP:          ip,
		UserAgent:   userAgent,
	}
}

func (c Claims) IsSuperuser() bool {
	return c.Roles.Has(SuperuserRole)
}

type claimsContextKey struct{}

func WithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	if ctx == nil {
		return Claims{}, false
	}
	claims, ok := ctx.Value(claimsContextKey{}).(Claims)
	return claims, ok
}

type Authorizer interface {
	Require(claims Claims, tenant string, permission string) error
}
