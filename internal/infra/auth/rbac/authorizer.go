package rbac

import (
	"errors"

	"auditledger/internal/domain"
)

const (
	CodeMissingScope   = "MISSING_SCOPE"
	CodeTenantMismatch = "TENANT_MISMATCH"
)

type AuthzError struct {
	Code string
	Err  error
}

func (e *AuthzError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code
}

func (e *AuthzError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Gate decides who may read the ledger. The superuser role reads every
// tenant; anyone else needs the permission and is confined to their own
// tenant, where the empty tenant is a tenant like any other.
type Gate struct {
	superuserRole string
}

func NewGate() *Gate {
	return &Gate{superuserRole: domain.SuperuserRole}
}

func (g *Gate) Require(claims domain.Claims, tenant string, permission string) error {
	if claims.SubjectID == "" {
		return domain.ErrUnauthorized
	}
	if claims.Roles.Has(g.role()) {
		return nil
	}
	if permission == "" {
		return nil
	}
	if tenant != claims.TenantID {
		return &AuthzError{Code: CodeTenantMismatch, Err: domain.ErrForbidden}
	}
	if !claims.Permissions.Has(permission) {
		return &AuthzError{Code: CodeMissingScope, Err: domain.ErrForbidden}
	}
	return nil
}

// MayRead reports whether claims may read audit records of their own tenant.
func (g *Gate) MayRead(claims domain.Claims, permission string) bool {
	if permission == "" {
		permission = domain.PermissionAuditView
	}
	return g.Require(claims, claims.TenantID, permission) == nil
}

func (g *Gate) role() string {
	if g == nil || g.superuserRole == "" {
		return domain.SuperuserRole
	}
	return g.superuserRole
}

func IsAuthzError(err error) (*AuthzError, bool) {
	var authz *AuthzError
	if errors.As(err, &authz) {
		return authz, true
	}
	return nil, false
}

var _ domain.Authorizer = (*Gate)(nil)
