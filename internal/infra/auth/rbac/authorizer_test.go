package rbac

import (
	"errors"
	"testing"

	"auditledger/internal/domain"
)

func reader(tenant string, perms ...string) domain.Claims {
	return domain.Claims{
		SubjectID:   "user",
		TenantID:    tenant,
		Roles:       domain.NewStringSet("clerk"),
		Permissions: domain.NewStringSet(perms...),
	}
}

func TestGate_TenantMismatch(t *testing.T) {
	err := NewGate().Require(reader("tenant-a", domain.PermissionAuditView), "tenant-b", domain.PermissionAuditView)
	authzErr, ok := IsAuthzError(err)
	if !ok {
		t.Fatalf("expected authz error, got %v", err)
	}
	if authzErr.Code != CodeTenantMismatch {
		t.Fatalf("expected TENANT_MISMATCH, got %s", authzErr.Code)
	}
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestGate_EmptyTenantIsScopedToo(t *testing.T) {
	gate := NewGate()
	if err := gate.Require(reader("tenant-a", domain.PermissionAuditView), "", domain.PermissionAuditView); err == nil {
		t.Fatal("a tenant user must not read the no-tenant chain")
	}
	if err := gate.Require(reader("", domain.PermissionAuditView), "", domain.PermissionAuditView); err != nil {
		t.Fatalf("expected allow on own empty tenant, got %v", err)
	}
}

func TestGate_MissingScope(t *testing.T) {
	err := NewGate().Require(reader("tenant-a", "orders.view"), "tenant-a", domain.PermissionAuditView)
	authzErr, ok := IsAuthzError(err)
	if !ok {
		t.Fatalf("expected authz error, got %v", err)
	}
	if authzErr.Code != CodeMissingScope {
		t.Fatalf("expected MISSING_SCOPE, got %s", authzErr.Code)
	}
}

func TestGate_SuperuserBypasses(t *testing.T) {
	claims := domain.Claims{SubjectID: "root", Roles: domain.NewStringSet(domain.SuperuserRole)}
	gate := NewGate()
	if err := gate.Require(claims, "tenant-b", domain.PermissionAuditCheck); err != nil {
		t.Fatalf("expected superuser allow, got %v", err)
	}
	if !gate.MayRead(claims, "") {
		t.Fatal("expected superuser to read")
	}
}

func TestGate_AnonymousUnauthorized(t *testing.T) {
	gate := NewGate()
	err := gate.Require(domain.AnonymousClaims("127.0.0.1", ""), "", domain.PermissionAuditView)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if gate.MayRead(domain.AnonymousClaims("", ""), domain.PermissionAuditView) {
		t.Fatal("anonymous must not read")
	}
}

func TestGate_MayRead(t *testing.T) {
	gate := NewGate()
	if !gate.MayRead(reader("tenant-a", domain.PermissionAuditView), "") {
		t.Fatal("expected audit.view holder to read")
	}
	if gate.MayRead(reader("tenant-a", domain.PermissionAuditView), domain.PermissionAuditCheck) {
		t.Fatal("audit.view does not grant verification")
	}
}
