// Package policyopa evaluates ledger read permissions with a rego policy.
package policyopa

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"

	"auditledger/internal/domain"
	"auditledger/internal/infra/auth/rbac"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
)

const (
	gateQuery = "data.ledger.gate.deny"

	codeUnauthenticated = "UNAUTHENTICATED"
)

//go:embed policy/gate.rego
var defaultPolicy string

// Gate asks a rego policy for the deny codes of a read request. An empty
// deny set allows the read.
type Gate struct {
	query rego.PreparedEvalQuery
}

type gateInput struct {
	Subject      string   `json:"subject"`
	ClaimsTenant string   `json:"claims_tenant"`
	Roles        []string `json:"roles"`
	Permissions  []string `json:"permissions"`
	Tenant       string   `json:"tenant"`
	Permission   string   `json:"permission"`
}

// NewGate compiles the policy at path, or the built-in policy when path is
// empty.
func NewGate(ctx context.Context, path string) (*Gate, error) {
	capabilities := ast.CapabilitiesForThisVersion()
	capabilities.Builtins = filterBuiltins(capabilities.Builtins)
	compiler := ast.NewCompiler().WithCapabilities(capabilities)

	opts := []func(*rego.Rego){
		rego.Query(gateQuery),
		rego.Compiler(compiler),
		rego.StrictBuiltinErrors(true),
	}
	if path != "" {
		opts = append(opts, rego.Load([]string{path}, nil))
	} else {
		opts = append(opts, rego.Module("gate.rego", defaultPolicy))
	}
	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare read policy: %w", err)
	}
	if err := assertNoForbiddenBuiltins(compiler); err != nil {
		return nil, err
	}
	return &Gate{query: prepared}, nil
}

func (g *Gate) Require(claims domain.Claims, tenant string, permission string) error {
	return g.RequireContext(context.Background(), claims, tenant, permission)
}

func (g *Gate) RequireContext(ctx context.Context, claims domain.Claims, tenant string, permission string) error {
	if g == nil {
		return errors.New("read policy gate is nil")
	}
	codes, err := g.deny(ctx, gateInput{
		Subject:      claims.SubjectID,
		ClaimsTenant: claims.TenantID,
		Roles:        claims.Roles.Sorted(),
		Permissions:  claims.Permissions.Sorted(),
		Tenant:       tenant,
		Permission:   permission,
	})
	if err != nil {
		return err
	}
	if len(codes) == 0 {
		return nil
	}
	if contains(codes, codeUnauthenticated) {
		return domain.ErrUnauthorized
	}
	// Report tenant scoping first, the same order rbac.Gate checks in.
	if contains(codes, rbac.CodeTenantMismatch) {
		return &rbac.AuthzError{Code: rbac.CodeTenantMismatch, Err: domain.ErrForbidden}
	}
	return &rbac.AuthzError{Code: codes[0], Err: domain.ErrForbidden}
}

// MayRead reports whether claims may read audit records of their own tenant.
func (g *Gate) MayRead(claims domain.Claims, permission string) bool {
	if permission == "" {
		permission = domain.PermissionAuditView
	}
	return g.Require(claims, claims.TenantID, permission) == nil
}

func (g *Gate) deny(ctx context.Context, input gateInput) ([]string, error) {
	results, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluate read policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}
	raw, ok := results[0].Expressions[0].Value.([]any)
	if !ok {
		return nil, fmt.Errorf("read policy: unexpected deny value %T", results[0].Expressions[0].Value)
	}
	codes := make([]string, 0, len(raw))
	for _, item := range raw {
		code, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("read policy: non-string deny code %v", item)
		}
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes, nil
}

func contains(codes []string, code string) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

var _ domain.Authorizer = (*Gate)(nil)
