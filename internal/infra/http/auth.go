package http

import (
	"errors"
	"net/http"

	"auditledger/internal/domain"
	"auditledger/internal/infra/auth/rbac"

	"github.com/gin-gonic/gin"
)

const claimsContextKey = "claims"

// localClaims is the identity of every caller when AUTH_MODE=none.
func localClaims(r *http.Request) domain.Claims {
	claims := domain.AnonymousClaims("", r.UserAgent())
	claims.SubjectID = "local"
	claims.Roles = domain.NewStringSet(domain.SuperuserRole)
	return claims
}

// authenticate resolves the caller's claims. Callers without a subject are
// rejected here, before any tenant is looked at.
func (s *Server) authenticate(c *gin.Context) (domain.Claims, bool) {
	if s.authInitErr != nil || s.claims == nil || s.authorizer == nil {
		writeErrorCode(c, http.StatusInternalServerError, "AUTH_CONFIG_ERROR", "auth configuration error")
		return domain.Claims{}, false
	}
	claims := s.claims(c.Request)
	if claims.SubjectID == "" {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing principal")
		return domain.Claims{}, false
	}
	c.Set(claimsContextKey, claims)
	return claims, true
}

func (s *Server) authorize(c *gin.Context, claims domain.Claims, tenant, permission string) bool {
	if err := s.authorizer.Require(claims, tenant, permission); err != nil {
		writeAuthzError(c, err)
		return false
	}
	return true
}

func writeAuthzError(c *gin.Context, err error) {
	if authz, ok := rbac.IsAuthzError(err); ok {
		writeErrorCode(c, http.StatusForbidden, authz.Code, "forbidden")
		return
	}
	if errors.Is(err, domain.ErrUnauthorized) {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if errors.Is(err, domain.ErrForbidden) {
		writeErrorCode(c, http.StatusForbidden, "FORBIDDEN", "forbidden")
		return
	}
	writeErrorCode(c, http.StatusInternalServerError, "AUTHZ_ERROR", "authorization failed")
}
