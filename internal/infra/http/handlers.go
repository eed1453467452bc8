package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"auditledger/internal/domain"
	"auditledger/internal/infra/auth/rbac"
	"auditledger/internal/infra/ratelimit"

	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type recordResponse struct {
	ID             int64           `json:"id"`
	Tenant         string          `json:"tenant"`
	SubjectID      string          `json:"subject_id"`
	SubjectName    string          `json:"subject_name"`
	Service        string          `json:"service"`
	Verb           string          `json:"verb"`
	Path           string          `json:"path"`
	StatusCode     int             `json:"status_code"`
	IP             string          `json:"ip"`
	UserAgent      string          `json:"user_agent"`
	PayloadPreview json.RawMessage `json:"payload_preview"`
	Timestamp      string          `json:"timestamp"`
	PreviousHash   string          `json:"previous_hash"`
	Hash           string          `json:"hash"`
	CreatedAt      string          `json:"created_at,omitempty"`
}

type listResponse struct {
	Tenant      string           `json:"tenant"`
	Records     []recordResponse `json:"records"`
	NextAfterID int64            `json:"next_after_id,omitempty"`
}

type verifyResponse struct {
	Clean     bool                `json:"clean"`
	Tenants   []string            `json:"tenants"`
	Checked   int                 `json:"checked"`
	OKCount   int                 `json:"ok_count"`
	Corrupted []domain.Corruption `json:"corrupted"`
}

func (s *Server) handleHealth(c *gin.Context) {
	mode := "no-db"
	if s.health != nil {
		mode = "db"
		if err := s.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "mode": mode})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": mode})
}

func (s *Server) handleListRecords(c *gin.Context) {
	claims, ok := s.authenticate(c)
	if !ok {
		return
	}
	tenant := requestedTenant(c, claims)
	if !s.authorize(c, claims, tenant, domain.PermissionAuditView) {
		return
	}
	if !s.enforceRateLimit(c, ratelimit.Scope{Route: routeRecordsList, Tenant: tenant}) {
		return
	}
	afterID, err := parseInt64Query(c, "after_id", 0)
	if err != nil || afterID < 0 {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "after_id must be a non-negative integer")
		return
	}
	limit, err := parseInt64Query(c, "limit", defaultPageSize)
	if err != nil || limit <= 0 {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "limit must be a positive integer")
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if s.ledger == nil {
		s.writeError(c, domain.ErrStoreUnavailable)
		return
	}
	records, err := s.ledger.ListByTenant(c.Request.Context(), tenant, afterID, int(limit))
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := listResponse{Tenant: tenant, Records: make([]recordResponse, 0, len(records))}
	for _, record := range records {
		out.Records = append(out.Records, buildRecordResponse(record))
	}
	if int64(len(records)) == limit {
		out.NextAfterID = records[len(records)-1].ID
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetRecord(c *gin.Context) {
	claims, ok := s.authenticate(c)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "id must be a positive integer")
		return
	}
	if s.ledger == nil {
		s.writeError(c, domain.ErrStoreUnavailable)
		return
	}
	record, err := s.ledger.Get(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	// Records of other tenants are reported as missing, not forbidden.
	if err := s.authorizer.Require(claims, record.Tenant, domain.PermissionAuditView); err != nil {
		if authz, ok := rbac.IsAuthzError(err); ok && authz.Code == rbac.CodeTenantMismatch {
			s.writeError(c, domain.ErrNotFound)
			return
		}
		writeAuthzError(c, err)
		return
	}
	if !s.enforceRateLimit(c, ratelimit.Scope{Route: routeRecordsGet, Tenant: record.Tenant}) {
		return
	}
	c.JSON(http.StatusOK, buildRecordResponse(record))
}

func (s *Server) handleVerify(c *gin.Context) {
	claims, ok := s.authenticate(c)
	if !ok {
		return
	}
	if s.verifier == nil {
		s.writeError(c, domain.ErrStoreUnavailable)
		return
	}
	_, scoped := c.GetQuery("tenant")
	all := !scoped && claims.IsSuperuser()
	tenant := requestedTenant(c, claims)
	if !s.authorize(c, claims, tenant, domain.PermissionAuditCheck) {
		return
	}
	if !s.enforceRateLimit(c, ratelimit.Scope{Route: routeVerify, Tenant: tenant, Subject: claims.SubjectID, AllTenants: all}) {
		return
	}

	var (
		report domain.VerifyReport
		err    error
	)
	if all {
		report, err = s.verifier.VerifyAll(c.Request.Context())
	} else {
		report, err = s.verifier.VerifyTenant(c.Request.Context(), tenant)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	reasons := make([]string, 0, len(report.Corrupted))
	for _, corruption := range report.Corrupted {
		reasons = append(reasons, corruption.Reasons...)
	}
	s.metrics.ObserveVerification(report.Checked, reasons)
	if !report.Clean() {
		s.logger.Warn("ledger corruption detected", "corrupted", len(report.Corrupted), "checked", report.Checked)
	}

	out := verifyResponse{
		Clean:     report.Clean(),
		Tenants:   report.Tenants,
		Checked:   report.Checked,
		OKCount:   report.OKCount,
		Corrupted: report.Corrupted,
	}
	if out.Tenants == nil {
		out.Tenants = []string{}
	}
	if out.Corrupted == nil {
		out.Corrupted = []domain.Corruption{}
	}
	c.JSON(http.StatusOK, out)
}

// requestedTenant is the tenant query parameter when present, else the
// caller's own tenant.
func requestedTenant(c *gin.Context, claims domain.Claims) string {
	if tenant, ok := c.GetQuery("tenant"); ok {
		return tenant
	}
	return claims.TenantID
}

func parseInt64Query(c *gin.Context, key string, def int64) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func buildRecordResponse(record domain.Record) recordResponse {
	out := recordResponse{
		ID:             record.ID,
		Tenant:         record.Tenant,
		SubjectID:      record.SubjectID,
		SubjectName:    record.SubjectName,
		Service:        record.Service,
		Verb:           string(record.Verb),
		Path:           record.Path,
		StatusCode:     record.StatusCode,
		IP:             record.IP,
		UserAgent:      record.UserAgent,
		PayloadPreview: record.PayloadPreview,
		Timestamp:      domain.FormatTimestamp(record.Timestamp),
		PreviousHash:   record.PreviousHash,
		Hash:           record.Hash,
	}
	if len(out.PayloadPreview) == 0 {
		out.PayloadPreview = json.RawMessage("null")
	}
	if !record.CreatedAt.IsZero() {
		out.CreatedAt = record.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// writeError maps err onto a fixed message per code. Driver and SQL detail
// stays in the log.
func (s *Server) writeError(c *gin.Context, err error) {
	status, code, message := http.StatusInternalServerError, "INTERNAL", "internal error"
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, code, message = http.StatusNotFound, "NOT_FOUND", "record not found"
	case errors.Is(err, domain.ErrUnauthorized):
		status, code, message = http.StatusUnauthorized, "UNAUTHORIZED", "authentication required"
	case errors.Is(err, domain.ErrForbidden):
		status, code, message = http.StatusForbidden, "FORBIDDEN", "permission denied"
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, domain.ErrStorageTransient):
		status, code, message = http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "ledger store unavailable"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("ledger read failed", "path", c.FullPath(), "code", code, "error", err)
	}
	writeErrorCode(c, status, code, message)
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{
		Code:    code,
		Message: message,
	})
}
