package http

import (
	"net/http"
	"strconv"
	"time"

	"auditledger/internal/domain"
	"auditledger/internal/infra/ratelimit"

	"github.com/gin-gonic/gin"
)

const (
	routeRecordsList = "records:list"
	routeRecordsGet  = "records:get"
	routeVerify      = "verify"
)

func (s *Server) enforceRateLimit(c *gin.Context, scope ratelimit.Scope) bool {
	limit := s.rateLimitRequests
	if scope.Route == routeVerify && s.verifyLimitRequests > 0 {
		limit = s.verifyLimitRequests
	}
	if s.rateLimiter == nil || limit <= 0 {
		return true
	}
	decision, err := s.rateLimiter.Allow(c.Request.Context(), scope.Key(), limit, s.rateLimitWindow)
	if err != nil {
		if s.rateLimitFailClosed {
			writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMIT_UNAVAILABLE", "rate limiter unavailable")
			return false
		}
		s.logger.Warn("rate limiter failed open", "route", scope.Route, "error", err)
		return true
	}
	writeRateLimitHeaders(c, decision)
	if !decision.Allowed {
		writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
		return false
	}
	return true
}

func writeRateLimitHeaders(c *gin.Context, decision domain.RateLimitDecision) {
	if decision.Limit > 0 {
		c.Header("RateLimit-Limit", strconv.Itoa(decision.Limit))
	}
	if decision.Remaining >= 0 {
		c.Header("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}
	if !decision.ResetAt.IsZero() {
		c.Header("RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		if !decision.Allowed {
			retryAfter := int64(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		}
	}
}
