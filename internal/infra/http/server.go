package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"auditledger/internal/config"
	"auditledger/internal/domain"
	"auditledger/internal/infra/auth/rbac"
	"auditledger/internal/infra/emission"
	"auditledger/internal/infra/metrics"
	"auditledger/internal/infra/policyopa"
	"auditledger/internal/infra/ratelimit"
	"auditledger/internal/usecase"

	"github.com/gin-gonic/gin"
)

// Server is the operator-facing read API over the ledger.
type Server struct {
	cfg config.Config
	r   *gin.Engine

	ledger   usecase.LedgerReader
	verifier *usecase.Verifier
	health   func(ctx context.Context) error
	metrics  *metrics.Metrics
	logger   *slog.Logger

	claims      emission.ClaimsFunc
	authorizer  domain.Authorizer
	authInitErr error

	rateLimiter         domain.RateLimiter
	rateLimitRequests   int
	verifyLimitRequests int
	rateLimitWindow     time.Duration
	rateLimitFailClosed bool
}

type ServerDeps struct {
	Ledger     usecase.LedgerReader
	Verifier   *usecase.Verifier
	Health     func(ctx context.Context) error
	Metrics    *metrics.Metrics
	Authorizer domain.Authorizer
	// Claims overrides the claims source chosen by AUTH_MODE.
	Claims      emission.ClaimsFunc
	RateLimiter domain.RateLimiter
	Logger      *slog.Logger
}

func NewServer(cfg config.Config, deps ServerDeps) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		cfg:        cfg,
		r:          r,
		ledger:     deps.Ledger,
		verifier:   deps.Verifier,
		health:     deps.Health,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		claims:     deps.Claims,
		authorizer: deps.Authorizer,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.initRateLimit(deps.RateLimiter)
	s.initAuth()
	s.routes()
	return s
}

func (s *Server) initAuth() {
	switch s.cfg.AuthMode {
	case "":
		s.authInitErr = errors.New("AUTH_MODE is required")
		return
	case "none":
		if s.claims == nil {
			s.claims = localClaims
		}
	case "header":
		if s.claims == nil {
			s.claims = emission.HeaderClaims
		}
	default:
		s.authInitErr = errors.New("unsupported auth mode")
		return
	}
	if s.authorizer != nil {
		return
	}
	if s.cfg.ReadPolicyPath != "" {
		gate, err := policyopa.NewGate(context.Background(), s.cfg.ReadPolicyPath)
		if err != nil {
			s.authInitErr = err
			return
		}
		s.authorizer = gate
		return
	}
	s.authorizer = rbac.NewGate()
}

func (s *Server) initRateLimit(override domain.RateLimiter) {
	if override != nil {
		s.rateLimiter = override
	}
	if s.rateLimiter == nil && (s.cfg.RateLimitRequests > 0 || s.cfg.RateLimitVerifyRequests > 0) {
		if s.cfg.RedisAddr != "" {
			limiter, err := ratelimit.NewRedisLimiter(s.cfg.RedisAddr, s.cfg.RedisPassword, s.cfg.RedisDB, nil)
			if err == nil {
				s.rateLimiter = limiter
			} else {
				s.logger.Warn("redis rate limiter unavailable, using memory", "error", err)
			}
		}
		if s.rateLimiter == nil {
			s.rateLimiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{
				MaxKeys: s.cfg.RateLimitMaxKeys,
			})
		}
	}
	s.rateLimitRequests = s.cfg.RateLimitRequests
	s.verifyLimitRequests = s.cfg.RateLimitVerifyRequests
	s.rateLimitWindow = time.Minute
	if s.cfg.RateLimitWindowSeconds > 0 {
		s.rateLimitWindow = time.Duration(s.cfg.RateLimitWindowSeconds) * time.Second
	}
	s.rateLimitFailClosed = s.cfg.RateLimitFailClosed
}

func (s *Server) routes() {
	s.r.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := s.r.Group("/v1/audit")
	{
		v1.GET("/records", s.handleListRecords)
		v1.GET("/records/:id", s.handleGetRecord)
		v1.GET("/verify", s.handleVerify)
	}

	s.r.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	if s.authInitErr != nil {
		return s.authInitErr
	}
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ledger read api listening", "addr", s.cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
