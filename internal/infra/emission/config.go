package emission

import (
	"log/slog"

	"auditledger/internal/config"
	"auditledger/internal/infra/metrics"
)

// NewFromConfig builds the interceptor a producing service mounts, taking the
// service name, publish deadline, payload cap and extra sensitive keys from
// the environment configuration.
func NewFromConfig(cfg config.Config, publisher EventPublisher, m *metrics.Metrics, logger *slog.Logger) *Interceptor {
	return New(Config{
		Service:         cfg.ServiceName,
		Publisher:       publisher,
		Claims:          HeaderClaims,
		PayloadMaxBytes: cfg.PayloadMaxBytes,
		SensitiveKeys:   cfg.SensitiveKeys,
		Deadline:        cfg.PublishDeadline(),
		Metrics:         m,
		Logger:          logger,
	})
}
