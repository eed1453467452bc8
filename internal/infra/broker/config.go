package broker

import (
	"log/slog"

	"auditledger/internal/config"
	"auditledger/internal/infra/metrics"
)

// NewPublisherFromConfig dials AMQP_URL lazily and names the connection after
// SERVICE_NAME.
func NewPublisherFromConfig(cfg config.Config, m *metrics.Metrics, logger *slog.Logger) *Publisher {
	return NewPublisher(PublisherConfig{
		URL:     cfg.AMQPURL,
		Service: cfg.ServiceName,
		Metrics: m,
		Logger:  logger,
	})
}
