package events

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"proof-orchestrator/internal/metrics"
)

// JSONPublisher subset of the NATS client the publisher needs
type JSONPublisher interface {
	PublishJSON(subject string, v interface{}) error
}

// NATSPublisher publishes transitions on <prefix>.status.<to>
type NATSPublisher struct {
	client JSONPublisher
	prefix string
	logger *logrus.Logger
}

// NewNATSPublisher create a publisher; prefix defaults to "prover"
func NewNATSPublisher(client JSONPublisher, prefix string, logger *logrus.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "prover"
	}
	return &NATSPublisher{client: client, prefix: prefix, logger: logger}
}

// Subject subject an event with the given target status is published on
func (p *NATSPublisher) Subject(ev StatusEvent) string {
	return fmt.Sprintf("%s.status.%s", p.prefix, ev.To)
}

func (p *NATSPublisher) Publish(ev StatusEvent) {
	if err := p.client.PublishJSON(p.Subject(ev), ev); err != nil {
		metrics.NATSMessagesFailed.WithLabelValues(string(ev.To)).Inc()
		p.logger.WithFields(logrus.Fields{
			"fingerprint": ev.Fingerprint,
			"to":          ev.To,
			"error":       err.Error(),
		}).Warn("⚠️ [NATS] Failed to publish status event")
		return
	}
	metrics.NATSMessagesPublished.WithLabelValues(string(ev.To)).Inc()
}
