package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/heron/internal/domain"
)

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("%w: unsupported event bus type: %s", domain.ErrConfiguration, cfg.Type)
	}
}

// AlertPublisher forwards the alert stream to the bus as JSON AlertEvents.
type AlertPublisher struct {
	Bus domain.EventBus
}

// PublishAlert implements domain.AlertSink.
func (p AlertPublisher) PublishAlert(ctx context.Context, event domain.AlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}
	return p.Bus.Publish(ctx, domain.TopicAlert, payload)
}
