// Package cmd provides common initialization functions for the command-line applications.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/dukex/swarmflow/pkg/channels/gochannel"
	"github.com/dukex/swarmflow/pkg/channels/kafka"
	"github.com/dukex/swarmflow/pkg/config"
	"github.com/dukex/swarmflow/pkg/eventbus"
)

// NewEventBus builds the Watermill bus selected by cfg.Type. Kafka
// subscribers join the consumer group of serviceName.
func NewEventBus(cfg config.EventBusConfig, serviceName string, logger *slog.Logger) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	var (
		pub message.Publisher
		sub message.Subscriber
		err error
	)

	switch cfg.Type {
	case "kafka":
		pub, sub, err = kafka.CreateChannel(wmLogger, kafka.ParseBrokers(cfg.KafkaBrokers), serviceName)
	case "gochannel", "":
		pub, sub, err = gochannel.CreateChannel(wmLogger)
	default:
		return nil, fmt.Errorf("unsupported event bus provider %q", cfg.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s pub/sub: %w", cfg.Type, err)
	}

	return eventbus.NewWatermillEventBus(pub, sub, logger), nil
}
