package bus

import (
	"fmt"
	"strings"

	"github.com/vlmcert/vlm-certify/internal/config"
	"github.com/vlmcert/vlm-certify/internal/pkg/errors"
	"github.com/vlmcert/vlm-certify/internal/pkg/logger"
)

// NewBus creates the transport named by cfg.Type and, when event logging is
// enabled, wraps it with a LoggedBus.
func NewBus(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	if log == nil {
		log = logger.Default()
	}

	inner, err := newTransport(cfg, log)
	if err != nil {
		return nil, err
	}

	if !cfg.EventLogEnabled {
		return inner, nil
	}

	eventLogger, err := NewEventLogger(cfg.EventLogPath, true)
	if err != nil {
		_ = inner.Close()
		return nil, errors.Wrap(errors.CodeInternal, "opening event log", err)
	}
	log.Debug("Event log enabled", "path", cfg.EventLogPath)
	return NewLoggedBus(inner, eventLogger, log), nil
}

func newTransport(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		return NewMemoryBus(log), nil

	case "kafka":
		brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, errors.New(errors.CodeValidation, "kafka brokers not configured")
		}

		consumerGroup := cfg.KafkaGroup
		if consumerGroup == "" {
			consumerGroup = "vlm-certify"
		}

		return NewKafkaBus(KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: consumerGroup,
			ClientID:      "vlm-certify",
			Logger:        log,
		})

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown bus type: %s", cfg.Type))
	}
}
