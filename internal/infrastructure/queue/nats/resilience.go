package nats

import (
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/kedb-orchestrator/internal/infrastructure/resilience"
)

var transientNATSErrors = []error{
	nats.ErrNoServers,
	nats.ErrTimeout,
	nats.ErrConnectionClosed,
	nats.ErrDisconnected,
	nats.ErrReconnectBufExceeded,
}

// classifyNATSError treats connectivity loss as transient. An oversized
// session is a property of the session, not of the bus.
func classifyNATSError(err error) resilience.ErrorClassification {
	if class, ok := resilience.ClassifyCommon(err); ok {
		return class
	}
	if errors.Is(err, nats.ErrMaxPayload) {
		return resilience.Ignored
	}
	for _, target := range transientNATSErrors {
		if errors.Is(err, target) {
			return resilience.Transient
		}
	}
	return resilience.Permanent
}

func wrapTemporary(err error) error {
	return resilience.WrapTemporary("nats publish", err, classifyNATSError)
}
