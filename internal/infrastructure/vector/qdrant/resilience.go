package qdrant

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/infrastructure/resilience"
)

// StatusError is a non-2xx answer from the Qdrant REST API.
type StatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("%s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("%s status: %s: %s", e.Operation, e.Status, strings.TrimSpace(e.Body))
}

// classifyQdrantError counts malformed payloads against the breaker: a
// collection that answers with garbage is as unusable as one that is down.
// A missing collection is a deployment fault and is not retried.
func classifyQdrantError(err error) resilience.ErrorClassification {
	if class, ok := resilience.ClassifyCommon(err); ok {
		return class
	}
	if domain.IsKind(err, domain.ErrMalformedResponse) {
		return resilience.Permanent
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case resilience.RetryableHTTPStatus(statusErr.StatusCode) && statusErr.StatusCode != http.StatusInternalServerError:
			return resilience.Transient
		case statusErr.StatusCode == http.StatusNotFound, statusErr.StatusCode >= 500:
			return resilience.Permanent
		default:
			return resilience.Ignored
		}
	}
	return resilience.Permanent
}
