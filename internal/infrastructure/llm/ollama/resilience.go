package ollama

import (
	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/infrastructure/resilience"
)

// classifyOllamaError keeps client mistakes and unparsable bodies out of the
// breaker; a missing model is a deployment fault and does count.
func classifyOllamaError(err error) resilience.ErrorClassification {
	if class, ok := resilience.ClassifyCommon(err); ok {
		return class
	}
	if statusErr, ok := asHTTPStatusError(err); ok {
		switch {
		case resilience.RetryableHTTPStatus(statusErr.StatusCode):
			return resilience.Transient
		case statusErr.ModelMissing():
			return resilience.Permanent
		default:
			return resilience.Ignored
		}
	}
	if domain.IsKind(err, domain.ErrMalformedResponse) {
		return resilience.Ignored
	}
	return resilience.Permanent
}

func wrapTemporary(operation string, err error) error {
	return resilience.WrapTemporary(operation, err, classifyOllamaError)
}
