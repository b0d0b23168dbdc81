package httpadapter

import (
	"net/http"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case domain.IsKind(err, domain.ErrForbidden):
		return http.StatusForbidden
	case domain.IsKind(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// mapStatusToHTTPStatus maps a terminal query status to the response code.
// Every status that carries a complete decision is a 200.
func mapStatusToHTTPStatus(status domain.Status) int {
	switch status {
	case domain.StatusTimeout:
		return http.StatusGatewayTimeout
	case domain.StatusRetrievalUnavailable, domain.StatusLLMUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}
