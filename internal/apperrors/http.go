package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the status the service answers with.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrProtocol):
		return http.StatusConflict
	case errors.Is(err, ErrConfigurationMissing):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrRemoteService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
