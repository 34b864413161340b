package api

import (
	"errors"
	"net/http"

	"github.com/NamanBalaji/bdm/internal/downloader"
	"github.com/NamanBalaji/bdm/internal/engine"
)

var (
	ErrContentType = errors.New("Content-Type must be application/json")
	ErrDestination = errors.New("destination is required")
)

// statusFor maps manager errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, downloader.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, engine.ErrManagerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrContentType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrDestination):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
