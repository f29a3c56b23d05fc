package controllers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/dubcastio/dubcast/internal/domain"
)

// httpError maps a domain/control error to the status codes spec.md
// §7 assigns: VALIDATION -> 400, NotFound -> 404, InvalidState -> 409,
// anything else -> 500.
func httpError(c *echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	}
	return c.JSON(status, errorResponse{Code: http.StatusText(status), Message: err.Error()})
}
