package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/spindle-ai/spindle/pkg/provider"
	"github.com/spindle-ai/spindle/pkg/store"
)

// mapProviderError maps provider client errors to HTTP error responses.
func mapProviderError(err error) *echo.HTTPError {
	var cfgErr *provider.ConfigurationError
	if errors.As(err, &cfgErr) {
		return echo.NewHTTPError(http.StatusBadRequest, cfgErr.Error())
	}
	var authErr *provider.AuthenticationError
	if errors.As(err, &authErr) {
		return echo.NewHTTPError(http.StatusUnauthorized, authErr.Error())
	}
	var connErr *provider.ConnectionError
	if errors.As(err, &connErr) {
		return echo.NewHTTPError(http.StatusBadGateway, connErr.Error())
	}
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}

	slog.Error("unexpected provider error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
