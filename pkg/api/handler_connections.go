package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/spindle-ai/spindle/pkg/provider"
)

// connectionRequest is the body of both connection endpoints: the raw
// provider settings the client would use for a chat.
type connectionRequest struct {
	ProviderSettings map[string]any `json:"provider_settings"`
}

// testConnectionHandler handles POST /api/connections/:provider/test.
func (s *Server) testConnectionHandler(c *echo.Context) error {
	providerName := c.Param("provider")
	var req connectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	settings := provider.SettingsFromMap(req.ProviderSettings)
	if err := s.provider.TestConnection(c.Request().Context(), providerName, settings); err != nil {
		return mapProviderError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "provider": providerName})
}

// listModelsHandler handles POST /api/connections/:provider/models.
func (s *Server) listModelsHandler(c *echo.Context) error {
	providerName := c.Param("provider")
	var req connectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	settings := provider.SettingsFromMap(req.ProviderSettings)
	models, err := s.provider.ListModels(c.Request().Context(), providerName, settings)
	if err != nil {
		return mapProviderError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"provider": providerName, "models": models})
}
