package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// promptStateHandler handles GET /api/debug/prompt-state/:conversation_id.
// Returns how the last turn's system prompt was assembled.
func (s *Server) promptStateHandler(c *echo.Context) error {
	conversationID := c.Param("conversation_id")
	if conversationID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}
	if s.tracker == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "prompt state tracking is disabled")
	}

	state := s.tracker.Get(conversationID)
	if state == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no prompt state for conversation")
	}
	return c.JSON(http.StatusOK, state)
}
