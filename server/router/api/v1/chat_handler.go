package v1

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

// RegisterRoutes mounts the chat context endpoints on the given group.
func (s *ChatService) RegisterRoutes(g *echo.Group) {
	g.POST("/chat/context", s.optimizeContextHandler)
	g.POST("/chat/reply", s.recordReplyHandler)
}

func (s *ChatService) optimizeContextHandler(c echo.Context) error {
	req := &OptimizeRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	resp, err := s.OptimizeContext(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to build context")
	}

	slog.Info("context optimized",
		"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
		"conversation_id", req.ConversationID,
		"strategy", resp.Strategy,
		"messages", len(resp.Messages),
		"tokens_used", resp.TokenStats.Total,
		"tokens_saved", resp.TokenStats.Saved)
	return c.JSON(http.StatusOK, resp)
}

func (s *ChatService) recordReplyHandler(c echo.Context) error {
	req := &RecordReplyRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.ConversationID == "" || req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversationId and content are required")
	}

	s.RecordAssistantReply(c.Request().Context(), req.ConversationID, req.Content)
	return c.NoContent(http.StatusAccepted)
}
