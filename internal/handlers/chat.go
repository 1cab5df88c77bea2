// Package handlers exposes the HTTP surface: web chat, the WhatsApp webhook
// fallback, the session status endpoint and health checks.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/convozap/convozap/internal/conversation"
)

// ErrorResponse is the shape of every error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// ReplyBuilder runs the context/completion pipeline for one turn.
type ReplyBuilder interface {
	BuildReply(ctx context.Context, conversationID, text string) (string, error)
}

type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
}

type ChatResponse struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversationId"`
}

type ChatHandler struct {
	builder ReplyBuilder
	logger  *slog.Logger
}

func NewChatHandler(log *slog.Logger, builder ReplyBuilder) *ChatHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ChatHandler{
		builder: builder,
		logger:  log.With(slog.String("handler", "chat")),
	}
}

func (h *ChatHandler) Register(e *echo.Echo) {
	e.POST("/chat", h.Chat)
}

// Chat answers one web widget turn. A missing conversation id starts a new
// conversation; pipeline failures still answer 200 with the fallback text so
// the widget always has something to show.
func (h *ChatHandler) Chat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid request body",
			Details: err.Error(),
		})
	}
	if strings.TrimSpace(req.Message) == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "message is required"})
	}

	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	reply, err := h.builder.BuildReply(c.Request().Context(), conversationID, req.Message)
	if err != nil {
		h.logger.Error("reply pipeline failed",
			slog.String("conversation_id", conversationID),
			slog.Any("error", err))
		return c.JSON(http.StatusOK, ChatResponse{
			Response:       conversation.FallbackReply,
			ConversationID: conversationID,
		})
	}
	return c.JSON(http.StatusOK, ChatResponse{
		Response:       reply,
		ConversationID: conversationID,
	})
}
