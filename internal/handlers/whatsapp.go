package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/convozap/convozap/internal/conversation"
	"github.com/convozap/convozap/internal/whatsapp"
)

// SessionState is the session view the handler needs.
type SessionState interface {
	IsConnected() bool
	CurrentStatus() whatsapp.Status
}

// Resolver maps channel identities to conversation IDs.
type Resolver interface {
	Resolve(ctx context.Context, externalIdentity string) (string, error)
}

// Sender delivers outbound texts to the gateway.
type Sender interface {
	SendText(ctx context.Context, to, text string) error
}

// StateQuerier reports the gateway's own view of the instance.
type StateQuerier interface {
	InstanceState(ctx context.Context) (string, error)
}

type webhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// WhatsAppHandler serves the webhook fallback and the status endpoint. The
// webhook only processes events while the websocket session is down; a live
// session handles them first-hand.
type WhatsAppHandler struct {
	session  SessionState
	resolver Resolver
	builder  ReplyBuilder
	sender   Sender
	state    StateQuerier
	logger   *slog.Logger
}

func NewWhatsAppHandler(log *slog.Logger, session SessionState, resolver Resolver, builder ReplyBuilder, sender Sender, state StateQuerier) *WhatsAppHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WhatsAppHandler{
		session:  session,
		resolver: resolver,
		builder:  builder,
		sender:   sender,
		state:    state,
		logger:   log.With(slog.String("handler", "whatsapp")),
	}
}

func (h *WhatsAppHandler) Register(e *echo.Echo) {
	e.POST("/whatsapp/webhook", h.Webhook)
	e.GET("/whatsapp/webhook", h.Verify)
	e.GET("/whatsapp/status", h.Status)
}

// Webhook ingests gateway events over HTTP when the websocket is down.
// Processing failures are logged but still answered success-shaped; the
// gateway retries nothing useful on errors.
func (h *WhatsAppHandler) Webhook(c echo.Context) error {
	if h.sender == nil {
		return c.JSON(http.StatusOK, webhookResponse{Success: true, Message: "channel disabled"})
	}
	if h.session != nil && h.session.IsConnected() {
		return c.JSON(http.StatusOK, webhookResponse{Success: true, Message: "socket active"})
	}

	var event whatsapp.Event
	if err := c.Bind(&event); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid webhook body",
			Details: err.Error(),
		})
	}
	if event.Event != whatsapp.EventMessagesUpsert {
		return c.JSON(http.StatusOK, webhookResponse{Success: true})
	}

	msg := event.Data.First()
	if msg == nil || msg.FromMe {
		return c.JSON(http.StatusOK, webhookResponse{Success: true})
	}
	text := msg.Text()
	if text == "" {
		h.logger.Debug("webhook event carries no text", slog.String("from", msg.From))
		return c.JSON(http.StatusOK, webhookResponse{Success: true})
	}

	ctx := c.Request().Context()
	conversationID, err := h.resolver.Resolve(ctx, msg.From)
	if err != nil {
		h.logger.Error("identity resolution failed, dropping webhook message",
			slog.String("from", msg.From),
			slog.Any("error", err))
		return c.JSON(http.StatusOK, webhookResponse{Success: true})
	}

	reply, err := h.builder.BuildReply(ctx, conversationID, text)
	if err != nil {
		h.logger.Error("reply pipeline failed",
			slog.String("conversation_id", conversationID),
			slog.Any("error", err))
		reply = conversation.FallbackReply
	}
	if err := h.sender.SendText(ctx, msg.From, reply); err != nil {
		h.logger.Error("outbound send failed",
			slog.String("to", msg.From),
			slog.Any("error", err))
	}
	return c.JSON(http.StatusOK, webhookResponse{Success: true})
}

// Verify answers the gateway's webhook liveness probe.
func (h *WhatsAppHandler) Verify(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	whatsapp.Status
	GatewayState string `json:"gatewayState,omitempty"`
}

// Status reports the session's view and, when reachable, the gateway's own
// instance state.
func (h *WhatsAppHandler) Status(c echo.Context) error {
	resp := statusResponse{}
	if h.session != nil {
		resp.Status = h.session.CurrentStatus()
	}
	if h.state != nil {
		state, err := h.state.InstanceState(c.Request().Context())
		if err != nil {
			h.logger.Warn("gateway state query failed", slog.Any("error", err))
		} else {
			resp.GatewayState = state
		}
	}
	return c.JSON(http.StatusOK, resp)
}
