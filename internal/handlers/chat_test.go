package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/convozap/convozap/internal/conversation"
	"github.com/convozap/convozap/internal/handlers"
)

type fakeBuilder struct {
	reply           string
	err             error
	conversationIDs []string
	texts           []string
}

func (b *fakeBuilder) BuildReply(ctx context.Context, conversationID, text string) (string, error) {
	b.conversationIDs = append(b.conversationIDs, conversationID)
	b.texts = append(b.texts, text)
	if b.err != nil {
		return "", b.err
	}
	return b.reply, nil
}

func chatServer(builder *fakeBuilder) *echo.Echo {
	e := echo.New()
	handlers.NewChatHandler(nil, builder).Register(e)
	return e
}

func postJSON(e *echo.Echo, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestChat_NewConversation(t *testing.T) {
	t.Parallel()
	builder := &fakeBuilder{reply: "Oi! Como posso ajudar?"}
	e := chatServer(builder)

	rec := postJSON(e, "/chat", `{"message":"Olá"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp handlers.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Response != "Oi! Como posso ajudar?" {
		t.Fatalf("response = %q, want the builder reply", resp.Response)
	}
	if resp.ConversationID == "" {
		t.Fatal("conversationId is empty for a new conversation")
	}

	// A follow-up with the returned id must hit the same conversation.
	rec = postJSON(e, "/chat", `{"message":"Tudo bem?","conversationId":"`+resp.ConversationID+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("follow-up status = %d, want 200", rec.Code)
	}
	if len(builder.conversationIDs) != 2 || builder.conversationIDs[1] != resp.ConversationID {
		t.Fatalf("builder conversation ids = %v, want the same id twice", builder.conversationIDs)
	}
}

func TestChat_MissingMessage(t *testing.T) {
	t.Parallel()
	e := chatServer(&fakeBuilder{reply: "ok"})
	rec := postJSON(e, "/chat", `{"message":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp handlers.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == "" {
		t.Fatal("error field is empty")
	}
}

func TestChat_MalformedBody(t *testing.T) {
	t.Parallel()
	e := chatServer(&fakeBuilder{reply: "ok"})
	rec := postJSON(e, "/chat", `{"message":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChat_PipelineFailureReturnsApology(t *testing.T) {
	t.Parallel()
	builder := &fakeBuilder{err: errors.New("completion down")}
	e := chatServer(builder)

	rec := postJSON(e, "/chat", `{"message":"Olá","conversationId":"conv-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp handlers.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Response != conversation.FallbackReply {
		t.Fatalf("response = %q, want the fallback reply", resp.Response)
	}
	if resp.ConversationID != "conv-1" {
		t.Fatalf("conversationId = %q, want conv-1", resp.ConversationID)
	}
}
