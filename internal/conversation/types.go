// Package conversation holds the durable message store, the identity binder
// and the context assembler that turn channel input into model replies.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// FallbackReply is the fixed user-facing text sent when the reply pipeline
// fails. Kept in Portuguese to match the deployed product voice.
const FallbackReply = "Desculpe, ocorreu um erro ao processar sua mensagem. Por favor, tente novamente."

var (
	// ErrBindingNotFound is returned when no binding exists for an identity.
	ErrBindingNotFound = errors.New("channel binding not found")
	// ErrDuplicateBinding is returned when an insert loses the first-contact
	// race; the caller re-reads to find the winner.
	ErrDuplicateBinding = errors.New("channel binding already exists")
)

// Message is one stored conversation turn.
type Message struct {
	ID             uuid.UUID
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
	Embedding      []float32
}

// Store is the durable conversation state: Postgres rows plus the vector
// index kept alongside them.
type Store interface {
	EnsureConversation(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, msg Message) error
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	ReplaceMessages(ctx context.Context, conversationID string, msgs []Message) error
	NearestMessages(ctx context.Context, conversationID string, vector []float32, limit int) ([]Message, error)
	GetBinding(ctx context.Context, identity string) (string, error)
	CreateBinding(ctx context.Context, identity, conversationID string) error
}
