package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Binder maps external channel identities to conversation IDs. It holds no
// in-memory state; every resolution consults the durable store so concurrent
// processes agree on the winner.
type Binder struct {
	store  Store
	logger *slog.Logger
}

func NewBinder(log *slog.Logger, store Store) *Binder {
	if log == nil {
		log = slog.Default()
	}
	return &Binder{
		store:  store,
		logger: log.With(slog.String("service", "binder")),
	}
}

// NormalizeIdentity strips everything but digits from a raw channel identity,
// e.g. "5511999998888@s.whatsapp.net" becomes "5511999998888".
func NormalizeIdentity(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Resolve returns the conversation bound to the identity, creating the
// conversation and binding on first contact. When two callers race the
// first contact, the loser re-reads and adopts the winner's conversation.
func (b *Binder) Resolve(ctx context.Context, externalIdentity string) (string, error) {
	identity := NormalizeIdentity(externalIdentity)
	if identity == "" {
		return "", fmt.Errorf("identity %q has no digits", externalIdentity)
	}

	conversationID, err := b.store.GetBinding(ctx, identity)
	if err == nil {
		// Self-heal: the conversation row must exist even if the binding
		// outlived it.
		if err := b.store.EnsureConversation(ctx, conversationID); err != nil {
			return "", err
		}
		return conversationID, nil
	}
	if !errors.Is(err, ErrBindingNotFound) {
		return "", err
	}

	conversationID = uuid.NewString()
	if err := b.store.EnsureConversation(ctx, conversationID); err != nil {
		return "", err
	}
	err = b.store.CreateBinding(ctx, identity, conversationID)
	if errors.Is(err, ErrDuplicateBinding) {
		winner, readErr := b.store.GetBinding(ctx, identity)
		if readErr != nil {
			return "", fmt.Errorf("re-read binding after race: %w", readErr)
		}
		b.logger.Debug("lost first-contact race",
			slog.String("identity", identity),
			slog.String("conversation_id", winner))
		return winner, nil
	}
	if err != nil {
		return "", err
	}
	return conversationID, nil
}
