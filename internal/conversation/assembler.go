package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/convozap/convozap/internal/chat"
	"github.com/convozap/convozap/internal/embeddings"
)

// SummaryLabel prefixes the synthetic system message produced when history
// is compressed under the token budget. Kept in Portuguese for compatibility
// with transcripts already stored by earlier deployments.
const SummaryLabel = "Resumo da conversa anterior: "

// Assembler builds the model prompt for a conversation turn: recent history
// merged with semantically relevant turns, compressed under a token budget,
// and persists both sides of the exchange after a successful completion.
type Assembler struct {
	store         Store
	embedder      embeddings.Embedder
	completer     chat.Completer
	tokenBudget   int
	relevantLimit int
	logger        *slog.Logger
}

func NewAssembler(log *slog.Logger, store Store, embedder embeddings.Embedder, completer chat.Completer, tokenBudget, relevantLimit int) *Assembler {
	if log == nil {
		log = slog.Default()
	}
	return &Assembler{
		store:         store,
		embedder:      embedder,
		completer:     completer,
		tokenBudget:   tokenBudget,
		relevantLimit: relevantLimit,
		logger:        log.With(slog.String("service", "assembler")),
	}
}

// EstimateTokens approximates the token cost of a string as ceil(len/4).
func EstimateTokens(content string) int {
	return (len(content) + 3) / 4
}

// BuildReply runs one full turn: assemble context, call the completion
// endpoint, persist the exchange and return the assistant's text. Store and
// completion failures abort the turn; embedding and retrieval failures only
// degrade context.
func (a *Assembler) BuildReply(ctx context.Context, conversationID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("message text is empty")
	}
	if err := a.store.EnsureConversation(ctx, conversationID); err != nil {
		return "", err
	}

	history, err := a.store.ListMessages(ctx, conversationID)
	if err != nil {
		return "", err
	}

	var queryVector []float32
	var relevant []Message
	if a.embedder != nil {
		queryVector, err = a.embedder.Embed(ctx, text)
		if err != nil {
			a.logger.Warn("embedding failed, continuing without retrieval",
				slog.String("conversation_id", conversationID),
				slog.Any("error", err))
			queryVector = nil
		}
	}
	if len(queryVector) > 0 {
		relevant, err = a.store.NearestMessages(ctx, conversationID, queryVector, a.relevantLimit)
		if err != nil {
			a.logger.Warn("retrieval failed, continuing with history only",
				slog.String("conversation_id", conversationID),
				slog.Any("error", err))
			relevant = nil
		}
	}

	prompt := mergeContext(history, relevant)
	prompt = append(prompt, chat.Message{Role: chat.RoleUser, Content: text})
	prompt = compress(prompt, a.tokenBudget)

	reply, err := a.completer.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	userMsg := Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           chat.RoleUser,
		Content:        text,
		CreatedAt:      now,
		Embedding:      queryVector,
	}
	if err := a.store.AppendMessage(ctx, userMsg); err != nil {
		return "", err
	}

	var replyVector []float32
	if a.embedder != nil {
		replyVector, err = a.embedder.Embed(ctx, reply)
		if err != nil {
			a.logger.Warn("reply embedding failed, storing without vector",
				slog.String("conversation_id", conversationID),
				slog.Any("error", err))
			replyVector = nil
		}
	}
	assistantMsg := Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           chat.RoleAssistant,
		Content:        reply,
		CreatedAt:      now.Add(time.Microsecond),
		Embedding:      replyVector,
	}
	if err := a.store.AppendMessage(ctx, assistantMsg); err != nil {
		return "", err
	}

	return reply, nil
}

// mergeContext concatenates history and retrieved messages, deduplicating by
// content. A repeated content keeps the position of its last occurrence, so
// a retrieved turn that is also recent history stays where retrieval put it.
func mergeContext(history, relevant []Message) []chat.Message {
	combined := make([]Message, 0, len(history)+len(relevant))
	combined = append(combined, history...)
	combined = append(combined, relevant...)

	lastIndex := make(map[string]int, len(combined))
	for i, msg := range combined {
		lastIndex[msg.Content] = i
	}

	merged := make([]chat.Message, 0, len(lastIndex))
	for i, msg := range combined {
		if lastIndex[msg.Content] != i {
			continue
		}
		merged = append(merged, chat.Message{Role: msg.Role, Content: msg.Content})
	}
	return merged
}

// compress folds everything but the last two messages into one synthetic
// system summary until the prompt fits the budget or is down to the summary
// plus the two most recent messages. Prior summaries flatten into the new
// one. After the first pass the loop stops as soon as a pass fails to
// shrink the estimate; without that guard, re-wrapping an oversized
// summary grows the prompt forever.
func compress(prompt []chat.Message, budget int) []chat.Message {
	estimate := promptEstimate(prompt)
	for pass := 0; estimate > budget && len(prompt) > 2; pass++ {
		head := prompt[:len(prompt)-2]
		tail := prompt[len(prompt)-2:]

		lines := make([]string, 0, len(head))
		for _, msg := range head {
			lines = append(lines, msg.Role+": "+msg.Content)
		}
		summary := chat.Message{
			Role:    chat.RoleSystem,
			Content: SummaryLabel + strings.Join(lines, "\n"),
		}

		next := make([]chat.Message, 0, len(tail)+1)
		next = append(next, summary)
		next = append(next, tail...)

		nextEstimate := promptEstimate(next)
		if pass > 0 && nextEstimate >= estimate {
			break
		}
		prompt, estimate = next, nextEstimate
	}
	return prompt
}

func promptEstimate(prompt []chat.Message) int {
	total := 0
	for _, msg := range prompt {
		total += EstimateTokens(msg.Content)
	}
	return total
}
