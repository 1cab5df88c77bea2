package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convozap/convozap/internal/vector"
)

const pgUniqueViolation = "23505"

// PostgresStore persists conversations in Postgres and mirrors message
// embeddings into the Qdrant index. Postgres is the source of truth; index
// failures degrade retrieval, never writes.
type PostgresStore struct {
	pool   *pgxpool.Pool
	index  *vector.Index
	logger *slog.Logger
}

func NewPostgresStore(log *slog.Logger, pool *pgxpool.Pool, index *vector.Index) *PostgresStore {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresStore{
		pool:   pool,
		index:  index,
		logger: log.With(slog.String("service", "store")),
	}
}

// EnsureConversation creates the conversation row if it does not exist.
// An existing row is success.
func (s *PostgresStore) EnsureConversation(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return fmt.Errorf("ensure conversation %s: %w", id, err)
	}
	return nil
}

// AppendMessage inserts one message row and, when an embedding is present,
// upserts the matching point into the vector index.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.CreatedAt, msg.Embedding)
	if err != nil {
		return fmt.Errorf("append message to %s: %w", msg.ConversationID, err)
	}
	s.indexMessage(ctx, msg)
	return nil
}

// ListMessages returns the conversation history in insertion order.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, created_at, embedding
		 FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.CreatedAt, &msg.Embedding); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", conversationID, err)
	}
	return msgs, nil
}

// ReplaceMessages swaps the entire history of a conversation in one
// transaction and rebuilds its slice of the vector index.
func (s *PostgresStore) ReplaceMessages(ctx context.Context, conversationID string, msgs []Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace for %s: %w", conversationID, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("clear messages for %s: %w", conversationID, err)
	}
	now := time.Now().UTC()
	for i := range msgs {
		if msgs[i].ID == uuid.Nil {
			msgs[i].ID = uuid.New()
		}
		if msgs[i].CreatedAt.IsZero() {
			// Preserve relative order for rows inserted in the same batch.
			msgs[i].CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		}
		msgs[i].ConversationID = conversationID
		_, err := tx.Exec(ctx,
			`INSERT INTO messages (id, conversation_id, role, content, created_at, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			msgs[i].ID, conversationID, msgs[i].Role, msgs[i].Content, msgs[i].CreatedAt, msgs[i].Embedding)
		if err != nil {
			return fmt.Errorf("insert replacement message: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace for %s: %w", conversationID, err)
	}

	if s.index != nil {
		if err := s.index.DeleteByFilter(ctx, "conversation_id", conversationID); err != nil {
			s.logger.Warn("vector index cleanup failed",
				slog.String("conversation_id", conversationID),
				slog.Any("error", err))
		}
		for _, msg := range msgs {
			s.indexMessage(ctx, msg)
		}
	}
	return nil
}

// NearestMessages returns the top-limit messages of the conversation closest
// to the query vector. An unavailable index yields no results, not an error.
func (s *PostgresStore) NearestMessages(ctx context.Context, conversationID string, vec []float32, limit int) ([]Message, error) {
	if s.index == nil || len(vec) == 0 || limit <= 0 {
		return nil, nil
	}
	hits, err := s.index.Search(ctx, vec, "conversation_id", conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("search nearest in %s: %w", conversationID, err)
	}
	msgs := make([]Message, 0, len(hits))
	for _, hit := range hits {
		msg := Message{ConversationID: conversationID}
		if id, err := uuid.Parse(hit.ID); err == nil {
			msg.ID = id
		}
		if role, ok := hit.Payload["role"].(string); ok {
			msg.Role = role
		}
		if content, ok := hit.Payload["content"].(string); ok {
			msg.Content = content
		}
		if created, ok := hit.Payload["created_at"].(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
				msg.CreatedAt = ts
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// GetBinding returns the conversation bound to a normalized identity.
func (s *PostgresStore) GetBinding(ctx context.Context, identity string) (string, error) {
	var conversationID string
	err := s.pool.QueryRow(ctx,
		`SELECT conversation_id FROM channel_bindings WHERE identity = $1`, identity).
		Scan(&conversationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrBindingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get binding for %s: %w", identity, err)
	}
	return conversationID, nil
}

// CreateBinding inserts the identity binding. Losing the insert race
// surfaces as ErrDuplicateBinding.
func (s *PostgresStore) CreateBinding(ctx context.Context, identity, conversationID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO channel_bindings (identity, conversation_id) VALUES ($1, $2)`,
		identity, conversationID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateBinding
		}
		return fmt.Errorf("create binding for %s: %w", identity, err)
	}
	return nil
}

func (s *PostgresStore) indexMessage(ctx context.Context, msg Message) {
	if s.index == nil || len(msg.Embedding) == 0 {
		return
	}
	err := s.index.Upsert(ctx, []vector.Point{{
		ID:     msg.ID.String(),
		Vector: msg.Embedding,
		Payload: map[string]any{
			"conversation_id": msg.ConversationID,
			"role":            msg.Role,
			"content":         msg.Content,
			"created_at":      msg.CreatedAt.Format(time.RFC3339Nano),
		},
	}})
	if err != nil {
		s.logger.Warn("vector index upsert failed",
			slog.String("conversation_id", msg.ConversationID),
			slog.String("message_id", msg.ID.String()),
			slog.Any("error", err))
	}
}
