package conversation_test

import (
	"context"
	"errors"
	"sync"

	"github.com/convozap/convozap/internal/chat"
	"github.com/convozap/convozap/internal/conversation"
)

// fakeStore is an in-memory Store for binder and assembler tests.
type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]bool
	messages      map[string][]conversation.Message
	bindings      map[string]string
	nearest       []conversation.Message

	// stealBinding, when set, simulates a concurrent first contact: the
	// next CreateBinding loses to this conversation ID.
	stealBinding string

	createBindingCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: map[string]bool{},
		messages:      map[string][]conversation.Message{},
		bindings:      map[string]string{},
	}
}

func (s *fakeStore) EnsureConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[id] = true
	return nil
}

func (s *fakeStore) AppendMessage(ctx context.Context, msg conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return nil
}

func (s *fakeStore) ListMessages(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]conversation.Message, len(s.messages[conversationID]))
	copy(msgs, s.messages[conversationID])
	return msgs, nil
}

func (s *fakeStore) ReplaceMessages(ctx context.Context, conversationID string, msgs []conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[conversationID] = append([]conversation.Message(nil), msgs...)
	return nil
}

func (s *fakeStore) NearestMessages(ctx context.Context, conversationID string, vector []float32, limit int) ([]conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit < len(s.nearest) {
		return s.nearest[:limit], nil
	}
	return s.nearest, nil
}

func (s *fakeStore) GetBinding(ctx context.Context, identity string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bindings[identity]
	if !ok {
		return "", conversation.ErrBindingNotFound
	}
	return id, nil
}

func (s *fakeStore) CreateBinding(ctx context.Context, identity, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createBindingCalls++
	if s.stealBinding != "" {
		s.bindings[identity] = s.stealBinding
		s.stealBinding = ""
		return conversation.ErrDuplicateBinding
	}
	if _, ok := s.bindings[identity]; ok {
		return conversation.ErrDuplicateBinding
	}
	s.bindings[identity] = conversationID
	return nil
}

// fakeEmbedder returns a fixed vector, or fails when broken.
type fakeEmbedder struct {
	vector []float32
	broken bool
	calls  int
}

func (e *fakeEmbedder) Embed(ctx context.Context, input string) ([]float32, error) {
	e.calls++
	if e.broken {
		return nil, errors.New("embedder unavailable")
	}
	return e.vector, nil
}

func (e *fakeEmbedder) Dimensions() int { return len(e.vector) }

// fakeCompleter records every prompt and replies with a fixed string.
type fakeCompleter struct {
	reply   string
	err     error
	prompts [][]chat.Message
}

func (c *fakeCompleter) Complete(ctx context.Context, messages []chat.Message) (string, error) {
	prompt := make([]chat.Message, len(messages))
	copy(prompt, messages)
	c.prompts = append(c.prompts, prompt)
	if c.err != nil {
		return "", c.err
	}
	return c.reply, nil
}
