package conversation_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/convozap/convozap/internal/chat"
	"github.com/convozap/convozap/internal/conversation"
)

func TestEstimateTokens(t *testing.T) {
	t.Parallel()
	cases := []struct {
		content string
		want    int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 40), 10},
	}
	for _, tc := range cases {
		if got := conversation.EstimateTokens(tc.content); got != tc.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tc.content, got, tc.want)
		}
	}
}

func TestAssembler_TwoTurnContext(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	embedder := &fakeEmbedder{vector: []float32{0.1, 0.2}}
	completer := &fakeCompleter{reply: "primeira resposta"}
	assembler := conversation.NewAssembler(nil, store, embedder, completer, 3500, 5)

	const convID = "conv-1"
	reply, err := assembler.BuildReply(context.Background(), convID, "Olá")
	if err != nil {
		t.Fatalf("first BuildReply: %v", err)
	}
	if reply != "primeira resposta" {
		t.Fatalf("reply = %q, want %q", reply, "primeira resposta")
	}

	completer.reply = "segunda resposta"
	if _, err := assembler.BuildReply(context.Background(), convID, "Tudo bem?"); err != nil {
		t.Fatalf("second BuildReply: %v", err)
	}

	if len(completer.prompts) != 2 {
		t.Fatalf("len(prompts) = %d, want 2", len(completer.prompts))
	}
	second := completer.prompts[1]
	var sawFirstTurn, sawFirstReply bool
	for _, msg := range second {
		if msg.Role == chat.RoleUser && msg.Content == "Olá" {
			sawFirstTurn = true
		}
		if msg.Role == chat.RoleAssistant && msg.Content == "primeira resposta" {
			sawFirstReply = true
		}
	}
	if !sawFirstTurn || !sawFirstReply {
		t.Fatalf("second prompt %v misses the first turn", second)
	}
	if last := second[len(second)-1]; last.Role != chat.RoleUser || last.Content != "Tudo bem?" {
		t.Fatalf("last prompt message = %v, want the new user message", last)
	}
}

func TestAssembler_DedupKeepsLastOccurrence(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.messages["conv-1"] = []conversation.Message{
		{ConversationID: "conv-1", Role: chat.RoleUser, Content: "tem estoque?"},
		{ConversationID: "conv-1", Role: chat.RoleAssistant, Content: "sim, temos"},
	}
	store.nearest = []conversation.Message{
		{ConversationID: "conv-1", Role: chat.RoleUser, Content: "tem estoque?"},
	}
	embedder := &fakeEmbedder{vector: []float32{0.5}}
	completer := &fakeCompleter{reply: "ok"}
	assembler := conversation.NewAssembler(nil, store, embedder, completer, 3500, 5)

	if _, err := assembler.BuildReply(context.Background(), "conv-1", "qual o preço?"); err != nil {
		t.Fatalf("BuildReply: %v", err)
	}

	prompt := completer.prompts[0]
	want := []chat.Message{
		{Role: chat.RoleAssistant, Content: "sim, temos"},
		{Role: chat.RoleUser, Content: "tem estoque?"},
		{Role: chat.RoleUser, Content: "qual o preço?"},
	}
	if len(prompt) != len(want) {
		t.Fatalf("prompt = %v, want %v", prompt, want)
	}
	for i := range want {
		if prompt[i] != want[i] {
			t.Fatalf("prompt[%d] = %v, want %v", i, prompt[i], want[i])
		}
	}
}

func TestAssembler_CompressionCollapsesToSummaryPlusTwo(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	for i := 0; i < 4; i++ {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		store.messages["conv-1"] = append(store.messages["conv-1"], conversation.Message{
			ConversationID: "conv-1",
			Role:           role,
			Content:        strings.Repeat("m", 40),
		})
	}
	embedder := &fakeEmbedder{broken: true}
	completer := &fakeCompleter{reply: "ok"}
	assembler := conversation.NewAssembler(nil, store, embedder, completer, 20, 5)

	if _, err := assembler.BuildReply(context.Background(), "conv-1", "Tudo bem?"); err != nil {
		t.Fatalf("BuildReply: %v", err)
	}

	prompt := completer.prompts[0]
	if len(prompt) != 3 {
		t.Fatalf("len(prompt) = %d, want 3 (summary plus last two)", len(prompt))
	}
	if prompt[0].Role != chat.RoleSystem || !strings.HasPrefix(prompt[0].Content, conversation.SummaryLabel) {
		t.Fatalf("prompt[0] = %v, want a labeled system summary", prompt[0])
	}
	if !strings.Contains(prompt[0].Content, chat.RoleUser+": ") {
		t.Fatalf("summary %q misses role-prefixed lines", prompt[0].Content)
	}
	if last := prompt[2]; last.Role != chat.RoleUser || last.Content != "Tudo bem?" {
		t.Fatalf("prompt[2] = %v, want the new user message", last)
	}
}

func TestAssembler_CompressionStopsWhenNotShrinking(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	// One oversized turn: the summary of it cannot get under budget, so
	// compression must settle after the first pass instead of re-wrapping
	// the summary forever.
	store.messages["conv-1"] = []conversation.Message{
		{ConversationID: "conv-1", Role: chat.RoleUser, Content: strings.Repeat("a", 400)},
		{ConversationID: "conv-1", Role: chat.RoleAssistant, Content: strings.Repeat("b", 400)},
		{ConversationID: "conv-1", Role: chat.RoleUser, Content: strings.Repeat("c", 400)},
	}
	embedder := &fakeEmbedder{broken: true}
	completer := &fakeCompleter{reply: "ok"}
	assembler := conversation.NewAssembler(nil, store, embedder, completer, 10, 5)

	if _, err := assembler.BuildReply(context.Background(), "conv-1", "oi"); err != nil {
		t.Fatalf("BuildReply: %v", err)
	}
	prompt := completer.prompts[0]
	if len(prompt) != 3 {
		t.Fatalf("len(prompt) = %d, want 3", len(prompt))
	}
	if !strings.HasPrefix(prompt[0].Content, conversation.SummaryLabel) {
		t.Fatalf("prompt[0] = %v, want a labeled system summary", prompt[0])
	}
	// A second wrap would nest the label; exactly one is expected.
	if strings.Count(prompt[0].Content, conversation.SummaryLabel) != 1 {
		t.Fatalf("summary wrapped more than once: %q", prompt[0].Content)
	}
}

func TestAssembler_PersistsUserThenAssistant(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	embedder := &fakeEmbedder{vector: []float32{0.3}}
	completer := &fakeCompleter{reply: "tudo certo"}
	assembler := conversation.NewAssembler(nil, store, embedder, completer, 3500, 5)

	if _, err := assembler.BuildReply(context.Background(), "conv-1", "oi"); err != nil {
		t.Fatalf("BuildReply: %v", err)
	}

	msgs := store.messages["conv-1"]
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != chat.RoleUser || msgs[0].Content != "oi" {
		t.Fatalf("msgs[0] = %v, want the user turn", msgs[0])
	}
	if msgs[1].Role != chat.RoleAssistant || msgs[1].Content != "tudo certo" {
		t.Fatalf("msgs[1] = %v, want the assistant turn", msgs[1])
	}
	if len(msgs[0].Embedding) == 0 || len(msgs[1].Embedding) == 0 {
		t.Fatal("stored messages are missing embeddings")
	}
}

func TestAssembler_CompletionFailureWritesNothing(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	embedder := &fakeEmbedder{vector: []float32{0.3}}
	completer := &fakeCompleter{err: errors.New("endpoint down")}
	assembler := conversation.NewAssembler(nil, store, embedder, completer, 3500, 5)

	if _, err := assembler.BuildReply(context.Background(), "conv-1", "oi"); err == nil {
		t.Fatal("BuildReply with failing completer succeeded, want error")
	}
	if len(store.messages["conv-1"]) != 0 {
		t.Fatalf("stored %d messages after failed completion, want 0", len(store.messages["conv-1"]))
	}
}

func TestAssembler_EmbeddingFailureDegrades(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.nearest = []conversation.Message{
		{ConversationID: "conv-1", Role: chat.RoleUser, Content: "irrelevant"},
	}
	embedder := &fakeEmbedder{broken: true}
	completer := &fakeCompleter{reply: "ok"}
	assembler := conversation.NewAssembler(nil, store, embedder, completer, 3500, 5)

	reply, err := assembler.BuildReply(context.Background(), "conv-1", "oi")
	if err != nil {
		t.Fatalf("BuildReply: %v", err)
	}
	if reply != "ok" {
		t.Fatalf("reply = %q, want ok", reply)
	}
	prompt := completer.prompts[0]
	if len(prompt) != 1 {
		t.Fatalf("prompt = %v, want only the new user message", prompt)
	}
	if len(store.messages["conv-1"][0].Embedding) != 0 {
		t.Fatal("user message stored with an embedding despite embedder failure")
	}
}

func TestAssembler_EmptyTextRejected(t *testing.T) {
	t.Parallel()
	assembler := conversation.NewAssembler(nil, newFakeStore(), nil, &fakeCompleter{reply: "ok"}, 3500, 5)
	if _, err := assembler.BuildReply(context.Background(), "conv-1", "   "); err == nil {
		t.Fatal("BuildReply with blank text succeeded, want error")
	}
}
