package memory

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"calcbot/internal/domain"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "transcript.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_ConversationLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	conv := domain.Conversation{ID: "cli:direct", Title: "New conversation", Provider: "openai"}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetConversation(ctx, "cli:direct")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.ID != "cli:direct" || got.Provider != "openai" {
		t.Fatalf("unexpected conversation %+v", got)
	}

	got.Title = "сложи 5 и 3"
	if err := store.UpdateConversation(ctx, *got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = store.GetConversation(ctx, "cli:direct")
	if got.Title != "сложи 5 и 3" {
		t.Fatalf("title not updated: %q", got.Title)
	}

	if err := store.DeleteConversation(ctx, "cli:direct"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = store.GetConversation(ctx, "cli:direct")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after delete, got %+v", got)
	}
}

func TestStore_GetConversation_Missing(t *testing.T) {
	store := testStore(t)
	got, err := store.GetConversation(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing conversation, got %+v", got)
	}
}

func TestStore_CreateConversation_Idempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	conv := domain.Conversation{ID: "cli:direct"}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("second create should be ignored: %v", err)
	}
}

func TestStore_MessagesChronological(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	if err := store.CreateConversation(ctx, domain.Conversation{ID: "c1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	records := []domain.MessageRecord{
		{Role: "user", Content: "умножь 6 на 7"},
		{Role: "assistant", ToolCalls: `[{"id":"call_1","name":"multiply","arguments":{"a":6,"b":7}}]`},
		{Role: "tool", Content: "42", ToolCallID: "call_1", ToolName: "multiply"},
		{Role: "assistant", Content: "6 × 7 = 42"},
	}
	for _, r := range records {
		if err := store.AddMessage(ctx, "c1", r); err != nil {
			t.Fatalf("add %q: %v", r.Role, err)
		}
	}

	msgs, err := store.GetMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	for i, r := range records {
		if msgs[i].Role != r.Role || msgs[i].Content != r.Content {
			t.Fatalf("message %d out of order: %+v", i, msgs[i])
		}
	}
	if msgs[2].ToolCallID != "call_1" || msgs[2].ToolName != "multiply" {
		t.Fatalf("tool metadata lost: %+v", msgs[2])
	}
}

func TestStore_GetMessages_LimitKeepsNewest(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	store.CreateConversation(ctx, domain.Conversation{ID: "c1"})

	for i := 0; i < 10; i++ {
		content := string(rune('a' + i))
		if err := store.AddMessage(ctx, "c1", domain.MessageRecord{Role: "user", Content: content}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	msgs, err := store.GetMessages(ctx, "c1", 3)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "h" || msgs[2].Content != "j" {
		t.Fatalf("expected newest three in order, got %v", msgs)
	}
}

func TestStore_ListConversations(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	store.CreateConversation(ctx, domain.Conversation{ID: "c1"})
	store.CreateConversation(ctx, domain.Conversation{ID: "c2"})

	convs, err := store.ListConversations(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
}
