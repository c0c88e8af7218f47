package mock

import (
	"testing"

	"github.com/animavox/animavox/pkg/history"
)

func TestMessages_LimitReturnsNewest(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := t.Context()
	for _, content := range []string{"one", "two", "three"} {
		if err := s.AppendMessage(ctx, history.Message{SessionID: "s1", Role: history.RoleUser, Content: content}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	msgs, err := s.Messages(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Errorf("expected newest two in order, got %q then %q", msgs[0].Content, msgs[1].Content)
	}
}

func TestMessages_UnknownSessionEmpty(t *testing.T) {
	t.Parallel()

	s := New()
	msgs, err := s.Messages(t.Context(), "nope", 10)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no messages, got %d", len(msgs))
	}
}

func TestSearchLore_OrdersBySimilarity(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := t.Context()
	err := s.UpsertLore(ctx, "agent-1",
		[]string{"close", "far", "unembedded"},
		[][]float32{{1, 0}, {0, 1}, nil},
	)
	if err != nil {
		t.Fatalf("UpsertLore: %v", err)
	}

	lines, err := s.SearchLore(ctx, "agent-1", []float32{1, 0.1}, 5)
	if err != nil {
		t.Fatalf("SearchLore: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 embedded lines, got %d", len(lines))
	}
	if lines[0] != "close" {
		t.Errorf("expected most similar first, got %q", lines[0])
	}
}

func TestSampleLore_BoundedByPoolSize(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := t.Context()
	if err := s.UpsertLore(ctx, "agent-1", []string{"a", "b"}, nil); err != nil {
		t.Fatalf("UpsertLore: %v", err)
	}

	lines, err := s.SampleLore(ctx, "agent-1", 10)
	if err != nil {
		t.Fatalf("SampleLore: %v", err)
	}
	if len(lines) != 2 {
		t.Errorf("expected sample capped at 2, got %d", len(lines))
	}
}

func TestUpsertLore_ReplacesExisting(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := t.Context()
	if err := s.UpsertLore(ctx, "agent-1", []string{"old"}, nil); err != nil {
		t.Fatalf("UpsertLore: %v", err)
	}
	if err := s.UpsertLore(ctx, "agent-1", []string{"new"}, nil); err != nil {
		t.Fatalf("UpsertLore: %v", err)
	}

	lines, err := s.SampleLore(ctx, "agent-1", 10)
	if err != nil {
		t.Fatalf("SampleLore: %v", err)
	}
	if len(lines) != 1 || lines[0] != "new" {
		t.Errorf("expected replaced lore set, got %v", lines)
	}
}
