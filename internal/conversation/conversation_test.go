package conversation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/sparky/internal/conversation"
	"github.com/MrWong99/sparky/internal/transcript"
)

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	c := conversation.New(now)
	if _, err := uuid.Parse(c.ID); err != nil {
		t.Errorf("ID %q is not a UUID: %v", c.ID, err)
	}
	if c.Title != conversation.DefaultTitle || c.RobotColor != conversation.DefaultRobotColor {
		t.Errorf("defaults = %q / %q", c.Title, c.RobotColor)
	}
	if !c.CreatedAt.Equal(now) || !c.UpdatedAt.Equal(now) {
		t.Errorf("timestamps = %v / %v", c.CreatedAt, c.UpdatedAt)
	}
	if c.HasGeneratedTitle() {
		t.Error("fresh conversation reports a generated title")
	}
	if conversation.New(now).ID == c.ID {
		t.Error("two conversations share an ID")
	}
}

func TestHasGeneratedTitle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		title string
		want  bool
	}{
		{conversation.DefaultTitle, false},
		{"", false},
		{"Robot Color Chat", true},
	}
	for _, tt := range tests {
		c := conversation.Conversation{Title: tt.title}
		if got := c.HasGeneratedTitle(); got != tt.want {
			t.Errorf("HasGeneratedTitle(%q) = %v, want %v", tt.title, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	good := conversation.New(time.Now())
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate(good): %v", err)
	}

	bad := conversation.Conversation{
		ID:         "nope",
		Title:      " ",
		Transcript: []transcript.Entry{{Speaker: "alien", Text: "x"}},
	}
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	// All three problems are reported together.
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || len(joined.Unwrap()) != 3 {
		t.Errorf("Validate() = %v, want 3 joined errors", err)
	}
}

func TestMemoryStore_SaveGetIsolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := conversation.NewMemoryStore()
	c := conversation.New(time.Now())
	c.Transcript = []transcript.Entry{{Speaker: transcript.User, Text: "Hello"}}
	if err := s.Save(ctx, c); err != nil {
		t.Fatalf("Save: %v", err)
	}
	c.Transcript[0].Text = "mutated"

	got, err := s.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Transcript[0].Text != "Hello" {
		t.Errorf("stored transcript aliased caller slice: %q", got.Transcript[0].Text)
	}
	got.Transcript[0].Text = "again"
	again, _ := s.Get(ctx, c.ID)
	if again.Transcript[0].Text != "Hello" {
		t.Error("Get returned an aliased transcript")
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	t.Parallel()

	s := conversation.NewMemoryStore()
	if _, err := s.Get(context.Background(), uuid.NewString()); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("Get unknown = %v, want ErrNotFound", err)
	}
	if err := s.Delete(context.Background(), uuid.NewString()); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("Delete unknown = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ListOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := conversation.NewMemoryStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	old := conversation.New(base)
	recent := conversation.New(base)
	recent.UpdatedAt = base.Add(time.Hour)
	recent.Transcript = []transcript.Entry{{Speaker: transcript.Bot, Text: "Hi"}}
	for _, c := range []conversation.Conversation{old, recent} {
		if err := s.Save(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != recent.ID || list[1].ID != old.ID {
		t.Fatalf("List() order = %+v", list)
	}
	if list[0].Entries != 1 {
		t.Errorf("Entries = %d, want 1", list[0].Entries)
	}

	if err := s.Delete(ctx, old.ID); err != nil {
		t.Fatal(err)
	}
	if list, _ = s.List(ctx); len(list) != 1 {
		t.Errorf("List() after delete = %d items", len(list))
	}
}

func TestMemoryStore_RejectsInvalid(t *testing.T) {
	t.Parallel()
	s := conversation.NewMemoryStore()
	if err := s.Save(context.Background(), conversation.Conversation{ID: "x"}); err == nil {
		t.Fatal("expected error for invalid conversation")
	}
}
