package turnlog

import (
	"context"
	"errors"
	"testing"
)

func TestAppendAssignsSequentialIDs(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, err := s.Append(ctx, Turn{SessionID: "s1", Speaker: SpeakerUser, Text: "hello"})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if got != want {
			t.Fatalf("Append() turn id = %d, want %d", got, want)
		}
	}
}

func TestAppendDuplicateIsRejected(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if _, err := s.Append(ctx, Turn{SessionID: "s1", TurnID: 1, Speaker: SpeakerUser, Text: "a"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	_, err := s.Append(ctx, Turn{SessionID: "s1", TurnID: 1, Speaker: SpeakerUser, Text: "a again"})
	if !errors.Is(err, ErrDuplicateTurn) {
		t.Fatalf("Append() error = %v, want ErrDuplicateTurn", err)
	}

	// Other sessions are unaffected.
	if _, err := s.Append(ctx, Turn{SessionID: "s2", TurnID: 1, Speaker: SpeakerUser, Text: "b"}); err != nil {
		t.Fatalf("Append() on second session error = %v", err)
	}
}

func TestAppendRejectsSkippedIDs(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if _, err := s.Append(ctx, Turn{SessionID: "s1", TurnID: 1, Speaker: SpeakerUser, Text: "a"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := s.Append(ctx, Turn{SessionID: "s1", TurnID: 5, Speaker: SpeakerUser, Text: "b"}); !errors.Is(err, ErrTurnGap) {
		t.Fatalf("Append() skipping ahead error = %v, want ErrTurnGap", err)
	}

	// The contiguous next ID is still accepted.
	if _, err := s.Append(ctx, Turn{SessionID: "s1", TurnID: 2, Speaker: SpeakerUser, Text: "b"}); err != nil {
		t.Fatalf("Append() contiguous id error = %v", err)
	}

	turns, err := s.Range(ctx, "s1", 0, 0)
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	for i, turn := range turns {
		if want := int64(i + 1); turn.TurnID != want {
			t.Fatalf("gap in turn ids: position %d holds %d", i, turn.TurnID)
		}
	}
}

func TestRangeOrderedWithoutGaps(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := s.Append(ctx, Turn{SessionID: "s1", Speaker: SpeakerUser, Text: "t"}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	turns, err := s.Range(ctx, "s1", 3, 7)
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(turns) != 5 {
		t.Fatalf("Range() returned %d turns, want 5", len(turns))
	}
	for i, turn := range turns {
		if want := int64(3 + i); turn.TurnID != want {
			t.Fatalf("turn %d has id %d, want %d", i, turn.TurnID, want)
		}
	}
}

func TestRangeUnknownSession(t *testing.T) {
	s := NewInMemoryStore()
	if _, err := s.Range(context.Background(), "missing", 0, 0); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Range() error = %v, want ErrSessionNotFound", err)
	}
}

func TestArchiveSessionMovesTurns(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, Turn{SessionID: "s1", Speaker: SpeakerUser, Text: "t"}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := s.ArchiveSession(ctx, "s1"); err != nil {
		t.Fatalf("ArchiveSession() error = %v", err)
	}
	if got := s.ArchivedCount("s1"); got != 3 {
		t.Fatalf("ArchivedCount() = %d, want 3", got)
	}
	if _, err := s.Range(ctx, "s1", 0, 0); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Range() after archive error = %v, want ErrSessionNotFound", err)
	}
}

func TestTurnCloneDoesNotAliasAnnotations(t *testing.T) {
	orig := Turn{
		Entities: []ExtractedEntity{{Type: "product", Value: "Clubmaster"}},
	}
	c := orig.Clone()
	c.Entities[0].Value = "changed"
	if orig.Entities[0].Value != "Clubmaster" {
		t.Fatalf("Clone() aliased the entities slice")
	}
}
