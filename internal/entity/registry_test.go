package entity

import (
	"errors"
	"testing"

	"github.com/ent0n29/mnemo/internal/turnlog"
)

func TestRegisterMentionRejectsMalformed(t *testing.T) {
	r := NewRegistry(5)

	cases := []struct {
		name string
		ent  turnlog.ExtractedEntity
	}{
		{"unknown type", turnlog.ExtractedEntity{Type: "color", Value: "red"}},
		{"empty type", turnlog.ExtractedEntity{Value: "red"}},
		{"empty value", turnlog.ExtractedEntity{Type: TypeProduct}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.RegisterMention("s1", 1, tc.ent); !errors.Is(err, ErrMalformedAnnotation) {
				t.Fatalf("RegisterMention() error = %v, want ErrMalformedAnnotation", err)
			}
		})
	}
}

func TestRegisterMentionDeduplicates(t *testing.T) {
	r := NewRegistry(5)

	id1, err := r.RegisterMention("s1", 1, turnlog.ExtractedEntity{Type: TypeProduct, Value: "Clubmaster", Span: "the Clubmaster frame"})
	if err != nil {
		t.Fatalf("RegisterMention() error = %v", err)
	}
	id2, err := r.RegisterMention("s1", 3, turnlog.ExtractedEntity{Type: TypeProduct, Value: "clubmaster"})
	if err != nil {
		t.Fatalf("RegisterMention() error = %v", err)
	}
	if id1 != id2 {
		t.Fatalf("re-mention produced a new entity id: %s vs %s", id1, id2)
	}

	m, ok := r.Lookup("s1", id1)
	if !ok {
		t.Fatalf("Lookup() did not find %s", id1)
	}
	if m.MentionCount != 2 || m.FirstTurnID != 1 || m.LastTurnID != 3 {
		t.Fatalf("mention = %+v, want count 2, first 1, last 3", m)
	}
}

func TestResolvePronounToSingleRecentEntity(t *testing.T) {
	r := NewRegistry(5)

	id, err := r.RegisterMention("s1", 1, turnlog.ExtractedEntity{Type: TypeProduct, Value: "Clubmaster", Span: "the Clubmaster frame"})
	if err != nil {
		t.Fatalf("RegisterMention() error = %v", err)
	}

	got, err := r.ResolveReference("s1", 2, "it")
	if err != nil {
		t.Fatalf("ResolveReference() error = %v", err)
	}
	if got != id {
		t.Fatalf("ResolveReference() = %s, want %s", got, id)
	}
}

func TestResolvePronounRespectsTypeClass(t *testing.T) {
	r := NewRegistry(5)

	if _, err := r.RegisterMention("s1", 1, turnlog.ExtractedEntity{Type: TypeAttribute, Value: "polarized"}); err != nil {
		t.Fatalf("RegisterMention() error = %v", err)
	}
	// "it" only refers to products, and the only tracked entity is an
	// attribute.
	if _, err := r.ResolveReference("s1", 2, "it"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ResolveReference() error = %v, want ErrNotFound", err)
	}
}

func TestResolvePrefersMostRecentMention(t *testing.T) {
	r := NewRegistry(5)

	if _, err := r.RegisterMention("s1", 1, turnlog.ExtractedEntity{Type: TypeProduct, Value: "Wayfarer"}); err != nil {
		t.Fatalf("RegisterMention() error = %v", err)
	}
	recent, err := r.RegisterMention("s1", 3, turnlog.ExtractedEntity{Type: TypeProduct, Value: "Aviator"})
	if err != nil {
		t.Fatalf("RegisterMention() error = %v", err)
	}

	got, err := r.ResolveReference("s1", 4, "it")
	if err != nil {
		t.Fatalf("ResolveReference() error = %v", err)
	}
	if got != recent {
		t.Fatalf("ResolveReference() = %s, want most recent %s", got, recent)
	}
}

func TestResolveHonorsResolutionDepth(t *testing.T) {
	r := NewRegistry(3)

	if _, err := r.RegisterMention("s1", 1, turnlog.ExtractedEntity{Type: TypeProduct, Value: "Clubmaster"}); err != nil {
		t.Fatalf("RegisterMention() error = %v", err)
	}

	// Turn 4 is still within a 3-turn horizon of turn 1.
	if _, err := r.ResolveReference("s1", 4, "it"); err != nil {
		t.Fatalf("ResolveReference() within horizon error = %v", err)
	}
	// Resolution above refreshed recency to turn 4; jump far past it.
	if _, err := r.ResolveReference("s1", 20, "it"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ResolveReference() beyond horizon error = %v, want ErrNotFound", err)
	}
}

func TestResolveByAliasSubstring(t *testing.T) {
	r := NewRegistry(5)

	id, err := r.RegisterMention("s1", 1, turnlog.ExtractedEntity{Type: TypeProduct, Value: "Clubmaster", Span: "the round frames"})
	if err != nil {
		t.Fatalf("RegisterMention() error = %v", err)
	}

	got, err := r.ResolveReference("s1", 2, "the round frames you showed me")
	if err != nil {
		t.Fatalf("ResolveReference() error = %v", err)
	}
	if got != id {
		t.Fatalf("ResolveReference() = %s, want %s", got, id)
	}
}

func TestActiveSinceSortedByRecency(t *testing.T) {
	r := NewRegistry(5)

	if _, err := r.RegisterMention("s1", 1, turnlog.ExtractedEntity{Type: TypeProduct, Value: "Wayfarer"}); err != nil {
		t.Fatalf("RegisterMention() error = %v", err)
	}
	if _, err := r.RegisterMention("s1", 4, turnlog.ExtractedEntity{Type: TypeBrand, Value: "Ray-Ban"}); err != nil {
		t.Fatalf("RegisterMention() error = %v", err)
	}

	got := r.ActiveSince("s1", 0)
	if len(got) != 2 {
		t.Fatalf("ActiveSince() returned %d mentions, want 2", len(got))
	}
	if got[0].CanonicalValue != "Ray-Ban" {
		t.Fatalf("ActiveSince()[0] = %q, want most recent Ray-Ban", got[0].CanonicalValue)
	}

	got = r.ActiveSince("s1", 3)
	if len(got) != 1 || got[0].CanonicalValue != "Ray-Ban" {
		t.Fatalf("ActiveSince(3) = %+v, want only Ray-Ban", got)
	}
}

func TestRebuildReplaysTurns(t *testing.T) {
	r := NewRegistry(5)

	if _, err := r.RegisterMention("s1", 1, turnlog.ExtractedEntity{Type: TypeProduct, Value: "stale"}); err != nil {
		t.Fatalf("RegisterMention() error = %v", err)
	}

	r.Rebuild("s1", []turnlog.Turn{
		{TurnID: 1, Entities: []turnlog.ExtractedEntity{{Type: TypeProduct, Value: "Clubmaster"}}},
		{TurnID: 2, Entities: []turnlog.ExtractedEntity{{Type: TypeProduct, Value: "Clubmaster"}, {Type: "bogus", Value: "x"}}},
	})

	got := r.ActiveSince("s1", 0)
	if len(got) != 1 {
		t.Fatalf("ActiveSince() after rebuild returned %d mentions, want 1", len(got))
	}
	m := got[0]
	if m.CanonicalValue != "Clubmaster" || m.MentionCount != 2 || m.LastTurnID != 2 {
		t.Fatalf("rebuilt mention = %+v", m)
	}
}

func TestEndSessionDropsState(t *testing.T) {
	r := NewRegistry(5)

	if _, err := r.RegisterMention("s1", 1, turnlog.ExtractedEntity{Type: TypeProduct, Value: "Clubmaster"}); err != nil {
		t.Fatalf("RegisterMention() error = %v", err)
	}
	r.EndSession("s1")
	if _, err := r.ResolveReference("s1", 2, "it"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ResolveReference() after EndSession error = %v, want ErrNotFound", err)
	}
}
