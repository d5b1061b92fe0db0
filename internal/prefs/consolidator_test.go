package prefs

import (
	"context"
	"testing"
	"time"
)

func propose(t *testing.T, s Store, p Preference) string {
	t.Helper()
	id, err := s.Propose(context.Background(), p)
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	return id
}

func activeByAttr(t *testing.T, s Store, customerID string) map[string]Preference {
	t.Helper()
	active, err := s.GetActive(context.Background(), customerID)
	if err != nil {
		t.Fatalf("GetActive() error = %v", err)
	}
	out := make(map[string]Preference, len(active))
	for _, p := range active {
		if prev, dup := out[normalizeKey(p.Attribute)]; dup {
			t.Fatalf("two active preferences for %q: %+v and %+v", p.Attribute, prev, p)
		}
		out[normalizeKey(p.Attribute)] = p
	}
	return out
}

func TestResolvePair(t *testing.T) {
	older := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	cases := []struct {
		name       string
		a, b       Preference
		wantValue  string
		wantSource Source
	}{
		{
			name:      "agreement keeps newer record",
			a:         Preference{Value: "round", Source: SourceInferred, Confidence: 0.5, UpdatedAt: older},
			b:         Preference{Value: "Round", Source: SourceInferred, Confidence: 0.5, UpdatedAt: newer},
			wantValue: "Round",
		},
		{
			name:       "explicit beats higher confidence inferred",
			a:          Preference{Value: "square", Source: SourceExplicit, Confidence: 0.4, Strength: 0.4, UpdatedAt: older},
			b:          Preference{Value: "round", Source: SourceInferred, Confidence: 0.9, Strength: 0.9, UpdatedAt: newer},
			wantValue:  "square",
			wantSource: SourceExplicit,
		},
		{
			name:       "newer explicit corrects older explicit",
			a:          Preference{Value: "round", Source: SourceExplicit, Confidence: 0.9, Strength: 0.9, UpdatedAt: older},
			b:          Preference{Value: "square", Source: SourceExplicit, Confidence: 0.85, Strength: 0.85, UpdatedAt: newer},
			wantValue:  "square",
			wantSource: SourceExplicit,
		},
		{
			name:      "inferred pair higher score wins",
			a:         Preference{Value: "round", Source: SourceInferred, Confidence: 0.9, Strength: 0.8, UpdatedAt: older},
			b:         Preference{Value: "square", Source: SourceInferred, Confidence: 0.5, Strength: 0.5, UpdatedAt: newer},
			wantValue: "round",
		},
		{
			name:      "inferred score tie goes to newer",
			a:         Preference{Value: "round", Source: SourceInferred, Confidence: 0.6, Strength: 0.5, UpdatedAt: older},
			b:         Preference{Value: "square", Source: SourceInferred, Confidence: 0.5, Strength: 0.6, UpdatedAt: newer},
			wantValue: "square",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			winner, _ := resolvePair(tc.a, tc.b)
			if winner.Value != tc.wantValue {
				t.Fatalf("resolvePair() winner value = %q, want %q", winner.Value, tc.wantValue)
			}
			if tc.wantSource != "" && winner.Source != tc.wantSource {
				t.Fatalf("resolvePair() winner source = %s, want %s", winner.Source, tc.wantSource)
			}
		})
	}
}

func TestResolvePairAgreementCombinesConfidence(t *testing.T) {
	a := Preference{Value: "round", Confidence: 0.6, Strength: 0.3, UpdatedAt: time.Now()}
	b := Preference{Value: "round", Confidence: 0.5, Strength: 0.7, UpdatedAt: time.Now().Add(time.Minute)}

	winner, _ := resolvePair(a, b)
	want := 1 - (1-0.6)*(1-0.5)
	if diff := winner.Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("merged confidence = %v, want %v", winner.Confidence, want)
	}
	if winner.Strength != 0.7 {
		t.Fatalf("merged strength = %v, want max 0.7", winner.Strength)
	}
}

func TestConsolidateSupersedesConflicts(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	// An old inferred liking for round frames, then an explicit switch to
	// square. After consolidation only square may remain active.
	roundID := propose(t, store, Preference{
		CustomerID: "cust-1", Attribute: "frame_shape", Value: "round",
		Source: SourceInferred, Confidence: 0.8, Strength: 0.8,
		UpdatedAt: time.Now().Add(-time.Hour),
	})
	propose(t, store, Preference{
		CustomerID: "cust-1", Attribute: "frame_shape", Value: "square",
		Source: SourceExplicit, Confidence: 0.6, Strength: 0.6,
	})

	c := NewConsolidator(store, time.Minute)
	var gotCustomer string
	var gotSuperseded int
	c.SetRunHook(func(customerID string, superseded int) {
		gotCustomer = customerID
		gotSuperseded = superseded
	})
	c.MarkPending("cust-1")

	if err := c.Consolidate(ctx, "cust-1"); err != nil {
		t.Fatalf("Consolidate() error = %v", err)
	}
	if gotCustomer != "cust-1" || gotSuperseded != 1 {
		t.Fatalf("run hook got (%q, %d), want (cust-1, 1)", gotCustomer, gotSuperseded)
	}
	if c.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d, want 0", c.PendingCount())
	}

	active := activeByAttr(t, store, "cust-1")
	winner, ok := active["frame_shape"]
	if !ok {
		t.Fatalf("no active frame_shape preference after consolidation")
	}
	if winner.Value != "square" || winner.Source != SourceExplicit {
		t.Fatalf("active preference = %+v, want explicit square", winner)
	}

	for _, p := range store.All("cust-1") {
		if p.ID == roundID && p.Status != StatusSuperseded {
			t.Fatalf("round preference status = %s, want %s", p.Status, StatusSuperseded)
		}
	}
}

func TestConsolidateExplicitCorrection(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	// "I like round frames", then later "actually I think square suits me
	// better". The correction wins even at lower confidence.
	propose(t, store, Preference{
		CustomerID: "cust-1", Attribute: "frame_shape", Value: "round",
		Source: SourceExplicit, Confidence: 0.9, Strength: 0.9,
		UpdatedAt: time.Now().Add(-time.Hour),
	})
	propose(t, store, Preference{
		CustomerID: "cust-1", Attribute: "frame_shape", Value: "square",
		Source: SourceExplicit, Confidence: 0.85, Strength: 0.85,
	})

	c := NewConsolidator(store, time.Minute)
	if err := c.Consolidate(ctx, "cust-1"); err != nil {
		t.Fatalf("Consolidate() error = %v", err)
	}

	active := activeByAttr(t, store, "cust-1")
	if got := active["frame_shape"].Value; got != "square" {
		t.Fatalf("active frame_shape = %q, want square", got)
	}
	var supersededRound bool
	for _, p := range store.All("cust-1") {
		if p.Value == "round" && p.Status == StatusSuperseded {
			supersededRound = true
		}
	}
	if !supersededRound {
		t.Fatalf("round preference was not superseded")
	}
}

func TestConsolidateIsIdempotent(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	propose(t, store, Preference{
		CustomerID: "cust-1", Attribute: "lens_tint", Value: "green",
		Source: SourceInferred, Confidence: 0.7, Strength: 0.5,
	})
	propose(t, store, Preference{
		CustomerID: "cust-1", Attribute: "lens_tint", Value: "brown",
		Source: SourceInferred, Confidence: 0.4, Strength: 0.4,
	})

	c := NewConsolidator(store, time.Minute)
	if err := c.Consolidate(ctx, "cust-1"); err != nil {
		t.Fatalf("Consolidate() error = %v", err)
	}
	first := activeByAttr(t, store, "cust-1")

	if err := c.Consolidate(ctx, "cust-1"); err != nil {
		t.Fatalf("second Consolidate() error = %v", err)
	}
	second := activeByAttr(t, store, "cust-1")

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("active counts = %d then %d, want 1 and 1", len(first), len(second))
	}
	if first["lens_tint"].ID != second["lens_tint"].ID {
		t.Fatalf("winner changed across runs: %s then %s", first["lens_tint"].ID, second["lens_tint"].ID)
	}
}

func TestConsolidateGroupsAttributesCaseInsensitively(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	propose(t, store, Preference{
		CustomerID: "cust-1", Attribute: "Frame_Shape", Value: "round",
		Source: SourceInferred, Confidence: 0.5, Strength: 0.5,
	})
	propose(t, store, Preference{
		CustomerID: "cust-1", Attribute: "frame_shape", Value: "round",
		Source: SourceInferred, Confidence: 0.5, Strength: 0.5,
	})

	c := NewConsolidator(store, time.Minute)
	if err := c.Consolidate(ctx, "cust-1"); err != nil {
		t.Fatalf("Consolidate() error = %v", err)
	}

	active, err := store.GetActive(ctx, "cust-1")
	if err != nil {
		t.Fatalf("GetActive() error = %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("GetActive() returned %d, want 1 after merging attribute aliases", len(active))
	}
	want := 1 - (1-0.5)*(1-0.5)
	if diff := active[0].Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("merged confidence = %v, want %v", active[0].Confidence, want)
	}
}

func TestSweepClearsAllPending(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	for _, cust := range []string{"a", "b", "c"} {
		propose(t, store, Preference{
			CustomerID: cust, Attribute: "frame_shape", Value: "round",
			Source: SourceInferred, Confidence: 0.5, Strength: 0.5,
		})
	}

	c := NewConsolidator(store, time.Minute)
	c.MarkPending("a")
	c.MarkPending("b")
	c.MarkPending("c")

	if err := c.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if c.PendingCount() != 0 {
		t.Fatalf("PendingCount() after sweep = %d, want 0", c.PendingCount())
	}
}

func TestEraseRemovesEverything(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	propose(t, store, Preference{CustomerID: "cust-1", Attribute: "a", Value: "x", Source: SourceInferred})
	if err := store.Erase(ctx, "cust-1"); err != nil {
		t.Fatalf("Erase() error = %v", err)
	}
	if got := store.All("cust-1"); len(got) != 0 {
		t.Fatalf("All() after erase = %d records, want 0", len(got))
	}
}
