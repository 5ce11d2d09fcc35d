package risk

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/kindlingapp/kindling/internal/clock"
)

func newTestScorer(source FactorSource, store Store) *Scorer {
	clk := clock.NewManual(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	return NewScorer(source, store, clk)
}

func TestEvaluate_HighRiskProfile(t *testing.T) {
	s := newTestScorer(nil, nil)

	// 2-day-old unverified account, 3 reports, 1 block, every pattern firing.
	a := s.Evaluate("usr_0123456789abcdef01234567", &Factors{
		AccountAgeDays: 2,
		Verification:   VerificationNone,
		RecentReports:  3,
		RecentBlocks:   1,
		MessagePatterns: MessagePatternFlags{
			AggressiveLanguage:   1.0,
			RequestsPersonalInfo: 1.0,
			RapidFireMessages:    1.0,
		},
		BehaviorPatterns: BehaviorPatternFlags{
			RapidAccountCreation:   true,
			SuspiciousPhotoUploads: true,
			AgeInconsistencies:     true,
		},
	})

	if math.Abs(a.Score-80.75) > 0.01 {
		t.Errorf("score = %.2f, want 80.75", a.Score)
	}
	if a.Level != LevelCritical {
		t.Errorf("level = %s, want critical", a.Level)
	}
	if a.AutoSuspend {
		t.Error("80.75 is below the auto-suspend threshold")
	}

	found := false
	for _, rec := range a.Recommendations {
		if rec == "require immediate verification" {
			found = true
		}
	}
	if !found {
		t.Errorf("unverified account must get the verification recommendation, got %v", a.Recommendations)
	}
}

func TestEvaluate_SafeProfile(t *testing.T) {
	s := newTestScorer(nil, nil)

	a := s.Evaluate("usr_0123456789abcdef01234567", &Factors{
		AccountAgeDays: 400,
		Verification:   VerificationFull,
	})

	if a.Score != 0 {
		t.Errorf("score = %.2f, want 0", a.Score)
	}
	if a.Level != LevelLow {
		t.Errorf("level = %s, want low", a.Level)
	}
	if a.AutoSuspend {
		t.Error("safe profile must not auto-suspend")
	}
	if len(a.Recommendations) != 0 {
		t.Errorf("safe profile should have no recommendations, got %v", a.Recommendations)
	}
}

func TestEvaluate_WorstCaseTriggersAutoSuspend(t *testing.T) {
	s := newTestScorer(nil, nil)

	a := s.Evaluate("usr_0123456789abcdef01234567", &Factors{
		AccountAgeDays: 0,
		Verification:   VerificationNone,
		RecentReports:  10,
		RecentBlocks:   10,
		MessagePatterns: MessagePatternFlags{
			AggressiveLanguage:   1.0,
			RequestsPersonalInfo: 1.0,
			RapidFireMessages:    1.0,
		},
		BehaviorPatterns: BehaviorPatternFlags{
			RapidAccountCreation:   true,
			SuspiciousPhotoUploads: true,
			AgeInconsistencies:     true,
		},
	})

	if a.Score != 100 {
		t.Errorf("score = %.2f, want 100", a.Score)
	}
	if !a.AutoSuspend {
		t.Error("score 100 must flag auto-suspend")
	}
}

// No combination of inputs may push the score outside [0, 100].
func TestEvaluate_ScoreBounds(t *testing.T) {
	s := newTestScorer(nil, nil)

	cases := []*Factors{
		{AccountAgeDays: -5, Verification: "bogus", RecentReports: -3, RecentBlocks: -1},
		{AccountAgeDays: 100000, Verification: VerificationFull},
		{
			AccountAgeDays: 0,
			Verification:   VerificationNone,
			RecentReports:  1 << 20,
			RecentBlocks:   1 << 20,
			MessagePatterns: MessagePatternFlags{
				AggressiveLanguage:   5.0,
				RequestsPersonalInfo: -2.0,
				RapidFireMessages:    99.0,
			},
		},
	}
	for _, f := range cases {
		a := s.Evaluate("usr_0123456789abcdef01234567", f)
		if a.Score < 0 || a.Score > 100 {
			t.Errorf("factors %+v produced out-of-range score %.2f", f, a.Score)
		}
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	s := newTestScorer(nil, nil)
	f := &Factors{
		AccountAgeDays: 10,
		Verification:   VerificationPartial,
		RecentReports:  2,
		RecentBlocks:   1,
		MessagePatterns: MessagePatternFlags{
			AggressiveLanguage: 0.4,
			RapidFireMessages:  0.2,
		},
	}

	first := s.Evaluate("usr_0123456789abcdef01234567", f)
	for i := 0; i < 5; i++ {
		again := s.Evaluate("usr_0123456789abcdef01234567", f)
		if again.Score != first.Score || again.Level != first.Level {
			t.Fatalf("evaluation not deterministic: %.2f/%s vs %.2f/%s",
				first.Score, first.Level, again.Score, again.Level)
		}
		if len(again.Recommendations) != len(first.Recommendations) {
			t.Fatal("recommendations not deterministic")
		}
	}
}

func TestLevelFor_Boundaries(t *testing.T) {
	cases := []struct {
		score float64
		want  Level
	}{
		{0, LevelLow},
		{24.99, LevelLow},
		{25, LevelMedium},
		{49.99, LevelMedium},
		{50, LevelHigh},
		{74.99, LevelHigh},
		{75, LevelCritical},
		{100, LevelCritical},
	}
	for _, tc := range cases {
		if got := LevelFor(tc.score); got != tc.want {
			t.Errorf("LevelFor(%.2f) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestVerificationFactor(t *testing.T) {
	cases := []struct {
		status VerificationStatus
		want   float64
	}{
		{VerificationNone, 1.0},
		{VerificationPartial, 0.5},
		{VerificationFull, 0.0},
		{"garbage", 1.0},
	}
	for _, tc := range cases {
		if got := verificationFactor(tc.status); got != tc.want {
			t.Errorf("verificationFactor(%q) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestAssess_PersistsAndCounts(t *testing.T) {
	source := NewMemoryFactorSource()
	store := NewMemoryStore()
	s := newTestScorer(source, store)

	source.Set("usr_0123456789abcdef01234567", &Factors{
		AccountAgeDays: 5,
		Verification:   VerificationPartial,
		RecentReports:  1,
	})

	a, err := s.Assess(context.Background(), "usr_0123456789abcdef01234567")
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if a.ID == "" || a.AssessedAt.IsZero() {
		t.Error("assessment must carry id and timestamp")
	}

	history, err := store.ListByUser(context.Background(), "usr_0123456789abcdef01234567", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].ID != a.ID {
		t.Errorf("assessment not persisted, history = %v", history)
	}
}

func TestAssess_UnknownUser(t *testing.T) {
	s := newTestScorer(NewMemoryFactorSource(), NewMemoryStore())
	_, err := s.Assess(context.Background(), "usr_ffffffffffffffffffffffff")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListByUser_NewestFirst(t *testing.T) {
	store := NewMemoryStore()
	clk := clock.NewManual(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	s := NewScorer(nil, store, clk)

	for i := 0; i < 3; i++ {
		a := s.Evaluate("usr_0123456789abcdef01234567", &Factors{AccountAgeDays: i})
		if err := store.Record(context.Background(), a); err != nil {
			t.Fatal(err)
		}
		clk.Advance(time.Minute)
	}

	history, err := store.ListByUser(context.Background(), "usr_0123456789abcdef01234567", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 assessments, got %d", len(history))
	}
	if !history[0].AssessedAt.After(history[1].AssessedAt) {
		t.Error("history must be newest first")
	}
}
