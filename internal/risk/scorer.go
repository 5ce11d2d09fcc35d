package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/kindlingapp/kindling/internal/clock"
	"github.com/kindlingapp/kindling/internal/idgen"
	"github.com/kindlingapp/kindling/internal/logging"
	"github.com/kindlingapp/kindling/internal/metrics"
)

// Factor weights. They sum to 1.0 so the composite stays on the 0-100 scale
// without renormalization.
const (
	weightAccountAge       = 0.15
	weightVerification     = 0.20
	weightReports          = 0.25
	weightBlocks           = 0.15
	weightMessagePatterns  = 0.15
	weightBehaviorPatterns = 0.10
)

// Normalization anchors. An account is fully "aged" at 30 days; 4 reports or
// 5 blocks in the window saturate their factors.
const (
	matureAccountDays = 30
	reportSaturation  = 4
	blockSaturation   = 5
)

// Scorer computes weighted risk assessments from aggregated account signals.
type Scorer struct {
	source FactorSource
	store  Store
	clock  clock.Clock
}

// NewScorer creates a scorer. store may be nil to skip the audit trail.
func NewScorer(source FactorSource, store Store, clk clock.Clock) *Scorer {
	return &Scorer{source: source, store: store, clock: clk}
}

// Assess scores one user. The computation is pure once factors are loaded;
// identical factors always produce the identical score and recommendations.
func (s *Scorer) Assess(ctx context.Context, userID string) (*Assessment, error) {
	factors, err := s.source.Factors(ctx, userID)
	if err != nil {
		return nil, err
	}

	a := s.Evaluate(userID, factors)

	metrics.RiskAssessmentsTotal.WithLabelValues(string(a.Level)).Inc()
	metrics.RiskScore.Observe(a.Score)
	if a.AutoSuspend {
		metrics.AutoSuspendsTotal.Inc()
	}

	if s.store != nil {
		if err := s.store.Record(ctx, a); err != nil {
			logging.L(ctx).Error("failed to record risk assessment",
				"user_id", userID, "error", err)
		}
	}
	return a, nil
}

// Evaluate computes the assessment without touching the factor source or
// store.
func (s *Scorer) Evaluate(userID string, factors *Factors) *Assessment {
	norm := normalize(factors)

	composite := norm.accountAge*weightAccountAge +
		norm.verification*weightVerification +
		norm.reports*weightReports +
		norm.blocks*weightBlocks +
		norm.messages*weightMessagePatterns +
		norm.behavior*weightBehaviorPatterns

	score := clamp01(composite) * 100
	score = math.Round(score*100) / 100

	return &Assessment{
		ID:              idgen.WithPrefix("risk_"),
		UserID:          userID,
		Score:           score,
		Level:           LevelFor(score),
		Factors:         factors,
		Recommendations: recommendations(factors, norm, score),
		AutoSuspend:     score >= AutoSuspendThreshold,
		AssessedAt:      s.clock.Now(),
	}
}

type normalized struct {
	accountAge   float64
	verification float64
	reports      float64
	blocks       float64
	messages     float64
	behavior     float64
}

func normalize(f *Factors) normalized {
	return normalized{
		accountAge:   accountAgeFactor(f.AccountAgeDays),
		verification: verificationFactor(f.Verification),
		reports:      saturate(f.RecentReports, reportSaturation),
		blocks:       saturate(f.RecentBlocks, blockSaturation),
		messages:     messageFactor(f.MessagePatterns),
		behavior:     behaviorFactor(f.BehaviorPatterns),
	}
}

// accountAgeFactor: a brand-new account scores 1.0, decaying linearly to 0
// at 30 days.
func accountAgeFactor(days int) float64 {
	if days < 0 {
		days = 0
	}
	return math.Max(0, float64(matureAccountDays-days)) / matureAccountDays
}

func verificationFactor(v VerificationStatus) float64 {
	switch v {
	case VerificationFull:
		return 0.0
	case VerificationPartial:
		return 0.5
	default:
		// Unknown statuses are treated as unverified.
		return 1.0
	}
}

func saturate(count, ceiling int) float64 {
	if count < 0 {
		count = 0
	}
	return math.Min(1, float64(count)/float64(ceiling))
}

// messageFactor averages the three intensities with equal weight, clamping
// each so a misbehaving upstream analyzer cannot push the factor out of range.
func messageFactor(m MessagePatternFlags) float64 {
	sum := clamp01(m.AggressiveLanguage) + clamp01(m.RequestsPersonalInfo) + clamp01(m.RapidFireMessages)
	return sum / 3
}

// behaviorFactor is the fraction of boolean signals that fired.
func behaviorFactor(b BehaviorPatternFlags) float64 {
	fired := 0
	for _, flag := range []bool{b.RapidAccountCreation, b.SuspiciousPhotoUploads, b.AgeInconsistencies} {
		if flag {
			fired++
		}
	}
	return float64(fired) / 3
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// recommendations is a fixed-order rule list so identical inputs yield an
// identical slice.
func recommendations(f *Factors, norm normalized, score float64) []string {
	var recs []string
	if f.Verification == VerificationNone {
		recs = append(recs, "require immediate verification")
	} else if f.Verification == VerificationPartial {
		recs = append(recs, "request full identity verification")
	}
	if norm.reports >= 0.5 {
		recs = append(recs, "queue recent reports for trust and safety review")
	}
	if norm.blocks >= 0.5 {
		recs = append(recs, "review block pattern for targeted harassment")
	}
	if norm.messages >= 0.5 {
		recs = append(recs, "enable enhanced message monitoring")
	}
	if norm.behavior >= 0.5 {
		recs = append(recs, "audit account signals for coordinated abuse")
	}
	if score >= AutoSuspendThreshold {
		recs = append(recs, "suspend account pending manual review")
	} else if score >= CriticalThreshold {
		recs = append(recs, "restrict new matches pending review")
	}
	return recs
}

// String implements fmt.Stringer for log output.
func (a *Assessment) String() string {
	return fmt.Sprintf("risk %s user=%s score=%.2f level=%s", a.ID, a.UserID, a.Score, a.Level)
}
