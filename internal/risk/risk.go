// Package risk implements behavioral risk scoring for user accounts.
//
// An account is evaluated against 6 weighted factors: account age,
// verification status, recent reports, recent blocks, message patterns, and
// behavior patterns. Scores range from 0 (safe) to 100 (high risk). Scores
// of 90 or above flag the account for automatic suspension.
package risk

import (
	"context"
	"errors"
	"time"
)

// VerificationStatus is how far a user has gone through identity verification.
type VerificationStatus string

const (
	VerificationNone    VerificationStatus = "none"
	VerificationPartial VerificationStatus = "partial"
	VerificationFull    VerificationStatus = "full"
)

// Level buckets a score for policy decisions and reporting.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Score thresholds.
const (
	MediumThreshold      = 25.0
	HighThreshold        = 50.0
	CriticalThreshold    = 75.0
	AutoSuspendThreshold = 90.0
)

// MessagePatternFlags are intensities in [0, 1] produced by upstream message
// analysis for the lookback window.
type MessagePatternFlags struct {
	AggressiveLanguage   float64 `json:"aggressiveLanguage"`
	RequestsPersonalInfo float64 `json:"requestsPersonalInfo"`
	RapidFireMessages    float64 `json:"rapidFireMessages"`
}

// BehaviorPatternFlags are boolean signals from account telemetry.
type BehaviorPatternFlags struct {
	RapidAccountCreation   bool `json:"rapidAccountCreation"`
	SuspiciousPhotoUploads bool `json:"suspiciousPhotoUploads"`
	AgeInconsistencies     bool `json:"ageInconsistencies"`
}

// Factors is the raw input to one assessment. Reports and blocks are counts
// over the lookback window, not lifetime totals.
type Factors struct {
	AccountAgeDays   int                  `json:"accountAgeDays"`
	Verification     VerificationStatus   `json:"verification"`
	RecentReports    int                  `json:"recentReports"`
	RecentBlocks     int                  `json:"recentBlocks"`
	MessagePatterns  MessagePatternFlags  `json:"messagePatterns"`
	BehaviorPatterns BehaviorPatternFlags `json:"behaviorPatterns"`
}

// Assessment is the result of scoring one user at one point in time.
type Assessment struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	Score           float64   `json:"score"`
	Level           Level     `json:"level"`
	Factors         *Factors  `json:"factors"`
	Recommendations []string  `json:"recommendations"`
	AutoSuspend     bool      `json:"autoSuspend"`
	AssessedAt      time.Time `json:"assessedAt"`
}

// ErrNotFound is returned when a user has no factor data or stored
// assessments.
var ErrNotFound = errors.New("risk: not found")

// FactorSource aggregates the raw signals for a user.
type FactorSource interface {
	Factors(ctx context.Context, userID string) (*Factors, error)
}

// Store persists assessments for the audit trail and history endpoint.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Assessment, error)
}

// LevelFor buckets a 0-100 score.
func LevelFor(score float64) Level {
	switch {
	case score >= CriticalThreshold:
		return LevelCritical
	case score >= HighThreshold:
		return LevelHigh
	case score >= MediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}
