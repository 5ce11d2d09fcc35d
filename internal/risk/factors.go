package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kindlingapp/kindling/internal/clock"
)

// lookbackDays is the window for report, block, and message-pattern signals.
const lookbackDays = 90

// PostgresFactorSource aggregates account signals from the application
// schema: user_accounts, user_reports, user_blocks, message_flags, and
// behavior_flags.
type PostgresFactorSource struct {
	db    *sql.DB
	clock clock.Clock
}

// NewPostgresFactorSource creates a factor source over the given database.
func NewPostgresFactorSource(db *sql.DB, clk clock.Clock) *PostgresFactorSource {
	return &PostgresFactorSource{db: db, clock: clk}
}

func (s *PostgresFactorSource) Factors(ctx context.Context, userID string) (*Factors, error) {
	now := s.clock.Now()
	cutoff := now.AddDate(0, 0, -lookbackDays)

	var createdAt time.Time
	var verification string
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at, verification
		FROM user_accounts
		WHERE id = $1
	`, userID).Scan(&createdAt, &verification)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	f := &Factors{
		AccountAgeDays: int(now.Sub(createdAt).Hours() / 24),
		Verification:   VerificationStatus(verification),
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_reports
		WHERE reported_user_id = $1 AND created_at >= $2
	`, userID, cutoff).Scan(&f.RecentReports)
	if err != nil {
		return nil, fmt.Errorf("failed to count reports: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_blocks
		WHERE blocked_user_id = $1 AND created_at >= $2
	`, userID, cutoff).Scan(&f.RecentBlocks)
	if err != nil {
		return nil, fmt.Errorf("failed to count blocks: %w", err)
	}

	// Message intensities are the max observed in the window so a single
	// severe conversation is not diluted by quiet ones.
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(aggressive_language), 0),
		       COALESCE(MAX(requests_personal_info), 0),
		       COALESCE(MAX(rapid_fire_messages), 0)
		FROM message_flags
		WHERE user_id = $1 AND flagged_at >= $2
	`, userID, cutoff).Scan(
		&f.MessagePatterns.AggressiveLanguage,
		&f.MessagePatterns.RequestsPersonalInfo,
		&f.MessagePatterns.RapidFireMessages,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load message flags: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT rapid_account_creation, suspicious_photo_uploads, age_inconsistencies
		FROM behavior_flags
		WHERE user_id = $1
	`, userID).Scan(
		&f.BehaviorPatterns.RapidAccountCreation,
		&f.BehaviorPatterns.SuspiciousPhotoUploads,
		&f.BehaviorPatterns.AgeInconsistencies,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load behavior flags: %w", err)
	}

	return f, nil
}

// MemoryFactorSource serves factors from a map, for development and tests.
type MemoryFactorSource struct {
	mu     sync.RWMutex
	byUser map[string]*Factors
}

// NewMemoryFactorSource creates an empty in-memory factor source.
func NewMemoryFactorSource() *MemoryFactorSource {
	return &MemoryFactorSource{byUser: make(map[string]*Factors)}
}

// Set replaces the factors for a user.
func (s *MemoryFactorSource) Set(userID string, f *Factors) {
	s.mu.Lock()
	cp := *f
	s.byUser[userID] = &cp
	s.mu.Unlock()
}

func (s *MemoryFactorSource) Factors(ctx context.Context, userID string) (*Factors, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.byUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}
