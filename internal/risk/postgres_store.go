package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists risk assessments in PostgreSQL. Factors are stored
// as JSONB so schema changes in the signal set do not need migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	factorsJSON, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (id, user_id, score, level, factors, recommendations, auto_suspend, assessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		a.ID,
		a.UserID,
		a.Score,
		string(a.Level),
		factorsJSON,
		pq.Array(a.Recommendations),
		a.AutoSuspend,
		a.AssessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, score, level, factors, recommendations, auto_suspend, assessed_at
		FROM risk_assessments
		WHERE user_id = $1
		ORDER BY assessed_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var a Assessment
		var level string
		var factorsJSON []byte
		var recs pq.StringArray

		if err := rows.Scan(&a.ID, &a.UserID, &a.Score, &level, &factorsJSON, &recs, &a.AutoSuspend, &a.AssessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk assessment: %w", err)
		}
		a.Level = Level(level)
		a.Factors = &Factors{}
		if err := json.Unmarshal(factorsJSON, a.Factors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal factors: %w", err)
		}
		a.Recommendations = []string(recs)
		result = append(result, &a)
	}
	return result, rows.Err()
}
