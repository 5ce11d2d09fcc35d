package safety

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/kindlingapp/kindling/internal/idgen"
)

// PostgresStore persists incidents, notification records, evidence, locks,
// and check-ins in PostgreSQL. Lock acquisition relies on a unique partial
// index over (user_id) WHERE active, so the check-and-set is a single
// statement and safe under concurrency.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed safety store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateIncident(ctx context.Context, inc *Incident) error {
	var lat, lng sql.NullFloat64
	if inc.Location != nil {
		lat = sql.NullFloat64{Float64: inc.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: inc.Location.Lng, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, user_id, type, silent, lat, lng, emergency_contacts, trusted_friends, level, created_at, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		inc.ID,
		inc.UserID,
		string(inc.Type),
		inc.Silent,
		lat,
		lng,
		pq.Array(inc.EmergencyContacts),
		pq.Array(inc.TrustedFriends),
		inc.Level.String(),
		inc.CreatedAt,
		inc.Resolved,
	)
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIncident(ctx context.Context, id string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, silent, lat, lng, emergency_contacts, trusted_friends, level, created_at, resolved
		FROM incidents
		WHERE id = $1
	`, id)

	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return inc, nil
}

func (s *PostgresStore) ListIncidentsByUser(ctx context.Context, userID string, limit int, before time.Time, beforeID string) ([]*Incident, error) {
	query := `
		SELECT id, user_id, type, silent, lat, lng, emergency_contacts, trusted_friends, level, created_at, resolved
		FROM incidents
		WHERE user_id = $1
	`
	args := []any{userID}
	if !before.IsZero() {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before, beforeID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		result = append(result, inc)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*Incident, error) {
	var inc Incident
	var typ, level string
	var lat, lng sql.NullFloat64
	var emergency, trusted pq.StringArray

	if err := row.Scan(&inc.ID, &inc.UserID, &typ, &inc.Silent, &lat, &lng, &emergency, &trusted, &level, &inc.CreatedAt, &inc.Resolved); err != nil {
		return nil, err
	}
	inc.Type = IncidentType(typ)
	if lat.Valid && lng.Valid {
		inc.Location = &Location{Lat: lat.Float64, Lng: lng.Float64}
	}
	inc.EmergencyContacts = []string(emergency)
	inc.TrustedFriends = []string(trusted)
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	inc.Level = lvl
	return &inc, nil
}

func (s *PostgresStore) ResolveIncident(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET resolved = TRUE WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve incident: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to resolve incident: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordNotification(ctx context.Context, rec *NotificationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_records (id, incident_id, channel, recipient, content, priority, attempted_at, succeeded, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		rec.ID,
		rec.IncidentID,
		string(rec.Channel),
		rec.Recipient,
		rec.Content,
		rec.Priority,
		rec.AttemptedAt,
		rec.Succeeded,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, incidentID string) ([]*NotificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_id, channel, recipient, content, priority, attempted_at, succeeded, error
		FROM notification_records
		WHERE incident_id = $1
		ORDER BY attempted_at ASC, id ASC
	`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*NotificationRecord
	for rows.Next() {
		var rec NotificationRecord
		var channel string
		if err := rows.Scan(&rec.ID, &rec.IncidentID, &channel, &rec.Recipient, &rec.Content, &rec.Priority, &rec.AttemptedAt, &rec.Succeeded, &rec.Error); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		rec.Channel = Channel(channel)
		result = append(result, &rec)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CreateEvidence(ctx context.Context, snap *EvidenceSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_snapshots (id, incident_id, user_id, captured_at, payload)
		VALUES ($1, $2, $3, $4, $5)
	`,
		snap.ID,
		snap.IncidentID,
		snap.UserID,
		snap.CapturedAt,
		snap.Payload,
	)
	if err != nil {
		return fmt.Errorf("failed to create evidence snapshot: %w", err)
	}
	return nil
}

// AcquireLock inserts the lock with ON CONFLICT DO NOTHING against the
// unique active-lock index. When the insert is skipped, the surviving active
// lock is read back, so concurrent acquisitions converge on one record.
func (s *PostgresStore) AcquireLock(ctx context.Context, userID, reason string, at time.Time) (*AccountLock, bool, error) {
	lock := &AccountLock{
		ID:       idgen.WithPrefix("lock_"),
		UserID:   userID,
		Reason:   reason,
		LockedAt: at,
		Active:   true,
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO account_locks (id, user_id, reason, locked_at, active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (user_id) WHERE active DO NOTHING
	`,
		lock.ID,
		lock.UserID,
		lock.Reason,
		lock.LockedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire account lock: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire account lock: %w", err)
	}
	if n == 1 {
		return lock, true, nil
	}

	existing, err := s.GetActiveLock(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		// The competing lock was released between our insert and read.
		return nil, false, ErrConflict
	}
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) GetActiveLock(ctx context.Context, userID string) (*AccountLock, error) {
	var lock AccountLock
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, reason, locked_at, active
		FROM account_locks
		WHERE user_id = $1 AND active
	`, userID).Scan(&lock.ID, &lock.UserID, &lock.Reason, &lock.LockedAt, &lock.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active lock: %w", err)
	}
	return &lock, nil
}

func (s *PostgresStore) DueCheckIns(ctx context.Context, now time.Time, limit int) ([]*CheckIn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, deadline, interval_minutes, emergency_contacts, trusted_friends, miss_count, active
		FROM check_in_schedules
		WHERE active AND deadline <= $1
		ORDER BY deadline ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due check-ins: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*CheckIn
	for rows.Next() {
		var ci CheckIn
		var emergency, trusted pq.StringArray
		if err := rows.Scan(&ci.ID, &ci.UserID, &ci.Deadline, &ci.IntervalMinutes, &emergency, &trusted, &ci.MissCount, &ci.Active); err != nil {
			return nil, fmt.Errorf("failed to scan check-in: %w", err)
		}
		ci.EmergencyContacts = []string(emergency)
		ci.TrustedFriends = []string(trusted)
		result = append(result, &ci)
	}
	return result, rows.Err()
}

func (s *PostgresStore) RescheduleCheckIn(ctx context.Context, id string, nextDeadline time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE check_in_schedules
		SET deadline = $2, miss_count = miss_count + 1
		WHERE id = $1
	`, id, nextDeadline)
	if err != nil {
		return fmt.Errorf("failed to reschedule check-in: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to reschedule check-in: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateCheckIn(ctx context.Context, ci *CheckIn) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO check_in_schedules (id, user_id, deadline, interval_minutes, emergency_contacts, trusted_friends, miss_count, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		ci.ID,
		ci.UserID,
		ci.Deadline,
		ci.IntervalMinutes,
		pq.Array(ci.EmergencyContacts),
		pq.Array(ci.TrustedFriends),
		ci.MissCount,
		ci.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to create check-in: %w", err)
	}
	return nil
}
