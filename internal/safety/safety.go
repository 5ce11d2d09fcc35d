// Package safety implements the emergency escalation engine.
//
// An Incident (panic button, safe word, missed check-in, manual report) is
// classified once by the escalation policy, fanned out across notification
// channels with per-channel failure isolation, and persisted as an immutable
// audit trail. Safety-trigger callers always receive success: if the full
// protocol cannot run, a minimal fallback notification is attempted and the
// failure is logged for operators instead of being shown to a user who may
// be in danger.
package safety

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// IncidentType identifies what triggered an incident.
type IncidentType string

const (
	IncidentPanicButton   IncidentType = "panic_button"
	IncidentSafeWord      IncidentType = "safe_word"
	IncidentCheckInMissed IncidentType = "check_in_missed"
	IncidentManualReport  IncidentType = "manual_report"
)

// Valid reports whether t is a known incident type.
func (t IncidentType) Valid() bool {
	switch t {
	case IncidentPanicButton, IncidentSafeWord, IncidentCheckInMissed, IncidentManualReport:
		return true
	}
	return false
}

// Level is the escalation severity assigned to an incident, exactly once,
// at creation. Ordered: low < medium < high < critical. A later signal that
// implies higher severity produces a new Incident, never an in-place upgrade.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	}
	return "unknown"
}

// ParseLevel converts a stored level string back to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "low":
		return LevelLow, nil
	case "medium":
		return LevelMedium, nil
	case "high":
		return LevelHigh, nil
	case "critical":
		return LevelCritical, nil
	}
	return LevelLow, fmt.Errorf("unknown escalation level %q", s)
}

// Action is one step of an escalation response.
type Action string

const (
	ActionLogIncident              Action = "log_incident"
	ActionNotifySupport            Action = "notify_support"
	ActionNotifyTrustedFriends     Action = "notify_trusted_friends"
	ActionContactEmergencyContacts Action = "contact_emergency_contacts"
	ActionLockAccount              Action = "lock_account"
	ActionPreserveEvidence         Action = "preserve_evidence"
	ActionPrepareLawEnforcement    Action = "prepare_law_enforcement"
)

// Notification channels persisted on NotificationRecord.
type Channel string

const (
	ChannelSMS                Channel = "sms"
	ChannelPush               Channel = "push"
	ChannelSupportTicket      Channel = "support_ticket"
	ChannelLawEnforcementPrep Channel = "law_enforcement_prep"
)

// Location is an optional coordinate pair attached to an incident.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Incident is one immutable record of a safety-relevant trigger. Only
// Resolved may change after creation; superseding incidents are new records.
type Incident struct {
	ID     string       `json:"id"`
	UserID string       `json:"userId"`
	Type   IncidentType `json:"type"`
	// Silent is meaningful only for panic_button: a silent panic skips the
	// law-enforcement data packet. Safe word is always non-silent by
	// construction.
	Silent            bool      `json:"silent"`
	Location          *Location `json:"location,omitempty"`
	EmergencyContacts []string  `json:"emergencyContacts"`
	TrustedFriends    []string  `json:"trustedFriends"`
	Level             Level     `json:"level"`
	CreatedAt         time.Time `json:"createdAt"`
	Resolved          bool      `json:"resolved"`
}

// NotificationRecord is one dispatch attempt. Append-only; attempt order in
// the store reflects true attempt order for forensics.
type NotificationRecord struct {
	ID          string    `json:"id"`
	IncidentID  string    `json:"incidentId"`
	Channel     Channel   `json:"channel"`
	Recipient   string    `json:"recipient"`
	Content     string    `json:"content"`
	Priority    string    `json:"priority,omitempty"`
	AttemptedAt time.Time `json:"attemptedAt"`
	Succeeded   bool      `json:"succeeded"`
	Error       string    `json:"error,omitempty"`
}

// EvidenceSnapshot is a write-once capture of incident context, created only
// for critical incidents.
type EvidenceSnapshot struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incidentId"`
	UserID     string    `json:"userId"`
	CapturedAt time.Time `json:"capturedAt"`
	Payload    []byte    `json:"payload"`
}

// AccountLock is a safety hold on an account. At most one active lock exists
// per user; acquiring while one is active is an idempotent no-op.
type AccountLock struct {
	ID       string    `json:"id"`
	UserID   string    `json:"userId"`
	Reason   string    `json:"reason"`
	LockedAt time.Time `json:"lockedAt"`
	Active   bool      `json:"active"`
}

// Lock reasons.
const (
	LockReasonSafetyProtocol = "safety_protocol"
	LockReasonAutoSuspend    = "auto_suspend"
)

// Error taxonomy. ErrValidation and ErrNotFound are the only errors that may
// reach a caller as a non-success result, and only before any side effect.
var (
	ErrValidation      = errors.New("safety: invalid incident input")
	ErrNotFound        = errors.New("safety: not found")
	ErrProtocolFailure = errors.New("safety: escalation protocol failure")
	ErrConflict        = errors.New("safety: concurrent lock acquisition")
)

// DispatchError is a single-channel delivery failure. It is recorded on the
// NotificationRecord and never propagated to the caller.
type DispatchError struct {
	Channel   Channel
	Recipient string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s to %s: %v", e.Channel, e.Recipient, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// CheckIn is a scheduled safety check-in. The watcher files a
// check_in_missed incident for every deadline that passes unanswered; each
// subsequent miss produces a new incident.
type CheckIn struct {
	ID                string    `json:"id"`
	UserID            string    `json:"userId"`
	Deadline          time.Time `json:"deadline"`
	IntervalMinutes   int       `json:"intervalMinutes"`
	EmergencyContacts []string  `json:"emergencyContacts"`
	TrustedFriends    []string  `json:"trustedFriends"`
	MissCount         int       `json:"missCount"`
	Active            bool      `json:"active"`
}

// Store persists the escalation engine's entities. Implementations must make
// AcquireLock a single atomic check-and-set: two concurrent acquisitions for
// the same user must yield exactly one active lock record.
type Store interface {
	CreateIncident(ctx context.Context, inc *Incident) error
	GetIncident(ctx context.Context, id string) (*Incident, error)
	// ListIncidentsByUser returns newest-first incidents created strictly
	// before the (before, beforeID) cursor position; zero time means no cursor.
	ListIncidentsByUser(ctx context.Context, userID string, limit int, before time.Time, beforeID string) ([]*Incident, error)
	ResolveIncident(ctx context.Context, id string) error

	RecordNotification(ctx context.Context, rec *NotificationRecord) error
	ListNotifications(ctx context.Context, incidentID string) ([]*NotificationRecord, error)

	CreateEvidence(ctx context.Context, snap *EvidenceSnapshot) error

	// AcquireLock returns the active lock for userID, creating it if absent.
	// acquired is true only when this call created the lock.
	AcquireLock(ctx context.Context, userID, reason string, at time.Time) (lock *AccountLock, acquired bool, err error)
	GetActiveLock(ctx context.Context, userID string) (*AccountLock, error)

	// DueCheckIns returns active check-ins whose deadline has passed.
	DueCheckIns(ctx context.Context, now time.Time, limit int) ([]*CheckIn, error)
	// RescheduleCheckIn advances the deadline and increments the miss count.
	RescheduleCheckIn(ctx context.Context, id string, nextDeadline time.Time) error
	CreateCheckIn(ctx context.Context, ci *CheckIn) error
}
