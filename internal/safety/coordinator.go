package safety

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kindlingapp/kindling/internal/clock"
	"github.com/kindlingapp/kindling/internal/idgen"
	"github.com/kindlingapp/kindling/internal/logging"
	"github.com/kindlingapp/kindling/internal/metrics"
	"github.com/kindlingapp/kindling/internal/retry"
	"github.com/kindlingapp/kindling/internal/validation"
)

// IncidentInput is a trigger request as received from a client or the
// check-in watcher.
type IncidentInput struct {
	UserID            string       `json:"userId"`
	Type              IncidentType `json:"type"`
	Silent            bool         `json:"silent"`
	Location          *Location    `json:"location,omitempty"`
	EmergencyContacts []string     `json:"emergencyContacts"`
	TrustedFriends    []string     `json:"trustedFriends"`
}

// EscalationResult is what the triggering caller sees. Success is true for
// every escalation that got past validation, even when the full protocol
// degraded to the fallback path.
type EscalationResult struct {
	IncidentID                 string    `json:"incidentId"`
	Level                      Level     `json:"level"`
	Actions                    []Action  `json:"actions"`
	Success                    bool      `json:"success"`
	FallbackUsed               bool      `json:"fallbackUsed"`
	TrustedContactsAlerted     int       `json:"trustedContactsAlerted"`
	EmergencyContactsAlerted   int       `json:"emergencyContactsAlerted"`
	SupportNotified            bool      `json:"supportNotified"`
	EmergencyServicesContacted bool      `json:"emergencyServicesContacted"`
	AccountLocked              bool      `json:"accountLocked"`
	EvidencePreserved          bool      `json:"evidencePreserved"`
	CompletedAt                time.Time `json:"completedAt"`
}

// EventSink receives operational events for the live ops feed. Implementations
// must not block; the coordinator calls them inline on the escalation path.
type EventSink interface {
	IncidentCreated(inc *Incident)
	EscalationCompleted(inc *Incident, result *EscalationResult)
	LockAcquired(lock *AccountLock)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) IncidentCreated(*Incident)                        {}
func (NopSink) EscalationCompleted(*Incident, *EscalationResult) {}
func (NopSink) LockAcquired(*AccountLock)                        {}

const lockRetryAttempts = 3

// Coordinator runs the full escalation protocol for an incident: persist,
// classify, lock, preserve evidence, and dispatch notifications. Once any
// side effect has begun it never returns an error to the caller; failures
// degrade to the fallback path and are surfaced through logs and metrics.
type Coordinator struct {
	store      Store
	dispatcher *Dispatcher
	clock      clock.Clock
	events     EventSink
}

// NewCoordinator wires a coordinator. events may be nil.
func NewCoordinator(store Store, dispatcher *Dispatcher, clk clock.Clock, events EventSink) *Coordinator {
	if events == nil {
		events = NopSink{}
	}
	return &Coordinator{
		store:      store,
		dispatcher: dispatcher,
		clock:      clk,
		events:     events,
	}
}

// Handle validates the input, creates the incident, and runs the escalation
// protocol. Validation errors return before any side effect; after that the
// result is always Success=true.
func (c *Coordinator) Handle(ctx context.Context, input *IncidentInput) (*EscalationResult, error) {
	if err := c.validate(input); err != nil {
		return nil, err
	}

	level, actions, silent := Resolve(input.Type, input.Silent)
	inc := &Incident{
		ID:                idgen.WithPrefix("inc_"),
		UserID:            input.UserID,
		Type:              input.Type,
		Silent:            silent,
		Location:          input.Location,
		EmergencyContacts: input.EmergencyContacts,
		TrustedFriends:    input.TrustedFriends,
		Level:             level,
		CreatedAt:         c.clock.Now(),
	}

	ctx = logging.WithIncidentID(ctx, inc.ID)
	result := &EscalationResult{
		IncidentID: inc.ID,
		Level:      level,
		Actions:    actions,
		Success:    true,
	}

	c.escalate(ctx, inc, actions, result)

	result.CompletedAt = c.clock.Now()
	c.events.EscalationCompleted(inc, result)
	logging.L(ctx).Info("escalation completed",
		"user_id", inc.UserID,
		"type", inc.Type,
		"level", level.String(),
		"fallback", result.FallbackUsed,
	)
	return result, nil
}

// escalate runs the primary protocol, falling back to the minimal path on
// any failure including panics in downstream components.
func (c *Coordinator) escalate(ctx context.Context, inc *Incident, actions []Action, result *EscalationResult) {
	var protocolErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				protocolErr = fmt.Errorf("escalation panic: %v", r)
			}
		}()
		protocolErr = c.runProtocol(ctx, inc, actions, result)
	}()

	if protocolErr == nil {
		return
	}

	logging.L(ctx).Error("escalation protocol failed, activating fallback",
		"user_id", inc.UserID,
		"type", inc.Type,
		"error", protocolErr,
	)
	metrics.FallbackActivationsTotal.Inc()
	result.FallbackUsed = true
	c.fallback(ctx, inc, result)
}

func (c *Coordinator) runProtocol(ctx context.Context, inc *Incident, actions []Action, result *EscalationResult) error {
	if err := c.store.CreateIncident(ctx, inc); err != nil {
		return fmt.Errorf("create incident: %w", err)
	}
	metrics.IncidentsTotal.WithLabelValues(string(inc.Type), inc.Level.String()).Inc()
	c.events.IncidentCreated(inc)

	for _, action := range actions {
		switch action {
		case ActionLockAccount:
			c.lockAccount(ctx, inc, result)
		case ActionPreserveEvidence:
			c.preserveEvidence(ctx, inc, result)
		}
	}

	outcome, err := c.dispatcher.Dispatch(ctx, inc, actions)
	if outcome != nil {
		result.TrustedContactsAlerted = outcome.TrustedContactsAlerted
		result.EmergencyContactsAlerted = outcome.EmergencyContactsAlerted
		result.SupportNotified = outcome.SupportNotified
		result.EmergencyServicesContacted = outcome.EmergencyServicesContacted
	}
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	return nil
}

// lockAccount acquires the safety hold. Concurrent acquisitions conflict at
// the store's unique constraint; a short retry resolves the race and the
// survivor's lock is reused, so the operation is idempotent. Lock failure is
// logged but does not abort the protocol; notifications matter more.
func (c *Coordinator) lockAccount(ctx context.Context, inc *Incident, result *EscalationResult) {
	var lock *AccountLock
	var acquired bool
	err := retry.Do(ctx, lockRetryAttempts, 25*time.Millisecond, func() error {
		var lerr error
		lock, acquired, lerr = c.store.AcquireLock(ctx, inc.UserID, LockReasonSafetyProtocol, c.clock.Now())
		if lerr != nil && !errors.Is(lerr, ErrConflict) {
			return retry.Permanent(lerr)
		}
		return lerr
	})
	if err != nil {
		logging.L(ctx).Error("account lock failed", "user_id", inc.UserID, "error", err)
		return
	}

	result.AccountLocked = true
	if acquired {
		metrics.AccountLocksTotal.WithLabelValues(LockReasonSafetyProtocol).Inc()
		c.events.LockAcquired(lock)
	}
}

func (c *Coordinator) preserveEvidence(ctx context.Context, inc *Incident, result *EscalationResult) {
	payload, err := json.Marshal(map[string]any{
		"incident":   inc,
		"capturedBy": "escalation_protocol",
	})
	if err != nil {
		logging.L(ctx).Error("evidence snapshot marshal failed", "error", err)
		return
	}
	snap := &EvidenceSnapshot{
		ID:         idgen.WithPrefix("evd_"),
		IncidentID: inc.ID,
		UserID:     inc.UserID,
		CapturedAt: c.clock.Now(),
		Payload:    payload,
	}
	if err := c.store.CreateEvidence(ctx, snap); err != nil {
		logging.L(ctx).Error("evidence snapshot persist failed", "error", err)
		return
	}
	result.EvidencePreserved = true
}

// fallback is the minimal notification path: exactly one SMS to the first
// emergency contact, or a support ticket when the user has none. The attempt
// is recorded like any other; even a failed fallback does not change the
// caller-visible outcome.
func (c *Coordinator) fallback(ctx context.Context, inc *Incident, result *EscalationResult) {
	unit := dispatchUnit{
		channel:   ChannelSupportTicket,
		recipient: SupportRecipient,
		content:   supportTicketContent(inc),
		priority:  inc.Level.String(),
	}
	if len(inc.EmergencyContacts) > 0 {
		unit = dispatchUnit{
			channel:   ChannelSMS,
			recipient: inc.EmergencyContacts[0],
			content:   emergencyContactContent(inc),
		}
	}

	rec, _ := c.dispatcher.attempt(ctx, inc, unit)
	if !rec.Succeeded {
		logging.L(ctx).Error("fallback notification failed",
			"channel", unit.channel,
			"recipient", unit.recipient,
			"error", rec.Error,
		)
		return
	}
	switch rec.Channel {
	case ChannelSMS:
		result.EmergencyContactsAlerted++
	case ChannelSupportTicket:
		result.SupportNotified = true
	}
}

func (c *Coordinator) validate(input *IncidentInput) error {
	if input == nil {
		return fmt.Errorf("%w: missing body", ErrValidation)
	}
	if !validation.IsValidUserID(input.UserID) {
		return fmt.Errorf("%w: malformed user id", ErrValidation)
	}
	if !input.Type.Valid() {
		return fmt.Errorf("%w: unknown incident type %q", ErrValidation, input.Type)
	}
	for _, contact := range input.EmergencyContacts {
		if !validation.IsValidPhone(contact) {
			return fmt.Errorf("%w: emergency contact %q is not E.164", ErrValidation, contact)
		}
	}
	for _, friend := range input.TrustedFriends {
		if !validation.IsValidUserID(friend) {
			return fmt.Errorf("%w: trusted friend %q is not a user id", ErrValidation, friend)
		}
	}
	return nil
}

// Resolve marks an open incident resolved.
func (c *Coordinator) Resolve(ctx context.Context, incidentID string) (*Incident, error) {
	inc, err := c.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc.Resolved {
		return inc, nil
	}
	if err := c.store.ResolveIncident(ctx, incidentID); err != nil {
		return nil, err
	}
	inc.Resolved = true
	return inc, nil
}
