package safety

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kindlingapp/kindling/internal/clock"
	"github.com/kindlingapp/kindling/internal/idgen"
	"github.com/kindlingapp/kindling/internal/logging"
	"github.com/kindlingapp/kindling/internal/metrics"
	"github.com/kindlingapp/kindling/internal/notify"
)

// SupportRecipient is the pseudo-recipient for support tickets and
// law-enforcement preparation units, which target internal desks rather than
// a phone number or device.
const (
	SupportRecipient        = "support_desk"
	LawEnforcementRecipient = "law_enforcement_desk"
)

// dispatchUnit is one independently-delivered notification. Units never share
// fate: a failed unit is recorded and the rest continue.
type dispatchUnit struct {
	channel   Channel
	recipient string
	content   string
	priority  string
}

// DispatchOutcome summarizes one fan-out. Records preserves attempt results
// for every unit, successful or not. The contact counters carry how many
// recipients were reached; "at least one contact was alerted" is count > 0,
// mirroring the boolean support and law-enforcement fields.
type DispatchOutcome struct {
	Records                    []*NotificationRecord
	TrustedContactsAlerted     int
	EmergencyContactsAlerted   int
	SupportNotified            bool
	EmergencyServicesContacted bool
}

// Dispatcher fans incident notifications out across channels concurrently.
// Each unit gets its own timeout and panic recovery; the dispatcher joins all
// units before returning so the outcome is complete, not racy.
type Dispatcher struct {
	provider    notify.Provider
	store       Store
	clock       clock.Clock
	unitTimeout time.Duration
	sem         *semaphore.Weighted
}

// NewDispatcher creates a dispatcher. maxInFlight caps concurrent provider
// sends across all incidents; unitTimeout bounds each individual send.
func NewDispatcher(provider notify.Provider, store Store, clk clock.Clock, unitTimeout time.Duration, maxInFlight int64) *Dispatcher {
	if unitTimeout <= 0 {
		unitTimeout = 5 * time.Second
	}
	if maxInFlight <= 0 {
		maxInFlight = 256
	}
	return &Dispatcher{
		provider:    provider,
		store:       store,
		clock:       clk,
		unitTimeout: unitTimeout,
		sem:         semaphore.NewWeighted(maxInFlight),
	}
}

// Dispatch executes the notification actions of the incident's plan. It
// returns ErrProtocolFailure only when units were attempted and either every
// single send failed or not one attempt record could be persisted; partial
// failure is success with failures recorded. A lost audit trail is a protocol
// failure even when the sends themselves went out: the record set is the
// forensic evidence of what the engine did.
func (d *Dispatcher) Dispatch(ctx context.Context, inc *Incident, actions []Action) (*DispatchOutcome, error) {
	units := d.buildUnits(inc, actions)
	outcome := &DispatchOutcome{}
	if len(units) == 0 {
		return outcome, nil
	}

	start := d.clock.Now()
	records := make([]*NotificationRecord, len(units))
	persisted := make([]bool, len(units))

	var wg sync.WaitGroup
	for i, unit := range units {
		wg.Add(1)
		go func(i int, unit dispatchUnit) {
			defer wg.Done()
			records[i], persisted[i] = d.attempt(ctx, inc, unit)
		}(i, unit)
	}
	wg.Wait()

	metrics.DispatchDuration.Observe(time.Since(start).Seconds())

	failed, recorded := 0, 0
	for i, rec := range records {
		outcome.Records = append(outcome.Records, rec)
		if persisted[i] {
			recorded++
		}
		if !rec.Succeeded {
			failed++
			continue
		}
		switch rec.Channel {
		case ChannelPush:
			outcome.TrustedContactsAlerted++
		case ChannelSMS:
			outcome.EmergencyContactsAlerted++
		case ChannelSupportTicket:
			outcome.SupportNotified = true
		case ChannelLawEnforcementPrep:
			outcome.EmergencyServicesContacted = true
		}
	}

	if failed == len(records) {
		return outcome, fmt.Errorf("%w: all %d notification attempts failed", ErrProtocolFailure, failed)
	}
	if recorded == 0 {
		return outcome, fmt.Errorf("%w: no notification record could be persisted for %d attempts", ErrProtocolFailure, len(records))
	}
	return outcome, nil
}

// attempt delivers one unit and persists its record, reporting whether the
// record write succeeded. A panicking provider is contained here and recorded
// as a failure like any other.
func (d *Dispatcher) attempt(ctx context.Context, inc *Incident, unit dispatchUnit) (*NotificationRecord, bool) {
	rec := &NotificationRecord{
		ID:          idgen.WithPrefix("ntf_"),
		IncidentID:  inc.ID,
		Channel:     unit.channel,
		Recipient:   unit.recipient,
		Content:     unit.content,
		Priority:    unit.priority,
		AttemptedAt: d.clock.Now(),
	}

	err := d.send(ctx, unit)
	if err != nil {
		derr := &DispatchError{Channel: unit.channel, Recipient: unit.recipient, Err: err}
		rec.Error = derr.Error()
		metrics.NotificationAttemptsTotal.WithLabelValues(string(unit.channel), "failure").Inc()
		logging.L(ctx).Warn("notification attempt failed",
			"channel", unit.channel,
			"recipient", unit.recipient,
			"error", err,
		)
	} else {
		rec.Succeeded = true
		metrics.NotificationAttemptsTotal.WithLabelValues(string(unit.channel), "success").Inc()
	}

	if serr := d.store.RecordNotification(ctx, rec); serr != nil {
		logging.L(ctx).Error("failed to persist notification record",
			"channel", unit.channel,
			"error", serr,
		)
		return rec, false
	}
	return rec, true
}

func (d *Dispatcher) send(ctx context.Context, unit dispatchUnit) (err error) {
	if acqErr := d.sem.Acquire(ctx, 1); acqErr != nil {
		return fmt.Errorf("acquire dispatch slot: %w", acqErr)
	}
	defer d.sem.Release(1)

	metrics.InFlightNotifications.Inc()
	defer metrics.InFlightNotifications.Dec()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, d.unitTimeout)
	defer cancel()

	return d.provider.Send(sendCtx, notify.Message{
		Channel:   string(unit.channel),
		Recipient: unit.recipient,
		Content:   unit.content,
		Priority:  unit.priority,
	})
}

// buildUnits expands the plan's notification actions into concrete units.
// Trusted friends are reached by push, emergency contacts by SMS. Recipients
// are deduplicated and sorted so attempt sets are stable across runs.
func (d *Dispatcher) buildUnits(inc *Incident, actions []Action) []dispatchUnit {
	var units []dispatchUnit
	for _, action := range actions {
		switch action {
		case ActionNotifyTrustedFriends:
			for _, friend := range dedupe(inc.TrustedFriends) {
				units = append(units, dispatchUnit{
					channel:   ChannelPush,
					recipient: friend,
					content:   trustedFriendContent(inc),
				})
			}
		case ActionContactEmergencyContacts:
			for _, contact := range dedupe(inc.EmergencyContacts) {
				units = append(units, dispatchUnit{
					channel:   ChannelSMS,
					recipient: contact,
					content:   emergencyContactContent(inc),
				})
			}
		case ActionNotifySupport:
			units = append(units, dispatchUnit{
				channel:   ChannelSupportTicket,
				recipient: SupportRecipient,
				content:   supportTicketContent(inc),
				priority:  inc.Level.String(),
			})
		case ActionPrepareLawEnforcement:
			units = append(units, dispatchUnit{
				channel:   ChannelLawEnforcementPrep,
				recipient: LawEnforcementRecipient,
				content:   lawEnforcementContent(inc),
				priority:  inc.Level.String(),
			})
		}
	}
	return units
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func trustedFriendContent(inc *Incident) string {
	return fmt.Sprintf("Kindling safety alert: a friend triggered a %s safety event and listed you as a trusted contact. Please try to reach them.", inc.Type)
}

func emergencyContactContent(inc *Incident) string {
	msg := fmt.Sprintf("Kindling emergency alert: your contact triggered a %s safety event.", inc.Type)
	if inc.Location != nil {
		msg += fmt.Sprintf(" Last known location: %.5f,%.5f.", inc.Location.Lat, inc.Location.Lng)
	}
	return msg
}

func supportTicketContent(inc *Incident) string {
	return fmt.Sprintf("Safety incident %s: type=%s level=%s user=%s", inc.ID, inc.Type, inc.Level, inc.UserID)
}

func lawEnforcementContent(inc *Incident) string {
	msg := fmt.Sprintf("Law enforcement data packet prepared for incident %s (user %s, trigger %s).", inc.ID, inc.UserID, inc.Type)
	if inc.Location != nil {
		msg += fmt.Sprintf(" Location: %.5f,%.5f.", inc.Location.Lat, inc.Location.Lng)
	}
	return msg
}
