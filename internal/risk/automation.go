package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/kindlingapp/kindling/internal/clock"
	"github.com/kindlingapp/kindling/internal/logging"
	"github.com/kindlingapp/kindling/internal/metrics"
	"github.com/kindlingapp/kindling/internal/notify"
	"github.com/kindlingapp/kindling/internal/safety"
)

// AccountLocker is the slice of the safety store the automation needs. Both
// safety store implementations satisfy it.
type AccountLocker interface {
	AcquireLock(ctx context.Context, userID, reason string, at time.Time) (lock *safety.AccountLock, acquired bool, err error)
}

// EventSink receives flagged assessments for the live ops feed.
type EventSink interface {
	RiskFlagged(a *Assessment)
}

type nopSink struct{}

func (nopSink) RiskFlagged(*Assessment) {}

// Automation applies policy to fresh assessments: critical scores at or above
// the auto-suspend threshold lock the account and open a support ticket; high
// scores are surfaced to operators without touching the account.
type Automation struct {
	locker   AccountLocker
	notifier notify.Provider
	events   EventSink
	clock    clock.Clock
}

// NewAutomation wires the risk automation. events may be nil.
func NewAutomation(locker AccountLocker, notifier notify.Provider, events EventSink, clk clock.Clock) *Automation {
	if events == nil {
		events = nopSink{}
	}
	return &Automation{locker: locker, notifier: notifier, events: events, clock: clk}
}

// Apply runs the automation for one assessment. Failures are logged and
// swallowed; an automation hiccup must never fail the assessment itself.
func (a *Automation) Apply(ctx context.Context, assessment *Assessment) {
	if assessment.Level != LevelHigh && assessment.Level != LevelCritical {
		return
	}

	a.events.RiskFlagged(assessment)
	logging.L(ctx).Info("risk flag raised",
		"user_id", assessment.UserID,
		"score", assessment.Score,
		"level", assessment.Level,
		"auto_suspend", assessment.AutoSuspend,
	)

	if !assessment.AutoSuspend {
		return
	}

	a.suspend(ctx, assessment)
}

func (a *Automation) suspend(ctx context.Context, assessment *Assessment) {
	_, acquired, err := a.locker.AcquireLock(ctx, assessment.UserID, safety.LockReasonAutoSuspend, a.clock.Now())
	if err != nil {
		logging.L(ctx).Error("auto-suspend lock failed",
			"user_id", assessment.UserID, "error", err)
	} else if acquired {
		metrics.AccountLocksTotal.WithLabelValues(safety.LockReasonAutoSuspend).Inc()
	}

	if a.notifier == nil {
		return
	}
	err = a.notifier.Send(ctx, notify.Message{
		Channel:   notify.ChannelSupportTicket,
		Recipient: "support_desk",
		Content: fmt.Sprintf("Auto-suspend: user %s scored %.2f (%s). Assessment %s.",
			assessment.UserID, assessment.Score, assessment.Level, assessment.ID),
		Priority: string(LevelCritical),
	})
	if err != nil {
		logging.L(ctx).Error("auto-suspend ticket failed",
			"user_id", assessment.UserID, "error", err)
	}
}
