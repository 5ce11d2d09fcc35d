package safety

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kindlingapp/kindling/internal/clock"
	"github.com/kindlingapp/kindling/internal/idgen"
)

// Watcher polls for safety check-ins whose deadline has passed and files a
// check_in_missed incident for each one. Every missed deadline produces a
// fresh incident; the schedule is advanced by its interval so a user who
// stays dark keeps generating escalations until someone intervenes.
type Watcher struct {
	coordinator *Coordinator
	store       Store
	clock       clock.Clock
	interval    time.Duration
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// NewWatcher creates a check-in watcher polling at the given interval.
func NewWatcher(coordinator *Coordinator, store Store, clk clock.Clock, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watcher{
		coordinator: coordinator,
		store:       store,
		clock:       clk,
		interval:    interval,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Running reports whether the watcher loop is active.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Start begins the polling loop. Call in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeSweep(ctx)
		}
	}
}

// Stop signals the watcher to stop.
func (w *Watcher) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Watcher) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in check-in watcher", "panic", fmt.Sprint(r))
		}
	}()
	w.sweep(ctx)
}

func (w *Watcher) sweep(ctx context.Context) {
	now := w.clock.Now()

	due, err := w.store.DueCheckIns(ctx, now, 100)
	if err != nil {
		w.logger.Warn("failed to list due check-ins", "error", err)
		return
	}

	for _, ci := range due {
		// Reschedule first so a crash mid-escalation does not double-file on
		// the next sweep. The escalation itself is fail-open anyway.
		next := nextDeadline(ci, now)
		if err := w.store.RescheduleCheckIn(ctx, ci.ID, next); err != nil {
			w.logger.Warn("failed to reschedule check-in", "checkInId", ci.ID, "error", err)
			continue
		}

		result, err := w.coordinator.Handle(ctx, &IncidentInput{
			UserID:            ci.UserID,
			Type:              IncidentCheckInMissed,
			EmergencyContacts: ci.EmergencyContacts,
			TrustedFriends:    ci.TrustedFriends,
		})
		if err != nil {
			w.logger.Error("missed check-in escalation rejected",
				"checkInId", ci.ID, "userId", ci.UserID, "error", err)
			continue
		}
		w.logger.Info("missed check-in escalated",
			"checkInId", ci.ID,
			"userId", ci.UserID,
			"incidentId", result.IncidentID,
			"missCount", ci.MissCount+1,
		)
	}
}

// nextDeadline advances past deadlines in whole intervals so a schedule that
// was down for hours does not replay every skipped slot at once.
func nextDeadline(ci *CheckIn, now time.Time) time.Time {
	interval := time.Duration(ci.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	next := ci.Deadline.Add(interval)
	for !next.After(now) {
		next = next.Add(interval)
	}
	return next
}

// ScheduleCheckIn registers a new check-in schedule for a user.
func ScheduleCheckIn(ctx context.Context, store Store, clk clock.Clock, userID string, intervalMinutes int, emergencyContacts, trustedFriends []string) (*CheckIn, error) {
	if intervalMinutes <= 0 {
		return nil, fmt.Errorf("%w: check-in interval must be positive", ErrValidation)
	}
	ci := &CheckIn{
		ID:                idgen.WithPrefix("chk_"),
		UserID:            userID,
		Deadline:          clk.Now().Add(time.Duration(intervalMinutes) * time.Minute),
		IntervalMinutes:   intervalMinutes,
		EmergencyContacts: emergencyContacts,
		TrustedFriends:    trustedFriends,
		Active:            true,
	}
	if err := store.CreateCheckIn(ctx, ci); err != nil {
		return nil, err
	}
	return ci, nil
}
