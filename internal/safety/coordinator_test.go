package safety

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kindlingapp/kindling/internal/clock"
	"github.com/kindlingapp/kindling/internal/notify"
)

// failingStore wraps a MemoryStore and fails selected operations.
type failingStore struct {
	*MemoryStore
	failCreateIncident     bool
	failAcquireLock        bool
	failRecordNotification bool
	panicOnCreate          bool
}

func (s *failingStore) CreateIncident(ctx context.Context, inc *Incident) error {
	if s.panicOnCreate {
		panic("store corrupted")
	}
	if s.failCreateIncident {
		return errors.New("db unreachable")
	}
	return s.MemoryStore.CreateIncident(ctx, inc)
}

func (s *failingStore) RecordNotification(ctx context.Context, rec *NotificationRecord) error {
	if s.failRecordNotification {
		return errors.New("db unreachable")
	}
	return s.MemoryStore.RecordNotification(ctx, rec)
}

func (s *failingStore) AcquireLock(ctx context.Context, userID, reason string, at time.Time) (*AccountLock, bool, error) {
	if s.failAcquireLock {
		return nil, false, errors.New("db unreachable")
	}
	return s.MemoryStore.AcquireLock(ctx, userID, reason, at)
}

func validInput(typ IncidentType) *IncidentInput {
	return &IncidentInput{
		UserID:            "usr_0123456789abcdef01234567",
		Type:              typ,
		EmergencyContacts: []string{"+14155550100", "+14155550101"},
		TrustedFriends:    []string{"usr_aaaaaaaaaaaaaaaaaaaaaaaa"},
	}
}

func newTestCoordinator(provider notify.Provider, store Store) *Coordinator {
	clk := clock.NewManual(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	d := NewDispatcher(provider, store, clk, time.Second, 16)
	return NewCoordinator(store, d, clk, nil)
}

func TestHandle_ValidationRejectsBeforeSideEffects(t *testing.T) {
	store := NewMemoryStore()
	c := newTestCoordinator(&fakeProvider{}, store)

	cases := []*IncidentInput{
		nil,
		{UserID: "bogus", Type: IncidentPanicButton},
		{UserID: "usr_0123456789abcdef01234567", Type: "tantrum"},
		{UserID: "usr_0123456789abcdef01234567", Type: IncidentPanicButton, EmergencyContacts: []string{"555-1234"}},
		{UserID: "usr_0123456789abcdef01234567", Type: IncidentPanicButton, TrustedFriends: []string{"not-a-user"}},
	}
	for _, input := range cases {
		result, err := c.Handle(context.Background(), input)
		if !errors.Is(err, ErrValidation) {
			t.Errorf("input %+v: expected ErrValidation, got %v", input, err)
		}
		if result != nil {
			t.Errorf("input %+v: expected nil result", input)
		}
	}

	incidents, _ := store.ListIncidentsByUser(context.Background(), "usr_0123456789abcdef01234567", 10, time.Time{}, "")
	if len(incidents) != 0 {
		t.Errorf("validation failures must not create incidents, found %d", len(incidents))
	}
}

func TestHandle_FullProtocolSucceeds(t *testing.T) {
	store := NewMemoryStore()
	c := newTestCoordinator(&fakeProvider{}, store)

	result, err := c.Handle(context.Background(), validInput(IncidentPanicButton))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !result.Success {
		t.Error("escalation must report success")
	}
	if result.FallbackUsed {
		t.Error("healthy path must not use fallback")
	}
	if result.Level != LevelCritical {
		t.Errorf("level = %s, want critical", result.Level)
	}
	if !result.AccountLocked {
		t.Error("critical escalation must lock the account")
	}
	if !result.EvidencePreserved {
		t.Error("critical escalation must preserve evidence")
	}
	if !result.EmergencyServicesContacted {
		t.Error("non-silent panic must prepare law enforcement packet")
	}
	if result.EmergencyContactsAlerted != 2 || result.TrustedContactsAlerted != 1 {
		t.Errorf("alert counts = (%d emergency, %d trusted), want (2, 1)",
			result.EmergencyContactsAlerted, result.TrustedContactsAlerted)
	}

	inc, err := store.GetIncident(context.Background(), result.IncidentID)
	if err != nil {
		t.Fatalf("incident not persisted: %v", err)
	}
	if inc.Level != LevelCritical {
		t.Errorf("persisted level = %s, want critical", inc.Level)
	}

	lock, err := store.GetActiveLock(context.Background(), inc.UserID)
	if err != nil {
		t.Fatalf("lock not persisted: %v", err)
	}
	if lock.Reason != LockReasonSafetyProtocol {
		t.Errorf("lock reason = %q", lock.Reason)
	}
}

func TestHandle_StoreFailureActivatesFallback(t *testing.T) {
	provider := &fakeProvider{}
	store := &failingStore{MemoryStore: NewMemoryStore(), failCreateIncident: true}
	c := newTestCoordinator(provider, store)

	result, err := c.Handle(context.Background(), validInput(IncidentPanicButton))
	if err != nil {
		t.Fatalf("fail-open violated: %v", err)
	}
	if !result.Success {
		t.Error("fallback path must still report success")
	}
	if !result.FallbackUsed {
		t.Error("expected fallback to be used")
	}

	// Exactly one fallback SMS to the first emergency contact.
	if provider.sentCount() != 1 {
		t.Fatalf("expected exactly 1 fallback send, got %d", provider.sentCount())
	}
	msg := provider.sent[0]
	if msg.Channel != notify.ChannelSMS || msg.Recipient != "+14155550100" {
		t.Errorf("fallback went to %s/%s, want sms/+14155550100", msg.Channel, msg.Recipient)
	}
	if result.EmergencyContactsAlerted != 1 {
		t.Errorf("emergency alerted = %d, want 1", result.EmergencyContactsAlerted)
	}
}

func TestHandle_StorePanicActivatesFallback(t *testing.T) {
	provider := &fakeProvider{}
	store := &failingStore{MemoryStore: NewMemoryStore(), panicOnCreate: true}
	c := newTestCoordinator(provider, store)

	result, err := c.Handle(context.Background(), validInput(IncidentSafeWord))
	if err != nil {
		t.Fatalf("fail-open violated on panic: %v", err)
	}
	if !result.Success || !result.FallbackUsed {
		t.Errorf("expected success with fallback, got success=%v fallback=%v", result.Success, result.FallbackUsed)
	}
}

// Healthy providers but a dead audit store is a protocol failure: the
// coordinator must fall back and still report success to the caller.
func TestHandle_AuditStoreDownActivatesFallback(t *testing.T) {
	provider := &fakeProvider{}
	store := &failingStore{MemoryStore: NewMemoryStore(), failRecordNotification: true}
	c := newTestCoordinator(provider, store)

	result, err := c.Handle(context.Background(), validInput(IncidentPanicButton))
	if err != nil {
		t.Fatalf("fail-open violated: %v", err)
	}
	if !result.Success {
		t.Error("caller-visible outcome must be success")
	}
	if !result.FallbackUsed {
		t.Error("expected fallback when no notification record persists")
	}

	// 1 push + 2 SMS + support + law enforcement from the protocol, then one
	// fallback SMS on top.
	if provider.sentCount() != 6 {
		t.Errorf("expected 6 sends (5 protocol + 1 fallback), got %d", provider.sentCount())
	}
	if !result.AccountLocked {
		t.Error("lock acquisition precedes dispatch and must survive")
	}
}

func TestHandle_FallbackWithoutContactsFilesTicket(t *testing.T) {
	provider := &fakeProvider{}
	store := &failingStore{MemoryStore: NewMemoryStore(), failCreateIncident: true}
	c := newTestCoordinator(provider, store)

	input := validInput(IncidentPanicButton)
	input.EmergencyContacts = nil

	result, err := c.Handle(context.Background(), input)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !result.SupportNotified {
		t.Error("fallback without emergency contacts must file a support ticket")
	}
	if provider.sentCount() != 1 {
		t.Fatalf("expected 1 fallback send, got %d", provider.sentCount())
	}
	if provider.sent[0].Recipient != SupportRecipient {
		t.Errorf("fallback recipient = %s, want %s", provider.sent[0].Recipient, SupportRecipient)
	}
}

func TestHandle_TotalDispatchFailureActivatesFallback(t *testing.T) {
	provider := &fakeProvider{
		failFor: map[string]error{
			"+14155550100":                 errors.New("down"),
			"+14155550101":                 errors.New("down"),
			"usr_aaaaaaaaaaaaaaaaaaaaaaaa": errors.New("down"),
			SupportRecipient:               errors.New("down"),
			LawEnforcementRecipient:        errors.New("down"),
		},
	}
	store := NewMemoryStore()
	c := newTestCoordinator(provider, store)

	result, err := c.Handle(context.Background(), validInput(IncidentPanicButton))
	if err != nil {
		t.Fatalf("fail-open violated: %v", err)
	}
	if !result.Success || !result.FallbackUsed {
		t.Errorf("expected success with fallback, got success=%v fallback=%v", result.Success, result.FallbackUsed)
	}
	// The lock and evidence from the primary path survive the fallback.
	if !result.AccountLocked || !result.EvidencePreserved {
		t.Error("side effects completed before the dispatch failure must be kept")
	}
}

func TestHandle_LockFailureDoesNotAbortProtocol(t *testing.T) {
	provider := &fakeProvider{}
	store := &failingStore{MemoryStore: NewMemoryStore(), failAcquireLock: true}
	c := newTestCoordinator(provider, store)

	result, err := c.Handle(context.Background(), validInput(IncidentCheckInMissed))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !result.Success || result.FallbackUsed {
		t.Errorf("lock failure alone must not trigger fallback, got success=%v fallback=%v",
			result.Success, result.FallbackUsed)
	}
	if result.AccountLocked {
		t.Error("lock failure must be reflected in the result")
	}
	if result.EmergencyContactsAlerted != 2 {
		t.Errorf("notifications must still go out, alerted %d", result.EmergencyContactsAlerted)
	}
}

func TestHandle_RepeatedTriggersCreateNewIncidents(t *testing.T) {
	store := NewMemoryStore()
	c := newTestCoordinator(&fakeProvider{}, store)

	r1, err := c.Handle(context.Background(), validInput(IncidentManualReport))
	if err != nil {
		t.Fatal(err)
	}
	r2, err := c.Handle(context.Background(), validInput(IncidentPanicButton))
	if err != nil {
		t.Fatal(err)
	}
	if r1.IncidentID == r2.IncidentID {
		t.Error("re-escalation must create a new incident, not mutate the old one")
	}

	first, _ := store.GetIncident(context.Background(), r1.IncidentID)
	if first.Level != LevelMedium {
		t.Errorf("earlier incident level changed to %s", first.Level)
	}
}

func TestAcquireLock_ConcurrentCallersConverge(t *testing.T) {
	store := NewMemoryStore()
	const goroutines = 32

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
		ids      = make(map[string]bool)
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, ok, err := store.AcquireLock(context.Background(), "usr_0123456789abcdef01234567", LockReasonSafetyProtocol, time.Now())
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			if ok {
				acquired++
			}
			ids[lock.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if acquired != 1 {
		t.Errorf("expected exactly one acquisition, got %d", acquired)
	}
	if len(ids) != 1 {
		t.Errorf("expected all callers to converge on one lock, saw %d", len(ids))
	}
}

func TestResolveIncident(t *testing.T) {
	store := NewMemoryStore()
	c := newTestCoordinator(&fakeProvider{}, store)

	result, err := c.Handle(context.Background(), validInput(IncidentManualReport))
	if err != nil {
		t.Fatal(err)
	}

	inc, err := c.Resolve(context.Background(), result.IncidentID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !inc.Resolved {
		t.Error("incident should be resolved")
	}

	// Resolving again is a no-op success.
	again, err := c.Resolve(context.Background(), result.IncidentID)
	if err != nil || !again.Resolved {
		t.Errorf("second resolve: inc=%+v err=%v", again, err)
	}

	if _, err := c.Resolve(context.Background(), "inc_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
