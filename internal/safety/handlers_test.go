package safety

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kindlingapp/kindling/internal/clock"
)

func newTestRouter(t *testing.T, store Store) (*gin.Engine, *fakeProvider) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := clock.NewManual(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	provider := &fakeProvider{}
	d := NewDispatcher(provider, store, clk, time.Second, 16)
	c := NewCoordinator(store, d, clk, nil)
	h := NewHandlers(c, store, clk)

	r := gin.New()
	v1 := r.Group("/v1")
	h.Register(v1)
	h.RegisterUserRoutes(v1.Group("/users/:userId"))
	return r, provider
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTriggerIncidentEndpoint(t *testing.T) {
	store := NewMemoryStore()
	r, _ := newTestRouter(t, store)

	w := doJSON(t, r, http.MethodPost, "/v1/safety/incidents", validInput(IncidentPanicButton))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var result EscalationResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Success {
		t.Error("expected success=true")
	}
	if result.Level != LevelCritical {
		t.Errorf("level = %s", result.Level)
	}
	if result.IncidentID == "" {
		t.Error("expected incident id")
	}
}

func TestTriggerIncidentEndpoint_Validation(t *testing.T) {
	store := NewMemoryStore()
	r, _ := newTestRouter(t, store)

	w := doJSON(t, r, http.MethodPost, "/v1/safety/incidents", map[string]any{
		"userId": "nope",
		"type":   "panic_button",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["error"] != "invalid_incident" {
		t.Errorf("error code = %q", resp["error"])
	}
}

func TestGetIncidentEndpoint(t *testing.T) {
	store := NewMemoryStore()
	r, _ := newTestRouter(t, store)

	w := doJSON(t, r, http.MethodPost, "/v1/safety/incidents", validInput(IncidentManualReport))
	var result EscalationResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}

	w = doJSON(t, r, http.MethodGet, "/v1/safety/incidents/"+result.IncidentID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Incident      *Incident             `json:"incident"`
		Notifications []*NotificationRecord `json:"notifications"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Incident.ID != result.IncidentID {
		t.Errorf("incident id mismatch")
	}
	// Manual report: push to trusted friend + support ticket.
	if len(resp.Notifications) != 2 {
		t.Errorf("expected 2 notification records, got %d", len(resp.Notifications))
	}

	w = doJSON(t, r, http.MethodGet, "/v1/safety/incidents/inc_missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing incident status = %d, want 404", w.Code)
	}
}

func TestResolveIncidentEndpoint(t *testing.T) {
	store := NewMemoryStore()
	r, _ := newTestRouter(t, store)

	w := doJSON(t, r, http.MethodPost, "/v1/safety/incidents", validInput(IncidentManualReport))
	var result EscalationResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}

	w = doJSON(t, r, http.MethodPost, "/v1/safety/incidents/"+result.IncidentID+"/resolve", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	inc, err := store.GetIncident(context.Background(), result.IncidentID)
	if err != nil {
		t.Fatal(err)
	}
	if !inc.Resolved {
		t.Error("incident should be resolved")
	}
}

func TestListUserIncidentsEndpoint_Pagination(t *testing.T) {
	store := NewMemoryStore()
	r, _ := newTestRouter(t, store)

	for i := 0; i < 5; i++ {
		w := doJSON(t, r, http.MethodPost, "/v1/safety/incidents", validInput(IncidentManualReport))
		if w.Code != http.StatusOK {
			t.Fatalf("trigger %d: status %d", i, w.Code)
		}
	}

	seen := make(map[string]bool)
	cursor := ""
	pages := 0
	for {
		url := "/v1/users/usr_0123456789abcdef01234567/incidents?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		w := doJSON(t, r, http.MethodGet, url, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("list: status %d body %s", w.Code, w.Body.String())
		}

		var resp struct {
			Incidents  []*Incident `json:"incidents"`
			NextCursor string      `json:"nextCursor"`
			HasMore    bool        `json:"hasMore"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		for _, inc := range resp.Incidents {
			if seen[inc.ID] {
				t.Fatalf("incident %s returned twice", inc.ID)
			}
			seen[inc.ID] = true
		}
		pages++
		if !resp.HasMore {
			break
		}
		cursor = resp.NextCursor
		if pages > 10 {
			t.Fatal("pagination did not terminate")
		}
	}

	if len(seen) != 5 {
		t.Errorf("expected 5 incidents across pages, got %d", len(seen))
	}
}

func TestListUserIncidentsEndpoint_BadLimit(t *testing.T) {
	store := NewMemoryStore()
	r, _ := newTestRouter(t, store)

	w := doJSON(t, r, http.MethodGet, "/v1/users/usr_0123456789abcdef01234567/incidents?limit=9999", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGetUserLockEndpoint(t *testing.T) {
	store := NewMemoryStore()
	r, _ := newTestRouter(t, store)

	userID := "usr_0123456789abcdef01234567"
	w := doJSON(t, r, http.MethodGet, fmt.Sprintf("/v1/users/%s/lock", userID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if locked, _ := resp["locked"].(bool); locked {
		t.Error("user should not be locked yet")
	}

	doJSON(t, r, http.MethodPost, "/v1/safety/incidents", validInput(IncidentPanicButton))

	w = doJSON(t, r, http.MethodGet, fmt.Sprintf("/v1/users/%s/lock", userID), nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if locked, _ := resp["locked"].(bool); !locked {
		t.Error("user should be locked after panic escalation")
	}
}

func TestScheduleCheckInEndpoint(t *testing.T) {
	store := NewMemoryStore()
	r, _ := newTestRouter(t, store)

	w := doJSON(t, r, http.MethodPost, "/v1/safety/check-ins", map[string]any{
		"userId":            "usr_0123456789abcdef01234567",
		"intervalMinutes":   60,
		"emergencyContacts": []string{"+14155550100"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, "/v1/safety/check-ins", map[string]any{
		"userId":          "usr_0123456789abcdef01234567",
		"intervalMinutes": 0,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("zero interval status = %d, want 400", w.Code)
	}
}
