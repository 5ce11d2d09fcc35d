package risk

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTestRiskRouter(t *testing.T, source FactorSource, store Store) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := newTestScorer(source, store)
	h := NewHandlers(s, store, nil)

	r := gin.New()
	h.Register(r.Group("/v1/users/:userId"))
	return r
}

func TestAssessUserEndpoint(t *testing.T) {
	source := NewMemoryFactorSource()
	store := NewMemoryStore()
	source.Set("usr_0123456789abcdef01234567", &Factors{
		AccountAgeDays: 2,
		Verification:   VerificationNone,
		RecentReports:  3,
	})
	r := newTestRiskRouter(t, source, store)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/users/usr_0123456789abcdef01234567/risk", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var a Assessment
	if err := json.Unmarshal(w.Body.Bytes(), &a); err != nil {
		t.Fatal(err)
	}
	if a.Score <= 0 {
		t.Errorf("expected a positive score, got %.2f", a.Score)
	}
	if a.Factors == nil {
		t.Error("assessment must echo the factors")
	}
}

func TestAssessUserEndpoint_NotFound(t *testing.T) {
	r := newTestRiskRouter(t, NewMemoryFactorSource(), NewMemoryStore())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/users/usr_ffffffffffffffffffffffff/risk", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestRiskHistoryEndpoint(t *testing.T) {
	source := NewMemoryFactorSource()
	store := NewMemoryStore()
	source.Set("usr_0123456789abcdef01234567", &Factors{AccountAgeDays: 2})
	r := newTestRiskRouter(t, source, store)

	// Two assessments, then history.
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/users/usr_0123456789abcdef01234567/risk", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("assess %d: %d", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/users/usr_0123456789abcdef01234567/risk/history", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d", w.Code)
	}

	var resp struct {
		Assessments []*Assessment `json:"assessments"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Assessments) != 2 {
		t.Errorf("expected 2 assessments, got %d", len(resp.Assessments))
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/users/usr_0123456789abcdef01234567/risk/history?limit=0", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", w.Code)
	}
}
