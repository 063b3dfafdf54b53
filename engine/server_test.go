package engine

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return newServer(testEngine(t))
}

func TestHandleHealth_ReportsNotRunningByDefault(t *testing.T) {
	s := testServer(t)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/health", nil)

	s.handleHealth(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["is_running"] != false {
		t.Fatalf("expected is_running=false before Start, got %v", body["is_running"])
	}
}

func TestHandleOverrideActivate_RequiresVehicleName(t *testing.T) {
	s := testServer(t)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body := bytes.NewBufferString(`{"source": "dashboard"}`)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/override/activate", body)
	c.Request.Header.Set("Content-Type", "application/json")

	s.handleOverrideActivate(c)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing vehicle_name, got %d", w.Code)
	}
}

func TestHandleOverrideActivate_ThenCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.QuietHoursEnabled = false // activation must not depend on wall-clock time in this test
	s := newServer(New(cfg, nil, Dependencies{}))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body := bytes.NewBufferString(`{"vehicle_name": "tesla", "source": "dashboard"}`)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/override/activate", body)
	c.Request.Header.Set("Content-Type", "application/json")
	s.handleOverrideActivate(c)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	_, active := s.engine.override.Status()
	if !active {
		t.Fatal("expected the override to be active after a successful activation")
	}

	w2 := httptest.NewRecorder()
	c2, _ := gin.CreateTestContext(w2)
	c2.Request = httptest.NewRequest(http.MethodPost, "/api/override/cancel", nil)
	s.handleOverrideCancel(c2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w2.Code)
	}
	_, active = s.engine.override.Status()
	if active {
		t.Fatal("expected the override to be inactive after cancel")
	}
}

func TestHandleDepartureConfirm_RequiresFields(t *testing.T) {
	s := testServer(t)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/departure/confirm", bytes.NewBufferString(`{}`))
	c.Request.Header.Set("Content-Type", "application/json")

	s.handleDepartureConfirm(c)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing vehicle_name/departure, got %d", w.Code)
	}
}

func TestHandlePlan_NilPlanReturnsNull(t *testing.T) {
	s := testServer(t)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/plan", nil)

	s.handlePlan(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["plan"] != nil {
		t.Fatalf("expected a nil plan before any cycle has run, got %v", body["plan"])
	}
}
