package residual

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/vantage-energy/ems-core/domain"
	"github.com/vantage-energy/ems-core/persist"
)

func testState() domain.SystemState {
	return domain.SystemState{
		Timestamp:          time.Date(2026, 6, 10, 14, 0, 0, 0, time.UTC),
		GridPriceEURPerKWh: 0.25,
		BatterySOCPct:      50,
		PriceP20:           0.10,
		PriceP30:           0.15,
		PriceP40:           0.20,
		PriceP60:           0.28,
		PriceP80:           0.35,
		Season:             domain.SeasonJJA,
	}
}

func testContext() Context {
	return Context{
		PVConfidence:    0.8,
		LoadConfidence:  0.8,
		PriceConfidence: 0.9,
		DynFloorPct:     20,
		BatteryMinSOC:   10,
		BatteryMaxSOC:   95,
	}
}

func TestNewAgent_StartsInShadowMode(t *testing.T) {
	a := New("", 1)
	if a.Mode() != ModeShadow {
		t.Errorf("Mode = %v, want %v", a.Mode(), ModeShadow)
	}
}

func TestSelect_CorrectionWithinBounds(t *testing.T) {
	a := New("", 1)
	c := a.Select(testState(), testContext())
	if c.BatteryDeltaCtPerKWh < -20 || c.BatteryDeltaCtPerKWh > 20 {
		t.Errorf("BatteryDeltaCtPerKWh = %v, want in [-20,20]", c.BatteryDeltaCtPerKWh)
	}
	if c.EVDeltaCtPerKWh < -20 || c.EVDeltaCtPerKWh > 20 {
		t.Errorf("EVDeltaCtPerKWh = %v, want in [-20,20]", c.EVDeltaCtPerKWh)
	}
}

func TestLearn_ImprovesQValueForWinningAction(t *testing.T) {
	a := New("", 42)
	state := testState()
	ctx := testContext()
	key := discretize(state, ctx)

	c := correctionFor(10)
	for i := 0; i < 50; i++ {
		a.Learn(state, ctx, c, 1.0, 0.5) // reward = 0.5 every time
	}
	row := a.qTable[key]
	if row[10] <= 0 {
		t.Errorf("Q[%d] = %v, want > 0 after repeated positive reward", 10, row[10])
	}
}

func TestRunConstraintAudit_TooEarlyReturnsNotOK(t *testing.T) {
	a := New("", 1)
	_, ok := a.RunConstraintAudit(time.Now().Add(5 * 24 * time.Hour))
	if ok {
		t.Error("expected ok=false before 30 days of shadow mode have elapsed")
	}
}

func TestRunConstraintAudit_AllChecksPassTransitionsToAdvisory(t *testing.T) {
	a := New("", 1)
	a.shadowStartTs = time.Now().Add(-31 * 24 * time.Hour)
	for i := 0; i < 100; i++ {
		a.RecordShadow(false, false, true, correctionFor(24))
	}
	result, ok := a.RunConstraintAudit(time.Now())
	if !ok {
		t.Fatal("expected audit to run after 31 days of shadow mode")
	}
	if !result.AllPassed {
		t.Fatalf("expected all checks to pass: %+v", result.Checks)
	}
	if a.Mode() != ModeAdvisory {
		t.Errorf("Mode = %v, want %v after a passing audit", a.Mode(), ModeAdvisory)
	}
}

func TestRunConstraintAudit_SOCViolationFailsAndResetsClock(t *testing.T) {
	a := New("", 1)
	a.shadowStartTs = time.Now().Add(-31 * 24 * time.Hour)
	a.RecordShadow(true, false, true, correctionFor(24))
	result, ok := a.RunConstraintAudit(time.Now())
	if !ok {
		t.Fatal("expected audit to run")
	}
	if result.AllPassed {
		t.Fatal("expected audit to fail when a shadow correction would have violated min_soc")
	}
	if a.Mode() != ModeShadow {
		t.Errorf("Mode = %v, want to remain %v after a failed audit", a.Mode(), ModeShadow)
	}
	if time.Since(a.shadowStartTs) > time.Minute {
		t.Errorf("shadowStartTs = %v, want the shadow clock reset to the audit time", a.shadowStartTs)
	}
}

func TestPersistence_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rl_model.json")

	a := New(path, 7)
	state := testState()
	ctx := testContext()
	for i := 0; i < 5; i++ {
		c := a.Select(state, ctx)
		a.Learn(state, ctx, c, 1.0, 0.8)
	}
	if err := a.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	a2 := New(path, 7)
	if err := a2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if a2.stepCount != a.stepCount {
		t.Errorf("stepCount = %d, want %d", a2.stepCount, a.stepCount)
	}
	if len(a2.qTable) != len(a.qTable) {
		t.Errorf("len(qTable) = %d, want %d", len(a2.qTable), len(a.qTable))
	}
}

func TestLoad_VersionMismatchResetsQTableButKeepsCounters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rl_model.json")

	stale := Snapshot{Version: 1, Epsilon: 0.15, StepCount: 999, Mode: ModeShadow}
	a := New(path, 1)
	a.qTable["stale-key"] = &[numActions]float64{}
	if err := persist.WriteJSON(path, stale); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := a.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(a.qTable) != 0 {
		t.Errorf("expected Q-table reset on version mismatch, got %d entries", len(a.qTable))
	}
	if a.stepCount != 999 {
		t.Errorf("stepCount = %d, want 999 (preserved across reset)", a.stepCount)
	}
}
