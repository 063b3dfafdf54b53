package engine

import (
	"testing"
	"time"

	"github.com/vantage-energy/ems-core/domain"
	"github.com/vantage-energy/ems-core/horizon"
	"github.com/vantage-energy/ems-core/override"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	return New(cfg, nil, Dependencies{})
}

func TestStaticFallbackAction_ChargesBatteryWhenCheap(t *testing.T) {
	e := testEngine(t)
	state := domain.SystemState{
		GridPriceEURPerKWh: 0.10, // 10 ct, below the 35ct default ceiling
		BatterySOCPct:      50,
		PriceP80:           0.30,
	}
	action := e.staticFallbackAction(state, horizon.EVDeparture{}, false)

	if action.BatteryAction != domain.BatteryCharge {
		t.Fatalf("expected battery charge, got %s", action.BatteryAction)
	}
	if action.Reason != domain.ReasonFallbackStatic {
		t.Fatalf("expected fallback_static reason, got %s", action.Reason)
	}
}

func TestStaticFallbackAction_DischargesWhenExpensive(t *testing.T) {
	e := testEngine(t)
	state := domain.SystemState{
		GridPriceEURPerKWh: 0.40, // above ceiling and above P80
		BatterySOCPct:      80,
		PriceP80:           0.30,
	}
	action := e.staticFallbackAction(state, horizon.EVDeparture{}, false)

	if action.BatteryAction != domain.BatteryDischarge {
		t.Fatalf("expected battery discharge, got %s", action.BatteryAction)
	}
}

func TestStaticFallbackAction_NoDischargeWhenBatteryAtFloor(t *testing.T) {
	e := testEngine(t)
	state := domain.SystemState{
		GridPriceEURPerKWh: 0.40,
		BatterySOCPct:      e.cfg.BatteryMinSOC, // at floor, must not discharge further
		PriceP80:           0.30,
	}
	action := e.staticFallbackAction(state, horizon.EVDeparture{}, false)
	if action.BatteryAction == domain.BatteryDischarge {
		t.Fatalf("must not discharge below the configured floor")
	}
}

func TestApplyOverride_ExpiredOverrideLeavesActionUntouched(t *testing.T) {
	e := testEngine(t)
	now := time.Now()
	e.override.Activate("tesla", domain.OverrideFromDashboard, now.Add(-2*time.Hour), override.QuietHours{})
	// Activation above has already expired (default boost window is much
	// shorter than 2h), so LP control must resume within this same cycle.
	action := domain.Action{EVAction: domain.EVIdle, Reason: domain.ReasonLPPlan}
	state := domain.SystemState{EVConnected: true, EVName: "tesla"}

	got := e.applyOverride(action, state, now)
	if got.Reason == domain.ReasonOverrideActive {
		t.Fatalf("expired override must not still be applied")
	}
}

func TestApplyOverride_ActiveOverrideForcesCharge(t *testing.T) {
	e := testEngine(t)
	now := time.Now()
	e.override.Activate("tesla", domain.OverrideFromDashboard, now, override.QuietHours{})
	action := domain.Action{EVAction: domain.EVIdle, Reason: domain.ReasonLPPlan}
	state := domain.SystemState{EVConnected: true, EVName: "tesla"}

	got := e.applyOverride(action, state, now)
	if got.EVAction != domain.EVCharge || got.Reason != domain.ReasonOverrideActive {
		t.Fatalf("active override must force EV charge, got %+v", got)
	}
}

// plan with slot0 importing zero battery power and a flat price curve
// that never dips below the current price, used as the "all gates open"
// fixture for applyArbitrage.
func flatPlan(now time.Time, price float64) *domain.PlanHorizon {
	slots := make([]domain.DispatchSlot, 4)
	for i := range slots {
		slots[i] = domain.DispatchSlot{
			Start:              now.Add(time.Duration(i) * 15 * time.Minute),
			GridPriceEURPerKWh: price,
		}
	}
	return &domain.PlanHorizon{Slots: slots, SolverStatus: domain.SolverOptimal}
}

func TestApplyArbitrage_AllGatesPassSwapsToBattery(t *testing.T) {
	e := testEngine(t)
	now := time.Now()
	e.priceHistoryAvgEURPerKWh = 0.05 // 5ct average charge cost
	e.cfg.BatteryToEVMinProfitCt = 3

	action := domain.Action{EVAction: domain.EVCharge, EVPowerLimitKW: 7, Reason: domain.ReasonLPPlan}
	state := domain.SystemState{
		EVConnected:        true,
		BatterySOCPct:      60,
		GridPriceEURPerKWh: 0.30, // 30ct now, well above bat_cost+min_profit
	}
	plan := flatPlan(now, 0.30) // no cheaper slot ahead, slot0 battery charge is zero

	got := e.applyArbitrage(action, plan, state, 10, now)
	if got.BatteryAction != domain.BatteryDischarge {
		t.Fatalf("expected battery discharge once all gates pass, got %+v", got)
	}
	if got.BatteryPowerLimitKW != action.EVPowerLimitKW {
		t.Fatalf("battery discharge should match EV draw, got %.1f want %.1f", got.BatteryPowerLimitKW, action.EVPowerLimitKW)
	}
	if got.Reason != domain.ReasonArbitrage {
		t.Fatalf("expected battery_to_ev_arbitrage reason, got %s", got.Reason)
	}
}

func TestApplyArbitrage_BelowFloorBlocksSwap(t *testing.T) {
	e := testEngine(t)
	now := time.Now()
	e.priceHistoryAvgEURPerKWh = 0.05
	e.cfg.BatteryToEVMinProfitCt = 3

	action := domain.Action{EVAction: domain.EVCharge, EVPowerLimitKW: 7, Reason: domain.ReasonLPPlan}
	state := domain.SystemState{
		EVConnected:        true,
		BatterySOCPct:      5, // below both the configured and dynamic floor
		GridPriceEURPerKWh: 0.30,
	}
	plan := flatPlan(now, 0.30)

	got := e.applyArbitrage(action, plan, state, 10, now)
	if got.BatteryAction == domain.BatteryDischarge {
		t.Fatalf("must not discharge below the SoC floor")
	}
}

func TestApplyArbitrage_CheaperWindowAheadBlocksSwap(t *testing.T) {
	e := testEngine(t)
	now := time.Now()
	e.priceHistoryAvgEURPerKWh = 0.05
	e.cfg.BatteryToEVMinProfitCt = 3

	action := domain.Action{EVAction: domain.EVCharge, EVPowerLimitKW: 7, Reason: domain.ReasonLPPlan}
	state := domain.SystemState{
		EVConnected:        true,
		BatterySOCPct:      60,
		GridPriceEURPerKWh: 0.30,
	}
	plan := &domain.PlanHorizon{
		SolverStatus: domain.SolverOptimal,
		Slots: []domain.DispatchSlot{
			{Start: now, GridPriceEURPerKWh: 0.30},
			{Start: now.Add(15 * time.Minute), GridPriceEURPerKWh: 0.05}, // cheaper window within 6h
		},
	}

	got := e.applyArbitrage(action, plan, state, 10, now)
	if got.BatteryAction == domain.BatteryDischarge {
		t.Fatalf("must not discharge the battery when a cheaper window is coming")
	}
}

func TestApplyArbitrage_OverrideTakesPrecedence(t *testing.T) {
	e := testEngine(t)
	now := time.Now()
	action := domain.Action{EVAction: domain.EVCharge, EVPowerLimitKW: 7, Reason: domain.ReasonOverrideActive}
	state := domain.SystemState{EVConnected: true, BatterySOCPct: 60, GridPriceEURPerKWh: 0.30}
	plan := flatPlan(now, 0.30)

	got := e.applyArbitrage(action, plan, state, 10, now)
	if got.Reason != domain.ReasonOverrideActive {
		t.Fatalf("override must not be overridden by the arbitrage gates")
	}
}

func TestPickCapacity_FallsBackWhenZero(t *testing.T) {
	if got := pickCapacity(0, 60); got != 60 {
		t.Fatalf("expected fallback capacity 60, got %.1f", got)
	}
	if got := pickCapacity(75, 60); got != 75 {
		t.Fatalf("expected reported capacity 75, got %.1f", got)
	}
}
