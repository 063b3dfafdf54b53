package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vantage-energy/ems-core/domain"
	"github.com/vantage-energy/ems-core/horizon"
	"github.com/vantage-energy/ems-core/reliability"
	"github.com/vantage-energy/ems-core/residual"
	"github.com/vantage-energy/ems-core/sequencer"
)

// readState builds this cycle's SystemState: the physical telemetry
// comes from the charge controller adapter, the EV fields from the most
// recently polled vehicle fleet, and the price percentiles from the
// cached tariff curve.
func (e *Engine) readState(ctx context.Context, now time.Time) (domain.SystemState, error) {
	var state domain.SystemState
	if e.plant != nil {
		s, err := e.plant.Read(ctx)
		if err != nil {
			return domain.SystemState{}, fmt.Errorf("read site telemetry: %w", err)
		}
		state = s
	}
	state.Timestamp = now
	state.Season = domain.SeasonFromMonth(now.Month())
	state.Weekend = now.Weekday() == time.Saturday || now.Weekday() == time.Sunday

	if primary, ok := e.primaryVehicle(); ok {
		state.EVConnected = primary.Connected
		state.EVName = primary.Name
		state.EVSOCPct = primary.SOCPct
		state.EVTargetSOCPct = primary.TargetSOCPct
	}

	p20, p30, p40, p60, p80 := pricePercentiles(e.snapshotTariff(), now)
	state.PriceP20, state.PriceP30, state.PriceP40, state.PriceP60, state.PriceP80 = p20, p30, p40, p60, p80

	return state, nil
}

// primaryVehicle picks the connected vehicle with the highest urgency as
// the one SystemState reports (SystemState models one EV slot; the
// sequencer is what arbitrates among several).
func (e *Engine) primaryVehicle() (VehicleState, bool) {
	e.mu.RLock()
	vs := make([]VehicleState, len(e.lastVehicles))
	copy(vs, e.lastVehicles)
	e.mu.RUnlock()

	best := -1
	bestUrgency := -1.0
	for i, v := range vs {
		if !v.Connected {
			continue
		}
		deficit := v.TargetSOCPct - v.SOCPct
		if deficit < 0 {
			deficit = 0
		}
		hours := v.MinutesToDeparture / 60.0
		if hours < 0.5 {
			hours = 0.5
		}
		u := deficit / hours
		if best == -1 || u > bestUrgency {
			best, bestUrgency = i, u
		}
	}
	if best == -1 {
		return VehicleState{}, false
	}
	return vs[best], true
}

func pricePercentiles(points []horizon.TariffPoint, now time.Time) (p20, p30, p40, p60, p80 float64) {
	var vals []float64
	for _, p := range points {
		if !p.StartUTC.Before(now) && p.StartUTC.Before(now.Add(24*time.Hour)) {
			vals = append(vals, p.PriceEURPerKWh)
		}
	}
	if len(vals) == 0 {
		return 0, 0, 0, 0, 0
	}
	sort.Float64s(vals)
	at := func(pct float64) float64 {
		idx := int(pct * float64(len(vals)-1))
		return vals[idx]
	}
	return at(0.20), at(0.30), at(0.40), at(0.60), at(0.80)
}

// updateReliability feeds this cycle's actual PV/load/price against the
// forecast the collector cached for this slot.
func (e *Engine) updateReliability(state domain.SystemState) {
	pv := e.snapshotPV()
	load := e.snapshotLoad()
	if len(pv) > 0 {
		e.reliability.Observe(reliability.PV, pv[0], state.PVPowerW/1000.0)
	}
	if len(load) > 0 {
		e.reliability.Observe(reliability.Consumption, load[0], state.HouseLoadW/1000.0)
	}
	tariff := e.snapshotTariff()
	if len(tariff) > 0 {
		e.reliability.Observe(reliability.Price, tariff[0].PriceEURPerKWh, state.GridPriceEURPerKWh)
	}
}

// currentEVDeparture resolves the horizon planner's EVDeparture input
// plus, separately, the full sequencer candidate set for step 9.
func (e *Engine) currentEVDeparture(now time.Time, quietHours bool) (horizon.EVDeparture, []sequencer.Candidate) {
	e.mu.RLock()
	vs := make([]VehicleState, len(e.lastVehicles))
	copy(vs, e.lastVehicles)
	e.mu.RUnlock()

	candidates := make([]sequencer.Candidate, 0, len(vs))
	for _, v := range vs {
		candidates = append(candidates, sequencer.Candidate{
			Name:               v.Name,
			SOCPct:             v.SOCPct,
			TargetSOCPct:       v.TargetSOCPct,
			MinutesToDeparture: v.MinutesToDeparture,
			Connected:          v.Connected,
			AlreadyCharging:    v.AlreadyCharging,
		})
	}

	dec, ok := sequencer.Choose(candidates, now, quietHours)
	if !ok {
		return horizon.EVDeparture{}, candidates
	}

	for _, v := range vs {
		if v.Name == dec.Winner {
			return horizon.EVDeparture{
				Name:               v.Name,
				Connected:          v.Connected,
				CurrentSOCPct:      v.SOCPct,
				TargetSOCPct:       v.TargetSOCPct,
				CapacityKWh:        pickCapacity(v.CapacityKWh, e.cfg.EVDefaultEnergyKWh),
				MinutesToDeparture: v.MinutesToDeparture,
			}, candidates
		}
	}
	return horizon.EVDeparture{}, candidates
}

func pickCapacity(capacity, fallback float64) float64 {
	if capacity > 0 {
		return capacity
	}
	return fallback
}

// actionFromPlan derives the Action from slot 0 of a successful plan. In
// advisory mode (applyCorrection) the residual agent's correction shifts
// the effective battery/EV price ceilings, and slot 0's charge decision
// is re-checked against the shifted ceiling rather than only relabeling
// the informational ceiling fields: a correction that drops the ceiling
// below the slot's price blocks an LP-planned charge, and one that raises
// it above the slot's price permits a charge the LP itself priced out.
func (e *Engine) actionFromPlan(plan *domain.PlanHorizon, c residual.Correction, applyCorrection bool) domain.Action {
	s0 := plan.Slot0()
	const idleThresholdKW = 0.1

	batCeiling := e.cfg.BatteryMaxPriceCt
	evCeiling := e.cfg.EVMaxPriceCt
	reason := domain.ReasonLPPlan

	batteryChargeKW := s0.BatteryChargeKW
	evChargeKW := s0.EVChargeKW

	if applyCorrection {
		batCeiling += c.BatteryDeltaCtPerKWh
		evCeiling += c.EVDeltaCtPerKWh
		if batCeiling < 0 {
			batCeiling = 0
		}
		if evCeiling < 0 {
			evCeiling = 0
		}
		reason = domain.ReasonResidualApplied

		priceCt := s0.GridPriceEURPerKWh * 100
		switch {
		case priceCt > batCeiling:
			batteryChargeKW = 0
		case batteryChargeKW <= idleThresholdKW:
			batteryChargeKW = e.cfg.BatteryChargePowerKW
		}
		switch {
		case s0.EVName == "":
			evChargeKW = 0
		case priceCt > evCeiling:
			evChargeKW = 0
		case evChargeKW <= idleThresholdKW:
			evChargeKW = e.cfg.EVMaxChargePowerKW
		}
	}

	action := domain.Action{
		BatteryAction:       domain.BatteryIdle,
		BatteryPriceCeiling: batCeiling / 100.0,
		EVAction:            domain.EVIdle,
		EVPriceCeiling:      evCeiling / 100.0,
		EVName:              s0.EVName,
		Reason:              reason,
	}
	if batteryChargeKW > idleThresholdKW {
		action.BatteryAction = domain.BatteryCharge
		action.BatteryPowerLimitKW = batteryChargeKW
	} else if s0.BatteryDischargeKW > idleThresholdKW {
		action.BatteryAction = domain.BatteryDischarge
		action.BatteryPowerLimitKW = s0.BatteryDischargeKW
	}
	if evChargeKW > idleThresholdKW {
		action.EVAction = domain.EVCharge
		action.EVPowerLimitKW = evChargeKW
	}
	return action
}

// evaluateShadowCorrection simulates applying c to slot 0's LP decision,
// reusing actionFromPlan's own re-check logic, and reports the three
// outcomes RecordShadow needs: whether the corrected dispatch would have
// pushed the battery below its floor, whether it would have left the
// winning EV short at departure, and whether its approximate slot-0 cost
// beats the uncorrected plan's. Called every cycle while the agent is in
// shadow mode so the constraint audit has real data to evaluate.
func (e *Engine) evaluateShadowCorrection(plan *domain.PlanHorizon, state domain.SystemState, ev horizon.EVDeparture, dynFloor float64, c residual.Correction) (socViolated, missedDeparture, won bool) {
	s0 := plan.Slot0()
	uncorrected := e.actionFromPlan(plan, residual.Correction{}, false)
	corrected := e.actionFromPlan(plan, c, true)

	floor := e.cfg.BatteryMinSOC
	if dynFloor > floor {
		floor = dynFloor
	}
	if corrected.BatteryAction == domain.BatteryDischarge && e.cfg.BatteryCapacityKWh > 0 {
		projectedSOC := state.BatterySOCPct - (corrected.BatteryPowerLimitKW*0.25/e.cfg.BatteryCapacityKWh)*100
		socViolated = projectedSOC < floor
	}

	if ev.Connected && corrected.EVAction != domain.EVCharge && ev.CurrentSOCPct < ev.TargetSOCPct &&
		ev.MinutesToDeparture > 0 && ev.MinutesToDeparture <= e.cfg.DecisionInterval.Minutes() {
		missedDeparture = true
	}

	correctedCost := s0.GridPriceEURPerKWh * (corrected.BatteryPowerLimitKW + corrected.EVPowerLimitKW) * 0.25
	uncorrectedCost := s0.GridPriceEURPerKWh * (uncorrected.BatteryPowerLimitKW + uncorrected.EVPowerLimitKW) * 0.25
	won = correctedCost <= uncorrectedCost
	return socViolated, missedDeparture, won
}

// staticFallbackAction implements step 6: the legacy static-threshold
// safety net used whenever the LP solver fails to return an optimal
// plan. It is deliberately simple and config-only so it can never itself
// fail.
func (e *Engine) staticFallbackAction(state domain.SystemState, ev horizon.EVDeparture, quietHours bool) domain.Action {
	action := domain.Action{
		BatteryAction:       domain.BatteryIdle,
		BatteryPriceCeiling: e.cfg.BatteryMaxPriceCt / 100.0,
		EVAction:            domain.EVIdle,
		EVPriceCeiling:      e.cfg.EVMaxPriceCt / 100.0,
		Reason:              domain.ReasonFallbackStatic,
	}
	priceCt := state.GridPriceEURPerKWh * 100

	if priceCt <= e.cfg.BatteryMaxPriceCt && state.BatterySOCPct < e.cfg.BatteryMaxSOC {
		action.BatteryAction = domain.BatteryCharge
		action.BatteryPowerLimitKW = e.cfg.BatteryChargePowerKW
	} else if priceCt >= state.PriceP80*100 && state.BatterySOCPct > e.cfg.BatteryMinSOC {
		action.BatteryAction = domain.BatteryDischarge
		action.BatteryPowerLimitKW = e.cfg.BatteryDischargePowerKW
	}

	if ev.Connected && priceCt <= e.cfg.EVMaxPriceCt && ev.CurrentSOCPct < ev.TargetSOCPct {
		action.EVAction = domain.EVCharge
		action.EVPowerLimitKW = e.cfg.EVMaxChargePowerKW
		action.EVName = "fallback"
	}
	return action
}

// applyOverride implements step 7.
func (e *Engine) applyOverride(action domain.Action, state domain.SystemState, now time.Time) domain.Action {
	o, active := e.override.Status()
	if !active || !o.Active(now) {
		return action
	}
	if state.EVConnected && state.EVName != "" && state.EVName == o.VehicleName {
		action.EVAction = domain.EVCharge
		action.EVPowerLimitKW = e.cfg.EVMaxChargePowerKW
		action.EVPriceCeiling = 0 // "no price ceiling" while boosted
		action.EVName = o.VehicleName
		action.Reason = domain.ReasonOverrideActive
	}
	return action
}

// applyArbitrage implements step 8's seven gates. All must pass before
// the arbitrator swaps the EV's charge source from grid import to
// battery discharge at the same kW.
func (e *Engine) applyArbitrage(action domain.Action, plan *domain.PlanHorizon, state domain.SystemState, dynFloor float64, now time.Time) domain.Action {
	if action.EVAction != domain.EVCharge {
		return action
	}
	if action.Reason == domain.ReasonOverrideActive {
		return action // override already decided the EV source
	}
	if plan == nil {
		return action
	}
	s0 := plan.Slot0()

	gate1 := state.EVConnected // EV connected and has a charge need (already implied by EVCharge)
	gate2 := s0.BatteryChargeKW <= 0.1
	gate3 := true // "now" fast-charge mode is this controller's only mode
	etaC, etaD := e.cfg.BatteryChargeEfficiency, e.cfg.BatteryDischargeEfficiency
	if etaC <= 0 {
		etaC = 1
	}
	if etaD <= 0 {
		etaD = 1
	}
	batCostCt := (e.priceHistoryAvgEURPerKWh * 100) / (etaC * etaD)
	gate4 := batCostCt <= state.GridPriceEURPerKWh*100-e.cfg.BatteryToEVMinProfitCt
	gate5 := !cheaperWindowAhead(plan, now, 6*time.Hour, state.GridPriceEURPerKWh)
	floor := e.cfg.BatteryMinSOC
	if dynFloor > floor {
		floor = dynFloor
	}
	gate6 := state.BatterySOCPct >= floor
	gate7 := s0.BatteryChargeKW <= 0.1

	if gate1 && gate2 && gate3 && gate4 && gate5 && gate6 && gate7 {
		action.BatteryAction = domain.BatteryDischarge
		action.BatteryPowerLimitKW = action.EVPowerLimitKW
		action.Reason = domain.ReasonArbitrage
	}
	return action
}

func cheaperWindowAhead(plan *domain.PlanHorizon, now time.Time, window time.Duration, currentPrice float64) bool {
	cutoff := now.Add(window)
	for _, s := range plan.Slots {
		if s.Start.After(cutoff) {
			break
		}
		if s.GridPriceEURPerKWh < currentPrice {
			return true
		}
	}
	return false
}

// applySequencer implements step 9: when more than one connected vehicle
// competes for the wallbox, the highest-urgency candidate wins the
// EV-charge action; everyone else is forced idle regardless of what the
// plan/override/arbitrage steps decided.
func (e *Engine) applySequencer(action domain.Action, candidates []sequencer.Candidate, quietHours bool, now time.Time) domain.Action {
	connected := 0
	for _, c := range candidates {
		if c.Connected {
			connected++
		}
	}
	if connected <= 1 {
		return action
	}

	dec, ok := sequencer.Choose(candidates, now, quietHours)
	if !ok {
		return action
	}
	e.store.SetSequencerNote(fmt.Sprintf("winner=%s urgency=%.2f", dec.Winner, dec.Urgency))

	if action.EVAction == domain.EVCharge && action.EVName != dec.Winner {
		action.EVName = dec.Winner
		action.Reason = domain.ReasonSequencer
	}
	return action
}
