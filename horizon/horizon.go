// Package horizon builds and solves the rolling 96-slot battery+EV dispatch
// LP. It has no knowledge of overrides, sequencing or residual corrections;
// those are layered on top by the engine package once a plan comes back.
package horizon

import (
	"fmt"
	"time"

	"github.com/vantage-energy/ems-core/domain"
	"github.com/vantage-energy/ems-core/simplex"
)

const (
	slotCount     = 96
	slotMinutes   = 15
	slotHours     = float64(slotMinutes) / 60.0
	minHourlyTariff = 32 / (60 / slotMinutes) // 8h worth of hourly points
)

// Config carries the planner's coefficients. It mirrors the shape of the
// teacher's SystemConfig: one struct, plain float64 fields, no nested
// objects.
type Config struct {
	BatteryCapacityKWh         float64
	BatteryMaxChargeKW         float64
	BatteryMaxDischargeKW      float64
	BatteryMinSOC              float64 // configured floor, percent
	BatteryMaxSOC              float64 // percent
	BatteryChargeEfficiency    float64 // (0,1]
	BatteryDischargeEfficiency float64 // (0,1]

	EVMaxChargeKW      float64
	EVDefaultEnergyKWh float64

	BatteryMaxPriceCt float64 // soft ceiling, ct/kWh
	EVMaxPriceCt      float64
	FeedInTariffCt    float64

	// PenaltyMultiplier scales the soft price-ceiling penalty. The spec
	// calls for "a heavy penalty coefficient (x10)"; kept configurable so
	// it can be recalibrated without a code change.
	PenaltyMultiplier float64
}

// TariffPoint is one hourly tariff observation.
type TariffPoint struct {
	StartUTC        time.Time
	PriceEURPerKWh  float64
}

// EVDeparture describes the connected vehicle's charging target, if any.
type EVDeparture struct {
	Name               string // the winning vehicle's name, empty if none connected
	Connected          bool
	CurrentSOCPct      float64
	TargetSOCPct       float64
	CapacityKWh        float64
	MinutesToDeparture float64 // 0 when unknown/not applicable
}

// Inputs bundles everything the planner needs for one solve beyond the
// static Config.
type Inputs struct {
	Now time.Time

	BatteryCurrentSOCPct float64
	DynFloorPct          float64 // from C6, already lower-bounded at 10 by the caller

	Tariff []TariffPoint // hourly, >=8h ahead

	// Forecasts aligned to 96 15-min slots starting at Now. Shorter slices
	// are padded by repeating the last known value; nil/empty means "no
	// PV"/"no load"; the planner does not distinguish an absent forecast
	// from a zero one.
	PVForecastKW   []float64
	LoadForecastKW []float64

	PriceConfidence float64 // [0,1], from C2
	SeasonalShiftEURPerKWh float64 // from C3, additive

	EV EVDeparture
}

// BuildPlan solves the LP for the given inputs and returns a 96-slot
// PlanHorizon, or nil if the tariff series is too short, the problem is
// infeasible, or the solver does not reach an optimal basis. It never
// panics.
func BuildPlan(cfg Config, in Inputs) *domain.PlanHorizon {
	start := time.Now()

	prices, ok := expandTariff(in.Tariff, in.Now)
	if !ok {
		return nil
	}

	pv := padForecast(in.PVForecastKW, slotCount)
	load := padForecast(in.LoadForecastKW, slotCount)

	floor := cfg.BatteryMinSOC
	if in.DynFloorPct > floor {
		floor = in.DynFloorPct
	}
	if floor < 10 {
		floor = 10
	}
	if floor > cfg.BatteryMaxSOC {
		floor = cfg.BatteryMaxSOC
	}

	depSlot := -1
	if in.EV.Connected && in.EV.MinutesToDeparture > 0 {
		// soce[k] is the EV SoC at the end of slot k, so a departure N slots
		// away binds soce[N-1].
		depSlot = clampInt(int(in.EV.MinutesToDeparture/slotMinutes), 1, slotCount-1) - 1
	}

	problem, meta := buildProblem(cfg, in, prices, pv, load, floor, depSlot)

	result, err := simplex.Solve(problem)
	if err != nil || result.Status != simplex.Optimal {
		return nil
	}

	slots := extractSlots(cfg, in, result.X, prices, pv, load, floor, meta)

	plan := &domain.PlanHorizon{
		Slots:          slots,
		ComputedAt:     start,
		ComputeTime:    time.Since(start),
		SolverStatus:   domain.SolverOptimal,
		ObjectiveValue: result.Objective,
	}
	s0 := plan.Slots[0]
	const idleThresholdKW = 0.1
	plan.Slot0BatteryChargeKW = s0.BatteryChargeKW
	plan.Slot0BatteryDischargeKW = s0.BatteryDischargeKW
	plan.Slot0EVChargeKW = s0.EVChargeKW
	plan.Slot0AdjustedPriceLimit = cfg.BatteryMaxPriceCt
	_ = idleThresholdKW
	return plan
}

// DepartureAchievable is the pre-solve feasibility sanity check from the
// spec's infeasibility policy: if it fails the LP is still attempted, and
// BuildPlan returns nil when the departure constraint makes it infeasible;
// callers can log a warning first.
func DepartureAchievable(cfg Config, ev EVDeparture) bool {
	if !ev.Connected || ev.MinutesToDeparture <= 0 {
		return true
	}
	deficitPct := ev.TargetSOCPct - ev.CurrentSOCPct
	if deficitPct <= 0 {
		return true
	}
	neededHours := (deficitPct / 100.0) * ev.CapacityKWh / cfg.EVMaxChargeKW
	return neededHours*60.0 <= ev.MinutesToDeparture
}

// expandTariff turns hourly tariff points into 96 15-min prices, repeating
// the last known price once the series runs out. Returns ok=false when
// fewer than 8h (8 hourly points, i.e. 32 slots, after clipping to the
// current hour onward) are available.
func expandTariff(points []TariffPoint, now time.Time) ([]float64, bool) {
	usable := make([]TariffPoint, 0, len(points))
	for _, p := range points {
		if !p.StartUTC.Before(now.Truncate(time.Hour)) {
			usable = append(usable, p)
		}
	}
	if len(usable) < minHourlyTariff {
		return nil, false
	}
	prices := make([]float64, 0, slotCount)
	last := usable[0].PriceEURPerKWh
	for _, p := range usable {
		last = p.PriceEURPerKWh
		for i := 0; i < 60/slotMinutes; i++ {
			if len(prices) >= slotCount {
				break
			}
			prices = append(prices, p.PriceEURPerKWh)
		}
	}
	for len(prices) < slotCount {
		prices = append(prices, last)
	}
	return prices[:slotCount], true
}

func padForecast(vals []float64, n int) []float64 {
	out := make([]float64, n)
	if len(vals) == 0 {
		return out
	}
	last := 0.0
	for i := 0; i < n; i++ {
		if i < len(vals) {
			last = vals[i]
		}
		out[i] = last
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// problemMeta carries the per-slot scalars needed to reconstruct a
// DispatchSlot from the raw solver vector without recomputing them.
type problemMeta struct {
	floor    float64
	maxRange float64 // cfg.BatteryMaxSOC - floor
	evCapKWh float64
	seedSOCb float64
	seedSOCe float64
}

// Variable layout: 5 columns per slot — [pc, pd, pe, socb', soce] where
// socb' = socb - floor (shifted so the simplex non-negativity constraint
// becomes the true lower bound).
const varsPerSlot = 5

func varIdx(slot, offset int) int { return slot*varsPerSlot + offset }

func buildProblem(cfg Config, in Inputs, prices, pv, load []float64, floor float64, depSlot int) (simplex.Problem, problemMeta) {
	n := slotCount * varsPerSlot
	cost := make([]float64, n)
	var constraints []simplex.Constraint

	etaC := cfg.BatteryChargeEfficiency
	etaD := cfg.BatteryDischargeEfficiency
	if etaC <= 0 {
		etaC = 1
	}
	if etaD <= 0 {
		etaD = 1
	}
	cap := cfg.BatteryCapacityKWh
	if cap <= 0 {
		cap = 1
	}
	evCap := in.EV.CapacityKWh
	if evCap <= 0 {
		evCap = cfg.EVDefaultEnergyKWh
	}
	if evCap <= 0 {
		evCap = 1
	}

	pBatMutex := cfg.BatteryMaxChargeKW
	if cfg.BatteryMaxDischargeKW > pBatMutex {
		pBatMutex = cfg.BatteryMaxDischargeKW
	}

	penaltyMult := cfg.PenaltyMultiplier
	if penaltyMult <= 0 {
		penaltyMult = 10
	}

	meta := problemMeta{
		floor:    floor,
		maxRange: cfg.BatteryMaxSOC - floor,
		evCapKWh: evCap,
		seedSOCb: in.BatteryCurrentSOCPct,
		seedSOCe: in.EV.CurrentSOCPct,
	}
	if meta.maxRange < 0 {
		meta.maxRange = 0
	}

	for t := 0; t < slotCount; t++ {
		pc, pd, pe, socb, soce := varIdx(t, 0), varIdx(t, 1), varIdx(t, 2), varIdx(t, 3), varIdx(t, 4)

		price := prices[t]
		surplus := load[t]
		if pv[t] > load[t] {
			surplus = pv[t] - load[t]
		} else {
			surplus = 0
		}
		surplusRatio := 0.0
		if pBatMutex > 0 {
			surplusRatio = surplus / pBatMutex
			if surplusRatio > 1 {
				surplusRatio = 1
			}
		}
		priceConf := in.PriceConfidence
		if priceConf <= 0 {
			priceConf = 1
		}
		base := price*priceConf + in.SeasonalShiftEURPerKWh
		priceEff := base * (1 - surplusRatio)

		// price_eff * (pc + pe - surplus) * dt, minus feed-in revenue on
		// discharge. Only the linear coefficients on pc/pe are set; the
		// constant -price_eff*surplus*dt term is left out, since a constant
		// addend to the objective doesn't change the optimal x.
		cost[pc] += priceEff * slotHours
		cost[pe] += priceEff * slotHours
		cost[pd] += -(cfg.FeedInTariffCt / 100.0) * slotHours

		priceCt := price * 100.0
		if priceCt > cfg.BatteryMaxPriceCt {
			cost[pc] += penaltyMult * price * slotHours
		}
		if priceCt > cfg.EVMaxPriceCt {
			cost[pe] += penaltyMult * price * slotHours
		}

		// Battery SoC dynamics (equality), shifted by floor so socb' >= 0.
		row := make([]float64, n)
		row[socb] = 1
		row[pc] = -etaC * slotHours / cap * 100.0
		row[pd] = slotHours / (etaD * cap) * 100.0
		rhs := 0.0
		if t == 0 {
			rhs = meta.seedSOCb - floor
		} else {
			prevSocb := varIdx(t-1, 3)
			row[prevSocb] = -1
		}
		constraints = append(constraints, simplex.Constraint{Coeffs: row, Op: simplex.EQ, RHS: rhs})

		// EV SoC dynamics (equality), no efficiency term per spec §4.1.
		rowE := make([]float64, n)
		rowE[soce] = 1
		rowE[pe] = -slotHours / evCap * 100.0
		rhsE := 0.0
		if t == 0 {
			rhsE = meta.seedSOCe
		} else {
			prevSoce := varIdx(t-1, 4)
			rowE[prevSoce] = -1
		}
		constraints = append(constraints, simplex.Constraint{Coeffs: rowE, Op: simplex.EQ, RHS: rhsE})

		// Upper bounds.
		constraints = append(constraints, ub(n, socb, 1, meta.maxRange))
		constraints = append(constraints, ub(n, soce, 1, 100))
		constraints = append(constraints, ub(n, pc, 1, cfg.BatteryMaxChargeKW))
		constraints = append(constraints, ub(n, pd, 1, cfg.BatteryMaxDischargeKW))
		if in.EV.Connected {
			constraints = append(constraints, ub(n, pe, 1, cfg.EVMaxChargeKW))
		} else {
			constraints = append(constraints, ub(n, pe, 1, 0))
		}

		// Mutual exclusion.
		rowMx := make([]float64, n)
		rowMx[pc] = 1
		rowMx[pd] = 1
		constraints = append(constraints, simplex.Constraint{Coeffs: rowMx, Op: simplex.LE, RHS: pBatMutex})
	}

	if depSlot >= 0 && in.EV.Connected {
		row := make([]float64, n)
		row[varIdx(depSlot, 4)] = 1
		constraints = append(constraints, simplex.Constraint{Coeffs: row, Op: simplex.GE, RHS: in.EV.TargetSOCPct})
	}

	return simplex.Problem{Cost: cost, Constraints: constraints}, meta
}

func ub(n, col int, coeff, bound float64) simplex.Constraint {
	row := make([]float64, n)
	row[col] = coeff
	return simplex.Constraint{Coeffs: row, Op: simplex.LE, RHS: bound}
}

func extractSlots(cfg Config, in Inputs, x []float64, prices, pv, load []float64, floor float64, meta problemMeta) []domain.DispatchSlot {
	slots := make([]domain.DispatchSlot, slotCount)
	for t := 0; t < slotCount; t++ {
		pc := clampFloat(x[varIdx(t, 0)], 0, cfg.BatteryMaxChargeKW)
		pd := clampFloat(x[varIdx(t, 1)], 0, cfg.BatteryMaxDischargeKW)
		pe := 0.0
		if in.EV.Connected {
			pe = clampFloat(x[varIdx(t, 2)], 0, cfg.EVMaxChargeKW)
		}
		socb := clampFloat(x[varIdx(t, 3)]+floor, floor, cfg.BatteryMaxSOC)
		soce := clampFloat(x[varIdx(t, 4)], 0, 100)

		name := ""
		if in.EV.Connected {
			name = in.EV.Name
		}

		slots[t] = domain.DispatchSlot{
			Index:              t,
			Start:              in.Now.Add(time.Duration(t) * slotMinutes * time.Minute),
			BatteryChargeKW:    pc,
			BatteryDischargeKW: pd,
			EVChargeKW:         pe,
			EVName:             name,
			GridPriceEURPerKWh: prices[t],
			ExpectedPVKW:       pv[t],
			ExpectedLoadKW:     load[t],
			BatterySOCEndPct:   socb,
			EVSOCEndPct:        soce,
		}
	}
	return slots
}

// Validate reports a human-readable error for any LP coefficient that
// would make the problem meaningless, matching the critical-configuration
// checks the arbitration loop must perform before starting.
func (c Config) Validate() error {
	if c.BatteryCapacityKWh <= 0 {
		return fmt.Errorf("horizon: battery_capacity_kwh must be positive")
	}
	if c.BatteryMinSOC >= c.BatteryMaxSOC {
		return fmt.Errorf("horizon: battery_min_soc (%.1f) must be less than battery_max_soc (%.1f)", c.BatteryMinSOC, c.BatteryMaxSOC)
	}
	if c.BatteryChargeEfficiency <= 0 || c.BatteryChargeEfficiency > 1 {
		return fmt.Errorf("horizon: battery_charge_efficiency must be in (0, 1]")
	}
	if c.BatteryDischargeEfficiency <= 0 || c.BatteryDischargeEfficiency > 1 {
		return fmt.Errorf("horizon: battery_discharge_efficiency must be in (0, 1]")
	}
	if c.BatteryMaxChargeKW <= 0 || c.BatteryMaxDischargeKW <= 0 {
		return fmt.Errorf("horizon: battery charge/discharge power limits must be positive")
	}
	return nil
}
