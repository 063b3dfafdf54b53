// Package engine is the composition root: it owns every learner and
// tracker package, drives the per-cycle arbitration loop described by
// the component design, and exposes the dashboard/API surface. Its
// Start/Stop lifecycle and PeriodicTask-style scheduling are grounded on
// scheduler/scheduler.go's MinerScheduler — the same "named periodic
// tasks, each in its own goroutine, all stoppable from one stopChan"
// pattern, generalized from six independent tasks (miner discovery,
// price check, state check, PV poll, PV integration, MPC execution) down
// to the engine's own decision cycle plus a vehicle-poll task.
package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/vantage-energy/ems-core/buffer"
	"github.com/vantage-energy/ems-core/departure"
	"github.com/vantage-energy/ems-core/domain"
	"github.com/vantage-energy/ems-core/horizon"
	"github.com/vantage-energy/ems-core/override"
	"github.com/vantage-energy/ems-core/reaction"
	"github.com/vantage-energy/ems-core/reliability"
	"github.com/vantage-energy/ems-core/residual"
	"github.com/vantage-energy/ems-core/seasonal"
	"github.com/vantage-energy/ems-core/store"
)

// PeriodicTask runs runFunc immediately (after an optional initial delay)
// and then on every tick of interval, until ctx is cancelled or stopChan
// closes.
type PeriodicTask struct {
	name         string
	initialDelay time.Duration
	interval     time.Duration
	runFunc      func()
}

func (pt *PeriodicTask) run(ctx context.Context, stopChan <-chan struct{}, logger *log.Logger) {
	if pt.initialDelay > 0 {
		select {
		case <-time.After(pt.initialDelay):
			pt.runFunc()
		case <-ctx.Done():
			logger.Printf("[%s] stopped during initial delay: %v", pt.name, ctx.Err())
			return
		case <-stopChan:
			logger.Printf("[%s] stopped during initial delay", pt.name)
			return
		}
	} else {
		pt.runFunc()
	}

	ticker := time.NewTicker(pt.interval)
	defer ticker.Stop()
	logger.Printf("[%s] started, interval=%v", pt.name, pt.interval)

	for {
		select {
		case <-ticker.C:
			pt.runFunc()
		case <-ctx.Done():
			logger.Printf("[%s] stopped: %v", pt.name, ctx.Err())
			return
		case <-stopChan:
			logger.Printf("[%s] stopped", pt.name)
			return
		}
	}
}

// externalTimeout bounds every outbound call the cycle makes, per the
// concurrency model's 10s tariff/vehicle/solver budget.
const externalTimeout = 10 * time.Second

// Engine wires every learner/tracker package together and drives the
// cycle.
type Engine struct {
	mu        sync.RWMutex
	cfg       Config
	isRunning bool
	stopChan  chan struct{}
	logger    *log.Logger

	store       *store.Store
	reliability *reliability.Tracker
	seasonal    *seasonal.Learner
	reaction    *reaction.Tracker
	residual    *residual.Agent
	buffer      *buffer.Calculator
	override    *override.Manager
	departures  *departure.Store

	tariff   TariffSource
	weather  WeatherSource
	vehicles VehicleSource
	plant    ChargeController
	notifier Notifier
	recorder PlanRecorder

	server *Server

	// Cached inputs, refreshed by the collector task and read by the
	// cycle task; guarded by mu.
	lastTariff  []horizon.TariffPoint
	lastPV      []float64
	lastLoad    []float64
	lastVehicles []VehicleState

	// Cross-cycle bookkeeping for the battery-to-EV arbitrage gates and
	// the replan-on-deviation scheduling (step 12).
	priceHistoryAvgEURPerKWh float64
	priceHistoryCount        int
	replanNow                chan struct{}
}

// New constructs an Engine from its configuration and collaborators. A nil
// Recorder or Notifier is replaced by a no-op; a nil Tariff, Weather,
// Vehicles or Plant collaborator is left nil and the cycle skips the steps
// that use it, so the engine can run in a degraded-but-alive mode (e.g. no
// database configured).
func New(cfg Config, logger *log.Logger, deps Dependencies) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		stopChan:    make(chan struct{}),
		store:       store.New(),
		reliability: reliability.New(dataPath(cfg, "forecast_reliability.json")),
		seasonal:    seasonal.New(dataPath(cfg, "seasonal_model.json")),
		reaction:    reaction.New(dataPath(cfg, "reaction_timing.json")),
		residual:    residual.New(dataPath(cfg, "rl_model.json"), deps.RandSeed),
		buffer:      buffer.New(dataPath(cfg, "buffer_calc.json"), deps.DeployedAt),
		override:    override.New(),
		departures:  departure.New(dataPath(cfg, "departure_times.json")),
		tariff:      deps.Tariff,
		weather:     deps.Weather,
		vehicles:    deps.Vehicles,
		plant:       deps.Plant,
		notifier:    deps.Notifier,
		recorder:    deps.Recorder,
		replanNow:   make(chan struct{}, 1),
	}
	if e.recorder == nil {
		e.recorder = noopRecorder{}
	}
	if e.notifier == nil {
		e.notifier = loggingNotifier{logger: logger}
	}
	e.server = newServer(e)
	return e
}

// Dependencies bundles every external collaborator an Engine needs.
// Recorder and Notifier may be nil (a no-op is substituted).
type Dependencies struct {
	Tariff     TariffSource
	Weather    WeatherSource
	Vehicles   VehicleSource
	Plant      ChargeController
	Notifier   Notifier
	Recorder   PlanRecorder
	RandSeed   int64
	DeployedAt time.Time
}

func dataPath(cfg Config, name string) string {
	dir := cfg.DataDir
	if dir == "" {
		dir = "."
	}
	return dir + "/" + name
}

// LoadState restores every persisted learner from DataDir. Missing files
// are not an error.
func (e *Engine) LoadState() {
	if err := e.seasonal.Load(); err != nil {
		e.logger.Printf("seasonal: load: %v", err)
	}
	if err := e.reaction.Load(); err != nil {
		e.logger.Printf("reaction: load: %v", err)
	}
	if err := e.residual.Load(); err != nil {
		e.logger.Printf("residual: load: %v", err)
	}
	if err := e.buffer.Load(); err != nil {
		e.logger.Printf("buffer: load: %v", err)
	}
	if err := e.departures.Load(); err != nil {
		e.logger.Printf("departures: load: %v", err)
	}
	if err := e.reliability.Load(); err != nil {
		e.logger.Printf("reliability: load: %v", err)
	}
}

// Start runs the collector and cycle tasks until ctx is cancelled. If
// serverOnly is true, only the dashboard/API server is started (used for
// the -serverOnly CLI flag to inspect a running data directory without
// driving the physical site).
func (e *Engine) Start(ctx context.Context, serverOnly bool) error {
	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return fmt.Errorf("engine: already running")
	}
	e.isRunning = true
	e.stopChan = make(chan struct{})
	e.mu.Unlock()

	if err := e.server.start(e.cfg.HTTPPort); err != nil {
		e.logger.Printf("server: failed to start: %v", err)
	} else {
		e.logger.Printf("dashboard/API server listening on :%d", e.cfg.HTTPPort)
	}
	if serverOnly {
		<-ctx.Done()
		e.stop()
		return nil
	}

	tasks := []PeriodicTask{
		{
			name:         "Collector",
			initialDelay: 0,
			interval:     5 * time.Minute,
			runFunc:      func() { e.runCollector(ctx) },
		},
		{
			name:         "VehiclePoll",
			initialDelay: 2 * time.Second,
			interval:     time.Duration(e.cfg.VehiclePollIntervalMinutes) * time.Minute,
			runFunc:      func() { e.runVehiclePoll(ctx) },
		},
	}

	var wg sync.WaitGroup
	for i := range tasks {
		task := tasks[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			task.run(ctx, e.stopChan, e.logger)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.runDecisionLoop(ctx)
	}()

	wg.Wait()

	e.logger.Printf("all periodic tasks stopped")
	e.stop()
	return nil
}

// Stop gracefully stops the engine.
func (e *Engine) Stop() { e.stop() }

func (e *Engine) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isRunning {
		return
	}
	e.isRunning = false
	select {
	case <-e.stopChan:
	default:
		close(e.stopChan)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.server.stop(shutdownCtx); err != nil {
		e.logger.Printf("server: shutdown error: %v", err)
	}
	_ = e.recorder.Close()
}

// IsRunning reports whether the engine's periodic tasks are active.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isRunning
}

// Store exposes the state store for the server to subscribe against.
func (e *Engine) Store() *store.Store { return e.store }

// runCollector refreshes the tariff and weather forecasts. Failures are
// logged and the previous cached values are kept, per the external
// transient error policy.
func (e *Engine) runCollector(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, externalTimeout)
	defer cancel()

	if e.tariff != nil {
		if points, err := e.tariff.Tariff(cctx, time.Now()); err != nil {
			e.logger.Printf("tariff: fetch failed, using cached curve: %v", err)
		} else {
			e.mu.Lock()
			e.lastTariff = points
			e.mu.Unlock()
		}
	}
	if e.weather != nil {
		if pv, err := e.weather.PVForecastKW(cctx, time.Now()); err != nil {
			e.logger.Printf("weather: pv forecast failed, using cached curve: %v", err)
		} else {
			e.mu.Lock()
			e.lastPV = pv
			e.mu.Unlock()
		}
		if load, err := e.weather.LoadForecastKW(cctx, time.Now()); err != nil {
			e.logger.Printf("weather: load forecast failed, using cached curve: %v", err)
		} else {
			e.mu.Lock()
			e.lastLoad = load
			e.mu.Unlock()
		}
	}
}

func (e *Engine) runVehiclePoll(ctx context.Context) {
	if e.vehicles == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, externalTimeout)
	defer cancel()
	vs, err := e.vehicles.Vehicles(cctx)
	if err != nil {
		e.logger.Printf("vehicles: poll failed, using cached fleet state: %v", err)
		return
	}
	e.mu.Lock()
	e.lastVehicles = vs
	e.mu.Unlock()
}

// runDecisionLoop drives RunCycle on the configured interval, but an
// extra cycle requested by step 12 (deviations seldom self-correcting)
// runs as its own cycle as soon as the requesting cycle has returned,
// rather than waiting a full interval; the ticker is then reset so the
// next regular cycle follows one full interval later.
func (e *Engine) runDecisionLoop(ctx context.Context) {
	time.Sleep(time.Second)
	e.RunCycle(ctx)

	ticker := time.NewTicker(e.cfg.DecisionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.RunCycle(ctx)
		case <-e.replanNow:
			e.logger.Printf("cycle: extra replan requested by reaction tracker")
			e.RunCycle(ctx)
			ticker.Reset(e.cfg.DecisionInterval)
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		}
	}
}

// RunCycle executes one full arbitration cycle (§4.4, steps 1-13). It
// never panics and never returns an error: every external failure is
// logged and the cycle degrades gracefully, per the failure semantics.
func (e *Engine) RunCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("cycle: recovered from panic: %v", r)
		}
	}()

	now := time.Now()
	cctx, cancel := context.WithTimeout(ctx, externalTimeout)
	defer cancel()

	// Step 1: collect fresh SystemState.
	state, err := e.readState(cctx, now)
	if err != nil {
		e.logger.Printf("cycle: state read failed, skipping cycle: %v", err)
		return
	}

	// Step 2: update forecast-reliability tracker from the previous
	// cycle's cached forecast vs this cycle's actual.
	e.updateReliability(state)

	quiet := override.QuietHours{Enabled: e.cfg.QuietHoursEnabled, StartHour: e.cfg.QuietHoursStart, EndHour: e.cfg.QuietHoursEnd}
	isQuiet := quiet.Contains(now)

	// Step 3: dynamic SoC floor, lower-bounded at 10%.
	priceSpreadPct := (state.PriceP80 - state.PriceP20) * 100
	pvConf := e.reliability.Confidence(reliability.PV)
	forecastPV4h := e.sumNextHours(e.snapshotPV(), 4)
	solarAlt := 0.0
	if e.weather != nil {
		solarAlt = e.weather.SolarAltitudeDeg(now)
	}
	dynFloor := e.buffer.Step(buffer.Config{
		BaseSOCPct:        e.cfg.BufferBaseSOCPct,
		SpreadBonus:       e.cfg.BufferSpreadBonus,
		PVReduction:       e.cfg.BufferPVReduction,
		MaxFloorPct:       e.cfg.BufferMaxFloorPct,
		StayInObservation: false,
	}, now, priceSpreadPct, forecastPV4h, pvConf, solarAlt)
	if dynFloor < 10 {
		dynFloor = 10
	}
	e.store.SetBufferStatus(fmt.Sprintf("mode=%s floor=%.1f%%", e.buffer.Mode(), dynFloor))

	// Step 4: confidences, seasonal correction, LP plan.
	priceConf := e.reliability.Confidence(reliability.Price)
	seasonalShift, _ := e.seasonal.GetCorrectionFactor(now, 10)

	ev, urgentCandidate := e.currentEVDeparture(now, isQuiet)
	plan := horizon.BuildPlan(e.cfg.horizonConfig(), horizon.Inputs{
		Now:                    now,
		BatteryCurrentSOCPct:   state.BatterySOCPct,
		DynFloorPct:            dynFloor,
		Tariff:                 e.snapshotTariff(),
		PVForecastKW:           e.snapshotPV(),
		LoadForecastKW:         e.snapshotLoad(),
		PriceConfidence:        priceConf,
		SeasonalShiftEURPerKWh: seasonalShift,
		EV:                     ev,
	})

	var action domain.Action
	category := domain.CategoryPlan
	var correction residual.Correction
	rlCtx := residual.Context{
		PVConfidence:       pvConf,
		LoadConfidence:     e.reliability.Confidence(reliability.Consumption),
		PriceConfidence:    priceConf,
		DynFloorPct:        dynFloor,
		SeasonalShift:      seasonalShift,
		QuietHours:         isQuiet,
		OverrideActive:     e.overrideActive(now),
		MinutesToDeparture: ev.MinutesToDeparture,
		BatteryMinSOC:      e.cfg.BatteryMinSOC,
		BatteryMaxSOC:      e.cfg.BatteryMaxSOC,
	}

	if plan != nil {
		// Step 5: store the plan, derive the LP action, apply the
		// residual correction if the agent is in advisory mode.
		e.store.UpdatePlan(plan)
		e.store.SetResidualMode(string(e.residual.Mode()))

		correction = e.residual.Select(state, rlCtx)
		action = e.actionFromPlan(plan, correction, e.residual.Mode() == residual.ModeAdvisory)

		if e.residual.Mode() == residual.ModeShadow {
			socViolated, missedDeparture, won := e.evaluateShadowCorrection(plan, state, ev, dynFloor, correction)
			e.residual.RecordShadow(socViolated, missedDeparture, won, correction)
		}
	} else {
		// Step 6: fallback to the legacy static-threshold path.
		e.logger.Printf("cycle: planner returned no plan, falling back to static thresholds")
		action = e.staticFallbackAction(state, ev, isQuiet)
		category = domain.CategoryWarning
	}

	// Step 7: override arbitration.
	action = e.applyOverride(action, state, now)

	// Step 8: battery -> EV arbitrage gates.
	action = e.applyArbitrage(action, plan, state, dynFloor, now)

	// Step 9: charge sequencer, when more than one vehicle is competing.
	action = e.applySequencer(action, urgentCandidate, isQuiet, now)

	action.DerivedAt = now

	// Step 10: hand the action to the external controller.
	if e.plant != nil {
		if err := e.plant.Apply(cctx, action); err != nil {
			e.logger.Printf("plant: apply failed: %v", err)
		}
	}
	e.store.Update(state, action)
	e.store.AppendDecision(domain.DecisionLogEntry{
		Ts:       now,
		Category: category,
		Text:     fmt.Sprintf("battery=%s(%.1fkW) ev=%s(%.1fkW) reason=%s", action.BatteryAction, action.BatteryPowerLimitKW, action.EVAction, action.EVPowerLimitKW, action.Reason),
	})

	// Step 11: realised slot-0 cost, learner updates.
	actualCost := state.GridPriceEURPerKWh * (action.BatteryPowerLimitKW + action.EVPowerLimitKW) * 0.25
	planCost := 0.0
	if plan != nil {
		s0 := plan.Slot0()
		planCost = s0.GridPriceEURPerKWh * (s0.BatteryChargeKW + s0.EVChargeKW) * 0.25
		planError := actualCost - planCost
		e.seasonal.Record(now, planError)
		if plan.SolverStatus == domain.SolverOptimal {
			e.residual.Learn(state, rlCtx, correction, planCost, actualCost)
		}
	}
	e.priceHistoryAvgEURPerKWh = (e.priceHistoryAvgEURPerKWh*float64(e.priceHistoryCount) + state.GridPriceEURPerKWh) / float64(e.priceHistoryCount+1)
	e.priceHistoryCount++

	if audit, ok := e.residual.RunConstraintAudit(now); ok {
		e.logger.Printf("residual: constraint audit ran, all_passed=%v", audit.AllPassed)
	}

	// Step 12: reaction-timing update; schedule an extra plan next tick
	// if deviations seldom self-correct.
	selfCorrected := math.Abs(actualCost-planCost) < 0.01 || plan == nil
	e.reaction.Observe(selfCorrected)
	if e.reaction.ShouldReplanImmediately() && math.Abs(actualCost-planCost) > 0.05 {
		select {
		case e.replanNow <- struct{}{}:
		default:
		}
	}

	// Step 13: publish happens inside store.Update/AppendDecision above,
	// which already triggers C1's event fan-out to dashboard subscribers.

	if err := e.recorder.Record(cctx, domain.PlanSnapshotRecord{
		Ts:                    now,
		PlannedBatChargeKW:    planSlotOrZero(plan).BatteryChargeKW,
		PlannedBatDischargeKW: planSlotOrZero(plan).BatteryDischargeKW,
		PlannedEVChargeKW:     planSlotOrZero(plan).EVChargeKW,
		PlannedPriceCt:        planSlotOrZero(plan).GridPriceEURPerKWh * 100,
		ActualBatPowerKW:      action.BatteryPowerLimitKW,
		ActualEVPowerKW:       action.EVPowerLimitKW,
		ActualPriceCt:         state.GridPriceEURPerKWh * 100,
	}); err != nil {
		e.logger.Printf("recorder: write failed: %v", err)
	}
}

func planSlotOrZero(p *domain.PlanHorizon) domain.DispatchSlot {
	if p == nil {
		return domain.DispatchSlot{}
	}
	return p.Slot0()
}

func (e *Engine) overrideActive(now time.Time) bool {
	o, active := e.override.Status()
	return active && o.Active(now)
}

func (e *Engine) snapshotTariff() []horizon.TariffPoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]horizon.TariffPoint, len(e.lastTariff))
	copy(out, e.lastTariff)
	return out
}

func (e *Engine) snapshotPV() []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]float64, len(e.lastPV))
	copy(out, e.lastPV)
	return out
}

func (e *Engine) snapshotLoad() []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]float64, len(e.lastLoad))
	copy(out, e.lastLoad)
	return out
}

func (e *Engine) sumNextHours(slotsKW []float64, hours int) float64 {
	n := hours * 4
	if n > len(slotsKW) {
		n = len(slotsKW)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += slotsKW[i] * 0.25
	}
	return sum
}
