// Package residual implements the 49-action tabular Q-learning agent that
// proposes signed ct/kWh corrections on top of the LP planner's implicit
// price thresholds. It never picks a "full action": its only output is a
// (battery delta, EV delta) pair the arbitrator may apply in advisory
// mode, or merely log in shadow mode.
//
// The tabular structuring (discrete state keys, epsilon-greedy selection,
// externally tunable hyperparameters) follows the shape shown in the
// retrieved other_examples tabular-RL exploration; the reward definition,
// 49-action space, seasonal replay stratification, and shadow/advisory
// constraint audit are specific to this controller and have no corpus
// precedent to imitate.
package residual

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/vantage-energy/ems-core/domain"
	"github.com/vantage-energy/ems-core/persist"
)

const (
	modelVersion = 2

	numDeltas  = 7
	numActions = numDeltas * numDeltas

	epsilon0      = 0.3
	epsilonMin    = 0.02
	epsilonDecay  = 0.9995

	learningRate = 0.1
	discount     = 0.9

	shadowMinDays = 30

	replayCapacityPerSeason = 500
	replayBatchSize         = 32
)

var deltaSet = [numDeltas]float64{-20, -10, -5, 0, 5, 10, 20}

// Correction is the agent's proposed (battery, EV) ct/kWh adjustment.
type Correction struct {
	BatteryDeltaCtPerKWh float64
	EVDeltaCtPerKWh      float64
	ActionIndex          int
}

func correctionFor(idx int) Correction {
	batIdx := idx / numDeltas
	evIdx := idx % numDeltas
	return Correction{
		BatteryDeltaCtPerKWh: deltaSet[batIdx],
		EVDeltaCtPerKWh:      deltaSet[evIdx],
		ActionIndex:          idx,
	}
}

// Mode is the agent's operating mode.
type Mode string

const (
	ModeShadow   Mode = "shadow"
	ModeAdvisory Mode = "advisory"
)

// Context bundles the extra scalars, beyond domain.SystemState, needed to
// discretize the state and to run the constraint audit.
type Context struct {
	PVConfidence     float64
	LoadConfidence   float64
	PriceConfidence  float64
	DynFloorPct      float64
	SeasonalShift    float64
	QuietHours       bool
	OverrideActive   bool
	MinutesToDeparture float64
	BatteryMinSOC    float64
	BatteryMaxSOC    float64
}

// shadowRecord is one logged shadow-mode correction, retained only long
// enough to run the constraint audit.
type shadowRecord struct {
	Ts                time.Time
	Correction        Correction
	WouldViolateSOC   bool
	WouldMissDeparture bool
	Won               bool // this correction would have beaten the uncorrected plan
}

type experience struct {
	StateKey  string
	ActionIdx int
	Reward    float64
	Season    domain.Season
}

// Agent is the tabular Q-learner. Safe for concurrent use.
type Agent struct {
	mu sync.Mutex

	qTable map[string]*[numActions]float64

	epsilon   float64
	stepCount int

	mode          Mode
	shadowStartTs time.Time

	replay map[domain.Season][]experience
	rng    *rand.Rand

	shadowLog []shadowRecord

	path string
}

// New returns a fresh Agent in shadow mode.
func New(path string, seed int64) *Agent {
	return &Agent{
		qTable:        make(map[string]*[numActions]float64),
		epsilon:       epsilon0,
		mode:          ModeShadow,
		shadowStartTs: time.Now(),
		replay:        make(map[domain.Season][]experience),
		rng:           rand.New(rand.NewSource(seed)),
		path:          path,
	}
}

// Mode returns the agent's current operating mode.
func (a *Agent) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// Select chooses a correction for the given state using epsilon-greedy
// selection, then decays epsilon. Selection always runs, even in shadow
// mode, so the Q-table keeps learning and the shadow log can be
// populated for the constraint audit.
func (a *Agent) Select(state domain.SystemState, ctx Context) Correction {
	key := discretize(state, ctx)

	a.mu.Lock()
	defer a.mu.Unlock()

	row, ok := a.qTable[key]
	if !ok {
		row = &[numActions]float64{}
		a.qTable[key] = row
	}

	var idx int
	if a.rng.Float64() < a.epsilon {
		idx = a.rng.Intn(numActions)
	} else {
		idx = argmax(row)
	}

	a.epsilon = math.Max(epsilonMin, a.epsilon*epsilonDecay)
	a.stepCount++

	c := correctionFor(idx)
	// Safety clipping: each delta is bounded below at -20 ct/kWh. The
	// engine clamps the shifted price ceiling itself at zero.
	if c.BatteryDeltaCtPerKWh < -20 {
		c.BatteryDeltaCtPerKWh = -20
	}
	if c.EVDeltaCtPerKWh < -20 {
		c.EVDeltaCtPerKWh = -20
	}
	return c
}

func argmax(row *[numActions]float64) int {
	best := 0
	for i := 1; i < numActions; i++ {
		if row[i] > row[best] {
			best = i
		}
	}
	return best
}

// Learn records the realised reward for one cycle's (state, action) and
// performs one Q-learning update plus a replay batch drawn evenly from
// every non-empty seasonal sub-buffer.
func (a *Agent) Learn(state domain.SystemState, ctx Context, c Correction, planSlot0Cost, actualSlot0Cost float64) {
	reward := planSlot0Cost - actualSlot0Cost
	key := discretize(state, ctx)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.updateLocked(key, c.ActionIndex, reward)

	exp := experience{StateKey: key, ActionIdx: c.ActionIndex, Reward: reward, Season: state.Season}
	buf := a.replay[state.Season]
	buf = append(buf, exp)
	if len(buf) > replayCapacityPerSeason {
		buf = buf[len(buf)-replayCapacityPerSeason:]
	}
	a.replay[state.Season] = buf

	a.replaySampleLocked()
}

func (a *Agent) updateLocked(key string, actionIdx int, reward float64) {
	row, ok := a.qTable[key]
	if !ok {
		row = &[numActions]float64{}
		a.qTable[key] = row
	}
	best := row[argmax(row)]
	row[actionIdx] += learningRate * (reward + discount*best - row[actionIdx])
}

// replaySampleLocked draws replayBatchSize/N samples from each non-empty
// seasonal sub-buffer and replays a Q-update for each, preventing
// seasonal forgetting during long runs dominated by one season.
func (a *Agent) replaySampleLocked() {
	nonEmpty := make([]domain.Season, 0, 4)
	for s, buf := range a.replay {
		if len(buf) > 0 {
			nonEmpty = append(nonEmpty, s)
		}
	}
	if len(nonEmpty) == 0 {
		return
	}
	perSeason := replayBatchSize / len(nonEmpty)
	if perSeason < 1 {
		perSeason = 1
	}
	for _, s := range nonEmpty {
		buf := a.replay[s]
		for i := 0; i < perSeason; i++ {
			exp := buf[a.rng.Intn(len(buf))]
			a.updateLocked(exp.StateKey, exp.ActionIdx, exp.Reward)
		}
	}
}

// RecordShadow appends one shadow-mode correction outcome for the
// constraint audit. socViolated and missedDeparture describe what would
// have happened had the correction actually been applied; won reports
// whether the corrected plan would have beaten the uncorrected one.
func (a *Agent) RecordShadow(socViolated, missedDeparture, won bool, c Correction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shadowLog = append(a.shadowLog, shadowRecord{
		Ts:                 time.Now(),
		Correction:         c,
		WouldViolateSOC:    socViolated,
		WouldMissDeparture: missedDeparture,
		Won:                won,
	})
}

// AuditCheck is one of the four pass/fail checks run after >= 30 days of
// shadow mode.
type AuditCheck struct {
	Name   string
	Passed bool
	Detail string
}

// AuditResult is the outcome of RunConstraintAudit.
type AuditResult struct {
	Checks    []AuditCheck
	AllPassed bool
}

// RunConstraintAudit evaluates the four shadow-mode safety checks. It
// does nothing (returns ok=false) before 30 days of shadow logging have
// elapsed. On success the agent transitions to advisory mode; on failure
// the shadow clock resets so the audit can be attempted again after
// another full window.
func (a *Agent) RunConstraintAudit(now time.Time) (AuditResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mode != ModeShadow {
		return AuditResult{}, false
	}
	if now.Sub(a.shadowStartTs) < shadowMinDays*24*time.Hour {
		return AuditResult{}, false
	}

	noSOCViolation := true
	noMissedDeparture := true
	allWithinMagnitude := true
	wins := 0
	for _, r := range a.shadowLog {
		if r.WouldViolateSOC {
			noSOCViolation = false
		}
		if r.WouldMissDeparture {
			noMissedDeparture = false
		}
		if math.Abs(r.Correction.BatteryDeltaCtPerKWh) > 20 || math.Abs(r.Correction.EVDeltaCtPerKWh) > 20 {
			allWithinMagnitude = false
		}
		if r.Won {
			wins++
		}
	}
	winRate := 0.0
	if len(a.shadowLog) > 0 {
		winRate = float64(wins) / float64(len(a.shadowLog))
	}

	checks := []AuditCheck{
		{Name: "no_soc_violation", Passed: noSOCViolation, Detail: fmt.Sprintf("%d logged corrections, violation=%v", len(a.shadowLog), !noSOCViolation)},
		{Name: "no_missed_departure", Passed: noMissedDeparture, Detail: fmt.Sprintf("missed_departure=%v", !noMissedDeparture)},
		{Name: "magnitude_within_20ct", Passed: allWithinMagnitude, Detail: fmt.Sprintf("within_bound=%v", allWithinMagnitude)},
		{Name: "win_rate_above_50pct", Passed: winRate > 0.5, Detail: fmt.Sprintf("win_rate=%.3f", winRate)},
	}

	all := true
	for _, c := range checks {
		if !c.Passed {
			all = false
		}
	}

	if all {
		a.mode = ModeAdvisory
	} else {
		a.shadowStartTs = now
	}

	return AuditResult{Checks: checks, AllPassed: all}, true
}

// discretize builds the 31-feature discretized state key described in the
// residual learning contract: battery/EV SoC, normalised price and
// percentiles, PV/load features, time-of-day, season, connectedness and
// related context the arbitrator already tracks.
func discretize(s domain.SystemState, ctx Context) string {
	bin := func(v, lo, hi float64, bins int) int {
		if hi <= lo {
			return 0
		}
		f := (v - lo) / (hi - lo)
		if f < 0 {
			f = 0
		}
		if f >= 1 {
			f = 0.999999
		}
		return int(f * float64(bins))
	}
	signBin := func(v float64) int {
		switch {
		case v < -0.001:
			return 0
		case v > 0.001:
			return 2
		default:
			return 1
		}
	}
	boolBin := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}

	f := [31]int{}
	f[0] = bin(s.BatterySOCPct, 0, 100, 10)
	if s.EVConnected {
		f[1] = bin(s.EVSOCPct, 0, 100, 10)
	} else {
		f[1] = 10
	}
	f[2] = boolBin(s.EVConnected)
	f[3] = bin(s.EVTargetSOCPct-s.EVSOCPct, -100, 100, 5)
	f[4] = bin(s.GridPriceEURPerKWh, 0, 1, 10)
	f[5] = bin(s.PriceP20, 0, 1, 5)
	f[6] = bin(s.PriceP30, 0, 1, 5)
	f[7] = bin(s.PriceP40, 0, 1, 5)
	f[8] = bin(s.PriceP60, 0, 1, 5)
	f[9] = bin(s.PriceP80, 0, 1, 5)
	f[10] = bin(s.PVPowerW, 0, 10000, 10)
	f[11] = bin(s.HouseLoadW, 0, 8000, 10)
	f[12] = int(s.TimeBand())
	f[13] = int(s.Season)
	f[14] = boolBin(s.Weekend)
	f[15] = s.Timestamp.Hour()
	f[16] = bin(ctx.PVConfidence, 0, 1, 5)
	f[17] = bin(ctx.LoadConfidence, 0, 1, 5)
	f[18] = bin(ctx.PriceConfidence, 0, 1, 5)
	f[19] = bin(ctx.DynFloorPct, 10, 100, 5)
	f[20] = signBin(ctx.SeasonalShift)
	f[21] = boolBin(ctx.QuietHours)
	f[22] = boolBin(ctx.OverrideActive)
	f[23] = signBin(s.BatteryPowerW)
	f[24] = bin(s.EVChargePowerW, 0, 11000, 5)
	f[25] = signBin(s.GridPriceEURPerKWh - s.PriceP20)
	f[26] = signBin(s.GridPriceEURPerKWh - s.PriceP80)
	f[27] = bin(ctx.BatteryMaxSOC-s.BatterySOCPct, 0, 100, 5)
	f[28] = bin(s.EVTargetSOCPct-s.EVSOCPct, 0, 100, 5)
	f[29] = bin(s.PriceP80-s.PriceP20, 0, 1, 5)
	f[30] = bin(ctx.MinutesToDeparture, 0, 24*60, 6)

	return fmt.Sprintf("%v", f)
}

// Snapshot is the JSON-persistable layout matching rl_model.json.
type Snapshot struct {
	Version       int                          `json:"version"`
	QTable        map[string][numActions]float64 `json:"q_table"`
	Epsilon       float64                      `json:"epsilon"`
	StepCount     int                          `json:"step_count"`
	ShadowStartTs time.Time                    `json:"shadow_start_ts"`
	Mode          Mode                         `json:"mode"`
}

func (a *Agent) snapshotLocked() Snapshot {
	q := make(map[string][numActions]float64, len(a.qTable))
	for k, row := range a.qTable {
		q[k] = *row
	}
	return Snapshot{
		Version:       modelVersion,
		QTable:        q,
		Epsilon:       a.epsilon,
		StepCount:     a.stepCount,
		ShadowStartTs: a.shadowStartTs,
		Mode:          a.mode,
	}
}

// Save persists the Q-table and counters to disk.
func (a *Agent) Save() error {
	if a.path == "" {
		return nil
	}
	a.mu.Lock()
	snap := a.snapshotLocked()
	a.mu.Unlock()
	return persist.WriteJSON(a.path, snap)
}

// Load restores the agent from disk. A version mismatch (e.g. from a
// prior full-action agent) triggers a clean reset of the Q-table while
// preserving step/epsilon counters, per spec.
func (a *Agent) Load() error {
	if a.path == "" {
		return nil
	}
	var snap Snapshot
	if err := persist.ReadJSON(a.path, &snap); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if snap.Version != modelVersion {
		a.qTable = make(map[string]*[numActions]float64)
		a.epsilon = snap.Epsilon
		a.stepCount = snap.StepCount
		return nil
	}

	a.qTable = make(map[string]*[numActions]float64, len(snap.QTable))
	for k, row := range snap.QTable {
		r := row
		a.qTable[k] = &r
	}
	a.epsilon = snap.Epsilon
	a.stepCount = snap.StepCount
	a.shadowStartTs = snap.ShadowStartTs
	a.mode = snap.Mode
	return nil
}
