// Package recorder implements engine.PlanRecorder against Postgres, in
// the same style as scheduler.go's sql.Open("postgres", ...) plus
// mpc_persistence.go's upsert-on-conflict pattern: one prepared INSERT
// per Record call with an ON CONFLICT (ts) DO UPDATE so a re-run of the
// same cycle (e.g. after a crash mid-cycle) overwrites rather than
// duplicates.
package recorder

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/vantage-energy/ems-core/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS plan_snapshots (
	ts                        TIMESTAMPTZ PRIMARY KEY,
	planned_bat_charge_kw     DOUBLE PRECISION NOT NULL,
	planned_bat_discharge_kw  DOUBLE PRECISION NOT NULL,
	planned_ev_charge_kw      DOUBLE PRECISION NOT NULL,
	planned_price_ct          DOUBLE PRECISION NOT NULL,
	actual_bat_power_kw       DOUBLE PRECISION NOT NULL,
	actual_ev_power_kw        DOUBLE PRECISION NOT NULL,
	actual_price_ct           DOUBLE PRECISION NOT NULL
)`

const upsert = `
INSERT INTO plan_snapshots (
	ts, planned_bat_charge_kw, planned_bat_discharge_kw, planned_ev_charge_kw,
	planned_price_ct, actual_bat_power_kw, actual_ev_power_kw, actual_price_ct
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (ts) DO UPDATE SET
	planned_bat_charge_kw = EXCLUDED.planned_bat_charge_kw,
	planned_bat_discharge_kw = EXCLUDED.planned_bat_discharge_kw,
	planned_ev_charge_kw = EXCLUDED.planned_ev_charge_kw,
	planned_price_ct = EXCLUDED.planned_price_ct,
	actual_bat_power_kw = EXCLUDED.actual_bat_power_kw,
	actual_ev_power_kw = EXCLUDED.actual_ev_power_kw,
	actual_price_ct = EXCLUDED.actual_price_ct
`

// Recorder is a Postgres-backed engine.PlanRecorder.
type Recorder struct {
	db *sql.DB
}

// Open connects to connString (a standard libpq connection string) and
// ensures the plan_snapshots table exists.
func Open(connString string) (*Recorder, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("recorder: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: create schema: %w", err)
	}
	return &Recorder{db: db}, nil
}

// Record satisfies engine.PlanRecorder.
func (r *Recorder) Record(ctx context.Context, rec domain.PlanSnapshotRecord) error {
	_, err := r.db.ExecContext(ctx, upsert,
		rec.Ts,
		rec.PlannedBatChargeKW,
		rec.PlannedBatDischargeKW,
		rec.PlannedEVChargeKW,
		rec.PlannedPriceCt,
		rec.ActualBatPowerKW,
		rec.ActualEVPowerKW,
		rec.ActualPriceCt,
	)
	if err != nil {
		return fmt.Errorf("recorder: insert: %w", err)
	}
	return nil
}

// Close satisfies engine.PlanRecorder.
func (r *Recorder) Close() error {
	return r.db.Close()
}
