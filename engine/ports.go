package engine

import (
	"context"
	"time"

	"github.com/vantage-energy/ems-core/domain"
	"github.com/vantage-energy/ems-core/horizon"
)

// TariffSource fetches the forward hourly tariff curve. Implemented by
// the tariff package's ENTSO-E-shaped adapter in production and by a
// fake in tests.
type TariffSource interface {
	Tariff(ctx context.Context, now time.Time) ([]horizon.TariffPoint, error)
}

// WeatherSource fetches PV and house-load forecasts aligned to 15-minute
// slots starting at now, plus the sun's current altitude for the buffer
// calculator's cross-check. Implemented by the weather package.
type WeatherSource interface {
	PVForecastKW(ctx context.Context, now time.Time) ([]float64, error)
	LoadForecastKW(ctx context.Context, now time.Time) ([]float64, error)
	SolarAltitudeDeg(now time.Time) float64
}

// VehicleSource reports the live state of every known EV. Implemented by
// a manufacturer API adapter in production; a single struct slice is
// enough for a fake in tests.
type VehicleSource interface {
	Vehicles(ctx context.Context) ([]VehicleState, error)
}

// VehicleState is one vehicle's live telemetry as of this cycle.
type VehicleState struct {
	Name               string
	Connected          bool
	SOCPct             float64
	TargetSOCPct       float64
	CapacityKWh        float64
	MinutesToDeparture float64 // 0 if unknown
	AlreadyCharging    bool
}

// ChargeController issues the final action to the physical site. The
// plant package's Modbus adapter implements this against a real charge
// controller; a recording fake implements it in tests.
type ChargeController interface {
	Apply(ctx context.Context, action domain.Action) error
	Read(ctx context.Context) (domain.SystemState, error)
}

// Notifier sends a human-readable message to whatever messaging surface
// is configured. Per spec.md's explicit non-goal, the production
// implementation only logs; it exists so the arbitration loop has
// somewhere to report without special-casing "no messaging configured".
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// PlanRecorder persists one cycle's plan-vs-actual record for later
// analysis. Implemented by the Postgres-backed recorder package;
// a no-op recorder is used when no database is configured.
type PlanRecorder interface {
	Record(ctx context.Context, rec domain.PlanSnapshotRecord) error
	Close() error
}
