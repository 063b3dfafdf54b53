package engine

import (
	"context"
	"time"

	"github.com/vantage-energy/ems-core/domain"
	"github.com/vantage-energy/ems-core/horizon"
)

// PlanOnce fetches a fresh tariff/PV/load forecast and runs a single LP
// solve without starting the engine's periodic loop, for the CLI's -plan
// flag (mirroring the teacher's -mpc one-shot optimize-and-print flag).
func PlanOnce(ctx context.Context, cfg Config, tariffSrc TariffSource, weatherSrc WeatherSource) (*domain.PlanHorizon, error) {
	now := time.Now()

	cctx, cancel := context.WithTimeout(ctx, externalTimeout)
	defer cancel()

	points, err := tariffSrc.Tariff(cctx, now)
	if err != nil {
		return nil, err
	}
	pv, err := weatherSrc.PVForecastKW(cctx, now)
	if err != nil {
		return nil, err
	}
	load, err := weatherSrc.LoadForecastKW(cctx, now)
	if err != nil {
		return nil, err
	}

	plan := horizon.BuildPlan(cfg.horizonConfig(), horizon.Inputs{
		Now:            now,
		DynFloorPct:    cfg.BatteryMinSOC,
		Tariff:         points,
		PVForecastKW:   pv,
		LoadForecastKW: load,
	})
	return plan, nil
}
