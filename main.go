// Command emsd runs the residential energy management decision engine:
// a periodic LP-planned arbitration loop over battery storage, a shared
// EV wallbox and the house load, plus a REST/websocket dashboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vantage-energy/ems-core/engine"
	"github.com/vantage-energy/ems-core/plant"
	"github.com/vantage-energy/ems-core/recorder"
	"github.com/vantage-energy/ems-core/tariff"
	"github.com/vantage-energy/ems-core/vehicle"
	"github.com/vantage-energy/ems-core/weather"
)

func main() {
	var (
		configFile = flag.String("config", "config.json", "Configuration file path")
		info       = flag.Bool("info", false, "Show plant connection information")
		help       = flag.Bool("help", false, "Show help message")
		serverOnly = flag.Bool("serverOnly", false, "Run only the dashboard/API server, without the decision loop")
		plan       = flag.Bool("plan", false, "Run one planning cycle, print the dispatch table and exit")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	cfg, err := engine.LoadConfig(*configFile)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		os.Exit(1)
	}

	if *info {
		if err := showPlantInfo(cfg); err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}
		return
	}

	if *plan {
		if err := runPlanOnce(cfg); err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}
		return
	}

	logger := log.New(os.Stdout, "[EMS] ", log.LstdFlags)

	deps := engine.Dependencies{
		Tariff: tariff.NewClient(cfg.TariffURL),
		Weather: weather.NewClient("ems-core/1.0", cfg.SiteLatitude, cfg.SiteLongitude,
			cfg.PVArrayRatedKWp, cfg.BaseHouseLoadKW),
	}

	if plantClient, err := plant.Dial(cfg.PlantModbusAddress); err != nil {
		logger.Printf("plant: could not connect, running without a charge controller: %v", err)
	} else {
		deps.Plant = plantClient
		defer plantClient.Close()
	}

	if cfg.DatabaseURL != "" {
		rec, err := recorder.Open(cfg.DatabaseURL)
		if err != nil {
			logger.Printf("recorder: could not connect to database, plan history will not be persisted: %v", err)
		} else {
			deps.Recorder = rec
			defer rec.Close()
		}
	}

	accounts := make([]vehicle.Account, len(cfg.VehicleAccounts))
	for i, a := range cfg.VehicleAccounts {
		accounts[i] = vehicle.Account{
			Name:         a.Name,
			BaseURL:      a.BaseURL,
			Username:     a.Username,
			Password:     a.Password,
			CapacityKWh:  a.CapacityKWh,
			TargetSOCPct: a.TargetSOCPct,
		}
	}
	deps.Vehicles = vehicle.NewSource(accounts)

	eng := engine.New(cfg, logger, deps)
	eng.LoadState()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := eng.Start(ctx, *serverOnly); err != nil {
			if err != context.Canceled {
				logger.Printf("engine error: %v", err)
			}
		}
	}()

	logger.Printf("EMS started. Press Ctrl+C to stop...")

	<-sigChan
	logger.Printf("shutdown signal received, stopping...")

	cancel()
	eng.Stop()

	logger.Printf("EMS stopped successfully")
}

func showPlantInfo(cfg engine.Config) error {
	if cfg.PlantModbusAddress == "" {
		return fmt.Errorf("plant_modbus_address is not configured")
	}

	client, err := plant.Dial(cfg.PlantModbusAddress)
	if err != nil {
		return fmt.Errorf("connecting to plant at %s: %w", cfg.PlantModbusAddress, err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := client.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading plant running info: %w", err)
	}

	fmt.Println()
	fmt.Println("======================== PLANT RUNNING INFORMATION ========================")
	fmt.Println()
	fmt.Printf("  Timestamp:           %s\n", state.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Grid price:          %.4f EUR/kWh\n", state.GridPriceEURPerKWh)
	fmt.Printf("  Battery SOC:         %.1f %%\n", state.BatterySOCPct)
	fmt.Printf("  Battery power:       %.0f W\n", state.BatteryPowerW)
	fmt.Printf("  PV power:            %.0f W\n", state.PVPowerW)
	fmt.Printf("  House load:          %.0f W\n", state.HouseLoadW)
	if state.EVConnected {
		fmt.Printf("  EV connected:        %s (%.1f%% -> %.1f%%, %.0f W)\n",
			state.EVName, state.EVSOCPct, state.EVTargetSOCPct, state.EVChargePowerW)
	} else {
		fmt.Printf("  EV connected:        no\n")
	}
	fmt.Println()
	return nil
}

func runPlanOnce(cfg engine.Config) error {
	logger := log.New(os.Stdout, "[PLAN] ", log.LstdFlags)

	tariffSrc := tariff.NewClient(cfg.TariffURL)
	weatherSrc := weather.NewClient("ems-core/1.0", cfg.SiteLatitude, cfg.SiteLongitude,
		cfg.PVArrayRatedKWp, cfg.BaseHouseLoadKW)

	logger.Printf("Running one planning cycle...")
	planHorizon, err := engine.PlanOnce(context.Background(), cfg, tariffSrc, weatherSrc)
	if err != nil {
		return fmt.Errorf("planning cycle failed: %w", err)
	}

	if len(planHorizon.Slots) == 0 {
		logger.Printf("No dispatch slots were generated")
		return nil
	}

	fmt.Println("\n========================================")
	fmt.Println("PLAN RESULTS")
	fmt.Println("========================================")
	fmt.Printf("Solver status:   %s\n", planHorizon.SolverStatus)
	fmt.Printf("Objective value: %.4f\n", planHorizon.ObjectiveValue)
	fmt.Printf("Compute time:    %s\n", planHorizon.ComputeTime)
	fmt.Printf("Total slots:     %d\n\n", len(planHorizon.Slots))

	fmt.Println("┌──────┬─────────────────────┬──────────┬───────────┬──────────────┬──────────┬──────────┬────────────┬────────────┬──────────┐")
	fmt.Println("│ Slot │      Start          │ Bat SOC  │ Bat Chrg  │  Bat Dischrg │ EV Chrg  │ EV SOC   │ Price      │ PV Fcst    │ Load Fst │")
	fmt.Println("│      │                     │    (%)   │   (kW)    │     (kW)     │   (kW)   │   (%)    │ (EUR/kWh)  │   (kW)     │   (kW)   │")
	fmt.Println("├──────┼─────────────────────┼──────────┼───────────┼──────────────┼──────────┼──────────┼────────────┼────────────┼──────────┤")

	for _, slot := range planHorizon.Slots {
		fmt.Printf("│ %4d │ %19s │  %6.1f  │  %6.2f   │    %6.2f    │  %6.2f  │  %6.1f  │  %7.4f   │  %7.2f   │  %6.2f  │\n",
			slot.Index,
			slot.Start.Format("2006-01-02 15:04"),
			slot.BatterySOCEndPct,
			slot.BatteryChargeKW,
			slot.BatteryDischargeKW,
			slot.EVChargeKW,
			slot.EVSOCEndPct,
			slot.GridPriceEURPerKWh,
			slot.ExpectedPVKW,
			slot.ExpectedLoadKW,
		)
	}
	fmt.Println("└──────┴─────────────────────┴──────────┴───────────┴──────────────┴──────────┴──────────┴────────────┴────────────┴──────────┘")

	slot0 := planHorizon.Slot0()
	fmt.Println("\n========================================")
	fmt.Println("SLOT-0 ACTION")
	fmt.Println("========================================")
	fmt.Printf("Battery charge:    %.2f kW\n", planHorizon.Slot0BatteryChargeKW)
	fmt.Printf("Battery discharge: %.2f kW\n", planHorizon.Slot0BatteryDischargeKW)
	fmt.Printf("EV charge:         %.2f kW (%s)\n", planHorizon.Slot0EVChargeKW, slot0.EVName)
	fmt.Printf("Adjusted price limit: %.2f ct/kWh\n", planHorizon.Slot0AdjustedPriceLimit)
	fmt.Println("========================================")
	return nil
}

func showHelp() {
	fmt.Println("emsd - residential energy management decision engine")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Arbitrates battery storage, a shared EV wallbox and the house load")
	fmt.Println("  against dynamic grid tariffs and PV forecasts, replanning on a fixed")
	fmt.Println("  interval via a linear-program horizon solver with a static-threshold")
	fmt.Println("  fallback, plus reliability, seasonal and reinforcement-learning")
	fmt.Println("  correction layers.")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  emsd [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Basic usage with default settings")
	fmt.Println("  emsd")
	fmt.Println()
	fmt.Println("  # Custom configuration")
	fmt.Println("  emsd --config=config.json")
	fmt.Println()
	fmt.Println("  # Run only the dashboard/API server")
	fmt.Println("  emsd -serverOnly")
	fmt.Println()
	fmt.Println("  # Show the downstream plant's current running info")
	fmt.Println("  emsd -info")
	fmt.Println()
	fmt.Println("  # Run one planning cycle and print the dispatch table")
	fmt.Println("  emsd -plan")
	fmt.Println()
	fmt.Println("  # Show this help")
	fmt.Println("  emsd -help")
}
