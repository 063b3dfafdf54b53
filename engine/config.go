// Package engine wires every subsystem together and drives the
// arbitration loop. Its Config type, validation and custom JSON duration
// handling mirror scheduler/config.go exactly: one flat JSON struct,
// DefaultConfig, LoadConfig/LoadConfigFromReader, Validate, and a
// MarshalJSON/UnmarshalJSON pair that renders time.Duration fields as
// human strings ("15m0s") instead of raw nanoseconds.
package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vantage-energy/ems-core/horizon"
)

// Config is the single validated configuration record the core accepts,
// per spec.md §6.
type Config struct {
	DecisionInterval time.Duration `json:"-"`

	BatteryCapacityKWh         float64 `json:"battery_capacity_kwh"`
	BatteryMinSOC              float64 `json:"battery_min_soc"`
	BatteryMaxSOC              float64 `json:"battery_max_soc"`
	BatteryChargePowerKW       float64 `json:"battery_charge_power_kw"`
	BatteryDischargePowerKW    float64 `json:"battery_discharge_power_kw"`
	BatteryChargeEfficiency    float64 `json:"battery_charge_efficiency"`
	BatteryDischargeEfficiency float64 `json:"battery_discharge_efficiency"`

	EVDefaultEnergyKWh  float64 `json:"ev_default_energy_kwh"`
	EVChargeDeadlineHour int    `json:"ev_charge_deadline_hour"`
	EVMaxChargePowerKW  float64 `json:"ev_max_charge_power_kw"`

	BatteryMaxPriceCt float64 `json:"battery_max_price_ct"`
	EVMaxPriceCt      float64 `json:"ev_max_price_ct"`
	FeedInTariffCt    float64 `json:"feed_in_tariff_ct"`

	QuietHoursEnabled bool `json:"quiet_hours_enabled"`
	QuietHoursStart   int  `json:"quiet_hours_start"`
	QuietHoursEnd     int  `json:"quiet_hours_end"`

	BatteryToEVMinProfitCt    float64 `json:"battery_to_ev_min_profit_ct"`
	BatteryToEVFloorSOC       float64 `json:"battery_to_ev_floor_soc"`
	BatteryToEVDynamicLimit   bool    `json:"battery_to_ev_dynamic_limit"`

	VehiclePollIntervalMinutes int `json:"vehicle_poll_interval_minutes"`

	RLEnabled bool `json:"rl_enabled"`

	BufferBaseSOCPct  float64 `json:"buffer_base_soc_pct"`
	BufferSpreadBonus float64 `json:"buffer_spread_bonus"`
	BufferPVReduction float64 `json:"buffer_pv_reduction"`
	BufferMaxFloorPct float64 `json:"buffer_max_floor_pct"`

	DataDir     string `json:"data_dir"`
	HTTPPort    int    `json:"http_port"`
	TariffURL   string `json:"tariff_url"`
	DatabaseURL string `json:"database_url"`

	PlantModbusAddress string `json:"plant_modbus_address"`

	SiteLatitude    float64 `json:"site_latitude"`
	SiteLongitude   float64 `json:"site_longitude"`
	PVArrayRatedKWp float64 `json:"pv_array_rated_kwp"`
	BaseHouseLoadKW float64 `json:"base_house_load_kw"`

	VehicleAccounts []VehicleAccount `json:"vehicle_accounts"`
}

// VehicleAccount is one manufacturer-API credential set for a vehicle the
// wallbox may serve, up to the three the spec allows sharing one charger.
type VehicleAccount struct {
	Name         string  `json:"name"`
	BaseURL      string  `json:"base_url"`
	Username     string  `json:"username"`
	Password     string  `json:"password"`
	CapacityKWh  float64 `json:"capacity_kwh"`
	TargetSOCPct float64 `json:"target_soc_pct"`
}

// DefaultConfig returns the documented safe defaults, matching the
// teacher's DefaultConfig in shape: one function, concrete literals, no
// external reads.
func DefaultConfig() Config {
	return Config{
		DecisionInterval: 15 * time.Minute,

		BatteryCapacityKWh:         10,
		BatteryMinSOC:              10,
		BatteryMaxSOC:              95,
		BatteryChargePowerKW:       5,
		BatteryDischargePowerKW:    5,
		BatteryChargeEfficiency:    0.95,
		BatteryDischargeEfficiency: 0.95,

		EVDefaultEnergyKWh:   60,
		EVChargeDeadlineHour: 7,
		EVMaxChargePowerKW:   11,

		BatteryMaxPriceCt: 35,
		EVMaxPriceCt:      35,
		FeedInTariffCt:    8,

		QuietHoursEnabled: true,
		QuietHoursStart:   21,
		QuietHoursEnd:     6,

		BatteryToEVMinProfitCt:  3,
		BatteryToEVFloorSOC:     30,
		BatteryToEVDynamicLimit: true,

		VehiclePollIntervalMinutes: 5,

		RLEnabled: true,

		BufferBaseSOCPct:  30,
		BufferSpreadBonus: 0.1,
		BufferPVReduction: 0.5,
		BufferMaxFloorPct: 80,

		DataDir:  "./data",
		HTTPPort: 8080,

		SiteLatitude:    59.91,
		SiteLongitude:   10.75,
		PVArrayRatedKWp: 8,
		BaseHouseLoadKW: 0.4,
	}
}

// LoadConfig reads and validates a JSON configuration file.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("engine: open config %s: %w", path, err)
	}
	defer f.Close()
	return LoadConfigFromReader(f)
}

// LoadConfigFromReader decodes JSON from r over the documented defaults
// (so a partial file still yields a complete, validated config) and
// validates the result.
func LoadConfigFromReader(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("engine: decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as indented JSON.
func SaveConfig(path string, cfg Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("engine: create config %s: %w", path, err)
	}
	defer f.Close()
	return cfg.SaveConfigToWriter(f)
}

// SaveConfigToWriter writes cfg as indented JSON to w.
func (c Config) SaveConfigToWriter(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}

// Validate runs the critical checks from spec.md §7's configuration
// error taxonomy. A critical error here must block startup before any
// I/O happens.
func (c Config) Validate() error {
	if c.BatteryMinSOC >= c.BatteryMaxSOC {
		return fmt.Errorf("engine: battery_min_soc (%.1f) must be less than battery_max_soc (%.1f)", c.BatteryMinSOC, c.BatteryMaxSOC)
	}
	if c.BatteryCapacityKWh <= 0 {
		return fmt.Errorf("engine: battery_capacity_kwh must be positive")
	}
	if c.BatteryChargeEfficiency <= 0 || c.BatteryChargeEfficiency > 1 {
		return fmt.Errorf("engine: battery_charge_efficiency must be in (0, 1]")
	}
	if c.BatteryDischargeEfficiency <= 0 || c.BatteryDischargeEfficiency > 1 {
		return fmt.Errorf("engine: battery_discharge_efficiency must be in (0, 1]")
	}
	if c.DecisionInterval <= 0 {
		c.DecisionInterval = 15 * time.Minute
	}
	if c.TariffURL == "" {
		// An empty tariff_url is not rejected here and no default URL is
		// substituted; validation passes with the field left empty.
	}
	return nil
}

// horizonConfig projects the engine Config down to the LP coefficients
// horizon.BuildPlan needs.
func (c Config) horizonConfig() horizon.Config {
	return horizon.Config{
		BatteryCapacityKWh:         c.BatteryCapacityKWh,
		BatteryMaxChargeKW:         c.BatteryChargePowerKW,
		BatteryMaxDischargeKW:      c.BatteryDischargePowerKW,
		BatteryMinSOC:              c.BatteryMinSOC,
		BatteryMaxSOC:              c.BatteryMaxSOC,
		BatteryChargeEfficiency:    c.BatteryChargeEfficiency,
		BatteryDischargeEfficiency: c.BatteryDischargeEfficiency,
		EVMaxChargeKW:              c.EVMaxChargePowerKW,
		EVDefaultEnergyKWh:         c.EVDefaultEnergyKWh,
		BatteryMaxPriceCt:          c.BatteryMaxPriceCt,
		EVMaxPriceCt:               c.EVMaxPriceCt,
		FeedInTariffCt:             c.FeedInTariffCt,
		PenaltyMultiplier:          10,
	}
}

// MarshalJSON renders DecisionInterval as a human string ("15m0s") the way
// scheduler/config.go renders its own duration fields.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	return json.Marshal(struct {
		alias
		DecisionInterval string `json:"decision_interval_minutes"`
	}{
		alias:            alias(c),
		DecisionInterval: c.DecisionInterval.String(),
	})
}

// UnmarshalJSON accepts decision_interval_minutes either as a bare number
// of minutes or as a Go duration string, mirroring the teacher's
// tolerant duration unmarshalling.
func (c *Config) UnmarshalJSON(data []byte) error {
	type alias Config
	aux := struct {
		alias
		DecisionInterval json.RawMessage `json:"decision_interval_minutes"`
	}{alias: alias(*c)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = Config(aux.alias)

	if len(aux.DecisionInterval) > 0 {
		var asString string
		if err := json.Unmarshal(aux.DecisionInterval, &asString); err == nil {
			d, err := time.ParseDuration(asString)
			if err != nil {
				return fmt.Errorf("engine: invalid decision_interval_minutes %q: %w", asString, err)
			}
			c.DecisionInterval = d
			return nil
		}
		var asMinutes float64
		if err := json.Unmarshal(aux.DecisionInterval, &asMinutes); err == nil {
			c.DecisionInterval = time.Duration(asMinutes * float64(time.Minute))
			return nil
		}
	}
	if c.DecisionInterval == 0 {
		c.DecisionInterval = 15 * time.Minute
	}
	return nil
}
