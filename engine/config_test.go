package engine

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfigFromReader_PartialOverridesDefaults(t *testing.T) {
	r := strings.NewReader(`{"battery_capacity_kwh": 20}`)
	cfg, err := LoadConfigFromReader(r)
	if err != nil {
		t.Fatalf("LoadConfigFromReader: %v", err)
	}
	if cfg.BatteryCapacityKWh != 20 {
		t.Fatalf("expected overridden capacity 20, got %.1f", cfg.BatteryCapacityKWh)
	}
	if cfg.BatteryMaxSOC != DefaultConfig().BatteryMaxSOC {
		t.Fatalf("expected untouched fields to keep their default")
	}
}

func TestLoadConfigFromReader_RejectsInvalidSOCRange(t *testing.T) {
	r := strings.NewReader(`{"battery_min_soc": 90, "battery_max_soc": 80}`)
	if _, err := LoadConfigFromReader(r); err == nil {
		t.Fatal("expected a validation error for min_soc >= max_soc")
	}
}

func TestConfigJSON_DecisionIntervalAcceptsDurationString(t *testing.T) {
	r := strings.NewReader(`{"decision_interval_minutes": "30m"}`)
	cfg, err := LoadConfigFromReader(r)
	if err != nil {
		t.Fatalf("LoadConfigFromReader: %v", err)
	}
	if cfg.DecisionInterval != 30*time.Minute {
		t.Fatalf("expected 30m, got %v", cfg.DecisionInterval)
	}
}

func TestConfigJSON_DecisionIntervalAcceptsBareMinutes(t *testing.T) {
	r := strings.NewReader(`{"decision_interval_minutes": 45}`)
	cfg, err := LoadConfigFromReader(r)
	if err != nil {
		t.Fatalf("LoadConfigFromReader: %v", err)
	}
	if cfg.DecisionInterval != 45*time.Minute {
		t.Fatalf("expected 45m, got %v", cfg.DecisionInterval)
	}
}

func TestConfigJSON_RoundTripsThroughMarshal(t *testing.T) {
	cfg := DefaultConfig()
	data, err := cfg.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	var out Config
	if err := out.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if out.DecisionInterval != cfg.DecisionInterval {
		t.Fatalf("round trip changed DecisionInterval: %v -> %v", cfg.DecisionInterval, out.DecisionInterval)
	}
	if out.BatteryCapacityKWh != cfg.BatteryCapacityKWh {
		t.Fatalf("round trip changed BatteryCapacityKWh")
	}
}
