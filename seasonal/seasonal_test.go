package seasonal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vantage-energy/ems-core/persist"
)

func TestGetCorrectionFactor_BelowMinSamplesReturnsFalse(t *testing.T) {
	l := New("")
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC) // Thursday
	for i := 0; i < 9; i++ {
		l.Record(now, 1.0)
	}
	if _, ok := l.GetCorrectionFactor(now, 10); ok {
		t.Error("expected ok=false with 9 samples and min_samples=10")
	}
}

func TestGetCorrectionFactor_AtMinSamplesReturnsMean(t *testing.T) {
	l := New("")
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		l.Record(now, 2.0)
	}
	got, ok := l.GetCorrectionFactor(now, 10)
	if !ok {
		t.Fatal("expected ok=true with 10 samples")
	}
	if got != 2.0 {
		t.Errorf("mean = %v, want 2.0", got)
	}
}

func TestRecord_SeparatesCellsBySeasonBandWeekend(t *testing.T) {
	l := New("")
	weekday := time.Date(2026, 7, 16, 10, 0, 0, 0, time.UTC) // Thursday, JJA, band 2
	weekend := time.Date(2026, 7, 18, 10, 0, 0, 0, time.UTC) // Saturday, JJA, band 2
	for i := 0; i < 10; i++ {
		l.Record(weekday, 5.0)
	}
	for i := 0; i < 10; i++ {
		l.Record(weekend, -5.0)
	}
	wd, ok := l.GetCorrectionFactor(weekday, 10)
	if !ok || wd != 5.0 {
		t.Errorf("weekday correction = %v, ok=%v, want 5.0, true", wd, ok)
	}
	we, ok := l.GetCorrectionFactor(weekend, 10)
	if !ok || we != -5.0 {
		t.Errorf("weekend correction = %v, ok=%v, want -5.0, true", we, ok)
	}
}

func TestPersistence_FlushesEveryTenUpdatesAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seasonal_model.json")
	l := New(path)
	now := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		l.Record(now, 1.5)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected persisted file after 10 updates: %v", err)
	}

	l2 := New(path)
	if err := l2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := l2.GetCorrectionFactor(now, 10)
	if !ok || got != 1.5 {
		t.Errorf("reloaded correction = %v, ok=%v, want 1.5, true", got, ok)
	}
}

func TestSnapshot_ReSaveIsByteIdentical(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seasonal_model.json")
	l := New(path)
	now := time.Date(2026, 11, 5, 3, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		l.Record(now, 3.25)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	l2 := New(path)
	if err := l2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := persist.WriteJSON(path, l2.Snapshot()); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read after re-save: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("save -> reload -> save produced different bytes:\nfirst:  %s\nsecond: %s", first, second)
	}
}
