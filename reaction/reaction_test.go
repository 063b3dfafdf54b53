package reaction

import (
	"path/filepath"
	"testing"
)

func TestShouldReplanImmediately_InitialStateIsBelowThreshold(t *testing.T) {
	tr := New("")
	if !tr.ShouldReplanImmediately() {
		t.Errorf("initial EMA %.3f should be below the %.2f replan threshold", tr.EMA(), replanThreshold)
	}
}

func TestObserve_RepeatedSelfCorrectionRaisesEMAAboveThreshold(t *testing.T) {
	tr := New("")
	for i := 0; i < 200; i++ {
		tr.Observe(true)
	}
	if tr.ShouldReplanImmediately() {
		t.Errorf("EMA = %.3f, expected it to rise above threshold after sustained self-correction", tr.EMA())
	}
}

func TestObserve_RepeatedFailureKeepsEMABelowThreshold(t *testing.T) {
	tr := New("")
	for i := 0; i < 50; i++ {
		tr.Observe(false)
	}
	if !tr.ShouldReplanImmediately() {
		t.Errorf("EMA = %.3f, expected it to stay below threshold with no self-correction", tr.EMA())
	}
}

func TestPersistence_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reaction_timing.json")

	tr := New(path)
	for i := 0; i < 30; i++ {
		tr.Observe(true)
	}
	want := tr.EMA()

	tr2 := New(path)
	if err := tr2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := tr2.EMA(); got != want {
		t.Errorf("reloaded EMA = %v, want %v", got, want)
	}
}
