package reliability

import "testing"

func TestConfidence_FewerThanFiveSamplesAssumesReliable(t *testing.T) {
	tr := New("")
	tr.Observe(PV, 5, 9) // one huge error, but below the sample floor
	if got := tr.Confidence(PV); got != defaultConfidence {
		t.Errorf("Confidence = %v, want %v with < 5 samples", got, defaultConfidence)
	}
}

func TestConfidence_InRangeAfterEnoughSamples(t *testing.T) {
	tr := New("")
	for i := 0; i < 10; i++ {
		tr.Observe(PV, 5, 6) // 1 kW error every time, ref scale 5 kW
	}
	got := tr.Confidence(PV)
	if got < 0 || got > 1 {
		t.Fatalf("Confidence = %v, want in [0,1]", got)
	}
	want := 1 - 1.0/5.0
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Confidence = %v, want %v", got, want)
	}
}

func TestConfidence_LargeErrorClampsToZero(t *testing.T) {
	tr := New("")
	for i := 0; i < 10; i++ {
		tr.Observe(Price, 0.10, 10.0) // wildly larger than the 0.10 ref scale
	}
	if got := tr.Confidence(Price); got != 0 {
		t.Errorf("Confidence = %v, want 0", got)
	}
}

func TestWindow_CapacityBounded(t *testing.T) {
	tr := New("")
	for i := 0; i < windowCapacity+25; i++ {
		tr.Observe(Consumption, 2, 2.1)
	}
	snap := tr.Snapshot()
	if len(snap.Windows[Consumption].Errors) != windowCapacity {
		t.Fatalf("window length = %d, want %d", len(snap.Windows[Consumption].Errors), windowCapacity)
	}
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	tr := New("")
	tr.Observe(PV, 5, 7)
	tr.Observe(Price, 0.1, 0.12)
	snap := tr.Snapshot()

	tr2 := New("")
	tr2.Restore(snap)
	snap2 := tr2.Snapshot()

	if len(snap2.Windows[PV].Errors) != len(snap.Windows[PV].Errors) {
		t.Errorf("restored PV window length mismatch")
	}
	if tr2.Confidence(PV) != tr.Confidence(PV) {
		t.Errorf("restored confidence mismatch")
	}
}
