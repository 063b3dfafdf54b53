package departure

import (
	"path/filepath"
	"testing"
	"time"
)

func TestConfirm_ThenGetReturnsRecord(t *testing.T) {
	s := New("")
	dep := time.Date(2026, 1, 11, 7, 0, 0, 0, time.UTC)
	s.Confirm("Kia", dep)

	r, ok := s.Get("Kia", time.Now())
	if !ok {
		t.Fatal("expected record to exist")
	}
	if !r.ConfirmedDeparture.Equal(dep) {
		t.Errorf("ConfirmedDeparture = %v, want %v", r.ConfirmedDeparture, dep)
	}
}

func TestGet_PendingInquiryOlderThan30MinIsEvicted(t *testing.T) {
	s := New("")
	now := time.Date(2026, 1, 11, 8, 0, 0, 0, time.UTC)
	s.MarkPendingInquiry("Tesla", now.Add(-45*time.Minute))

	r, ok := s.Get("Tesla", now)
	if !ok {
		t.Fatal("expected record to exist even with an evicted inquiry")
	}
	if !r.PendingInquiryAt.IsZero() {
		t.Errorf("PendingInquiryAt = %v, want zero (evicted)", r.PendingInquiryAt)
	}
}

func TestGet_PendingInquiryWithin30MinIsReturned(t *testing.T) {
	s := New("")
	now := time.Date(2026, 1, 11, 8, 0, 0, 0, time.UTC)
	s.MarkPendingInquiry("Tesla", now.Add(-10*time.Minute))

	r, ok := s.Get("Tesla", now)
	if !ok {
		t.Fatal("expected record to exist")
	}
	if r.PendingInquiryAt.IsZero() {
		t.Error("expected a fresh pending inquiry to still be present")
	}
}

func TestPersistence_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "departure_times.json")

	s := New(path)
	dep := time.Date(2026, 2, 1, 6, 30, 0, 0, time.UTC)
	s.Confirm("Kia", dep)
	s.MarkPendingInquiry("Tesla", time.Date(2026, 2, 1, 5, 0, 0, 0, time.UTC))

	s2 := New(path)
	if err := s2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	r, ok := s2.Get("Kia", time.Date(2026, 2, 1, 7, 0, 0, 0, time.UTC))
	if !ok || !r.ConfirmedDeparture.Equal(dep) {
		t.Errorf("reloaded Kia record = %+v, ok=%v, want ConfirmedDeparture=%v", r, ok, dep)
	}
}
