package override

import (
	"testing"
	"time"

	"github.com/vantage-energy/ems-core/domain"
)

func TestActivate_DuringQuietHoursIsRejected(t *testing.T) {
	m := New()
	quiet := QuietHours{Enabled: true, StartHour: 21, EndHour: 6}
	localNight := time.Date(2026, 1, 10, 22, 15, 0, 0, time.UTC)

	res := m.Activate("Kia", domain.OverrideFromMessaging, localNight, quiet)
	if res.OK {
		t.Fatal("expected activation to be rejected during quiet hours")
	}
	if !res.BlockedByQuietHours {
		t.Error("expected BlockedByQuietHours = true")
	}
	if res.Message == "" {
		t.Error("expected a reason message")
	}
	if _, active := m.Status(); active {
		t.Error("override must remain inactive after a rejected activation")
	}
}

func TestActivate_OutsideQuietHoursSucceeds(t *testing.T) {
	m := New()
	quiet := QuietHours{Enabled: true, StartHour: 21, EndHour: 6}
	daytime := time.Date(2026, 1, 10, 14, 0, 0, 0, time.UTC)

	res := m.Activate("Kia", domain.OverrideFromDashboard, daytime, quiet)
	if !res.OK {
		t.Fatalf("expected activation to succeed, got %+v", res)
	}
	o, active := m.Status()
	if !active {
		t.Fatal("expected override to be active")
	}
	if o.VehicleName != "Kia" {
		t.Errorf("VehicleName = %q, want Kia", o.VehicleName)
	}
	if !o.ExpiresAt.Equal(daytime.Add(90 * time.Minute)) {
		t.Errorf("ExpiresAt = %v, want %v", o.ExpiresAt, daytime.Add(90*time.Minute))
	}
}

func TestActivate_LastActivationWins(t *testing.T) {
	m := New()
	quiet := QuietHours{}
	now := time.Date(2026, 1, 10, 14, 0, 0, 0, time.UTC)

	m.Activate("Kia", domain.OverrideFromDashboard, now, quiet)
	m.Activate("Tesla", domain.OverrideFromMessaging, now.Add(time.Minute), quiet)

	o, active := m.Status()
	if !active || o.VehicleName != "Tesla" {
		t.Errorf("expected the second activation to replace the first, got %+v active=%v", o, active)
	}
}

func TestCancel_IsIdempotent(t *testing.T) {
	m := New()
	m.Activate("Kia", domain.OverrideFromDashboard, time.Now(), QuietHours{})
	m.Cancel()
	m.Cancel() // must not panic
	if _, active := m.Status(); active {
		t.Error("expected override to be inactive after Cancel")
	}
}

func TestQuietHours_ContainsHandlesMidnightWrap(t *testing.T) {
	q := QuietHours{Enabled: true, StartHour: 21, EndHour: 6}
	cases := []struct {
		hour int
		want bool
	}{
		{22, true},
		{2, true},
		{6, false},
		{14, false},
		{21, true},
	}
	for _, c := range cases {
		tm := time.Date(2026, 1, 10, c.hour, 0, 0, 0, time.UTC)
		if got := q.Contains(tm); got != c.want {
			t.Errorf("Contains(hour=%d) = %v, want %v", c.hour, got, c.want)
		}
	}
}
