// Package sequencer ranks competing vehicles for the single shared
// wallbox by urgency. Grounded on scheduler/miners.go's manageMiners /
// controlMiner pattern (rank several devices sharing one limited
// resource, pick a winner under a shared-budget mutex), generalized from
// "wake/standby by price" to "rank by urgency, hand the one wallbox to
// the winner".
package sequencer

import "time"

// Candidate is one vehicle competing for the wallbox this cycle.
type Candidate struct {
	Name               string
	SOCPct             float64
	TargetSOCPct       float64
	MinutesToDeparture float64
	Connected          bool
	AlreadyCharging    bool // the vehicle reports that it is currently charging
}

// urgency implements the spec's formula:
// soc_deficit_% / max(0.5, hours_to_departure), plus a +5 bonus for the
// vehicle already charging (avoids wallbox swap churn), plus +1000
// during quiet hours for that already-charging vehicle (hard priority).
// Being merely connected earns no bonus.
func urgency(c Candidate, quietHours bool) float64 {
	deficit := c.TargetSOCPct - c.SOCPct
	if deficit < 0 {
		deficit = 0
	}
	hours := c.MinutesToDeparture / 60.0
	if hours < 0.5 {
		hours = 0.5
	}
	u := deficit / hours
	if c.AlreadyCharging {
		u += 5.0
		if quietHours {
			u += 1000.0
		}
	}
	return u
}

// Decision is the sequencer's chosen winner and an explanation for the
// decision log.
type Decision struct {
	Winner  string
	Urgency float64
	Note    string
}

// Choose picks the highest-urgency candidate connected to the wallbox
// this cycle. Returns ok=false if no candidate is connected.
func Choose(candidates []Candidate, now time.Time, quietHours bool) (Decision, bool) {
	best := -1
	var bestU float64
	for i, c := range candidates {
		if !c.Connected {
			continue
		}
		u := urgency(c, quietHours)
		if best == -1 || u > bestU {
			best = i
			bestU = u
		}
	}
	if best == -1 {
		return Decision{}, false
	}
	return Decision{
		Winner:  candidates[best].Name,
		Urgency: bestU,
		Note:    "selected by urgency ranking",
	}, true
}
