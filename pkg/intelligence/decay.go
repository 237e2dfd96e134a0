package intelligence

import (
	"math"
	"time"
)

// Decay maps the age of a record onto a multiplier in (0,1].
//
// Decay is applied at read time only, so swapping the curve never requires a backfill.
type Decay interface {
	Factor(age time.Duration) float64
}

// HalfLife is exponential decay: the factor halves every Period, never dropping below Floor.
//
// Example:
//
//	d := intelligence.HalfLife{Period: 30 * 24 * time.Hour}
//	d.Factor(30 * 24 * time.Hour) // 0.5
type HalfLife struct {
	Period time.Duration
	Floor  float64
}

// Factor returns 0.5^(age/Period), floored. A non-positive Period disables decay.
func (h HalfLife) Factor(age time.Duration) float64 {
	if age <= 0 || h.Period <= 0 {
		return 1
	}
	f := math.Pow(0.5, float64(age)/float64(h.Period))
	if f < h.Floor {
		return h.Floor
	}
	return f
}

// Ebbinghaus is the forgetting curve R = exp(-rate × days), floored.
//
// Typical rates are 0.05-0.2 per day.
type Ebbinghaus struct {
	Rate  float64
	Floor float64
}

// Factor returns the retention for the given age.
func (e Ebbinghaus) Factor(age time.Duration) float64 {
	if age <= 0 || e.Rate <= 0 {
		return 1
	}
	days := age.Hours() / 24
	r := math.Exp(-e.Rate * days)
	if r < e.Floor {
		return e.Floor
	}
	return r
}

// NoDecay always returns 1.
type NoDecay struct{}

// Factor returns 1.
func (NoDecay) Factor(time.Duration) float64 { return 1 }

// NewDecay builds a curve by name: "half_life" (default) or "ebbinghaus".
// For ebbinghaus the rate is derived so that retention is 0.5 after halfLife.
func NewDecay(curve string, halfLife time.Duration, floor float64) Decay {
	if halfLife <= 0 {
		return NoDecay{}
	}
	switch curve {
	case "ebbinghaus":
		return Ebbinghaus{Rate: math.Ln2 / (halfLife.Hours() / 24), Floor: floor}
	default:
		return HalfLife{Period: halfLife, Floor: floor}
	}
}
