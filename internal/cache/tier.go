package cache

import "math"

// Tier is the eviction regime for one cycle, re-derived from the usage ratio
// every time and never persisted.
type Tier int

const (
	// TierSafe performs no removals.
	TierSafe Tier = iota
	// TierPressure shrinks the target capacity linearly with usage.
	TierPressure
	// TierEmergency evicts enough to fall below the emergency target at once.
	TierEmergency
)

func (t Tier) String() string {
	switch t {
	case TierSafe:
		return "safe"
	case TierPressure:
		return "pressure"
	case TierEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Classify maps a usage ratio to its tier under cfg.
func (cfg Config) Classify(ratio float64) Tier {
	switch {
	case ratio >= cfg.EmergencyThreshold:
		return TierEmergency
	case ratio >= cfg.PressureThreshold:
		return TierPressure
	default:
		return TierSafe
	}
}

// PressureTarget returns the entry count to keep in the Pressure tier. It
// equals entries at PressureThreshold and MinCapacityFraction*entries at
// EmergencyThreshold, linear in between, and never increases as ratio rises.
func (cfg Config) PressureTarget(entries int, ratio float64) int {
	if entries <= 0 {
		return 0
	}
	span := cfg.EmergencyThreshold - cfg.PressureThreshold
	over := math.Min(math.Max((ratio-cfg.PressureThreshold)/span, 0), 1)
	keep := 1 - (1-cfg.MinCapacityFraction)*over
	return min(int(math.Ceil(float64(entries)*keep)), entries)
}

// EmergencyQuota returns how many entries an Emergency cycle removes: enough
// that, with usage proportional to entry count, the ratio ends strictly below
// EmergencyTarget, and never less than EmergencyMinFraction of the store.
func (cfg Config) EmergencyQuota(entries int, ratio float64) int {
	if entries <= 0 || ratio <= 0 {
		return 0
	}
	excess := 1 - cfg.EmergencyTarget/ratio
	quota := max(int(math.Floor(float64(entries)*excess))+1, 0)
	// Rounding can leave the projected ratio exactly on the target
	for quota < entries && ratio*float64(entries-quota)/float64(entries) >= cfg.EmergencyTarget {
		quota++
	}
	floor := int(math.Ceil(float64(entries) * cfg.EmergencyMinFraction))
	return min(max(quota, floor), entries)
}
