package scheduler

import "strings"

// Lane is one of four fixed priority levels. Lower values are served first.
type Lane int

const (
	LaneHighest Lane = iota
	LaneHigh
	LaneLow
	LaneLowest

	numLanes = 4
)

// laneWeights are the per-round claim credits of each lane. The weighted
// round keeps strict priority between lanes that still hold credits while
// guaranteeing every backlogged lane at least one claim per round.
var laneWeights = [numLanes]int{8, 4, 2, 1}

func (l Lane) String() string {
	switch l {
	case LaneHighest:
		return "highest"
	case LaneHigh:
		return "high"
	case LaneLow:
		return "low"
	case LaneLowest:
		return "lowest"
	default:
		return "unknown"
	}
}

// TierMap resolves a subscription tier to a priority lane. It is injected as
// a pure function so the scheduler never touches subscription storage.
type TierMap func(tier string) Lane

// DefaultTierMap is the production tier assignment
func DefaultTierMap(tier string) Lane {
	switch strings.ToLower(tier) {
	case "business", "enterprise":
		return LaneHighest
	case "pro":
		return LaneHigh
	case "starter":
		return LaneLow
	default: // trial, free, unknown
		return LaneLowest
	}
}
