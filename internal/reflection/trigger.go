// Package reflection decides when an agent reflects and turns a burst of
// important experiences into cited insight memories.
package reflection

import "fmt"

// Policy is how the importance accumulator is settled after a reflection.
type Policy string

const (
	// PolicyDecrement subtracts the threshold and carries the excess forward.
	PolicyDecrement Policy = "decrement"
	// PolicyReset zeroes the accumulator.
	PolicyReset Policy = "reset"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyDecrement:
		return PolicyDecrement, nil
	case PolicyReset:
		return PolicyReset, nil
	}
	return "", fmt.Errorf("unknown accumulator policy %q", s)
}

// Settle returns the accumulator value after a successful reflection.
func (p Policy) Settle(accumulator, threshold float64) float64 {
	if p == PolicyReset {
		return 0
	}
	if v := accumulator - threshold; v > 0 {
		return v
	}
	return 0
}

// Settings configures the trigger and the synthesizer.
type Settings struct {
	Threshold     float64
	CandidateMin  float64
	CandidateSize int
	Policy        Policy
}

func DefaultSettings() Settings {
	return Settings{Threshold: 15, CandidateMin: 6, CandidateSize: 20, Policy: PolicyDecrement}
}

// Triggered reports whether the accumulated importance calls for a
// reflection.
func (s Settings) Triggered(accumulator float64) bool {
	return accumulator >= s.Threshold
}
