// Package delay implements DelayAssigner: mapping a uid's observed response
// latency to an in-simulation base delay via an exponential curve, then
// adding per-instruction jitter so that fair scheduling holds within a
// book (first instruction per book is never jittered) while remaining
// reproducible across runs (seeded PRNG, fixed per step).
package delay

import (
	"math"
	"math/rand"
	"time"

	"taosim-validator/pkg/types"
)

// curveK is the exponential curve steepness (spec §4.5, "k = 5").
const curveK = 5.0

// Params bundles the delay curve and jitter configuration.
type Params struct {
	MinDelay           time.Duration
	MaxDelay           time.Duration
	MinInstructionDelay time.Duration
	MaxInstructionDelay time.Duration
	Timeout            time.Duration
}

// BaseDelay computes the deterministic process-time -> delay mapping:
//
//	t = processTime / timeout                     # in [0, 1]
//	frac = (exp(k*t) - 1) / (exp(k) - 1)
//	delay = min_delay + frac * (max_delay - min_delay)
//
// Monotonic in processTime: slower responders are scheduled later.
func BaseDelay(processTime time.Duration, p Params) time.Duration {
	if p.Timeout <= 0 {
		return p.MinDelay
	}

	t := float64(processTime) / float64(p.Timeout)
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}

	frac := (math.Exp(curveK*t) - 1) / (math.Exp(curveK) - 1)
	span := float64(p.MaxDelay - p.MinDelay)
	return p.MinDelay + time.Duration(frac*span)
}

// AssignJitter walks a uid's instructions in original order, adding
// per-book jitter (zero for the first instruction seen for a book, a
// uniform draw in [MinInstructionDelay, MaxInstructionDelay] for every
// subsequent one), then adds the shared base delay to every instruction.
// rng must be seeded by the caller (the orchestrator fixes the seed per
// step for reproducibility).
func AssignJitter(instructions []types.Instruction, base time.Duration, p Params, rng *rand.Rand) {
	seenBook := make(map[int]bool, len(instructions))

	for i := range instructions {
		book := instructions[i].BookID

		var jitter time.Duration
		if seenBook[book] {
			jitter = uniformDuration(rng, p.MinInstructionDelay, p.MaxInstructionDelay)
		}
		seenBook[book] = true

		instructions[i].Delay += uint64(base + jitter)
	}
}

func uniformDuration(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	span := int64(hi - lo)
	return lo + time.Duration(rng.Int63n(span+1))
}

// AssignAll is the convenience entry point combining BaseDelay and
// AssignJitter for one uid's response.
func AssignAll(instructions []types.Instruction, processTime time.Duration, p Params, rng *rand.Rand) {
	base := BaseDelay(processTime, p)
	AssignJitter(instructions, base, p, rng)
}
