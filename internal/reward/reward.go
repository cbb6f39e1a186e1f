// Package reward implements RewardShaper: redistributing a raw score
// vector through a seeded Pareto-sampled distribution while preserving
// rank order, zeros, and run-to-run determinism.
//
// Grounded on original_source/taos/im/validator/reward.py's
// distribute_rewards: draw N Pareto(scale, shape) samples, sort them
// ascending, sort scores ascending, multiply elementwise, then unpermute
// back to the original uid order.
package reward

import (
	"math"
	"math/rand"
	"sort"
)

// Params configures the Pareto distribution.
type Params struct {
	Scale float64
	Shape float64
	Seed  int64
}

// Shape applies the reward-shaping transform to a score vector indexed by
// uid position (index i is uid i's score). The returned vector is aligned
// to the same index order.
func Shape(scores []float64, p Params) []float64 {
	n := len(scores)
	if n == 0 {
		return nil
	}

	rng := rand.New(rand.NewSource(p.Seed))
	distribution := make([]float64, n)
	for i := range distribution {
		distribution[i] = p.Scale * paretoSample(rng, p.Shape)
	}
	sort.Float64s(distribution)

	type indexed struct {
		value float64
		index int
	}
	sortedScores := make([]indexed, n)
	for i, s := range scores {
		sortedScores[i] = indexed{value: s, index: i}
	}
	sort.Slice(sortedScores, func(i, j int) bool { return sortedScores[i].value < sortedScores[j].value })

	out := make([]float64, n)
	for rank, entry := range sortedScores {
		out[entry.index] = distribution[rank] * entry.value
	}
	return out
}

// paretoSample draws from a Pareto(shape) distribution via inverse CDF
// sampling, matching numpy.random.Generator.pareto's parameterization
// (support (0, inf), shape-only — the scale multiplier is applied by the
// caller rather than folded into the sampler, matching the source).
func paretoSample(rng *rand.Rand, shape float64) float64 {
	u := rng.Float64()
	for u == 0 {
		u = rng.Float64()
	}
	return math.Pow(1-u, -1/shape) - 1
}
