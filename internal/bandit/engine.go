// Package bandit estimates, for each variant of a feature, the posterior
// probability that its true conversion rate is the highest among all
// variants, under a Beta-Bernoulli conjugate model.
package bandit

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultDraws is the Monte Carlo sample count per evaluation. Large enough
// that repeated runs agree within a few percentage points.
const DefaultDraws = 10000

// Counts carries the accumulated counters for one variant.
type Counts struct {
	Variant     string
	Exposures   int64
	Conversions int64
}

// Engine runs posterior simulation over Beta-distributed conversion-rate
// estimates. Not safe for concurrent use: the recompute cycle owns one
// engine and cycles are serialized by the recalculation lease.
type Engine struct {
	draws int
	src   rand.Source
}

// New creates an engine drawing the given number of joint samples per
// evaluation. The seed fixes the pseudo-random source so tests are
// deterministic; production callers seed from the clock.
func New(draws int, seed uint64) *Engine {
	if draws <= 0 {
		draws = DefaultDraws
	}
	return &Engine{
		draws: draws,
		src:   rand.NewSource(seed),
	}
}

// ProbabilityBest returns, aligned with the input order, each variant's
// estimated probability of having the highest true conversion rate.
//
// Each variant's unknown conversion probability has posterior
// Beta(conversions+1, exposures-conversions+1), a uniform prior over [0,1].
// Conversions exceeding exposures (double counting, out-of-order reports)
// are tolerated by clamping the second parameter at 1. Per joint draw one
// value is sampled from every posterior and the largest sample wins;
// probabilities are win counts over total draws, so they sum to 1.
func (e *Engine) ProbabilityBest(counts []Counts) ([]float64, error) {
	if len(counts) < 2 {
		return nil, fmt.Errorf("need at least 2 variants, got %d", len(counts))
	}

	posteriors := make([]distuv.Beta, len(counts))
	for i, c := range counts {
		alpha := float64(c.Conversions) + 1
		if alpha < 1 {
			alpha = 1
		}
		beta := float64(c.Exposures-c.Conversions) + 1
		if beta < 1 {
			beta = 1
		}
		posteriors[i] = distuv.Beta{Alpha: alpha, Beta: beta, Src: e.src}
	}

	wins := make([]int, len(counts))
	for d := 0; d < e.draws; d++ {
		best := 0
		bestSample := posteriors[0].Rand()
		for i := 1; i < len(posteriors); i++ {
			if sample := posteriors[i].Rand(); sample > bestSample {
				best = i
				bestSample = sample
			}
		}
		wins[best]++
	}

	probs := make([]float64, len(counts))
	for i, w := range wins {
		probs[i] = float64(w) / float64(e.draws)
	}
	return probs, nil
}
