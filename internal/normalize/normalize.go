// Package normalize turns raw non-negative variant scores into a traffic
// weight distribution that sums to exactly 100.00 with two-decimal precision.
package normalize

import "math"

// Score pairs a variant label with a raw non-negative score. Input order
// matters: it decides which variant absorbs the rounding residual when the
// largest rounded weights tie.
type Score struct {
	Variant string
	Value   float64
}

// Weights scales the scores so they sum to exactly 100.00, each rounded to
// at most two decimals. All-zero input yields an equal split. Arithmetic is
// done in integer cents: rounding each value independently does not preserve
// the sum, so the residual (100.00 minus the rounded sum) is added in full to
// the variant holding the largest rounded weight, ties resolved to the last
// such variant in input order. Output preserves input order.
//
// Returns nil for empty input.
func Weights(scores []Score) []Score {
	if len(scores) == 0 {
		return nil
	}

	total := 0.0
	for _, s := range scores {
		total += s.Value
	}

	cents := make([]int64, len(scores))
	if total == 0 {
		equal := 100.0 / float64(len(scores))
		for i := range scores {
			cents[i] = toCents(equal)
		}
	} else {
		for i, s := range scores {
			cents[i] = toCents(s.Value / total * 100)
		}
	}

	var sum int64
	largest := 0
	for i, c := range cents {
		sum += c
		if c >= cents[largest] {
			largest = i
		}
	}
	cents[largest] += 10000 - sum

	out := make([]Score, len(scores))
	for i, s := range scores {
		out[i] = Score{Variant: s.Variant, Value: float64(cents[i]) / 100}
	}
	return out
}

// Map is a convenience for callers that only need label -> weight lookups.
func Map(scores []Score) map[string]float64 {
	weights := Weights(scores)
	out := make(map[string]float64, len(weights))
	for _, w := range weights {
		out[w.Variant] = w.Value
	}
	return out
}

func toCents(v float64) int64 {
	return int64(math.Round(v * 100))
}
