package normalize

import (
	"math"
	"testing"
)

func TestWeightsEqualScores(t *testing.T) {
	out := Weights([]Score{
		{Variant: "A", Value: 10},
		{Variant: "B", Value: 10},
		{Variant: "C", Value: 10},
	})

	want := map[string]float64{"A": 33.33, "B": 33.33, "C": 33.34}
	for _, s := range out {
		if s.Value != want[s.Variant] {
			t.Errorf("%s = %.2f, want %.2f", s.Variant, s.Value, want[s.Variant])
		}
	}
}

func TestWeightsSumToOneHundred(t *testing.T) {
	tests := []struct {
		name   string
		scores []Score
	}{
		{"single", []Score{{"only", 7}}},
		{"two uneven", []Score{{"a", 1}, {"b", 2}}},
		{"three equal", []Score{{"a", 5}, {"b", 5}, {"c", 5}}},
		{"all zero", []Score{{"a", 0}, {"b", 0}, {"c", 0}}},
		{"all zero seven", []Score{{"a", 0}, {"b", 0}, {"c", 0}, {"d", 0}, {"e", 0}, {"f", 0}, {"g", 0}}},
		{"tiny scores", []Score{{"a", 0.0001}, {"b", 0.0002}, {"c", 0.0003}}},
		{"probability scores", []Score{{"a", 99.17}, {"b", 0.46}, {"c", 0.37}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Weights(tt.scores)

			sum := 0.0
			for _, s := range out {
				sum += s.Value

				// At most two decimal digits.
				cents := s.Value * 100
				if math.Abs(cents-math.Round(cents)) > 1e-9 {
					t.Errorf("%s = %v has more than 2 decimals", s.Variant, s.Value)
				}
				if s.Value < 0 {
					t.Errorf("%s = %v is negative", s.Variant, s.Value)
				}
			}

			if math.Abs(sum-100.0) > 1e-9 {
				t.Errorf("weights sum to %v, want exactly 100.00", sum)
			}
		})
	}
}

func TestWeightsAllZeroEqualSplit(t *testing.T) {
	out := Weights([]Score{{"x", 0}, {"y", 0}})

	if out[0].Value != 50 || out[1].Value != 50 {
		t.Errorf("expected 50/50 split, got %v", out)
	}
}

func TestWeightsSingleVariant(t *testing.T) {
	out := Weights([]Score{{"solo", 3.7}})

	if len(out) != 1 || out[0].Value != 100 {
		t.Errorf("single variant must get 100, got %v", out)
	}
}

func TestWeightsPreservesOrder(t *testing.T) {
	out := Weights([]Score{{"z", 1}, {"m", 1}, {"a", 1}})

	want := []string{"z", "m", "a"}
	for i, s := range out {
		if s.Variant != want[i] {
			t.Errorf("position %d = %s, want %s", i, s.Variant, want[i])
		}
	}
}

func TestWeightsEmpty(t *testing.T) {
	if out := Weights(nil); out != nil {
		t.Errorf("expected nil for empty input, got %v", out)
	}
}

func TestMap(t *testing.T) {
	m := Map([]Score{{"a", 3}, {"b", 1}})

	if m["a"] != 75 || m["b"] != 25 {
		t.Errorf("unexpected map output: %v", m)
	}
}
