package api

import (
	"encoding/json"
	"fmt"
)

// Artifact is one configuration document served to clients. Besides the
// features map it may carry arbitrary author-supplied fields (environment
// metadata, revision info, ...) which must survive a load/serve round-trip
// untouched, so unknown fields are kept as raw JSON.
type Artifact struct {
	Features map[string]*Feature `json:"-"`

	// Extra holds every top-level field other than "features".
	Extra map[string]json.RawMessage `json:"-"`
}

// Feature groups the competing variants of one experiment. Variation order
// is irrelevant for weight computation but preserved for serialization.
type Feature struct {
	Variations []*Variation `json:"-"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Variation is a single experiment arm. Weight is the authored baseline
// weight on disk and the learned weight (0-100, two decimals) once the
// allocation engine has written it back.
type Variation struct {
	Value  string  `json:"-"`
	Weight float64 `json:"-"`

	Extra map[string]json.RawMessage `json:"-"`
}

func (a *Artifact) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	a.Features = make(map[string]*Feature)
	a.Extra = make(map[string]json.RawMessage)

	for key, val := range raw {
		if key != "features" {
			a.Extra[key] = val
			continue
		}
		if err := json.Unmarshal(val, &a.Features); err != nil {
			return fmt.Errorf("invalid features map: %w", err)
		}
	}

	return nil
}

func (a *Artifact) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(a.Extra)+1)
	for key, val := range a.Extra {
		out[key] = val
	}

	features, err := json.Marshal(a.Features)
	if err != nil {
		return nil, err
	}
	out["features"] = features

	return json.Marshal(out)
}

func (f *Feature) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	f.Extra = make(map[string]json.RawMessage)

	for key, val := range raw {
		if key != "variations" {
			f.Extra[key] = val
			continue
		}
		if err := json.Unmarshal(val, &f.Variations); err != nil {
			return fmt.Errorf("invalid variations list: %w", err)
		}
	}

	return nil
}

func (f *Feature) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(f.Extra)+1)
	for key, val := range f.Extra {
		out[key] = val
	}

	if f.Variations != nil {
		variations, err := json.Marshal(f.Variations)
		if err != nil {
			return nil, err
		}
		out["variations"] = variations
	}

	return json.Marshal(out)
}

func (v *Variation) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	v.Extra = make(map[string]json.RawMessage)

	for key, val := range raw {
		switch key {
		case "value":
			if err := json.Unmarshal(val, &v.Value); err != nil {
				return fmt.Errorf("invalid variation value: %w", err)
			}
		case "weight":
			if err := json.Unmarshal(val, &v.Weight); err != nil {
				return fmt.Errorf("invalid variation weight: %w", err)
			}
		default:
			v.Extra[key] = val
		}
	}

	return nil
}

func (v *Variation) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(v.Extra)+2)
	for key, val := range v.Extra {
		out[key] = val
	}

	value, err := json.Marshal(v.Value)
	if err != nil {
		return nil, err
	}
	out["value"] = value

	weight, err := json.Marshal(v.Weight)
	if err != nil {
		return nil, err
	}
	out["weight"] = weight

	return json.Marshal(out)
}

// Clone returns a deep copy of the artifact via a JSON round-trip.
// The recompute cycle mutates a clone and swaps it into the cache so
// concurrent readers never observe a half-updated document.
func (a *Artifact) Clone() (*Artifact, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}

	var clone Artifact
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}

	return &clone, nil
}

// VariantStats is the ledger record for one (artifact, feature, variant).
// Conversions may exceed exposures: reports are fire-and-forget with no
// deduplication, so double counting is tolerated rather than rejected.
type VariantStats struct {
	Variant     string  `json:"variant"`
	Exposures   int64   `json:"exposures"`
	Conversions int64   `json:"conversions"`
	Weight      float64 `json:"weight"`
	LastUpdated int64   `json:"last_updated"`
}

// WeightHistoryEntry is one append-only audit record written per variant
// each time a recompute cycle publishes new weights.
type WeightHistoryEntry struct {
	Variant       string  `json:"variant"`
	Weight        float64 `json:"weight"`
	ProbBeingBest float64 `json:"prob_being_best"`
	Timestamp     int64   `json:"timestamp"`
}

// HistoryCap bounds the per-(artifact, feature) history log; the oldest
// entries are evicted first.
const HistoryCap = 1000

// ReportRequest is the body of POST /expose and POST /convert.
type ReportRequest struct {
	Datafile string            `json:"datafile"`
	Features map[string]string `json:"features"`
}

// ReportResponse acknowledges recorded exposures or conversions.
type ReportResponse struct {
	Status   string   `json:"status"`
	Message  string   `json:"message"`
	Features []string `json:"features"`
}

// StatsVariant is the /stats wire representation of one variant.
type StatsVariant struct {
	Variant        string  `json:"variant"`
	Exposures      int64   `json:"exposures"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
	Weight         float64 `json:"weight"`
	LastUpdated    int64   `json:"last_updated"`
}

// ErrorResponse is the JSON error envelope used by every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
}
