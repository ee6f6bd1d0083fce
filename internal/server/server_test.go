package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/featurelane/allocator/internal/api"
	"github.com/featurelane/allocator/internal/cache"
	"github.com/featurelane/allocator/internal/metrics"
	"github.com/featurelane/allocator/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

type fakeRecalc struct {
	triggered int
}

func (f *fakeRecalc) TriggerAsync() { f.triggered++ }

func newTestServer(t *testing.T) (*Server, *store.MemoryStore, *fakeRecalc) {
	t.Helper()
	st := store.NewMemoryStore()
	m := metrics.NewWith(prometheus.NewRegistry())
	c, err := cache.New(st, 128, time.Minute, m)
	if err != nil {
		t.Fatal(err)
	}
	recalc := &fakeRecalc{}
	return New(st, c, recalc, m, rate.NewLimiter(rate.Inf, 0)), st, recalc
}

func doRequest(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	return rec
}

func TestDatafileServed(t *testing.T) {
	srv, st, _ := newTestServer(t)

	doc := `{"features":{"checkout":{"variations":[{"value":"a","weight":60},{"value":"b","weight":40}]}},"revision":"7"}`
	var artifact api.Artifact
	if err := json.Unmarshal([]byte(doc), &artifact); err != nil {
		t.Fatal(err)
	}
	if err := st.SetArtifact(context.Background(), "prod/web.json", &artifact, 0); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/datafile/prod/web.json", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got api.Artifact
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Features["checkout"].Variations) != 2 {
		t.Fatalf("variations = %d, want 2", len(got.Features["checkout"].Variations))
	}
	if !strings.Contains(rec.Body.String(), `"revision":"7"`) {
		t.Error("unknown top-level field dropped from served datafile")
	}
}

func TestDatafileNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/datafile/absent.json", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	var resp api.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "Datafile not found" {
		t.Errorf("error = %q, want %q", resp.Error, "Datafile not found")
	}
}

func TestExposeRecordsStats(t *testing.T) {
	srv, st, _ := newTestServer(t)

	body := `{"datafile":"web.json","features":{"checkout":"a","banner":"x"}}`
	rec := doRequest(t, srv, http.MethodPost, "/expose", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp api.ReportResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "success" || len(resp.Features) != 2 {
		t.Fatalf("resp = %+v, want success with 2 features", resp)
	}

	stats, err := st.GetStats(context.Background(), "web.json", "checkout", "a")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Exposures != 1 || stats.Conversions != 0 {
		t.Errorf("stats = %+v, want 1 exposure", stats)
	}
}

func TestConvertRecordsStats(t *testing.T) {
	srv, st, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/convert", `{"datafile":"web.json","features":{"checkout":"a"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	stats, err := st.GetStats(context.Background(), "web.json", "checkout", "a")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Conversions != 1 {
		t.Errorf("conversions = %d, want 1", stats.Conversions)
	}
}

func TestReportValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing datafile", `{"features":{"checkout":"a"}}`},
		{"missing features", `{"datafile":"web.json"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, srv, http.MethodPost, "/expose", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestReportMethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/expose", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestReportRateLimited(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.limiter = rate.NewLimiter(0, 0)

	rec := doRequest(t, srv, http.MethodPost, "/expose", `{"datafile":"web.json","features":{"checkout":"a"}}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestStatsConversionRate(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := st.IncrementStat(ctx, "web.json", "checkout", "a", store.KindExposure); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.IncrementStat(ctx, "web.json", "checkout", "a", store.KindConversion); err != nil {
		t.Fatal(err)
	}
	if err := st.IncrementStat(ctx, "web.json", "checkout", "b", store.KindConversion); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/stats?datafile=web.json", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var out map[string]map[string][]api.StatsVariant
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}

	variants := out["web.json"]["checkout"]
	if len(variants) != 2 {
		t.Fatalf("variants = %d, want 2", len(variants))
	}
	byName := make(map[string]api.StatsVariant)
	for _, v := range variants {
		byName[v.Variant] = v
	}
	if got := byName["a"].ConversionRate; got != 33.33 {
		t.Errorf("conversion_rate(a) = %v, want 33.33", got)
	}
	// Zero exposures must not divide by zero.
	if got := byName["b"].ConversionRate; got != 0 {
		t.Errorf("conversion_rate(b) = %v, want 0", got)
	}
}

func TestStatsFeatureFilter(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	if err := st.IncrementStat(ctx, "web.json", "checkout", "a", store.KindExposure); err != nil {
		t.Fatal(err)
	}
	if err := st.IncrementStat(ctx, "web.json", "banner", "x", store.KindExposure); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/stats?datafile=web.json&feature=banner", "")
	var out map[string]map[string][]api.StatsVariant
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if _, ok := out["web.json"]["banner"]; !ok {
		t.Error("filtered feature missing from response")
	}
	if _, ok := out["web.json"]["checkout"]; ok {
		t.Error("unfiltered feature leaked into response")
	}
}

func TestStatsBothFilters(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	if err := st.IncrementStat(ctx, "web.json", "checkout", "b", store.KindExposure); err != nil {
		t.Fatal(err)
	}
	if err := st.IncrementStat(ctx, "web.json", "checkout", "a", store.KindExposure); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/stats?datafile=web.json&feature=checkout", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var out map[string]map[string][]api.StatsVariant
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	variants := out["web.json"]["checkout"]
	if len(variants) != 2 {
		t.Fatalf("variants = %d, want 2", len(variants))
	}
	// Targeted listing is sorted by variant label.
	if variants[0].Variant != "a" || variants[1].Variant != "b" {
		t.Errorf("variants = %q, %q; want a, b", variants[0].Variant, variants[1].Variant)
	}
}

func TestDatafilesListing(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	rec := doRequest(t, srv, http.MethodGet, "/datafiles", "")
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("empty listing = %q, want []", got)
	}

	for _, path := range []string{"prod/web.json", "mobile.json"} {
		if err := st.SetArtifact(ctx, path, &api.Artifact{}, 0); err != nil {
			t.Fatal(err)
		}
	}

	rec = doRequest(t, srv, http.MethodGet, "/datafiles", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var paths []string
	if err := json.Unmarshal(rec.Body.Bytes(), &paths); err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 {
		t.Fatalf("paths = %v, want 2 entries", paths)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		entry := api.WeightHistoryEntry{Variant: "a", Weight: float64(i), Timestamp: int64(i)}
		if err := st.AppendHistory(ctx, "web.json", "checkout", entry); err != nil {
			t.Fatal(err)
		}
	}

	rec := doRequest(t, srv, http.MethodGet, "/history?datafile=web.json&feature=checkout&limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var entries []api.WeightHistoryEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Timestamp != 2 {
		t.Errorf("first entry timestamp = %d, want newest (2)", entries[0].Timestamp)
	}
}

func TestHistoryRequiresParams(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/history?datafile=web.json", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHistoryEmptyIsArray(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/history?datafile=web.json&feature=checkout", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
}

func TestRecalculateTriggers(t *testing.T) {
	srv, _, recalc := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/recalculate", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if recalc.triggered != 1 {
		t.Fatalf("triggered = %d, want 1", recalc.triggered)
	}

	rec = doRequest(t, srv, http.MethodGet, "/recalculate", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMetricsAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.SetMetricsAuth("ops", "secret")

	rec := doRequest(t, srv, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("ops", "secret")
	authed := httptest.NewRecorder()
	srv.Routes().ServeHTTP(authed, req)
	if authed.Code != http.StatusOK {
		t.Fatalf("authed status = %d, want 200", authed.Code)
	}
}
