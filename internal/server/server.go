// Package server exposes the HTTP API: datafile serving, exposure and
// conversion reporting, stats/history queries, and the manual
// recalculation trigger.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/featurelane/allocator/internal/api"
	"github.com/featurelane/allocator/internal/cache"
	"github.com/featurelane/allocator/internal/metrics"
	"github.com/featurelane/allocator/internal/store"
	pkgotel "github.com/featurelane/allocator/pkg/otel"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const tracerName = "allocator/server"

// Recalculator triggers an out-of-schedule weight recomputation.
type Recalculator interface {
	TriggerAsync()
}

type Server struct {
	store   store.Store
	cache   *cache.ArtifactCache
	recalc  Recalculator
	metrics *metrics.Metrics
	limiter *rate.Limiter

	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func New(st store.Store, c *cache.ArtifactCache, recalc Recalculator, m *metrics.Metrics, limiter *rate.Limiter) *Server {
	return &Server{
		store:   st,
		cache:   c,
		recalc:  recalc,
		metrics: m,
		limiter: limiter,
	}
}

// SetMetricsAuth enables HTTP Basic Auth on the /metrics endpoint.
func (s *Server) SetMetricsAuth(user, password string) {
	s.metricsAuth.enabled = user != ""
	s.metricsAuth.user = user
	s.metricsAuth.password = password
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/datafile/", s.handleDatafile)
	mux.HandleFunc("/datafiles", s.handleDatafiles)
	mux.HandleFunc("/expose", s.handleExpose)
	mux.HandleFunc("/convert", s.handleConvert)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/recalculate", s.handleRecalculate)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metricsHandler())
	return mux
}

func (s *Server) handleDatafile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.metrics.DatafileRequests.Inc()

	path := strings.TrimPrefix(r.URL.Path, "/datafile/")
	if path == "" {
		s.metrics.DatafileMisses.Inc()
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "Datafile not found"})
		return
	}

	artifact, err := s.cache.Get(r.Context(), path)
	if err != nil {
		log.Printf("Datafile lookup error for %s: %v", path, err)
		s.metrics.StoreErrors.Inc()
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
		return
	}
	if artifact == nil {
		s.metrics.DatafileMisses.Inc()
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "Datafile not found"})
		return
	}

	writeJSON(w, http.StatusOK, artifact)
}

func (s *Server) handleDatafiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	paths, err := s.store.ListArtifacts(r.Context())
	if err != nil {
		log.Printf("Datafile listing error: %v", err)
		s.metrics.StoreErrors.Inc()
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
		return
	}
	if paths == nil {
		paths = []string{}
	}

	writeJSON(w, http.StatusOK, paths)
}

func (s *Server) handleExpose(w http.ResponseWriter, r *http.Request) {
	s.handleReport(w, r, store.KindExposure, "Exposures recorded")
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	s.handleReport(w, r, store.KindConversion, "Conversions recorded")
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, kind store.StatKind, message string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		s.metrics.RateLimited.Inc()
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	var req api.ReportRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "Invalid JSON"})
		return
	}
	if req.Datafile == "" || req.Features == nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "Missing required fields: datafile, features"})
		return
	}

	s.metrics.ReportsTotal.WithLabelValues(string(kind)).Inc()

	ctx, span := pkgotel.StartSpan(r.Context(), tracerName, "report",
		pkgotel.AttrArtifact.String(req.Datafile),
		pkgotel.AttrReportKind.String(string(kind)),
		pkgotel.AttrFeatureCount.Int(len(req.Features)),
	)
	defer span.End()
	recorded := make([]string, 0, len(req.Features))
	for feature, variant := range req.Features {
		if feature == "" || variant == "" {
			continue
		}
		if err := s.store.IncrementStat(ctx, req.Datafile, feature, variant, kind); err != nil {
			log.Printf("Stat increment error for %s/%s: %v", req.Datafile, feature, err)
			s.metrics.StoreErrors.Inc()
			pkgotel.RecordError(span, err)
			writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
			return
		}
		recorded = append(recorded, feature)
	}

	writeJSON(w, http.StatusOK, api.ReportResponse{
		Status:   "success",
		Message:  message,
		Features: recorded,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	datafile := r.URL.Query().Get("datafile")
	feature := r.URL.Query().Get("feature")
	ctx := r.Context()

	// Both filters pin a single feature; skip the full scan.
	if datafile != "" && feature != "" {
		variants, err := s.store.ListVariants(ctx, datafile, feature)
		if err != nil {
			log.Printf("Stats query error: %v", err)
			s.metrics.StoreErrors.Inc()
			writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
			return
		}
		out := make(map[string]map[string][]api.StatsVariant)
		for _, vs := range variants {
			if out[datafile] == nil {
				out[datafile] = make(map[string][]api.StatsVariant)
			}
			out[datafile][feature] = append(out[datafile][feature], toStatsVariant(vs))
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	all, err := s.store.ListAllStats(ctx, datafile)
	if err != nil {
		log.Printf("Stats query error: %v", err)
		s.metrics.StoreErrors.Inc()
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
		return
	}

	out := make(map[string]map[string][]api.StatsVariant)
	for artifact, features := range all {
		for feat, variants := range features {
			if feature != "" && feat != feature {
				continue
			}
			for _, vs := range variants {
				if out[artifact] == nil {
					out[artifact] = make(map[string][]api.StatsVariant)
				}
				out[artifact][feat] = append(out[artifact][feat], toStatsVariant(vs))
			}
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func toStatsVariant(vs api.VariantStats) api.StatsVariant {
	rate := 0.0
	if vs.Exposures > 0 {
		rate = round2(float64(vs.Conversions) / float64(vs.Exposures) * 100)
	}
	return api.StatsVariant{
		Variant:        vs.Variant,
		Exposures:      vs.Exposures,
		Conversions:    vs.Conversions,
		ConversionRate: rate,
		Weight:         round2(vs.Weight),
		LastUpdated:    vs.LastUpdated,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	datafile := r.URL.Query().Get("datafile")
	feature := r.URL.Query().Get("feature")
	if datafile == "" || feature == "" {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "Missing required parameters: datafile, feature"})
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "Invalid limit"})
			return
		}
		limit = n
	}

	entries, err := s.store.GetHistory(r.Context(), datafile, feature, limit)
	if err != nil {
		log.Printf("History query error: %v", err)
		s.metrics.StoreErrors.Inc()
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
		return
	}
	if entries == nil {
		entries = []api.WeightHistoryEntry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.recalc.TriggerAsync()
	writeJSON(w, http.StatusOK, api.ReportResponse{
		Status:  "success",
		Message: "Weight recalculation triggered",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			s.metrics.StoreErrors.Inc()
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "store_ok": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "store_ok": true})
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
