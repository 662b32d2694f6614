package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"NavCurve/internal/bucket"
	"NavCurve/internal/observability"
	"NavCurve/internal/query"
)

// Server exposes the stored curves over HTTP/JSON alongside the
// liveness, readiness and metrics endpoints.
type Server struct {
	svc     *query.Service
	health  *observability.HealthChecker
	log     zerolog.Logger
	metrics *observability.Metrics
	httpSrv *http.Server
}

// New builds the HTTP server on addr.
func New(addr string, svc *query.Service, health *observability.HealthChecker, log zerolog.Logger, metrics *observability.Metrics) *Server {
	s := &Server{
		svc:     svc,
		health:  health,
		log:     log,
		metrics: metrics,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/netvalue", s.instrument("netvalue", s.handleCurve))
	mux.HandleFunc("GET /api/v1/netvalue/latest", s.instrument("netvalue_latest", s.handleLatest))
	mux.HandleFunc("GET /api/v1/addresses", s.instrument("addresses", s.handleAddresses))
	mux.HandleFunc("GET /api/v1/records", s.instrument("records", s.handleRecord))
	mux.HandleFunc("GET /healthz", health.LivenessHandler)
	mux.HandleFunc("GET /readyz", health.ReadinessHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.httpSrv.Addr).Msg("http server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
		}
	}
}

func (s *Server) handleCurve(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	iv, err := intervalParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	start, err := timeParam(r, "start")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := timeParam(r, "end")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}

	resp, err := s.svc.Curve(r.Context(), address, iv, start, end, limit)
	if err != nil {
		s.log.Error().Err(err).Str("address", address).Msg("curve query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	iv, err := intervalParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	point, err := s.svc.Latest(r.Context(), address, iv)
	if err != nil {
		s.log.Error().Err(err).Str("address", address).Msg("latest query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if point == nil {
		writeError(w, http.StatusNotFound, "no curve for address")
		return
	}
	writeJSON(w, http.StatusOK, point)
}

func (s *Server) handleAddresses(w http.ResponseWriter, r *http.Request) {
	iv, err := intervalParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	addresses, err := s.svc.Addresses(r.Context(), iv)
	if err != nil {
		s.log.Error().Err(err).Msg("addresses query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interval": iv.Name, "addresses": addresses})
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	rec, err := s.svc.Record(r.Context(), address)
	if err != nil {
		s.log.Error().Err(err).Str("address", address).Msg("record query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "no record for address")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func intervalParam(r *http.Request) (bucket.Interval, error) {
	name := r.URL.Query().Get("interval")
	if name == "" {
		name = "1h"
	}
	iv, err := bucket.ParseInterval(name)
	if err != nil {
		return bucket.Interval{}, fmt.Errorf("invalid interval %q", name)
	}
	return iv, nil
}

// timeParam accepts RFC 3339 or epoch milliseconds. Absent params
// return the zero time.
func timeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: want RFC 3339 or epoch milliseconds", name)
	}
	return t.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}
