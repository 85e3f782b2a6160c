// Package api serves the cache over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"time"

	"kvcache/internal/cache"
	"kvcache/internal/logging"
	"kvcache/internal/monitor"
	"kvcache/internal/stats"
	"kvcache/internal/storage"
)

// Response messages returned to clients.
const (
	msgInserted     = "Key inserted/updated successfully."
	msgInvalidJSON  = "Invalid JSON body."
	msgTooLong      = "Key or Value exceeds 256 characters."
	msgEmptyKey     = "Key must not be empty."
	msgEmptyValue   = "Value must not be empty."
	msgMissingKey   = "Missing key parameter."
	msgNotFound     = "Key not found."
	msgBadMethod    = "Method not allowed."
	statusOK        = "OK"
	statusError     = "ERROR"
	maxRequestBytes = 4 << 10
)

// StateSource reports the eviction engine's state for /stats.
type StateSource interface {
	State() cache.EvictionState
}

// SampleSource reports the last memory reading for /stats.
type SampleSource interface {
	Last() (monitor.MemoryStats, bool)
}

// Config holds the server settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server exposes /put and /get over a Store, plus health, stats and metrics.
type Server struct {
	cfg       Config
	store     *storage.Store
	engine    StateSource
	sampler   SampleSource
	collector stats.Collector
	metrics   http.Handler
	handler   http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithEngine adds engine state to /stats.
func WithEngine(e StateSource) Option {
	return func(s *Server) { s.engine = e }
}

// WithSampler adds the last memory reading to /stats.
func WithSampler(m SampleSource) Option {
	return func(s *Server) { s.sampler = m }
}

// WithCollector records request metrics.
func WithCollector(c stats.Collector) Option {
	return func(s *Server) {
		if c != nil {
			s.collector = c
		}
	}
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// New builds a server over store.
func New(cfg Config, store *storage.Store, opts ...Option) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{cfg: cfg, store: store, collector: stats.NewNoop()}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/put", s.handlePut)
	mux.HandleFunc("/get", s.handleGet)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	s.handler = logging.HTTPMiddleware(mux)
	return s
}

// Handler returns the root handler, including request logging.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run listens on cfg.Addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	logging.Info(ctx, logging.ComponentHTTP, logging.ActionStart, "HTTP API server starting", map[string]interface{}{
		"addr": ln.Addr().String(),
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("HTTP server failed: %w", err)
			return
		}
		serverErr <- nil
	}()

	select {
	case <-ctx.Done():
		logging.Info(nil, logging.ComponentHTTP, logging.ActionStop, "HTTP API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown HTTP server: %w", err)
		}
		return <-serverErr
	case err := <-serverErr:
		return err
	}
}

type putRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, msgBadMethod)
		return
	}

	var req putRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	if err := s.store.Put(req.Key, req.Value); err != nil {
		if errors.Is(err, storage.ErrValidation) {
			s.collector.IncCounter(stats.MetricValidationErrors, 1)
			logging.Debug(r.Context(), logging.ComponentHTTP, logging.ActionValidation, "PUT rejected", map[string]interface{}{
				"key_length":   len(req.Key),
				"value_length": len(req.Value),
				"error":        err.Error(),
			})
			writeError(w, http.StatusBadRequest, validationMessage(err))
			return
		}
		logging.Error(r.Context(), logging.ComponentHTTP, logging.ActionPut, "PUT failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.collector.IncCounter(stats.MetricPuts, 1)
	s.collector.SetGauge(stats.MetricEntries, int64(s.store.Len()))
	s.collector.SetGauge(stats.MetricEstimatedBytes, s.store.EstimatedBytes())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  statusOK,
		"message": msgInserted,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, msgBadMethod)
		return
	}

	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, msgMissingKey)
		return
	}

	s.collector.IncCounter(stats.MetricGets, 1)
	value, err := s.store.Get(key)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		s.collector.IncCounter(stats.MetricMisses, 1)
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	default:
		logging.Error(r.Context(), logging.ComponentHTTP, logging.ActionGet, "GET failed", err, map[string]interface{}{
			"key": key,
		})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.collector.IncCounter(stats.MetricHits, 1)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": statusOK,
		"key":    key,
		"value":  value,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": statusOK})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, msgBadMethod)
		return
	}

	storeStats := s.store.Stats()
	response := map[string]interface{}{
		"status":   statusOK,
		"store":    storeStats,
		"hit_rate": storeStats.HitRate(),
		"pool":     s.store.MemoryPool().GetStats(),
	}
	if s.sampler != nil {
		// NaN ratios do not encode
		if st, ok := s.sampler.Last(); ok && !math.IsNaN(st.UsageRatio) {
			response["memory"] = st
		}
	}
	if s.engine != nil {
		response["eviction"] = s.engine.State()
	}
	writeJSON(w, http.StatusOK, response)
}

func validationMessage(err error) string {
	var verr *storage.ValidationError
	if errors.As(err, &verr) && verr.Length == 0 {
		if verr.Field == "key" {
			return msgEmptyKey
		}
		return msgEmptyValue
	}
	return msgTooLong
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]interface{}{
		"status":  statusError,
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warn(nil, logging.ComponentHTTP, logging.ActionResponse, "Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
