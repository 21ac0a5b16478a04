package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/apperrors"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/artifacts"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/domain"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/machinecache"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/metrics"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/service"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/pkg/utils"
)

const requestIDHeader = "X-Request-ID"

type DetectionService interface {
	Predict(ctx context.Context, machineID int64, reading domain.SensorReading) (*domain.PredictionResult, error)
	Health(ctx context.Context) service.HealthReport
	ModelInfo() *artifacts.ModelInfo
	CacheInfo() machinecache.Info
	InvalidateMachine(machineID int64) bool
	ClearCache() int
	WarmupCache(ctx context.Context, ids []int64) (machinecache.WarmupResult, error)
	ReloadArtifacts(ctx context.Context) (artifacts.ModelInfo, error)
	RecentHistories(ctx context.Context, limit int, severity domain.Severity) ([]*domain.AnomalyHistory, error)
	SearchHistories(ctx context.Context, filter domain.HistoryFilter) ([]*domain.AnomalyHistory, error)
	MachineHistories(ctx context.Context, machineID int64, limit int) ([]*domain.AnomalyHistory, error)
}

// SystemInfo is the static configuration summary served on /system/info.
type SystemInfo struct {
	Config     map[string]any     `json:"config"`
	StreamInfo map[string]string  `json:"kafka_config"`
	Backend    string             `json:"backend"`
	Publisher  string             `json:"alert_publisher"`
	Timezone   string             `json:"detection_timezone"`
	Thresholds map[string]float64 `json:"severity_thresholds"`
}

type HTTPServer struct {
	server  *http.Server
	service DetectionService
	info    SystemInfo
	loc     *time.Location
	logger  *zap.Logger
}

// NewHTTPServer wires the admin and query routes. loc interprets zone-less history query times.
func NewHTTPServer(addr string, svc DetectionService, info SystemInfo, loc *time.Location, logger *zap.Logger) *HTTPServer {
	router := mux.NewRouter()
	if loc == nil {
		loc = time.Local
	}

	s := &HTTPServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		service: svc,
		info:    info,
		loc:     loc,
		logger:  logger,
	}

	router.Use(s.requestIDMiddleware)
	router.Use(s.metricsMiddleware)
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/", s.root).Methods("GET")
	router.HandleFunc("/health", s.healthCheck).Methods("GET")
	router.HandleFunc("/predict", s.predict).Methods("POST")
	router.HandleFunc("/system/info", s.systemInfo).Methods("GET")

	router.HandleFunc("/cache/stats", s.cacheStats).Methods("GET")
	router.HandleFunc("/cache/warmup", s.cacheWarmup).Methods("POST")
	router.HandleFunc("/cache/{machineId:[0-9]+}", s.cacheInvalidate).Methods("DELETE")
	router.HandleFunc("/cache", s.cacheClear).Methods("DELETE")

	router.HandleFunc("/artifacts/reload", s.reloadArtifacts).Methods("POST")

	api := router.PathPrefix("/api/v1/anomaly-histories").Subrouter()
	api.HandleFunc("", s.recentHistories).Methods("GET")
	api.HandleFunc("/search", s.searchHistories).Methods("GET")
	api.HandleFunc("/machine/{machineId:[0-9]+}", s.machineHistories).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return s
}

func (s *HTTPServer) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

// responseWriter tracks status code and body size
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}

func (s *HTTPServer) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if !utils.IsValidUUID(id) {
			id = utils.NewUUID().String()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// metrics are labelled with the route template, not the raw path
func (s *HTTPServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		method := r.Method
		status := strconv.Itoa(rw.statusCode)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}

		metrics.HTTPRequests.WithLabelValues(method, path, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
		metrics.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(rw.size))
	})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		s.logger.Info("HTTP request",
			zap.String("request_id", r.Header.Get(requestIDHeader)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("query", r.URL.RawQuery),
			zap.String("ip", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
			zap.Int("status", rw.statusCode),
			zap.Int("response_size", rw.size),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

type errorResponse struct {
	Detail string   `json:"detail"`
	Class  string   `json:"class,omitempty"`
	Fields []string `json:"fields,omitempty"`
}

// writeError maps the error class onto an HTTP status.
func (s *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	class := apperrors.ClassOf(err)
	status := http.StatusInternalServerError
	switch class {
	case apperrors.ClassInvalid:
		status = http.StatusBadRequest
	case apperrors.ClassNotFound:
		status = http.StatusNotFound
	case apperrors.ClassTransient, apperrors.ClassFatal:
		status = http.StatusServiceUnavailable
	}

	resp := errorResponse{Detail: err.Error(), Class: class.String()}
	var ve *apperrors.ValidationError
	if errors.As(err, &ve) {
		resp.Fields = ve.Fields
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.writeJSON(w, status, resp)
}

func (s *HTTPServer) badRequest(w http.ResponseWriter, detail string) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Detail: detail, Class: apperrors.ClassInvalid.String()})
}

func (s *HTTPServer) root(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service": "AI Anomaly Detection Server",
		"version": service.Version,
		"status":  "running",
		"endpoints": map[string]string{
			"health":      "/health",
			"predict":     "/predict",
			"system_info": "/system/info",
			"histories":   "/api/v1/anomaly-histories",
			"metrics":     "/metrics",
		},
	})
}

func (s *HTTPServer) healthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.service.Health(r.Context())
	status := http.StatusOK
	if !report.Serving() {
		s.logger.Error("Health check failed",
			zap.String("database", report.Database),
			zap.Bool("predictor_ready", report.PredictorReady))
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

type predictRequest struct {
	MachineID  *int64               `json:"machine_id"`
	SensorData domain.SensorReading `json:"sensor_data"`
}

type predictResponse struct {
	MachineID int64 `json:"machine_id"`
	*domain.PredictionResult
}

func (s *HTTPServer) predict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.MachineID == nil {
		s.badRequest(w, "machine_id is required")
		return
	}

	result, err := s.service.Predict(r.Context(), *req.MachineID, req.SensorData)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, predictResponse{MachineID: *req.MachineID, PredictionResult: result})
}

func (s *HTTPServer) systemInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"system":     s.info,
		"cache_info": s.service.CacheInfo(),
		"model_info": s.service.ModelInfo(),
	})
}

func (s *HTTPServer) cacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.CacheInfo())
}

func (s *HTTPServer) cacheInvalidate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["machineId"], 10, 64)
	if err != nil {
		s.badRequest(w, "invalid machine id")
		return
	}
	removed := s.service.InvalidateMachine(id)
	s.writeJSON(w, http.StatusOK, map[string]any{"machine_id": id, "removed": removed})
}

func (s *HTTPServer) cacheClear(w http.ResponseWriter, r *http.Request) {
	n := s.service.ClearCache()
	s.writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

type warmupRequest struct {
	MachineIDs []int64 `json:"machine_ids"`
}

func (s *HTTPServer) cacheWarmup(w http.ResponseWriter, r *http.Request) {
	var req warmupRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.badRequest(w, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}

	res, err := s.service.WarmupCache(r.Context(), req.MachineIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) reloadArtifacts(w http.ResponseWriter, r *http.Request) {
	info, err := s.service.ReloadArtifacts(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// historyResponse renders stored wall-clock timestamps without a zone.
type historyResponse struct {
	ID                 int64           `json:"id"`
	MachineID          int64           `json:"machine_id"`
	DetectedAt         string          `json:"detected_at"`
	AnomalyProbability float64         `json:"anomaly_probability"`
	SensorData         json.RawMessage `json:"sensor_data"`
	Severity           domain.Severity `json:"severity"`
	CreatedAt          string          `json:"created_at"`
}

func toHistoryResponses(rows []*domain.AnomalyHistory) []historyResponse {
	out := make([]historyResponse, 0, len(rows))
	for _, h := range rows {
		out = append(out, historyResponse{
			ID:                 h.ID,
			MachineID:          h.MachineID,
			DetectedAt:         h.DetectedAt.Format(utils.LocalTimestampLayout),
			AnomalyProbability: h.AnomalyProbability,
			SensorData:         h.SensorData,
			Severity:           h.Severity,
			CreatedAt:          h.CreatedAt.Format(utils.LocalTimestampLayout),
		})
	}
	return out
}

func (s *HTTPServer) writeHistories(w http.ResponseWriter, r *http.Request, rows []*domain.AnomalyHistory, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toHistoryResponses(rows))
}

func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, apperrors.Validation("limit must be a positive integer", "limit")
	}
	return n, nil
}

func querySeverity(r *http.Request) (domain.Severity, error) {
	v := r.URL.Query().Get("severity")
	if v == "" {
		return "", nil
	}
	sev, err := domain.ParseSeverity(v)
	if err != nil {
		return "", apperrors.Validation(err.Error(), "severity")
	}
	return sev, nil
}

// parseTime accepts RFC 3339 or a zone-less local timestamp in the detection time zone.
func (s *HTTPServer) parseTime(field, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		t = t.In(s.loc)
		return &t, nil
	}
	for _, layout := range []string{utils.LocalTimestampLayout, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, v, s.loc); err == nil {
			return &t, nil
		}
	}
	return nil, apperrors.Validation(fmt.Sprintf("invalid %s time format", field), field)
}

func (s *HTTPServer) recentHistories(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sev, err := querySeverity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rows, err := s.service.RecentHistories(r.Context(), limit, sev)
	s.writeHistories(w, r, rows, err)
}

func (s *HTTPServer) searchHistories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		filter domain.HistoryFilter
		err    error
	)

	if filter.Limit, err = queryLimit(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	if filter.Severity, err = querySeverity(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	if filter.Start, err = s.parseTime("start", q.Get("start")); err != nil {
		s.writeError(w, r, err)
		return
	}
	if filter.End, err = s.parseTime("end", q.Get("end")); err != nil {
		s.writeError(w, r, err)
		return
	}
	if v := q.Get("machine_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.badRequest(w, "invalid machine_id")
			return
		}
		filter.MachineID = &id
	}

	rows, err := s.service.SearchHistories(r.Context(), filter)
	s.writeHistories(w, r, rows, err)
}

func (s *HTTPServer) machineHistories(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["machineId"], 10, 64)
	if err != nil {
		s.badRequest(w, "invalid machine id")
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rows, err := s.service.MachineHistories(r.Context(), id, limit)
	s.writeHistories(w, r, rows, err)
}
