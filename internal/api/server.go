// Package api exposes report triggering and polling over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/evidence"
	"trade-evidence-lab/internal/observability"
	"trade-evidence-lab/internal/redact"
	"trade-evidence-lab/internal/report"
	"trade-evidence-lab/internal/reporting"
	"trade-evidence-lab/internal/storage"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Reports is the report surface the server drives.
type Reports interface {
	Submit(ctx context.Context, req report.Request) (string, error)
	Run(ctx context.Context, req report.Request) (*report.Report, error)
	Status(ctx context.Context, runID string) (domain.RunStatus, error)
	Get(ctx context.Context, runID string) (*domain.ReportRun, error)
}

var _ Reports = (*report.Service)(nil)

// Server routes HTTP requests to the report service.
type Server struct {
	router  *mux.Router
	reports Reports
	token   string
	logger  zerolog.Logger
}

// Options contains configuration for creating a Server.
type Options struct {
	Reports Reports
	Logger  *zerolog.Logger
	// Metrics serves /metrics; default observability.Handler().
	Metrics http.Handler
	// Token, when set, is required in the X-API-Token header of /reports routes.
	Token string
}

// NewServer creates a Server with all routes registered.
func NewServer(opts Options) *Server {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	metricsHandler := opts.Metrics
	if metricsHandler == nil {
		metricsHandler = observability.Handler()
	}

	s := &Server{
		router:  mux.NewRouter(),
		reports: opts.Reports,
		token:   opts.Token,
		logger:  logger.With().Str("component", "api").Logger(),
	}

	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	reports := s.router.PathPrefix("/reports").Subrouter()
	reports.Use(s.tokenMiddleware)
	reports.HandleFunc("", s.submit).Methods(http.MethodPost)
	reports.HandleFunc("/run", s.run).Methods(http.MethodPost)
	reports.HandleFunc("/{id}", s.get).Methods(http.MethodGet)
	reports.HandleFunc("/{id}/status", s.status).Methods(http.MethodGet)
	reports.HandleFunc("/{id}/export", s.export).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
	})
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HTTPServer wraps the router in an http.Server with conservative timeouts.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitResponse struct {
	RunID string `json:"run_id"`
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (report.Request, bool) {
	var req report.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return req, false
	}
	return req, true
}

// writeRunError maps report service errors to HTTP statuses.
func (s *Server) writeRunError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, report.ErrSyncRunning):
		writeError(w, http.StatusConflict, "sync_running", err.Error())
	case errors.Is(err, report.ErrInvalidRange), errors.Is(err, report.ErrInvalidScope):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.logger.Error().Str("error", report.RedactError(err)).Msg(op)
		writeError(w, http.StatusInternalServerError, "internal", op+" failed: "+report.RedactError(err))
	}
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	runID, err := s.reports.Submit(r.Context(), req)
	if err != nil {
		s.writeRunError(w, err, "submit report")
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{RunID: runID})
}

type runResponse struct {
	runView
	ReportMarkdown string `json:"report_md"`
}

// run executes a report synchronously and returns the stored run with a
// Markdown rendering of its evidence.
func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	rep, err := s.reports.Run(r.Context(), req)
	if err != nil {
		s.writeRunError(w, err, "run report")
		return
	}
	writeJSON(w, http.StatusOK, runResponse{
		runView:        newRunView(rep.Run),
		ReportMarkdown: reporting.RenderMarkdown(rep.Evidence),
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	st, err := s.reports.Status(r.Context(), runID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, st)
	case errors.Is(err, report.ErrStatusNotFound):
		writeError(w, http.StatusNotFound, "not_found", "unknown run "+runID)
	default:
		s.logger.Error().Err(err).Str("run_id", runID).Msg("read status")
		writeError(w, http.StatusInternalServerError, "internal", "failed to read status")
	}
}

// runView is the JSON rendering of a report run record.
type runView struct {
	ID            string          `json:"id"`
	AccountIDs    []string        `json:"account_ids"`
	Preset        string          `json:"preset,omitempty"`
	Start         string          `json:"start"`
	End           string          `json:"end"`
	IncludeMarket bool            `json:"include_market"`
	State         domain.RunState `json:"state"`
	Error         string          `json:"error,omitempty"`
	FactsPath     string          `json:"facts_path,omitempty"`
	EvidencePath  string          `json:"evidence_path,omitempty"`
	SchemaVersion string          `json:"schema_version,omitempty"`
	Summary       json.RawMessage `json:"summary,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func newRunView(run *domain.ReportRun) runView {
	v := runView{
		ID:            run.ID,
		AccountIDs:    run.Scope.AccountIDs,
		Preset:        run.Preset,
		Start:         time.UnixMilli(run.StartMs).UTC().Format(time.RFC3339),
		End:           time.UnixMilli(run.EndMs).UTC().Format(time.RFC3339),
		IncludeMarket: run.IncludeMarket,
		State:         run.State,
		Error:         run.Error,
		FactsPath:     run.FactsPath,
		EvidencePath:  run.EvidencePath,
		SchemaVersion: run.SchemaVersion,
		CreatedAt:     run.CreatedAt,
		UpdatedAt:     run.UpdatedAt,
	}
	if len(run.Summary) > 0 {
		v.Summary = json.RawMessage(run.Summary)
	}
	return v
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	run, err := s.reports.Get(r.Context(), runID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, newRunView(run))
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "unknown run "+runID)
	default:
		s.logger.Error().Err(err).Str("run_id", runID).Msg("read run")
		writeError(w, http.StatusInternalServerError, "internal", "failed to read run")
	}
}

// export renders a completed run's evidence as markdown or CSV, selected by
// the format query parameter (default markdown).
func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	format := r.URL.Query().Get("format")
	if format == "" {
		format = reporting.FormatMarkdown
	}

	run, err := s.reports.Get(r.Context(), runID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "unknown run "+runID)
		return
	case err != nil:
		s.logger.Error().Err(err).Str("run_id", runID).Msg("read run")
		writeError(w, http.StatusInternalServerError, "internal", "failed to read run")
		return
	}
	if run.State != domain.RunCompleted || run.EvidencePath == "" {
		writeError(w, http.StatusConflict, "not_ready", "run "+runID+" is "+string(run.State))
		return
	}

	doc, err := evidence.ReadEvidence(run.EvidencePath)
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", runID).Msg("read evidence")
		writeError(w, http.StatusInternalServerError, "internal", "failed to read evidence")
		return
	}
	body, contentType, ext, err := reporting.Export(format, doc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+format+"_"+runID+"."+ext+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (s *Server) tokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-API-Token")), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid X-API-Token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()[:8]
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		id, _ := r.Context().Value(requestIDKey{}).(string)
		ev := s.logger.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.status).
			Dur("elapsed", time.Since(start))
		if q := r.URL.Query(); len(q) > 0 {
			params := make(map[string]string, len(q))
			for k := range q {
				params[k] = q.Get(k)
			}
			dict := zerolog.Dict()
			for k, v := range redact.Fields(params) {
				dict = dict.Str(k, v)
			}
			ev = ev.Dict("query", dict)
		}
		ev.Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}
