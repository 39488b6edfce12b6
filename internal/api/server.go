// Package api serves stored report documents over HTTP and lets an analyst
// mark findings as false positives. Every response carries the score
// recomputed from the document under the report's current marks.
package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/idrisk/internal/falsepositive"
	"github.com/lvonguyen/idrisk/internal/indicator"
	"github.com/lvonguyen/idrisk/internal/observability"
	"github.com/lvonguyen/idrisk/internal/remediation"
	"github.com/lvonguyen/idrisk/internal/report"
	"github.com/lvonguyen/idrisk/internal/scoring"
)

// Common errors.
var (
	// ErrMissingDep is returned by NewServer when a required collaborator is nil.
	ErrMissingDep = errors.New("missing server dependency")
	// ErrNotExcludable rejects marks on findings that lower or keep a score.
	ErrNotExcludable = errors.New("finding does not raise risk and cannot be marked")
)

// Options are the collaborators of a Server. Reports and Marks are required.
type Options struct {
	Reports   *report.Store
	Marks     falsepositive.Store
	Telemetry *observability.Telemetry
	// Limiter guards the mark mutations; nil disables limiting.
	Limiter        *RateLimiter
	Logger         *zap.Logger
	Version        string
	RequestTimeout time.Duration
}

// Server is the report HTTP surface.
type Server struct {
	reports   *report.Store
	marks     falsepositive.Store
	telemetry *observability.Telemetry
	limiter   *RateLimiter
	planner   *remediation.Planner
	logger    *zap.Logger
	version   string
	timeout   time.Duration
}

// ScoreResponse is the body of the score and mark endpoints.
type ScoreResponse struct {
	ReportID   string               `json:"report_id"`
	Account    string               `json:"account"`
	Result     scoring.Result       `json:"result"`
	Exclusions []falsepositive.Mark `json:"exclusions"`
}

// NewServer validates opts and fills defaults.
func NewServer(opts Options) (*Server, error) {
	if opts.Reports == nil || opts.Marks == nil {
		return nil, fmt.Errorf("%w: reports and marks are required", ErrMissingDep)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Server{
		reports:   opts.Reports,
		marks:     opts.Marks,
		telemetry: opts.Telemetry,
		limiter:   opts.Limiter,
		planner:   remediation.NewPlanner(),
		logger:    opts.Logger.With(zap.String("component", "api")),
		version:   opts.Version,
		timeout:   opts.RequestTimeout,
	}, nil
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.telemetry != nil {
		r.Method(http.MethodGet, "/metrics", s.telemetry.MetricsHandler())
	}

	r.Route("/api/v1/reports", func(r chi.Router) {
		r.Get("/", s.handleListReports)
		r.Route("/{reportID}", func(r chi.Router) {
			r.Get("/", s.handleGetReport)
			r.Get("/score", s.handleGetScore)
			r.Get("/remediation", s.handleGetRemediation)
			r.Route("/false-positives/{key}", func(r chi.Router) {
				if s.limiter != nil {
					r.Use(s.limiter.Middleware)
				}
				r.Put("/", s.handleMark)
				r.Delete("/", s.handleUnmark)
			})
		})
	})

	return r
}

// instrument records request metrics by route pattern and logs each request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		s.telemetry.RecordRequest(r.Method, route, status, elapsed)
		s.logger.Debug("Request served",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	_, err := s.reports.List()
	s.telemetry.SetHealth("reports", err == nil)
	if err != nil {
		s.logger.Warn("Report store not ready", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.reports.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reports": reports,
		"count":   len(reports),
	})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.currentDocument(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleGetScore(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.currentDocument(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, scoreResponse(doc))
}

func (s *Server) handleGetRemediation(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.currentDocument(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.planner.Build(doc))
}

func (s *Server) handleMark(w http.ResponseWriter, r *http.Request) {
	doc, f, ok := s.findingRequest(w, r)
	if !ok {
		return
	}
	key := f.Key()
	if !f.Excludable() {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %s has %d points", ErrNotExcludable, key, f.Points))
		return
	}
	mark, err := s.marks.Mark(r.Context(), doc.ReportID, key)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.logger.Info("Finding marked as false positive",
		zap.String("report_id", doc.ReportID),
		zap.Stringer("key", key),
		zap.Time("marked_at", mark.MarkedAt),
	)
	s.respondScore(w, r, doc)
}

func (s *Server) handleUnmark(w http.ResponseWriter, r *http.Request) {
	doc, f, ok := s.findingRequest(w, r)
	if !ok {
		return
	}
	key := f.Key()
	if err := s.marks.Unmark(r.Context(), doc.ReportID, key); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.logger.Info("False positive mark removed",
		zap.String("report_id", doc.ReportID),
		zap.Stringer("key", key),
	)
	s.respondScore(w, r, doc)
}

func (s *Server) respondScore(w http.ResponseWriter, r *http.Request, doc *report.Document) {
	current, err := s.apply(r, doc)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, scoreResponse(current))
}

// currentDocument loads the report named in the path with its current marks
// applied.
func (s *Server) currentDocument(w http.ResponseWriter, r *http.Request) (*report.Document, bool) {
	doc, err := s.reports.Get(chi.URLParam(r, "reportID"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return nil, false
	}
	current, err := s.apply(r, doc)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return nil, false
	}
	return current, true
}

// findingRequest resolves the report and the finding of a mark request. The
// key is either the canonical "ID|scope" form or its hash, and must name a
// finding present in the report.
func (s *Server) findingRequest(w http.ResponseWriter, r *http.Request) (*report.Document, indicator.Finding, bool) {
	doc, err := s.reports.Get(chi.URLParam(r, "reportID"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return nil, indicator.Finding{}, false
	}

	raw := chi.URLParam(r, "key")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	key, parseErr := indicator.ParseFindingKey(raw)
	if parseErr != nil && !isKeyHash(raw) {
		s.writeError(w, http.StatusBadRequest, parseErr)
		return nil, indicator.Finding{}, false
	}
	for _, f := range doc.Findings {
		if (parseErr == nil && f.Key() == key) || f.Key().Hash() == raw {
			return doc, f, true
		}
	}
	s.writeError(w, http.StatusNotFound, fmt.Errorf("finding %s not in report %s", raw, doc.ReportID))
	return nil, indicator.Finding{}, false
}

func isKeyHash(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func (s *Server) apply(r *http.Request, doc *report.Document) (*report.Document, error) {
	marks, err := s.marks.Marks(r.Context(), doc.ReportID)
	if err != nil {
		return nil, err
	}
	return report.Apply(doc, marks)
}

func scoreResponse(doc *report.Document) ScoreResponse {
	return ScoreResponse{
		ReportID:   doc.ReportID,
		Account:    doc.Account,
		Result:     doc.Result,
		Exclusions: doc.Exclusions,
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, report.ErrReportNotFound):
		return http.StatusNotFound
	case errors.Is(err, falsepositive.ErrInvalidReportID), errors.Is(err, indicator.ErrInvalidFindingKey):
		return http.StatusBadRequest
	case errors.Is(err, falsepositive.ErrStoreFailure):
		return http.StatusServiceUnavailable
	case errors.Is(err, report.ErrConsistencyViolation), errors.Is(err, report.ErrInvalidDocument):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
