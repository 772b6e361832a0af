// Package httpapi is the HTTP front door: one chi route per model profile plus
// the catalogue, stats and health endpoints.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xsigma/platform/gateway/internal/dlp"
	"github.com/xsigma/platform/gateway/internal/models"
	"github.com/xsigma/platform/gateway/internal/pipeline"
)

// maxBodyBytes caps POST bodies; parameter sets are small.
const maxBodyBytes = 1 << 20

// isoMillis matches the timestamps clients already parse.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Runner is the part of *pipeline.Engine the handlers use.
type Runner interface {
	Run(ctx context.Context, p *models.Profile, raw map[string]any) (*pipeline.Response, error)
	Stats() pipeline.Stats
	PurgeCache()
}

type Options struct {
	// Debug adds worker stderr and exit codes to error responses.
	Debug   bool
	Scanner *dlp.Scanner
	Logger  zerolog.Logger
}

type Server struct {
	engine   Runner
	registry *models.Registry
	scanner  *dlp.Scanner
	debug    bool
	logger   zerolog.Logger
	started  time.Time
	now      func() time.Time
}

func New(engine Runner, registry *models.Registry, opts Options) *Server {
	return &Server{
		engine:   engine,
		registry: registry,
		scanner:  opts.Scanner,
		debug:    opts.Debug,
		logger:   opts.Logger.With().Str("component", "http").Logger(),
		started:  time.Now(),
		now:      time.Now,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(s.accessLog)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, &pipeline.Error{
			Kind:    pipeline.KindUnknownModel,
			Message: fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path),
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{
			Status:    "error",
			Error:     fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path),
			ErrorType: "MethodNotAllowed",
			Timestamp: s.now().UTC().Format(isoMillis),
		})
	})

	r.Get("/healthz", s.handleHealth)
	r.Get("/models", s.handleModels)
	r.Get("/stats", s.handleStats)
	r.Delete("/cache", s.handlePurge)

	for _, p := range s.registry.All() {
		h := s.modelHandler(p)
		for _, method := range p.Methods {
			r.Method(method, p.Route, h)
		}
	}
	return r
}

type metadata struct {
	ProcessingTimeMs int64  `json:"processingTimeMs"`
	Timestamp        string `json:"timestamp"`
	Cached           bool   `json:"cached"`
	RequestID        string `json:"requestId,omitempty"`
	Model            string `json:"model"`
}

type successBody struct {
	Status   string          `json:"status"`
	Data     json.RawMessage `json:"data"`
	Metadata metadata        `json:"metadata"`
}

type errorDetails struct {
	Stderr   string `json:"stderr,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	ExitCode int    `json:"exitCode,omitempty"`
}

type errorBody struct {
	Status    string        `json:"status"`
	Error     string        `json:"error"`
	ErrorType string        `json:"errorType,omitempty"`
	Timestamp string        `json:"timestamp"`
	Details   *errorDetails `json:"details,omitempty"`
}

func (s *Server) modelHandler(p *models.Profile) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := requestParams(r)
		if err != nil {
			s.writeError(w, &pipeline.Error{Kind: pipeline.KindValidation, Model: p.Name, Message: err.Error(), Err: err})
			return
		}
		resp, err := s.engine.Run(r.Context(), p, raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, successBody{
			Status: "success",
			Data:   resp.Data,
			Metadata: metadata{
				ProcessingTimeMs: resp.Duration.Milliseconds(),
				Timestamp:        resp.Timestamp.UTC().Format(isoMillis),
				Cached:           resp.Cached,
				RequestID:        resp.RequestID,
				Model:            resp.Model,
			},
		})
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var pe *pipeline.Error
	if !errors.As(err, &pe) {
		pe = &pipeline.Error{Kind: pipeline.KindInternal, Message: err.Error(), Err: err}
	}
	body := errorBody{
		Status:    "error",
		Error:     pe.Message,
		ErrorType: string(pe.Kind),
		Timestamp: s.now().UTC().Format(isoMillis),
	}
	if s.debug && (pe.Stderr != "" || pe.Stdout != "" || pe.ExitCode != 0) {
		stderr, v1 := s.scanner.Detail(pe.Stderr)
		var stdout string
		if pe.Kind == pipeline.KindNoJSON || pe.Kind == pipeline.KindMalformedJSON {
			var v2 []dlp.Violation
			stdout, v2 = s.scanner.Detail(pe.Stdout)
			v1 = append(v1, v2...)
		}
		for _, v := range v1 {
			s.logger.Warn().Str("model", pe.Model).Str("rule", v.Rule).Str("detail", v.Detail).Msg("dlp hit in worker output")
		}
		body.Details = &errorDetails{Stderr: stderr, Stdout: stdout, ExitCode: pe.ExitCode}
	}
	writeJSON(w, pe.Kind.HTTPStatus(), body)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": s.now().Sub(s.started).Round(time.Second).String(),
		"models": len(s.registry.All()),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	profiles := s.registry.All()
	out := make([]models.Summary, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p.Summary())
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": out})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": s.engine.Stats()})
}

func (s *Server) handlePurge(w http.ResponseWriter, _ *http.Request) {
	s.engine.PurgeCache()
	s.logger.Info().Msg("result cache purged")
	w.WriteHeader(http.StatusNoContent)
}

// requestParams reads the raw parameter map: the query string for GET, a JSON
// object body for POST, falling back to form or query values when the body
// is empty.
func requestParams(r *http.Request) (map[string]any, error) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return flatten(r.URL.Query()), nil
	}
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("invalid form body: %w", err)
		}
		return flatten(r.Form), nil
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			return nil, fmt.Errorf("invalid form body: %w", err)
		}
		return flatten(r.Form), nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxBodyBytes)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return flatten(r.URL.Query()), nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("request body must be a JSON object: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func flatten(values map[string][]string) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// requestID honours an incoming X-Request-Id or mints a UUID, and threads it
// through the pipeline context.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(middleware.RequestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		ctx = pipeline.WithRequestID(ctx, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("took", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// corsMiddleware allows browser calls from the pricing UI.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Request-Id")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Type,X-Request-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
