// Package pipeline runs one model request end to end: validate the
// parameters, consult the result cache, launch the worker, parse its output
// and store the result. HTTP, gRPC and the CLI all go through Engine.Run.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/xsigma/platform/gateway/internal/cache"
	"github.com/xsigma/platform/gateway/internal/models"
	"github.com/xsigma/platform/gateway/internal/output"
	"github.com/xsigma/platform/gateway/internal/params"
	"github.com/xsigma/platform/gateway/internal/worker"
)

// Invoker launches a worker. *worker.Invoker satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, inv worker.Invocation) (*worker.Outcome, error)
}

// Settings are the worker paths resolved at startup.
type Settings struct {
	Executable string
	ScriptDir  string
	PythonPath string
	DataRoot   string
	// DefaultTimeout applies to profiles without their own timeout.
	DefaultTimeout time.Duration
	// ExtraEnv is appended to every worker environment.
	ExtraEnv []string
}

// Response is a successful run.
type Response struct {
	Model     string
	RequestID string
	Data      json.RawMessage
	Cached    bool
	Duration  time.Duration
	Timestamp time.Time
}

// Engine is safe for concurrent use. The cache is the only shared mutable
// state besides the counters.
type Engine struct {
	settings Settings
	invoker  Invoker
	results  *cache.Cache[json.RawMessage]
	logger   zerolog.Logger
	now      func() time.Time

	requests    atomic.Uint64
	invocations atomic.Uint64
	cacheHits   atomic.Uint64
	failures    map[Kind]*atomic.Uint64
}

// NewEngine wires an engine. results may be nil to disable caching entirely.
func NewEngine(settings Settings, invoker Invoker, results *cache.Cache[json.RawMessage], logger zerolog.Logger) *Engine {
	failures := make(map[Kind]*atomic.Uint64, len(Kinds))
	for _, k := range Kinds {
		failures[k] = new(atomic.Uint64)
	}
	return &Engine{
		settings: settings,
		invoker:  invoker,
		results:  results,
		logger:   logger.With().Str("component", "pipeline").Logger(),
		now:      time.Now,
		failures: failures,
	}
}

type requestIDKey struct{}

// WithRequestID tags ctx so Run can echo the id in responses and logs.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id set by WithRequestID, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Run executes profile p against raw request parameters.
func (e *Engine) Run(ctx context.Context, p *models.Profile, raw map[string]any) (*Response, error) {
	e.requests.Add(1)
	start := e.now()
	reqID := RequestID(ctx)
	logger := e.logger.With().Str("model", p.Name).Str("request_id", reqID).Logger()

	set, err := p.Validate(raw)
	if err != nil {
		return nil, e.fail(logger, &Error{Kind: KindValidation, Model: p.Name, Message: err.Error(), Err: err})
	}

	var key string
	if p.Cache && e.results != nil {
		key = cache.KeyFor(p.Name, set)
		if data, ok := e.results.Get(key); ok {
			e.cacheHits.Add(1)
			logger.Debug().Msg("served from cache")
			return &Response{
				Model:     p.Name,
				RequestID: reqID,
				Data:      data,
				Cached:    true,
				Duration:  e.now().Sub(start),
				Timestamp: e.now(),
			}, nil
		}
	}

	inv, err := e.invocation(p, set)
	if err != nil {
		return nil, e.fail(logger, err)
	}

	e.invocations.Add(1)
	out, err := e.invoker.Invoke(ctx, inv)
	if err != nil {
		var startErr *worker.StartupError
		switch {
		case errors.As(err, &startErr):
			return nil, e.fail(logger, &Error{Kind: KindStartup, Model: p.Name, Message: startErr.Error(), Err: err})
		case ctx.Err() != nil:
			return nil, e.fail(logger, &Error{Kind: KindCanceled, Model: p.Name, Message: "request cancelled before the worker finished", Err: err})
		default:
			return nil, e.fail(logger, &Error{Kind: KindInternal, Model: p.Name, Message: err.Error(), Err: err})
		}
	}

	if out.TimedOut {
		return nil, e.fail(logger, &Error{
			Kind:     KindTimeout,
			Model:    p.Name,
			Message:  fmt.Sprintf("Worker timed out after %s", inv.Timeout),
			ExitCode: out.ExitCode,
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
		})
	}
	if out.ExitCode != 0 {
		return nil, e.fail(logger, &Error{
			Kind:     KindWorkerExit,
			Model:    p.Name,
			Message:  fmt.Sprintf("Worker exited with code %d", out.ExitCode),
			ExitCode: out.ExitCode,
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
		})
	}

	res, err := output.Parse(out.Stdout)
	if err != nil {
		return nil, e.fail(logger, parseFailure(p.Name, err, out))
	}

	data := res.Data
	if p.Envelope {
		data = unwrapEnvelope(res)
	}
	if key != "" {
		e.results.Put(key, data)
	}

	return &Response{
		Model:     p.Name,
		RequestID: reqID,
		Data:      data,
		Duration:  e.now().Sub(start),
		Timestamp: e.now(),
	}, nil
}

func (e *Engine) invocation(p *models.Profile, set *params.Set) (worker.Invocation, error) {
	script := p.Script
	if !filepath.IsAbs(script) {
		script = filepath.Join(e.settings.ScriptDir, script)
	}
	// The worker runs from the script's directory, so a path relative to
	// ours would not resolve for it.
	script, err := filepath.Abs(script)
	if err != nil {
		return worker.Invocation{}, &Error{Kind: KindStartup, Model: p.Name, Message: err.Error(), Err: err}
	}
	if _, err := os.Stat(script); err != nil {
		return worker.Invocation{}, &Error{
			Kind:    KindStartup,
			Model:   p.Name,
			Message: "Worker script not found at: " + script,
			Err:     err,
		}
	}

	args, err := p.Args(set)
	if err != nil {
		return worker.Invocation{}, &Error{Kind: KindInternal, Model: p.Name, Message: err.Error(), Err: err}
	}

	executable := p.Executable
	if executable == "" {
		executable = e.settings.Executable
	}
	dir := filepath.Dir(script)
	timeout := p.ResolveTimeout(set)
	if timeout <= 0 {
		timeout = e.settings.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = worker.DefaultTimeout
	}

	return worker.Invocation{
		Name:       p.Name,
		Executable: executable,
		Args:       append([]string{script}, args...),
		Env:        e.environment(dir),
		Dir:        dir,
		Timeout:    timeout,
	}, nil
}

func (e *Engine) environment(scriptDir string) []string {
	paths := make([]string, 0, 2)
	if e.settings.PythonPath != "" {
		paths = append(paths, e.settings.PythonPath)
	}
	paths = append(paths, scriptDir)

	env := []string{
		"PYTHONPATH=" + strings.Join(paths, string(os.PathListSeparator)),
		"PYTHONUNBUFFERED=1",
	}
	if e.settings.DataRoot != "" {
		env = append(env, "XSIGMA_DATA_ROOT="+e.settings.DataRoot)
	}
	return append(env, e.settings.ExtraEnv...)
}

func parseFailure(model string, err error, out *worker.Outcome) *Error {
	pe := &Error{Model: model, Message: err.Error(), Stdout: out.Stdout, Stderr: out.Stderr, Err: err}
	var perr *output.ParseError
	if !errors.As(err, &perr) {
		pe.Kind = KindInternal
		return pe
	}
	switch perr.Kind {
	case output.NoJSONFound:
		pe.Kind = KindNoJSON
	case output.MalformedJSON:
		pe.Kind = KindMalformedJSON
	case output.WorkerReportedError:
		pe.Kind = KindWorkerReported
		pe.Message = perr.Message
	default:
		pe.Kind = KindInternal
	}
	return pe
}

// unwrapEnvelope returns the data member of a {status, data, error} payload,
// or the payload itself when it is not shaped that way.
func unwrapEnvelope(res *output.Result) json.RawMessage {
	var status string
	if ok, err := res.Field("status", &status); err != nil || !ok || status != "success" {
		return res.Data
	}
	var data json.RawMessage
	if ok, err := res.Field("data", &data); err != nil || !ok || len(data) == 0 {
		return res.Data
	}
	return data
}

func (e *Engine) fail(logger zerolog.Logger, err error) error {
	var pe *Error
	if !errors.As(err, &pe) {
		pe = &Error{Kind: KindInternal, Message: err.Error(), Err: err}
	}
	e.failures[pe.Kind].Add(1)

	event := logger.Error()
	if pe.Kind == KindValidation {
		event = logger.Info()
	}
	event.Str("error_type", string(pe.Kind)).Int("exit_code", pe.ExitCode).Msg(pe.Message)
	return pe
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Requests    uint64          `json:"requests"`
	Invocations uint64          `json:"invocations"`
	CacheHits   uint64          `json:"cacheHits"`
	Failures    map[Kind]uint64 `json:"failures"`
	Cache       *cache.Stats    `json:"cache,omitempty"`
}

func (e *Engine) Stats() Stats {
	s := Stats{
		Requests:    e.requests.Load(),
		Invocations: e.invocations.Load(),
		CacheHits:   e.cacheHits.Load(),
		Failures:    make(map[Kind]uint64, len(e.failures)),
	}
	for k, c := range e.failures {
		if n := c.Load(); n > 0 {
			s.Failures[k] = n
		}
	}
	if e.results != nil {
		cs := e.results.Stats()
		s.Cache = &cs
	}
	return s
}

// PurgeCache drops every cached result.
func (e *Engine) PurgeCache() {
	if e.results != nil {
		e.results.Purge()
	}
}
