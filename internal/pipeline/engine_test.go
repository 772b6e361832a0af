package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xsigma/platform/gateway/internal/cache"
	"github.com/xsigma/platform/gateway/internal/models"
	"github.com/xsigma/platform/gateway/internal/worker"
)

func TestMain(m *testing.M) {
	switch os.Getenv("PIPELINE_FAKE_WORKER") {
	case "hang":
		fmt.Println(`{"progress": 0.1}`)
		time.Sleep(time.Minute)
		os.Exit(0)
	case "stat":
		// Resolve the script path the way an interpreter would, from our cwd.
		if _, err := os.Stat(os.Args[1]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		fmt.Printf("{\"script\":%q}\n", filepath.Base(os.Args[1]))
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []worker.Invocation
	out   *worker.Outcome
	err   error
}

func (f *fakeInvoker) Invoke(_ context.Context, inv worker.Invocation) (*worker.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, inv)
	if f.err != nil {
		return nil, f.err
	}
	out := *f.out
	return &out, nil
}

func (f *fakeInvoker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func scriptDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, p := range models.Builtin() {
		require.NoError(t, os.WriteFile(filepath.Join(dir, p.Script), []byte("# worker\n"), 0o644))
	}
	return dir
}

func newEngine(t *testing.T, inv Invoker, results *cache.Cache[json.RawMessage]) *Engine {
	t.Helper()
	return NewEngine(Settings{
		Executable:     "python3",
		ScriptDir:      scriptDir(t),
		PythonPath:     "/opt/xsigma/site-packages",
		DataRoot:       "/data/xsigma",
		DefaultTimeout: 30 * time.Second,
	}, inv, results, zerolog.Nop())
}

func profile(t *testing.T, name string) *models.Profile {
	t.Helper()
	p, ok := models.DefaultRegistry().Lookup(name)
	require.True(t, ok)
	return p
}

func kindOf(t *testing.T, err error) Kind {
	t.Helper()
	var pe *Error
	require.True(t, errors.As(err, &pe), "%v", err)
	return pe.Kind
}

func TestRunSVI(t *testing.T) {
	inv := &fakeInvoker{out: &worker.Outcome{Stdout: "svi ready\n" + `{"strikes":[0.9,1.0,1.1],"vols":[0.41,0.4,0.42]}`}}
	e := newEngine(t, inv, nil)

	resp, err := e.Run(context.Background(), profile(t, "svi"), map[string]any{
		"fwd": 1.0, "time": 0.333, "b": 0.1, "m": 0.01, "sigma": 0.4,
	})
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.JSONEq(t, `{"strikes":[0.9,1.0,1.1],"vols":[0.41,0.4,0.42]}`, string(resp.Data))

	require.Equal(t, 1, inv.count())
	call := inv.calls[0]
	assert.Equal(t, "python3", call.Executable)
	require.Len(t, call.Args, 2)
	assert.Equal(t, "volatility_svi.py", filepath.Base(call.Args[0]))
	assert.JSONEq(t, `{"fwd":1,"time":0.333,"b":0.1,"m":0.01,"sigma":0.4}`, call.Args[1])
	assert.Equal(t, filepath.Dir(call.Args[0]), call.Dir)
	assert.Equal(t, 30*time.Second, call.Timeout)
	assert.Contains(t, call.Env, "XSIGMA_DATA_ROOT=/data/xsigma")
	assert.Contains(t, call.Env, "PYTHONUNBUFFERED=1")
	assert.Contains(t, call.Env, "PYTHONPATH=/opt/xsigma/site-packages"+string(os.PathListSeparator)+call.Dir)
}

func TestRunValidationNeverSpawns(t *testing.T) {
	inv := &fakeInvoker{out: &worker.Outcome{Stdout: `{}`}}
	e := newEngine(t, inv, nil)

	_, err := e.Run(context.Background(), profile(t, "zabr-calibration"), map[string]any{"calibration_type": "mixture"})
	require.Error(t, err)
	assert.Equal(t, KindValidation, kindOf(t, err))
	assert.Contains(t, err.Error(), "Missing required parameter: beta")
	assert.Zero(t, inv.count())
	assert.Equal(t, uint64(1), e.Stats().Failures[KindValidation])
}

func TestRunCacheHit(t *testing.T) {
	inv := &fakeInvoker{out: &worker.Outcome{Stdout: `{"status":"success","data":{"density":[0.1,0.2]},"error":null}`}}
	e := newEngine(t, inv, cache.New[json.RawMessage](cache.Options{}))
	p := profile(t, "volatility-calibration")

	req := map[string]any{
		"n": 10, "spot": 100, "expiry": 1, "r": 0.01, "q": 0,
		"beta": 0.5, "rho": -0.2, "volvol": 0.3, "computationType": "density",
	}
	first, err := e.Run(context.Background(), p, req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	// same values, different spellings
	reordered := map[string]any{
		"computationType": "density", "volvol": "0.3", "rho": "-0.2", "beta": "0.5",
		"q": "0", "r": "0.01", "expiry": "1", "spot": "100", "n": "10",
	}
	second, err := e.Run(context.Background(), p, reordered)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.JSONEq(t, string(first.Data), string(second.Data))
	assert.JSONEq(t, `{"density":[0.1,0.2]}`, string(second.Data))
	assert.Equal(t, 1, inv.count())
	assert.Equal(t, uint64(1), e.Stats().CacheHits)
}

func TestRunUncachedProfileAlwaysInvokes(t *testing.T) {
	inv := &fakeInvoker{out: &worker.Outcome{Stdout: `{"x":1}`}}
	e := newEngine(t, inv, cache.New[json.RawMessage](cache.Options{}))
	for i := 0; i < 2; i++ {
		_, err := e.Run(context.Background(), profile(t, "asv"), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, inv.count())
}

func TestRunFailureKinds(t *testing.T) {
	cases := []struct {
		name string
		inv  *fakeInvoker
		want Kind
	}{
		{"startup", &fakeInvoker{err: &worker.StartupError{Executable: "python3", Err: os.ErrNotExist}}, KindStartup},
		{"timeout", &fakeInvoker{out: &worker.Outcome{TimedOut: true, ExitCode: -1}}, KindTimeout},
		{"exit", &fakeInvoker{out: &worker.Outcome{ExitCode: 1, Stderr: "Traceback"}}, KindWorkerExit},
		{"no json", &fakeInvoker{out: &worker.Outcome{Stdout: "done"}}, KindNoJSON},
		{"malformed", &fakeInvoker{out: &worker.Outcome{Stdout: "{oops}"}}, KindMalformedJSON},
		{"reported", &fakeInvoker{out: &worker.Outcome{Stdout: `{"status":"error","data":null,"error":"singular matrix"}`}}, KindWorkerReported},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEngine(t, tc.inv, nil)
			_, err := e.Run(context.Background(), profile(t, "hjm"), nil)
			require.Error(t, err)
			assert.Equal(t, tc.want, kindOf(t, err))
		})
	}
}

func TestRunExitCarriesStderr(t *testing.T) {
	e := newEngine(t, &fakeInvoker{out: &worker.Outcome{ExitCode: 2, Stderr: "ValueError: bad grid"}}, nil)
	_, err := e.Run(context.Background(), profile(t, "hartman-watson"), nil)
	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 2, pe.ExitCode)
	assert.Equal(t, "ValueError: bad grid", pe.Stderr)
	assert.Equal(t, "Worker exited with code 2", pe.Message)
}

func TestRunReportedErrorMessage(t *testing.T) {
	e := newEngine(t, &fakeInvoker{out: &worker.Outcome{Stdout: `{"error": "Calibration did not converge"}`}}, nil)
	_, err := e.Run(context.Background(), profile(t, "svi"), nil)
	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "Calibration did not converge", pe.Message)
}

func TestRunMissingScript(t *testing.T) {
	inv := &fakeInvoker{out: &worker.Outcome{Stdout: `{}`}}
	e := NewEngine(Settings{Executable: "python3", ScriptDir: t.TempDir()}, inv, nil, zerolog.Nop())
	_, err := e.Run(context.Background(), profile(t, "svi"), nil)
	assert.Equal(t, KindStartup, kindOf(t, err))
	assert.Contains(t, err.Error(), "Worker script not found")
	assert.Zero(t, inv.count())
}

func TestRunHJMLongTimeout(t *testing.T) {
	inv := &fakeInvoker{out: &worker.Outcome{Stdout: `{"status":"success","data":{"curve":[]}}`}}
	e := newEngine(t, inv, nil)
	_, err := e.Run(context.Background(), profile(t, "hjm"), map[string]any{"test": "2"})
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, inv.calls[0].Timeout)
	assert.Equal(t, []string{"2"}, inv.calls[0].Args[1:])
}

func TestRunEnvelopeUnwrap(t *testing.T) {
	inv := &fakeInvoker{out: &worker.Outcome{Stdout: `{"status":"success","data":{"pdf":[1,2]},"error":null}`}}
	e := newEngine(t, inv, nil)
	resp, err := e.Run(context.Background(), profile(t, "hartman-watson"), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pdf":[1,2]}`, string(resp.Data))
}

func TestRunRequestID(t *testing.T) {
	e := newEngine(t, &fakeInvoker{out: &worker.Outcome{Stdout: `{"x":1}`}}, nil)
	ctx := WithRequestID(context.Background(), "req-42")
	resp, err := e.Run(ctx, profile(t, "svi"), nil)
	require.NoError(t, err)
	assert.Equal(t, "req-42", resp.RequestID)
}

func TestRunKillsHungWorker(t *testing.T) {
	e := NewEngine(Settings{
		Executable:     os.Args[0],
		ScriptDir:      scriptDir(t),
		DefaultTimeout: 300 * time.Millisecond,
		ExtraEnv:       []string{"PIPELINE_FAKE_WORKER=hang"},
	}, worker.NewInvoker(zerolog.Nop(), worker.Options{WaitDelay: 500 * time.Millisecond}), nil, zerolog.Nop())

	start := time.Now()
	_, err := e.Run(context.Background(), profile(t, "svi"), nil)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, kindOf(t, err))
	assert.Less(t, time.Since(start), 10*time.Second)

	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Contains(t, pe.Stdout, "progress")
}

func TestRunRelativeScriptDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "workers"), 0o755))
	for _, p := range models.Builtin() {
		require.NoError(t, os.WriteFile(filepath.Join(root, "workers", p.Script), []byte("# worker\n"), 0o644))
	}
	exe, err := filepath.Abs(os.Args[0])
	require.NoError(t, err)
	t.Chdir(root)

	e := NewEngine(Settings{
		Executable: exe,
		ScriptDir:  "workers",
		ExtraEnv:   []string{"PIPELINE_FAKE_WORKER=stat"},
	}, worker.NewInvoker(zerolog.Nop(), worker.Options{}), nil, zerolog.Nop())

	resp, err := e.Run(context.Background(), profile(t, "svi"), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"script":"volatility_svi.py"}`, string(resp.Data))

	inv := &fakeInvoker{out: &worker.Outcome{Stdout: `{}`}}
	e = NewEngine(Settings{Executable: exe, ScriptDir: "workers"}, inv, nil, zerolog.Nop())
	_, err = e.Run(context.Background(), profile(t, "svi"), nil)
	require.NoError(t, err)
	dir := filepath.Join(root, "workers")
	assert.Equal(t, filepath.Join(dir, "volatility_svi.py"), inv.calls[0].Args[0])
	assert.Equal(t, dir, inv.calls[0].Dir)
	assert.Contains(t, inv.calls[0].Env, "PYTHONPATH="+dir)
}

func TestKindStatus(t *testing.T) {
	assert.Equal(t, 400, KindValidation.HTTPStatus())
	assert.Equal(t, 504, KindTimeout.HTTPStatus())
	for _, k := range []Kind{KindStartup, KindWorkerExit, KindNoJSON, KindMalformedJSON, KindWorkerReported, KindInternal} {
		assert.Equal(t, 500, k.HTTPStatus(), k)
	}
}
