package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const fakeModeEnv = "FAKE_WORKER_MODE"

// TestMain doubles as the fake worker: when FAKE_WORKER_MODE is set the test
// binary behaves like a model script instead of running tests.
func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeModeEnv); mode != "" {
		os.Exit(fakeWorker(mode, os.Args[1:]))
	}
	goleak.VerifyTestMain(m)
}

func fakeWorker(mode string, args []string) int {
	switch mode {
	case "echo":
		fmt.Println("loading model...")
		out, _ := json.Marshal(map[string]any{
			"args":     args,
			"data_dir": os.Getenv("XSIGMA_DATA_ROOT"),
		})
		fmt.Println(string(out))
		return 0
	case "fail":
		fmt.Fprintln(os.Stderr, "Traceback: division by zero")
		return 3
	case "hang":
		fmt.Println("partial progress")
		time.Sleep(time.Minute)
		return 0
	case "linger":
		// Exit at once but leave a child holding stdout past the deadline.
		child := exec.Command(os.Args[0])
		child.Env = append(os.Environ(), fakeModeEnv+"=sleep")
		child.Stdout = os.Stdout
		if err := child.Start(); err != nil {
			return 98
		}
		fmt.Println(`{"status":"done"}`)
		return 0
	case "sleep":
		time.Sleep(3 * time.Second)
		return 0
	case "flood":
		fmt.Print(strings.Repeat("x", 4096))
		return 0
	}
	return 99
}

func newTestInvoker(opts Options) *Invoker {
	return NewInvoker(zerolog.Nop(), opts)
}

func fakeInvocation(mode string, args ...string) Invocation {
	return Invocation{
		Name:       "fake-" + mode,
		Executable: os.Args[0],
		Args:       args,
		Env:        []string{fakeModeEnv + "=" + mode, "XSIGMA_DATA_ROOT=/data/xsigma"},
		Timeout:    10 * time.Second,
	}
}

func TestInvokeCapturesStdout(t *testing.T) {
	iv := newTestInvoker(Options{})

	out, err := iv.Invoke(context.Background(), fakeInvocation("echo", "volatility_svi.py", `{"fwd":1}`))
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.False(t, out.TimedOut)
	assert.False(t, out.Truncated)
	assert.Contains(t, out.Stdout, "loading model...")
	assert.Contains(t, out.Stdout, `"args":["volatility_svi.py","{\"fwd\":1}"]`)
	assert.Contains(t, out.Stdout, `"data_dir":"/data/xsigma"`)
	assert.Empty(t, out.Stderr)
}

func TestInvokeNonZeroExitIsNotAnError(t *testing.T) {
	iv := newTestInvoker(Options{})

	out, err := iv.Invoke(context.Background(), fakeInvocation("fail"))
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.False(t, out.TimedOut)
	assert.Contains(t, out.Stderr, "division by zero")
}

func TestInvokeKillsHungWorker(t *testing.T) {
	iv := newTestInvoker(Options{WaitDelay: 500 * time.Millisecond})
	inv := fakeInvocation("hang")
	inv.Timeout = 300 * time.Millisecond

	start := time.Now()
	out, err := iv.Invoke(context.Background(), inv)
	require.NoError(t, err)
	assert.True(t, out.TimedOut)
	assert.NotEqual(t, 0, out.ExitCode)
	assert.Contains(t, out.Stdout, "partial progress")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestInvokeFinishedWorkerIsNotTimedOut(t *testing.T) {
	iv := newTestInvoker(Options{WaitDelay: time.Second})
	inv := fakeInvocation("linger")
	inv.Timeout = 300 * time.Millisecond

	out, err := iv.Invoke(context.Background(), inv)
	require.NoError(t, err)
	assert.False(t, out.TimedOut)
	assert.Equal(t, 0, out.ExitCode)
	assert.Contains(t, out.Stdout, `{"status":"done"}`)
}

func TestInvokeMissingExecutable(t *testing.T) {
	iv := newTestInvoker(Options{})

	out, err := iv.Invoke(context.Background(), Invocation{
		Name:       "missing",
		Executable: "/nonexistent/xsigma/python3",
		Args:       []string{"volatility_svi.py"},
	})
	require.Error(t, err)
	assert.Nil(t, out)

	var startErr *StartupError
	require.True(t, errors.As(err, &startErr))
	assert.Equal(t, "/nonexistent/xsigma/python3", startErr.Executable)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestInvokeTruncatesOutput(t *testing.T) {
	iv := newTestInvoker(Options{MaxOutputBytes: 1024})

	out, err := iv.Invoke(context.Background(), fakeInvocation("flood"))
	require.NoError(t, err)
	assert.True(t, out.Truncated)
	assert.Len(t, out.Stdout, 1024)
}

func TestInvokeHonoursParentCancellation(t *testing.T) {
	iv := newTestInvoker(Options{WaitDelay: 500 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	out, err := iv.Invoke(ctx, fakeInvocation("hang"))
	require.Error(t, err)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvokeAlreadyCancelled(t *testing.T) {
	iv := newTestInvoker(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := iv.Invoke(ctx, fakeInvocation("echo"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	var startErr *StartupError
	assert.False(t, errors.As(err, &startErr))
}

func TestInvokeConcurrentWorkersAreIndependent(t *testing.T) {
	iv := newTestInvoker(Options{})
	const n = 4
	results := make(chan *Outcome, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			out, err := iv.Invoke(context.Background(), fakeInvocation("echo", fmt.Sprintf("run-%d", i)))
			results <- out
			errs <- err
		}(i)
	}
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
		out := <-results
		for j := 0; j < n; j++ {
			if strings.Contains(out.Stdout, fmt.Sprintf(`"run-%d"`, j)) {
				seen[fmt.Sprintf("run-%d", j)] = true
			}
		}
	}
	assert.Len(t, seen, n)
}

func TestBuildEnvironmentKeepsAllowlistOnly(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "do-not-leak")

	env := buildEnvironment([]string{"PYTHONUNBUFFERED=1"})
	assert.Contains(t, env, "PATH=/usr/bin")
	assert.Contains(t, env, "PYTHONUNBUFFERED=1")
	for _, kv := range env {
		assert.False(t, strings.HasPrefix(kv, "AWS_SECRET_ACCESS_KEY="), kv)
	}
}

func TestCommandLine(t *testing.T) {
	inv := Invocation{Executable: "python3", Args: []string{"HJM.py", "2"}}
	assert.Equal(t, "python3 HJM.py 2", inv.CommandLine())
	assert.Equal(t, "python3", Invocation{Executable: "python3"}.CommandLine())
}
