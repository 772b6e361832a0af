// Package worker launches computational worker processes and captures what
// they print. It does not interpret exit codes or output; callers decide what
// a finished process means.
package worker

import (
	"fmt"
	"strings"
	"time"
)

// Invocation describes one worker launch. It is built per request and never
// shared between invocations.
type Invocation struct {
	Name       string        // profile name, for logs
	Executable string        // program to run
	Args       []string      // argv after the program, usually the script path first
	Env        []string      // extra KEY=VALUE pairs on top of the allowlisted parent env
	Dir        string        // working directory; empty inherits the gateway's
	Timeout    time.Duration // wall-clock budget; <= 0 uses the invoker default
}

// CommandLine renders the invocation for logs.
func (inv Invocation) CommandLine() string {
	if len(inv.Args) == 0 {
		return inv.Executable
	}
	return inv.Executable + " " + strings.Join(inv.Args, " ")
}

// Outcome is what a launched worker left behind.
type Outcome struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// StartupError reports that the operating system could not start the worker
// at all, e.g. the executable does not exist.
type StartupError struct {
	Executable string
	Err        error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("failed to start worker %s: %v", e.Executable, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }
