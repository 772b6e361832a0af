//go:build windows

package worker

import "os/exec"

// isolate keeps the default exec.CommandContext kill on Windows.
func isolate(_ *exec.Cmd) {}
