// Package firewall implements the packet filter backends and the controller
// that drives them.
//
// Every backend shells out through a CommandRunner so that tests can replace
// the host tools with a scripted fake. Backends are stateless; the only
// state in this package is the controller's handle table.
package firewall

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// CommandRunner executes one host command and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CommandError is returned when a command ran but exited non-zero, or could
// not be started at all (ExitCode -1).
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s: exit %d: %v", e.Command, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s: exit %d: %s", e.Command, e.ExitCode, out)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// exitCode returns the exit status carried by err, or -1.
func exitCode(err error) int {
	var cerr *CommandError
	if errors.As(err, &cerr) {
		return cerr.ExitCode
	}
	return -1
}

func outputContains(err error, needles ...string) bool {
	var cerr *CommandError
	if !errors.As(err, &cerr) {
		return false
	}
	out := strings.ToLower(cerr.Output)
	for _, n := range needles {
		if strings.Contains(out, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// ExecRunner runs commands on the host with a per-call timeout.
type ExecRunner struct {
	Timeout time.Duration
}

func NewExecRunner(timeout time.Duration) *ExecRunner {
	return &ExecRunner{Timeout: timeout}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	line := name + " " + strings.Join(args, " ")

	log.Debug().
		Str("command", line).
		Dur("duration", time.Since(start)).
		Int("exit_code", cmd.ProcessState.ExitCode()).
		Msg("Firewall command executed")

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return out.Bytes(), &CommandError{Command: line, ExitCode: -1, Output: out.String(),
				Err: fmt.Errorf("timed out after %v", r.Timeout)}
		}
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return out.Bytes(), &CommandError{Command: line, ExitCode: code, Output: out.String(), Err: err}
	}
	return out.Bytes(), nil
}
