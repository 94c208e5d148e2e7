package firewall

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
)

// fakeResponse scripts the result for commands starting with prefix.
type fakeResponse struct {
	prefix string
	output string
	code   int
}

// fakeRunner records every command and answers from a script. Unmatched
// commands succeed with empty output.
type fakeRunner struct {
	mu        sync.Mutex
	calls     []string
	responses []fakeResponse
}

func (f *fakeRunner) on(prefix, output string, code int) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, fakeResponse{prefix: prefix, output: output, code: code})
	return f
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, line)
	for i := len(f.responses) - 1; i >= 0; i-- {
		r := f.responses[i]
		if strings.HasPrefix(line, r.prefix) {
			if r.code != 0 {
				return []byte(r.output), &CommandError{Command: line, ExitCode: r.code, Output: r.output, Err: errors.New("exit status")}
			}
			return []byte(r.output), nil
		}
	}
	return nil, nil
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRunner) count(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// flakyBackend fails the first failures calls of each operation.
type flakyBackend struct {
	failures  int32
	blocks    atomic.Int32
	unblocks  atomic.Int32
	probeErr  error
	permanent error
}

func (f *flakyBackend) Name() string { return "flaky" }

func (f *flakyBackend) Probe(context.Context) error { return f.probeErr }

func (f *flakyBackend) Block(context.Context, string) error {
	if f.permanent != nil {
		f.blocks.Add(1)
		return f.permanent
	}
	if f.blocks.Add(1) <= f.failures {
		return errors.New("xtables lock busy")
	}
	return nil
}

func (f *flakyBackend) Unblock(context.Context, string) error {
	if f.unblocks.Add(1) <= f.failures {
		return errors.New("xtables lock busy")
	}
	return nil
}
