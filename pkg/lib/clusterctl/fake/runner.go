// Package fake provides a scripted clusterctl.Runner for tests.
package fake

import (
	"context"
	"os"
	"strings"
	"sync"

	testingexec "k8s.io/utils/exec/testing"

	"github.com/operator-framework/testdeps/pkg/lib/clusterctl"
)

type response struct {
	output string
	err    error
}

// Runner records every invocation and answers from canned responses keyed by
// command prefix. The longest matching prefix wins; queued responses are consumed
// in order and the last one repeats. Unmatched commands succeed with no output.
type Runner struct {
	mu        sync.Mutex
	responses map[string][]response
	calls     [][]string
	applied   []string

	// Handler, if set, answers commands with no canned response.
	Handler func(args []string) (string, error)
}

var _ clusterctl.Runner = &Runner{}

func NewRunner() *Runner {
	return &Runner{responses: map[string][]response{}}
}

// On queues a response for commands starting with prefix, e.g. "get crd".
func (r *Runner) On(prefix, output string, err error) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[prefix] = append(r.responses[prefix], response{output: output, err: err})
	return r
}

func (r *Runner) Run(_ context.Context, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, append([]string{}, args...))
	if len(args) >= 3 && args[0] == "apply" && args[1] == "-f" {
		if b, err := os.ReadFile(args[2]); err == nil {
			r.applied = append(r.applied, string(b))
		}
	}

	cmd := strings.Join(args, " ")
	var match string
	found := false
	for prefix := range r.responses {
		if strings.HasPrefix(cmd, prefix) && (!found || len(prefix) > len(match)) {
			match, found = prefix, true
		}
	}
	if found {
		queue := r.responses[match]
		resp := queue[0]
		if len(queue) > 1 {
			r.responses[match] = queue[1:]
		}
		return resp.output, resp.err
	}

	if r.Handler != nil {
		return r.Handler(args)
	}
	return "", nil
}

// Calls returns the argument vectors seen so far.
func (r *Runner) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string{}, r.calls...)
}

// Count returns how many invocations started with prefix.
func (r *Runner) Count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, call := range r.calls {
		if strings.HasPrefix(strings.Join(call, " "), prefix) {
			n++
		}
	}
	return n
}

// Applied returns the contents of every manifest passed to "apply -f".
func (r *Runner) Applied() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.applied...)
}

// NotFound returns the error the client produces for an absent object.
func NotFound(args ...string) error {
	return &clusterctl.CommandError{
		Args:   append([]string{"kubectl"}, args...),
		Output: `Error from server (NotFound): ` + strings.Join(args, " ") + ` not found`,
		Err:    testingexec.FakeExitError{Status: 1},
	}
}

// Failure returns a generic command failure carrying output.
func Failure(output string, args ...string) error {
	return &clusterctl.CommandError{
		Args:   append([]string{"kubectl"}, args...),
		Output: output,
		Err:    testingexec.FakeExitError{Status: 1},
	}
}
