package runner

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Handler produces the result of a faked command
type Handler func(ctx context.Context, args []string, stdin []byte) Result

// Call records one faked invocation
type Call struct {
	Name  string
	Args  []string
	Stdin []byte
}

func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Fake is a scripted Runner for tests. Commands without a handler behave
// like a missing binary.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
}

func NewFake() *Fake {
	return &Fake{handlers: make(map[string]Handler)}
}

// Handle installs a handler for a tool name
func (f *Fake) Handle(name string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = h
}

// Respond makes every call to name return res
func (f *Fake) Respond(name string, res Result) {
	f.Handle(name, func(context.Context, []string, []byte) Result { return res })
}

// Uninstall removes a handler, making the tool missing
func (f *Fake) Uninstall(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, name)
}

func (f *Fake) LookPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[name]; !ok {
		return "", fmt.Errorf("%s: %w", name, exec.ErrNotFound)
	}
	return "/usr/sbin/" + name, nil
}

func (f *Fake) Run(ctx context.Context, p Params) Result {
	f.mu.Lock()
	args := append([]string(nil), p.Args...)
	var stdin []byte
	if p.Stdin != nil {
		stdin = append([]byte(nil), p.Stdin...)
	}
	f.calls = append(f.calls, Call{Name: p.Name, Args: args, Stdin: stdin})
	h, ok := f.handlers[p.Name]
	f.mu.Unlock()

	if !ok {
		return Result{ExitCode: exitCodeNotFound, Err: fmt.Errorf("%s: %w", p.Name, exec.ErrNotFound)}
	}
	if err := ctx.Err(); err != nil {
		return Result{ExitCode: -1, Err: fmt.Errorf("%s: %w", p.Name, err)}
	}
	res := h(ctx, args, stdin)
	if res.ExitCode != 0 && res.Err == nil {
		res.Err = fmt.Errorf("%s: exit status %d", p.Name, res.ExitCode)
	}
	return res
}

// Calls returns every recorded invocation
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns the recorded invocations of one tool
func (f *Fake) CallsTo(name string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded calls
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}
