// Package runner executes external tools. Commands are spawned from an
// explicit argv with a pinned locale; secrets only ever travel on stdin.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultTimeout = 30 * time.Second

	exitCodeTimeout  = 124
	exitCodeNotFound = 127
	exitCodeDefault  = 1
)

// Params describes one invocation
type Params struct {
	Name    string
	Args    []string
	Stdin   []byte
	Timeout time.Duration
}

// Result is the outcome of a finished process. Err is set when the process
// could not start, timed out, was cancelled or exited non-zero.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Err      error
}

// Runner runs external tools
type Runner interface {
	Run(ctx context.Context, p Params) Result
	LookPath(name string) (string, error)
}

// Exec runs real processes
type Exec struct {
	paths          map[string]string
	defaultTimeout time.Duration
}

// New creates an Exec runner. paths maps a tool name to an absolute
// binary path, overriding the PATH lookup.
func New(paths map[string]string, timeout time.Duration) *Exec {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Exec{paths: paths, defaultTimeout: timeout}
}

// LookPath resolves the binary for a tool name
func (e *Exec) LookPath(name string) (string, error) {
	if p, ok := e.paths[name]; ok && p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("%s: %w", p, exec.ErrNotFound)
		}
		return p, nil
	}
	return exec.LookPath(name)
}

// Run runs a command and waits for it
func (e *Exec) Run(ctx context.Context, p Params) Result {
	logger := log.WithFields(log.Fields{"command": p.Name, "args": p.Args, "stdin": len(p.Stdin) > 0})
	logger.Debug("Running command")

	bin, err := e.LookPath(p.Name)
	if err != nil {
		logger.WithError(err).Debug("Command not found")
		return Result{ExitCode: exitCodeNotFound, Err: err}
	}

	if p.Timeout <= 0 {
		p.Timeout = e.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	outbuf, errbuf := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := exec.CommandContext(runCtx, bin, p.Args...)
	cmd.Env = pinLocale(os.Environ())
	cmd.Stdout = outbuf
	cmd.Stderr = errbuf
	if p.Stdin != nil {
		cmd.Stdin = bytes.NewReader(p.Stdin)
	}
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err = cmd.Run()
	result := Result{
		Stdout:   strings.TrimSuffix(outbuf.String(), "\n"),
		Stderr:   strings.TrimSuffix(errbuf.String(), "\n"),
		Duration: time.Since(start),
	}

	switch {
	case ctx.Err() != nil:
		result.ExitCode = -1
		result.Err = fmt.Errorf("%s: %w", p.Name, ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.ExitCode = exitCodeTimeout
		result.Err = fmt.Errorf("%s timed out after %s: %w", p.Name, p.Timeout, context.DeadlineExceeded)
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				result.ExitCode = ws.ExitStatus()
			} else {
				result.ExitCode = exitErr.ExitCode()
			}
		} else {
			result.ExitCode = exitCodeDefault
		}
		result.Err = err
	}

	logger.WithFields(log.Fields{
		"exitcode": result.ExitCode,
		"duration": result.Duration,
		"stderr":   result.Stderr,
		"error":    result.Err,
	}).Debug("Finished running command")

	return result
}

// pinLocale forces C locale output so parsers see stable text
func pinLocale(env []string) []string {
	out := make([]string, 0, len(env)+2)
	for _, kv := range env {
		if strings.HasPrefix(kv, "LC_") || strings.HasPrefix(kv, "LANG=") || strings.HasPrefix(kv, "LANGUAGE=") {
			continue
		}
		out = append(out, kv)
	}
	return append(out, "LC_ALL=C", "LANG=C")
}
