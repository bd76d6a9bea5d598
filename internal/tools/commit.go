package tools

import (
	"context"

	"github.com/sigreer/disktui/internal/toolerr"
)

type commitKey struct{}

// CommitFunc is called right before an adapter starts a step that cannot
// be undone. A non-nil error aborts the step.
type CommitFunc func() error

// WithCommit attaches fn to ctx
func WithCommit(ctx context.Context, fn CommitFunc) context.Context {
	return context.WithValue(ctx, commitKey{}, fn)
}

// Commit marks the point of no return. Mutating adapters call it
// immediately before spawning the mutating process.
func Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return toolerr.New(toolerr.OperationCancelled, "", "cancelled before start")
	}
	if fn, ok := ctx.Value(commitKey{}).(CommitFunc); ok && fn != nil {
		return fn()
	}
	return nil
}
