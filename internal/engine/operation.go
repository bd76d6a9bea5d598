package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sigreer/disktui/internal/model"
	"github.com/sigreer/disktui/internal/policy"
	"github.com/sigreer/disktui/internal/toolerr"
)

var (
	ErrUnknownHandle    = errors.New("unknown operation handle")
	ErrAlreadyConfirmed = errors.New("operation already confirmed")
	ErrNotAwaiting      = errors.New("operation is not awaiting confirmation")
	ErrIrreversible     = errors.New("operation has passed the point of no return")
	ErrFinished         = errors.New("operation already finished")
	ErrClosed           = errors.New("engine is closed")
)

// Handle identifies a submitted operation
type Handle string

// State is the lifecycle position of an operation
type State string

const (
	StateRequested            State = "requested"
	StateValidated            State = "validated"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateRunning              State = "running"
	StateReconciling          State = "reconciling"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
)

// Terminal reports whether no further transition can happen
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Decision answers a confirmation request
type Decision int

const (
	Proceed Decision = iota + 1
	Abort
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Abort:
		return "abort"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// Status is a point-in-time copy of an operation
type Status struct {
	Handle  Handle                 `json:"handle"`
	Request model.OperationRequest `json:"request"`
	// Device is the owning device path, empty when the target was not found
	Device      string             `json:"device,omitempty"`
	State       State              `json:"state"`
	Requirement policy.Requirement `json:"requirement"`
	// Committed is set once an irreversible step has started
	Committed bool           `json:"committed"`
	Err       *toolerr.Error `json:"error,omitempty"`
	// Result names what the operation produced: a partition, mount point or mapping
	Result       string `json:"result,omitempty"`
	ReconcileErr string `json:"reconcile_error,omitempty"`

	SubmittedAt         time.Time `json:"submitted_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	FinishedAt          time.Time `json:"finished_at"`
	SubmittedGeneration uint64    `json:"submitted_generation"`
	Generation          uint64    `json:"generation"`
}

type operation struct {
	mu     sync.Mutex
	status Status
	// req keeps the passphrase; status.Request never does
	req             model.OperationRequest
	decision        chan Decision
	confirmed       bool
	cancelRequested bool
	cancel          context.CancelFunc
	done            chan struct{}
}

func (op *operation) snapshot() Status {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.status
}

// commit is the tools.CommitFunc of the operation
func (op *operation) commit() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.cancelRequested {
		return toolerr.New(toolerr.OperationCancelled, "", "cancelled before start")
	}
	op.status.Committed = true
	return nil
}

func redact(req model.OperationRequest) model.OperationRequest {
	req.Passphrase = ""
	return req
}

func (e *Engine) lookup(h Handle) *operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ops[h]
}

// Poll returns the current status of an operation
func (e *Engine) Poll(h Handle) (Status, error) {
	op := e.lookup(h)
	if op == nil {
		return Status{}, ErrUnknownHandle
	}
	return op.snapshot(), nil
}

// Wait blocks until the operation is terminal or ctx is done
func (e *Engine) Wait(ctx context.Context, h Handle) (Status, error) {
	op := e.lookup(h)
	if op == nil {
		return Status{}, ErrUnknownHandle
	}
	select {
	case <-op.done:
		return op.snapshot(), nil
	case <-ctx.Done():
		return op.snapshot(), ctx.Err()
	}
}

// Confirm answers an operation awaiting confirmation. A TypedAck
// requirement needs ack, or the request's own Ack, to equal the device
// name; on mismatch the operation keeps waiting.
func (e *Engine) Confirm(h Handle, d Decision, ack string) error {
	op := e.lookup(h)
	if op == nil {
		return ErrUnknownHandle
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.confirmed {
		return ErrAlreadyConfirmed
	}
	if op.status.State != StateAwaitingConfirmation {
		return ErrNotAwaiting
	}
	if d != Proceed && d != Abort {
		return toolerr.Invalid("unknown decision %d", int(d))
	}
	r := op.status.Requirement
	if d == Proceed && !r.Satisfied(ack) && !r.Satisfied(op.req.Ack) {
		return toolerr.Invalid("type %q to confirm", r.Ack)
	}
	op.confirmed = true
	op.decision <- d
	return nil
}

// Cancel stops an operation that has not yet started an irreversible
// step. Cancelling an operation awaiting confirmation aborts it.
func (e *Engine) Cancel(h Handle) error {
	op := e.lookup(h)
	if op == nil {
		return ErrUnknownHandle
	}
	op.mu.Lock()
	switch {
	case op.status.State.Terminal():
		op.mu.Unlock()
		return ErrFinished
	case op.status.Committed:
		op.mu.Unlock()
		return ErrIrreversible
	}
	op.cancelRequested = true
	op.mu.Unlock()
	op.cancel()
	return nil
}

// Operations returns the status of every known operation, oldest first
func (e *Engine) Operations() []Status {
	e.mu.Lock()
	ops := make([]*operation, 0, len(e.order))
	for _, h := range e.order {
		if op, ok := e.ops[h]; ok {
			ops = append(ops, op)
		}
	}
	e.mu.Unlock()

	out := make([]Status, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.snapshot())
	}
	return out
}
