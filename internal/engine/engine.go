// Package engine is the disk state engine: it publishes probed snapshots,
// runs mutating operations one per device and reconciles the model with
// the host after every operation.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/sigreer/disktui/internal/inventory"
	"github.com/sigreer/disktui/internal/journal"
	"github.com/sigreer/disktui/internal/model"
	"github.com/sigreer/disktui/internal/policy"
	"github.com/sigreer/disktui/internal/store"
	"github.com/sigreer/disktui/internal/toolerr"
	"github.com/sigreer/disktui/internal/tools"
)

// DefaultKeepFinished is how many finished operations stay pollable
const DefaultKeepFinished = 256

// Recorder receives finished operations and device events
type Recorder interface {
	RecordOperation(journal.Operation) error
	RecordDeviceEvent(journal.DeviceEvent) error
}

// Options wire the engine to its collaborators
type Options struct {
	Tools     *tools.Toolbox
	Inventory *inventory.Builder
	Store     *store.Store
	// Journal is optional
	Journal      Recorder
	Now          func() time.Time
	KeepFinished int
}

// Scope selects what a refresh probes
type Scope struct {
	// Device limits the refresh to one device path; empty means all
	Device string
	// Health bypasses the health cache
	Health bool
}

// All refreshes every device
var All = Scope{}

// DeviceScope refreshes a single device
func DeviceScope(path string) Scope {
	return Scope{Device: path}
}

// Engine coordinates probes and operations
type Engine struct {
	tools   *tools.Toolbox
	inv     *inventory.Builder
	store   *store.Store
	journal Recorder
	now     func() time.Time
	keep    int

	mu       sync.Mutex
	ops      map[Handle]*operation
	order    []Handle
	finished []Handle
	busy     map[string]Handle
	closed   bool
	wg       sync.WaitGroup

	gates     gateSet
	refreshMu sync.Mutex

	subMu sync.Mutex
	subs  map[chan Status]struct{}
}

// New creates an engine. Start must be called to take the first snapshot.
func New(opts Options) *Engine {
	if opts.Store == nil {
		opts.Store = store.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.KeepFinished <= 0 {
		opts.KeepFinished = DefaultKeepFinished
	}
	return &Engine{
		tools:   opts.Tools,
		inv:     opts.Inventory,
		store:   opts.Store,
		journal: opts.Journal,
		now:     opts.Now,
		keep:    opts.KeepFinished,
		ops:     make(map[Handle]*operation),
		busy:    make(map[string]Handle),
		subs:    make(map[chan Status]struct{}),
	}
}

// Start publishes the initial snapshot
func (e *Engine) Start(ctx context.Context) error {
	return e.RequestRefresh(ctx, Scope{Health: true})
}

// Snapshot returns the current model without blocking
func (e *Engine) Snapshot() *model.Snapshot {
	return e.store.Get()
}

// Changed is closed when the next snapshot is published
func (e *Engine) Changed() <-chan struct{} {
	return e.store.Changed()
}

// Tools returns the adapters the engine drives
func (e *Engine) Tools() *tools.Toolbox {
	return e.tools
}

// RequestRefresh re-probes the scope and publishes the result. A failed
// probe keeps the previous snapshot and returns the error.
func (e *Engine) RequestRefresh(ctx context.Context, scope Scope) error {
	if scope.Device == "" {
		return e.refreshAll(ctx, scope.Health)
	}
	if err := model.ValidateDevicePath(scope.Device); err != nil {
		return err
	}
	unlock := e.gates.rlock(scope.Device)
	defer unlock()
	return e.reconcile(ctx, scope.Device, scope.Health)
}

func (e *Engine) refreshAll(ctx context.Context, forceHealth bool) error {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	var paths []string
	for _, d := range e.store.Get().Devices {
		paths = append(paths, d.Path)
	}
	unlock := e.gates.rlock(paths...)
	defer unlock()

	snap, err := e.inv.ProbeAll(ctx, forceHealth)
	if err != nil {
		log.WithError(err).Warn("Refresh failed, keeping previous snapshot")
		return err
	}
	prev := e.store.Get()
	next := e.store.Replace(snap)
	log.WithFields(log.Fields{"generation": next.Generation, "devices": len(next.Devices)}).Debug("Snapshot published")
	e.deviceEvents(prev, next)
	return nil
}

// reconcile re-probes one device and publishes it. The caller holds the
// device gate.
func (e *Engine) reconcile(ctx context.Context, path string, forceHealth bool) error {
	dev, err := e.inv.ProbeOne(ctx, path, forceHealth)
	if err != nil {
		log.WithError(err).WithField("device", path).Warn("Reconcile failed, keeping previous device state")
		return err
	}
	prev := e.store.Get()
	var next *model.Snapshot
	if dev == nil {
		next = e.store.RemoveDevice(path)
	} else {
		next = e.store.ReplaceDevice(*dev)
	}
	e.deviceEvents(prev, next)
	return nil
}

func (e *Engine) deviceEvents(prev, next *model.Snapshot) {
	added, removed := store.Diff(prev, next)
	for _, p := range added {
		d := next.Device(p)
		log.WithFields(log.Fields{"device": p, "model": d.Model}).Info("Device appeared")
		e.recordEvent(journal.DeviceEvent{Device: p, Event: journal.EventAdded, Model: d.Model, Serial: d.Serial, Size: d.Size, At: next.TakenAt})
	}
	for _, p := range removed {
		d := prev.Device(p)
		log.WithField("device", p).Info("Device disappeared")
		e.recordEvent(journal.DeviceEvent{Device: p, Event: journal.EventRemoved, Model: d.Model, Serial: d.Serial, Size: d.Size, At: e.now()})
	}
}

func (e *Engine) recordEvent(ev journal.DeviceEvent) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordDeviceEvent(ev); err != nil {
		log.WithError(err).Warn("Failed to journal device event")
	}
}

// Subscribe returns a channel of status updates and a func to stop them.
// Slow subscribers miss updates rather than block operations.
func (e *Engine) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 64)
	e.subMu.Lock()
	e.subs[ch] = struct{}{}
	e.subMu.Unlock()
	return ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if _, ok := e.subs[ch]; ok {
			delete(e.subs, ch)
			close(ch)
		}
	}
}

func (e *Engine) notify(st Status) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- st:
		default:
			log.WithField("operation", st.Handle).Debug("Subscriber full, dropping update")
		}
	}
}

// Submit validates req against the current snapshot and starts it. It
// fails immediately with DeviceBusy when the device already has an
// operation in flight; every other failure is reported through the
// operation's status.
func (e *Engine) Submit(req model.OperationRequest) (Handle, error) {
	snap := e.store.Get()
	devPath, _ := req.DeviceOf(snap)
	dev, part, verr := validate(req, snap, e.tools)
	var requirement policy.Requirement
	if verr == nil {
		requirement = policy.Decide(req, dev, part)
	}

	h := Handle(uuid.NewString())
	now := e.now()
	ctx, cancel := context.WithCancel(context.Background())
	op := &operation{
		req:      req,
		decision: make(chan Decision, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
		status: Status{
			Handle:              h,
			Request:             redact(req),
			Device:              devPath,
			State:               StateRequested,
			Requirement:         requirement,
			SubmittedAt:         now,
			UpdatedAt:           now,
			SubmittedGeneration: snap.Generation,
		},
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	if devPath != "" {
		if other, busy := e.busy[devPath]; busy {
			e.mu.Unlock()
			cancel()
			return "", toolerr.New(toolerr.DeviceBusy, "", "%s is busy with operation %s", devPath, other)
		}
		e.busy[devPath] = h
	}
	e.ops[h] = op
	e.order = append(e.order, h)
	e.wg.Add(1)
	e.mu.Unlock()

	log.WithFields(log.Fields{"operation": h, "kind": req.Kind, "target": req.Target}).Info("Operation submitted")
	if verr == nil {
		e.transition(op, StateValidated)
		if requirement.Level != policy.None {
			e.transition(op, StateAwaitingConfirmation)
		}
	}
	go e.run(ctx, op, verr)
	return h, nil
}

func (e *Engine) run(ctx context.Context, op *operation, verr error) {
	defer e.wg.Done()
	defer op.cancel()
	st := op.snapshot()

	if verr == nil && st.Requirement.Level != policy.None {
		verr = e.await(ctx, op)
	}
	if verr != nil {
		e.transition(op, StateReconciling)
		rerr := e.RequestRefresh(context.Background(), DeviceScope(st.Device))
		e.finish(op, "", verr, rerr)
		return
	}

	gate := e.gates.get(st.Device)
	gate.Lock()
	result, err := e.execute(ctx, op)
	e.transition(op, StateReconciling)
	rerr := e.reconcile(context.Background(), st.Device, false)
	gate.Unlock()
	e.finish(op, result, err, rerr)
}

func (e *Engine) await(ctx context.Context, op *operation) error {
	select {
	case d := <-op.decision:
		if d == Abort {
			return toolerr.New(toolerr.OperationCancelled, "", "aborted by user")
		}
		return nil
	case <-ctx.Done():
		return toolerr.New(toolerr.OperationCancelled, "", "cancelled while awaiting confirmation")
	}
}

func (e *Engine) transition(op *operation, s State) {
	op.mu.Lock()
	op.status.State = s
	op.status.UpdatedAt = e.now()
	st := op.status
	op.mu.Unlock()

	log.WithFields(log.Fields{"operation": st.Handle, "kind": st.Request.Kind, "state": s}).Info("Operation state changed")
	e.notify(st)
}

func (e *Engine) finish(op *operation, result string, err, rerr error) {
	gen := e.store.Generation()
	cur := op.snapshot()

	e.mu.Lock()
	if cur.Device != "" && e.busy[cur.Device] == cur.Handle {
		delete(e.busy, cur.Device)
	}
	e.finished = append(e.finished, cur.Handle)
	e.prune()
	e.mu.Unlock()

	now := e.now()
	op.mu.Lock()
	s := &op.status
	s.Result = result
	if err != nil {
		s.State = StateFailed
		s.Err = toolerr.From("", err)
	} else {
		s.State = StateCompleted
	}
	if rerr != nil {
		s.ReconcileErr = rerr.Error()
	}
	s.Generation = gen
	s.UpdatedAt, s.FinishedAt = now, now
	op.req.Passphrase = ""
	st := *s
	op.mu.Unlock()

	logger := log.WithFields(log.Fields{"operation": st.Handle, "kind": st.Request.Kind, "target": st.Request.Target, "state": st.State})
	if st.Err != nil {
		logger.WithError(st.Err).Warn("Operation failed")
	} else {
		logger.Info("Operation completed")
	}
	e.record(st)
	e.notify(st)
	close(op.done)
}

// prune forgets the oldest finished operations; e.mu must be held
func (e *Engine) prune() {
	if len(e.finished) <= e.keep {
		return
	}
	drop := make(map[Handle]bool)
	for _, h := range e.finished[:len(e.finished)-e.keep] {
		drop[h] = true
		delete(e.ops, h)
	}
	e.finished = append([]Handle(nil), e.finished[len(e.finished)-e.keep:]...)
	order := e.order[:0]
	for _, h := range e.order {
		if !drop[h] {
			order = append(order, h)
		}
	}
	e.order = order
}

func (e *Engine) record(st Status) {
	if e.journal == nil {
		return
	}
	rec := journal.Operation{
		ID:          string(st.Handle),
		Kind:        string(st.Request.Kind),
		Target:      st.Request.Target,
		Device:      st.Device,
		State:       string(st.State),
		Result:      st.Result,
		SubmittedAt: st.SubmittedAt,
		FinishedAt:  st.FinishedAt,
		Generation:  st.Generation,
	}
	if st.Err != nil {
		rec.ErrorKind = st.Err.Kind.String()
		rec.Error = st.Err.Error()
	}
	if err := e.journal.RecordOperation(rec); err != nil {
		log.WithError(err).Warn("Failed to journal operation")
	}
}

// Close stops accepting operations, cancels those that have not
// committed and waits for the rest to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	var pending []Handle
	for h, op := range e.ops {
		select {
		case <-op.done:
		default:
			pending = append(pending, h)
		}
	}
	e.mu.Unlock()

	for _, h := range pending {
		if err := e.Cancel(h); err == ErrIrreversible {
			log.WithField("operation", h).Info("Waiting for committed operation")
		}
	}
	e.wg.Wait()

	e.subMu.Lock()
	for ch := range e.subs {
		delete(e.subs, ch)
		close(ch)
	}
	e.subMu.Unlock()
}
