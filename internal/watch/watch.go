// Package watch keeps the engine's snapshot current: udev hotplug events
// trigger device refreshes and a cron schedule triggers full ones.
package watch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/sigreer/disktui/internal/engine"
)

const (
	DefaultDebounce = 750 * time.Millisecond
	// fullRefreshAt is the number of distinct devices in one burst that
	// makes a single full refresh cheaper than device refreshes
	fullRefreshAt = 4
	restartDelay  = time.Second
)

// Refresher is the part of the engine the watcher drives
type Refresher interface {
	RequestRefresh(ctx context.Context, scope engine.Scope) error
}

// Options configure a Watcher
type Options struct {
	// Hotplug enables the udev source
	Hotplug bool
	// Source overrides the udev netlink source
	Source   Source
	Debounce time.Duration
	// Schedule is a cron expression or descriptor such as "@every 5m";
	// empty disables periodic refreshes
	Schedule string
}

// Watcher turns hotplug events and schedule ticks into refreshes
type Watcher struct {
	r        Refresher
	source   Source
	debounce time.Duration
	schedule cron.Schedule
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five field cron expression or an @ descriptor.
// An empty expression yields a nil schedule.
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", expr, err)
	}
	return s, nil
}

// New creates a watcher; it fails only on an invalid schedule
func New(r Refresher, opts Options) (*Watcher, error) {
	sched, err := ParseSchedule(opts.Schedule)
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	src := opts.Source
	if src == nil && opts.Hotplug {
		src = Netlink{}
	}
	return &Watcher{r: r, source: src, debounce: opts.Debounce, schedule: sched}, nil
}

// Run blocks until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	if w.schedule != nil {
		c := cron.New(cron.WithParser(parser), cron.WithLogger(cron.PrintfLogger(log.StandardLogger())))
		c.Schedule(w.schedule, cron.FuncJob(func() {
			log.Debug("Scheduled refresh")
			w.refresh(ctx, engine.All)
		}))
		c.Start()
		defer func() { <-c.Stop().Done() }()
		log.WithField("next", w.schedule.Next(time.Now()).Format(time.RFC3339)).Info("Refresh schedule active")
	}

	if w.source == nil {
		<-ctx.Done()
		return nil
	}
	events := make(chan Event, 64)
	go w.listen(ctx, events)
	w.debounceLoop(ctx, events)
	return nil
}

// listen restarts the source until ctx is done
func (w *Watcher) listen(ctx context.Context, events chan<- Event) {
	for {
		err := w.source.Run(ctx, events)
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Error("Hotplug monitor stopped, restarting")
		select {
		case <-time.After(restartDelay):
		case <-ctx.Done():
			return
		}
	}
}

// debounceLoop collects events until the devices have been quiet for the
// debounce period, then refreshes them once
func (w *Watcher) debounceLoop(ctx context.Context, events <-chan Event) {
	pending := make(map[string]bool)
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			pending[ev.Device] = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			w.flush(ctx, pending)
			pending = make(map[string]bool)
		}
	}
}

func (w *Watcher) flush(ctx context.Context, pending map[string]bool) {
	if len(pending) == 0 {
		return
	}
	if len(pending) >= fullRefreshAt {
		w.refresh(ctx, engine.All)
		return
	}
	devices := make([]string, 0, len(pending))
	for d := range pending {
		devices = append(devices, d)
	}
	sort.Strings(devices)
	for _, d := range devices {
		w.refresh(ctx, engine.DeviceScope(d))
	}
}

func (w *Watcher) refresh(ctx context.Context, scope engine.Scope) {
	if ctx.Err() != nil {
		return
	}
	if err := w.r.RequestRefresh(ctx, scope); err != nil {
		log.WithError(err).WithField("device", scope.Device).Warn("Refresh failed")
	}
}
