package main

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sigreer/disktui/internal/config"
	"github.com/sigreer/disktui/internal/engine"
	"github.com/sigreer/disktui/internal/inventory"
	"github.com/sigreer/disktui/internal/journal"
	"github.com/sigreer/disktui/internal/runner"
	"github.com/sigreer/disktui/internal/store"
	"github.com/sigreer/disktui/internal/tools"
)

// app is one wired engine for the lifetime of a command
type app struct {
	engine  *engine.Engine
	journal *journal.Journal
}

func openJournal(c *config.Config) *journal.Journal {
	if c.Journal.Disabled {
		return nil
	}
	j, err := journal.Open(c.Journal.Path)
	if err != nil {
		log.WithError(err).Warn("Operation history disabled")
		return nil
	}
	return j
}

// newApp wires the adapters, probes every device and returns the engine
func newApp(ctx context.Context, c *config.Config) (*app, error) {
	r := runner.New(c.Tools, c.Timeouts.Mutate.Std())
	tb := tools.New(r, tools.Options{
		ProbeTimeout:  c.Timeouts.Probe.Std(),
		MutateTimeout: c.Timeouts.Mutate.Std(),
		SettleTimeout: c.Timeouts.Settle.Std(),
		ToolTimeouts:  c.ToolTimeoutMap(),
		MountBase:     c.MountBase,
	})
	if missing := tb.MissingBinaries(); len(missing) > 0 {
		log.WithField("binaries", missing).Debug("Some tools are not installed")
	}
	inv := inventory.New(tb, inventory.Options{
		Workers:   c.Workers,
		Retries:   c.Probe.Retries,
		Health:    c.Health.Enabled,
		HealthTTL: c.Health.TTL.Std(),
		Usage:     inventory.StatfsUsage,
	})

	a := &app{journal: openJournal(c)}
	opts := engine.Options{Tools: tb, Inventory: inv, Store: store.New()}
	if a.journal != nil {
		opts.Journal = a.journal
	}
	a.engine = engine.New(opts)
	if err := a.engine.Start(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("probing devices: %w", err)
	}
	return a, nil
}

func (a *app) close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.journal != nil {
		a.journal.Close()
	}
}

// requireRoot fails early instead of letting every tool report EPERM
func requireRoot() error {
	if unix.Geteuid() != 0 {
		return fmt.Errorf("this command changes disks and must be run as root")
	}
	return nil
}
