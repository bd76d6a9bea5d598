// Package tools wraps the external storage utilities. Each adapter owns one
// capability, returns typed results and reports failures as *toolerr.Error.
package tools

import (
	"context"
	"os"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sigreer/disktui/internal/runner"
	"github.com/sigreer/disktui/internal/toolerr"
)

// Capability groups the binaries needed for one kind of work
type Capability string

const (
	CapDeviceList Capability = "device_list"
	CapFSProbe    Capability = "fs_probe"
	CapMountTable Capability = "mount_table"
	CapLUKS       Capability = "luks"
	CapTableEdit  Capability = "table_edit"
	CapResize     Capability = "resize"
	CapMkfs       Capability = "mkfs"
	CapMount      Capability = "mount"
	CapHealth     Capability = "health"
	CapSettle     Capability = "settle"
)

type capabilitySpec struct {
	binaries []string
	// any means one of the binaries is enough
	any bool
}

var capabilities = map[Capability]capabilitySpec{
	CapDeviceList: {binaries: []string{"lsblk"}},
	CapFSProbe:    {binaries: []string{"blkid"}},
	CapMountTable: {binaries: []string{"findmnt"}},
	CapLUKS:       {binaries: []string{"cryptsetup"}},
	CapTableEdit:  {binaries: []string{"parted"}},
	CapResize:     {binaries: []string{"resize2fs", "ntfsresize", "fatresize"}, any: true},
	CapMkfs:       {binaries: []string{"mkfs.ext4", "mkfs.fat", "mkfs.ntfs", "mkfs.exfat", "mkfs.btrfs", "mkfs.xfs"}, any: true},
	CapMount:      {binaries: []string{"mount", "umount"}},
	CapHealth:     {binaries: []string{"smartctl"}},
	CapSettle:     {binaries: []string{"partprobe", "udevadm"}, any: true},
}

// Options configure the adapters
type Options struct {
	ProbeTimeout  time.Duration
	MutateTimeout time.Duration
	SettleTimeout time.Duration
	// ToolTimeouts overrides the timeout of individual binaries
	ToolTimeouts map[string]time.Duration
	MountBase    string
	Dirs         DirOps
}

// DirOps creates and removes mount point directories
type DirOps interface {
	MkdirAll(path string) error
	Remove(path string) error
}

type osDirs struct{}

func (osDirs) MkdirAll(path string) error { return os.MkdirAll(path, 0755) }
func (osDirs) Remove(path string) error   { return os.Remove(path) }

// Toolbox bundles every adapter over one runner
type Toolbox struct {
	Lsblk   *Lsblk
	Blkid   *Blkid
	Findmnt *Findmnt
	Crypt   *Cryptsetup
	Parted  *Parted
	Mkfs    *Mkfs
	Resize  *Resizer
	Mount   *Mounter
	Smart   *Smartctl
	Settle  *Settler

	run runner.Runner
}

// New wires all adapters to r
func New(r runner.Runner, opts Options) *Toolbox {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 15 * time.Second
	}
	if opts.MutateTimeout <= 0 {
		opts.MutateTimeout = 10 * time.Minute
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = 10 * time.Second
	}
	if opts.MountBase == "" {
		opts.MountBase = "/mnt"
	}
	if opts.Dirs == nil {
		opts.Dirs = osDirs{}
	}

	probe := base{run: r, timeout: opts.ProbeTimeout, overrides: opts.ToolTimeouts}
	mutate := base{run: r, timeout: opts.MutateTimeout, overrides: opts.ToolTimeouts}

	return &Toolbox{
		Lsblk:   &Lsblk{base: probe},
		Blkid:   &Blkid{base: probe},
		Findmnt: &Findmnt{base: probe},
		Crypt:   &Cryptsetup{probe: probe, mutate: mutate},
		Parted:  &Parted{probe: probe, mutate: mutate},
		Mkfs:    &Mkfs{base: mutate},
		Resize:  &Resizer{base: mutate},
		Mount:   &Mounter{base: mutate, mountBase: opts.MountBase, dirs: opts.Dirs},
		Smart:   &Smartctl{base: probe},
		Settle:  &Settler{base: probe, settleTimeout: opts.SettleTimeout},
		run:     r,
	}
}

// Available reports whether the binaries of a capability are installed
func (t *Toolbox) Available(c Capability) bool {
	spec, ok := capabilities[c]
	if !ok {
		return false
	}
	found := 0
	for _, b := range spec.binaries {
		if _, err := t.run.LookPath(b); err == nil {
			found++
		}
	}
	if spec.any {
		return found > 0
	}
	return found == len(spec.binaries)
}

// Capabilities reports availability of every capability
func (t *Toolbox) Capabilities() map[Capability]bool {
	out := make(map[Capability]bool, len(capabilities))
	for c := range capabilities {
		out[c] = t.Available(c)
	}
	return out
}

// MissingBinaries lists binaries not found on this host
func (t *Toolbox) MissingBinaries() []string {
	seen := map[string]bool{}
	var out []string
	for _, spec := range capabilities {
		for _, b := range spec.binaries {
			if seen[b] {
				continue
			}
			seen[b] = true
			if _, err := t.run.LookPath(b); err != nil {
				out = append(out, b)
			}
		}
	}
	sort.Strings(out)
	return out
}

// base runs one binary with a timeout and classifies the outcome
type base struct {
	run       runner.Runner
	timeout   time.Duration
	overrides map[string]time.Duration
}

func (b base) timeoutFor(name string) time.Duration {
	if d, ok := b.overrides[name]; ok && d > 0 {
		return d
	}
	return b.timeout
}

// exec returns the raw result and, for a failed process, its classification
func (b base) exec(ctx context.Context, name string, args []string, stdin []byte) (runner.Result, error) {
	res := b.run.Run(ctx, runner.Params{Name: name, Args: args, Stdin: stdin, Timeout: b.timeoutFor(name)})
	if e := toolerr.Classify(name, res.ExitCode, res.Stderr, res.Err); e != nil {
		return res, e
	}
	return res, nil
}

// infra reports errors that mean the process never produced usable output
func infra(err error) bool {
	switch toolerr.KindOf(err) {
	case toolerr.ToolMissing, toolerr.OperationTimedOut, toolerr.OperationCancelled, toolerr.PermissionDenied:
		return true
	}
	return false
}

func warnLines(tool string, lines []string) {
	for _, l := range lines {
		log.WithField("tool", tool).Warn(l)
	}
}
