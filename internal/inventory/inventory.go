// Package inventory builds the device model from the external probe tools.
// Probes are read-only; nothing here mutates a device.
package inventory

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gopkg.in/retry.v1"

	"github.com/sigreer/disktui/internal/cache"
	"github.com/sigreer/disktui/internal/model"
	"github.com/sigreer/disktui/internal/toolerr"
	"github.com/sigreer/disktui/internal/tools"
)

// UsageFunc reports filesystem usage of a mount point
type UsageFunc func(mountPoint string) (*model.Usage, error)

// StatfsUsage reads usage with statfs(2)
func StatfsUsage(mountPoint string) (*model.Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(mountPoint, &st); err != nil {
		return nil, err
	}
	bsize := uint64(st.Bsize)
	return &model.Usage{
		Used:      (st.Blocks - st.Bfree) * bsize,
		Available: st.Bavail * bsize,
	}, nil
}

// Options configure a Builder
type Options struct {
	Workers   int
	Retries   int
	Health    bool
	HealthTTL time.Duration
	Usage     UsageFunc
	Now       func() time.Time
}

// Builder assembles snapshots from lsblk, blkid, findmnt, cryptsetup and smartctl
type Builder struct {
	tools    *tools.Toolbox
	health   *cache.Cache[model.HealthReport]
	opts     Options
	strategy retry.Strategy
}

// New creates a Builder
func New(tb *tools.Toolbox, opts Options) *Builder {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Builder{
		tools:  tb,
		health: cache.New[model.HealthReport](),
		opts:   opts,
		strategy: retry.LimitCount(opts.Retries+1, retry.Exponential{
			Initial: 200 * time.Millisecond,
			Factor:  2,
		}),
	}
}

// ProbeAll probes every disk. The result is complete or an error is returned.
func (b *Builder) ProbeAll(ctx context.Context, forceHealth bool) (*model.Snapshot, error) {
	var raw []tools.LsblkDevice
	err := b.retry(ctx, func() (err error) {
		raw, err = b.tools.Lsblk.List(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list block devices: %w", err)
	}
	mounts, err := b.mountTable(ctx)
	if err != nil {
		return nil, err
	}

	devs, err := b.build(ctx, raw, mounts, forceHealth)
	if err != nil {
		return nil, err
	}
	return model.NewSnapshot(devs, b.opts.Now()), nil
}

// ProbeOne probes a single disk. It returns nil without error when the
// device no longer exists.
func (b *Builder) ProbeOne(ctx context.Context, path string, forceHealth bool) (*model.BlockDevice, error) {
	var raw *tools.LsblkDevice
	err := b.retry(ctx, func() (err error) {
		raw, err = b.tools.Lsblk.Device(ctx, path)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	if raw == nil {
		b.health.Delete(path)
		return nil, nil
	}
	mounts, err := b.mountTable(ctx)
	if err != nil {
		return nil, err
	}
	devs, err := b.build(ctx, []tools.LsblkDevice{*raw}, mounts, forceHealth)
	if err != nil {
		return nil, err
	}
	return &devs[0], nil
}

func (b *Builder) mountTable(ctx context.Context) (tools.MountTable, error) {
	var mounts tools.MountTable
	err := b.retry(ctx, func() (err error) {
		mounts, err = b.tools.Findmnt.Table(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}
	return mounts, nil
}

// build fans out the per-partition and per-device queries
func (b *Builder) build(ctx context.Context, raw []tools.LsblkDevice, mounts tools.MountTable, forceHealth bool) ([]model.BlockDevice, error) {
	devs := make([]model.BlockDevice, len(raw))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Workers)

	for i := range raw {
		i := i
		devs[i] = skeleton(raw[i])
		probeWholeDisk(&devs[i], raw[i], mounts)
		parts := partitionsOf(raw[i])
		if len(parts) > 0 {
			devs[i].Partitions = make([]model.Partition, len(parts))
		}
		for j := range parts {
			j := j
			g.Go(func() error {
				devs[i].Partitions[j] = b.probePartition(gctx, devs[i].Path, parts[j], mounts)
				return gctx.Err()
			})
		}
		g.Go(func() error {
			devs[i].Health = b.probeHealth(gctx, devs[i].Path, forceHealth)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, toolerr.From("", err)
	}

	for i := range devs {
		if err := devs[i].CheckGeometry(); err != nil {
			return nil, toolerr.Malformed("lsblk", "", "%s: %v", devs[i].Path, err)
		}
	}
	return devs, nil
}

func skeleton(raw tools.LsblkDevice) model.BlockDevice {
	table, err := model.ParseTableKind(raw.PTType)
	if err != nil {
		log.WithField("device", raw.Path).WithError(err).Warn("Unsupported partition table")
		table = model.TableNone
	}
	return model.BlockDevice{
		Path:       raw.Path,
		Name:       raw.Name,
		Size:       raw.Size,
		Model:      raw.Model,
		Vendor:     raw.Vendor,
		Serial:     raw.Serial,
		Transport:  raw.Transport,
		Rotational: raw.Rotational,
		Table:      table,
	}
}

func partitionsOf(raw tools.LsblkDevice) []tools.LsblkDevice {
	var parts []tools.LsblkDevice
	for _, c := range raw.Children {
		if c.Type == "part" {
			parts = append(parts, c)
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartN < parts[j].PartN })
	return parts
}

func (b *Builder) probePartition(ctx context.Context, device string, raw tools.LsblkDevice, mounts tools.MountTable) model.Partition {
	logger := log.WithField("partition", raw.Path)
	p := model.Partition{
		Device:     device,
		Path:       raw.Path,
		Name:       raw.Name,
		Number:     raw.PartN,
		Offset:     raw.Start,
		Size:       raw.Size,
		FS:         model.FSUnknown,
		Label:      raw.Label,
		UUID:       raw.UUID,
		Encryption: model.NotEncrypted(),
	}

	var info tools.BlkidInfo
	err := b.retry(ctx, func() (err error) {
		info, err = b.tools.Blkid.Probe(ctx, raw.Path)
		return err
	})
	switch {
	case err == nil:
		p.FS, p.FSType, p.FSSize = info.Kind(), info.Type, info.FSSize
		p.Label, p.UUID = info.Label, info.UUID
	case toolerr.KindOf(err) == toolerr.ToolMissing:
		logger.Debug("blkid missing, filesystem unknown")
	default:
		logger.WithError(err).Warn("Filesystem probe failed")
	}

	if p.FS == model.FSUnknown && err != nil {
		if yes, lerr := b.tools.Crypt.IsLuks(ctx, raw.Path); lerr == nil && yes {
			p.FS = model.FSLUKS2
		}
	}
	if p.FS == model.FSLUKS2 {
		b.probeEncryption(ctx, &p, raw)
	}

	if target, ok := mounts.Lookup(p.MountSource()); ok {
		p.Mount = model.MountedAt(target)
		if b.opts.Usage != nil {
			if u, uerr := b.opts.Usage(target); uerr == nil {
				p.Usage = u
			} else {
				logger.WithError(uerr).Debug("Usage not available")
			}
		}
	}
	return p
}

// probeEncryption resolves whether a LUKS partition is open and, if so,
// what its mapping contains
func (b *Builder) probeEncryption(ctx context.Context, p *model.Partition, raw tools.LsblkDevice) {
	p.Encryption = model.Locked()
	crypt := raw.Crypt()
	mapper := tools.MapperName(raw.Name)
	if crypt != nil {
		mapper = filepath.Base(crypt.Path)
	}

	var st tools.CryptStatus
	err := b.retry(ctx, func() (err error) {
		st, err = b.tools.Crypt.Status(ctx, mapper)
		return err
	})
	switch {
	case err == nil && st.Active:
		p.Encryption = model.UnlockedAs(tools.MapperPath(mapper))
	case err == nil:
		return
	case crypt != nil:
		// cryptsetup unavailable, trust the device tree
		p.Encryption = model.UnlockedAs(crypt.Path)
	default:
		return
	}

	p.MappedFS = model.FSUnknown
	if crypt != nil {
		p.MappedFS, p.MappedFSType = model.FSKindFromProbe(crypt.FSType), crypt.FSType
	}
	info, berr := b.tools.Blkid.Probe(ctx, p.Encryption.MappedDevice)
	if berr == nil {
		p.MappedFS, p.MappedFSType = info.Kind(), info.Type
	}
}

// probeWholeDisk fills the state of a filesystem or LUKS container that
// sits on the disk itself. lsblk already carries what is needed.
func probeWholeDisk(d *model.BlockDevice, raw tools.LsblkDevice, mounts tools.MountTable) {
	d.Encryption = model.NotEncrypted()
	if d.Table != model.TableNone && raw.FSType == "" {
		return
	}
	d.FS = model.FSKindFromProbe(raw.FSType)
	source := d.Path
	if crypt := raw.Crypt(); crypt != nil {
		d.FS = model.FSLUKS2
		d.Encryption = model.UnlockedAs(crypt.Path)
		source = crypt.Path
	} else if d.FS == model.FSLUKS2 {
		d.Encryption = model.Locked()
	}
	if target, ok := mounts.Lookup(source); ok {
		d.Mount = model.MountedAt(target)
	}
}

func (b *Builder) probeHealth(ctx context.Context, path string, force bool) model.HealthReport {
	if !b.opts.Health {
		return model.HealthReport{}
	}
	if !force {
		if h, ok := b.health.Get(path); ok {
			return h
		}
	}
	var report model.HealthReport
	err := b.retry(ctx, func() (err error) {
		report, err = b.tools.Smart.Health(ctx, path)
		return err
	})
	if err != nil {
		logger := log.WithField("device", path).WithError(err)
		if toolerr.KindOf(err) == toolerr.ToolMissing {
			logger.Debug("smartctl missing, health unavailable")
		} else {
			logger.Warn("Health probe failed")
		}
		return model.HealthReport{}
	}
	b.health.Set(path, report, b.opts.HealthTTL)
	return report
}

// retry re-issues a read-only probe when it times out
func (b *Builder) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := retry.Start(b.strategy, nil); attempt.Next(); {
		err = fn()
		if err == nil || toolerr.KindOf(err) != toolerr.OperationTimedOut || ctx.Err() != nil {
			return err
		}
		log.WithError(err).Debug("Probe timed out, retrying")
	}
	return err
}
