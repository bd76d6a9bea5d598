package engine

import (
	"context"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/sigreer/disktui/internal/model"
	"github.com/sigreer/disktui/internal/policy"
	"github.com/sigreer/disktui/internal/toolerr"
	"github.com/sigreer/disktui/internal/tools"
)

// execute re-checks the request against the latest snapshot and drives the
// adapters. It runs with the device gate held for writing.
func (e *Engine) execute(ctx context.Context, op *operation) (string, error) {
	if ctx.Err() != nil {
		return "", toolerr.New(toolerr.OperationCancelled, "", "cancelled before start")
	}
	op.mu.Lock()
	req := op.req
	granted := op.status.Requirement.Level
	op.mu.Unlock()

	dev, part, err := validate(req, e.store.Get(), e.tools)
	if err != nil {
		return "", err
	}
	if r := policy.Decide(req, dev, part); r.Level > granted {
		return "", toolerr.Precondition("%s changed and now needs %s confirmation", dev.Path, r.Level)
	}

	e.transition(op, StateRunning)
	ctx = tools.WithCommit(ctx, op.commit)
	tb := e.tools

	switch req.Kind {
	case model.OpCreateTable:
		if err := tb.Parted.MakeLabel(ctx, dev.Path, req.Table); err != nil {
			return "", err
		}
		tb.Settle.Settle(ctx, dev.Path)
		return dev.Path, nil

	case model.OpCreatePartition:
		return e.createPartition(ctx, req, dev)

	case model.OpDeletePartition:
		if err := tb.Parted.Remove(ctx, dev.Path, part.Number); err != nil {
			return "", err
		}
		tb.Settle.Settle(ctx, dev.Path)
		return "", nil

	case model.OpFormat:
		if part == nil {
			return e.formatDisk(ctx, req, dev)
		}
		target := part.Path
		if part.Encryption.IsUnlocked() {
			target = part.Encryption.MappedDevice
		}
		return target, tb.Mkfs.Make(ctx, target, req.FS, req.Label)

	case model.OpResize:
		return part.Path, e.resize(ctx, req, dev, part)

	case model.OpMount:
		source := part.MountSource()
		return tb.Mount.Mount(ctx, source, filepath.Base(source))

	case model.OpUnmount:
		return "", tb.Mount.Unmount(ctx, part.MountSource(), part.Mount.MountPoint)

	case model.OpEncrypt:
		return e.encrypt(ctx, req, part)

	case model.OpUnlock:
		name := tools.MapperName(part.Name)
		if err := tb.Crypt.Open(ctx, part.Path, name, req.Passphrase); err != nil {
			return "", err
		}
		return tools.MapperPath(name), nil

	case model.OpLock:
		return "", tb.Crypt.Close(ctx, filepath.Base(part.Encryption.MappedDevice))
	}
	return "", toolerr.Invalid("unknown operation %q", req.Kind)
}

// createPartition appends a partition after the last one and formats it
func (e *Engine) createPartition(ctx context.Context, req model.OperationRequest, dev *model.BlockDevice) (string, error) {
	tb := e.tools
	start := dev.NextStart()
	size := req.Size
	if size == 0 {
		size = dev.FreeSpace()
	}
	size -= size % model.MiB

	if err := tb.Parted.MakePart(ctx, dev.Path, start, size); err != nil {
		return "", err
	}
	tb.Settle.Settle(ctx, dev.Path)

	fresh, err := e.inv.ProbeOne(ctx, dev.Path, false)
	if err != nil {
		return "", err
	}
	if fresh == nil {
		return "", toolerr.Precondition("%s disappeared", dev.Path)
	}
	var created *model.Partition
	for i := range fresh.Partitions {
		if fresh.Partitions[i].Offset == start {
			created = &fresh.Partitions[i]
		}
	}
	if created == nil {
		return "", toolerr.Malformed("parted", "", "new partition at byte %d not found on %s", start, dev.Path)
	}
	log.WithFields(log.Fields{"partition": created.Path, "size": size}).Debug("Partition created")

	if req.Encrypt {
		return e.encrypt(ctx, req, created)
	}
	if req.FS == "" || req.FS == model.FSUnformatted {
		return created.Path, nil
	}
	return created.Path, tb.Mkfs.Make(ctx, created.Path, req.FS, req.Label)
}

// formatDisk replaces whatever is on the disk with a fresh table holding
// one partition that spans it, formatted as req.FS
func (e *Engine) formatDisk(ctx context.Context, req model.OperationRequest, dev *model.BlockDevice) (string, error) {
	table := req.Table
	if table == "" {
		table = model.TableGPT
	}
	if err := e.tools.Parted.MakeLabel(ctx, dev.Path, table); err != nil {
		return "", err
	}
	e.tools.Settle.Settle(ctx, dev.Path)

	blank := dev.Clone()
	blank.Table, blank.Partitions = table, nil
	blank.FS, blank.Mount, blank.Encryption = "", model.Unmounted(), model.NotEncrypted()
	return e.createPartition(ctx, model.OperationRequest{
		Kind: model.OpCreatePartition, Target: dev.Path, FS: req.FS, Label: req.Label,
	}, &blank)
}

// resize grows the partition before the filesystem and shrinks the
// filesystem before the partition
func (e *Engine) resize(ctx context.Context, req model.OperationRequest, dev *model.BlockDevice, part *model.Partition) error {
	tb := e.tools
	table := func() error {
		if err := tb.Parted.ResizePart(ctx, dev.Path, part.Number, part.Offset, req.Size); err != nil {
			return err
		}
		tb.Settle.Settle(ctx, dev.Path)
		return nil
	}
	fs := func() error {
		return tb.Resize.Resize(ctx, part.Path, part.FS, req.Size)
	}

	if req.Size >= part.Size {
		if err := table(); err != nil {
			return err
		}
		return fs()
	}
	if err := fs(); err != nil {
		return err
	}
	return table()
}

// encrypt writes a LUKS2 header and, when a filesystem was requested,
// opens the container and formats the mapping
func (e *Engine) encrypt(ctx context.Context, req model.OperationRequest, part *model.Partition) (string, error) {
	tb := e.tools
	if err := tb.Crypt.Format(ctx, part.Path, req.Passphrase); err != nil {
		return "", err
	}
	if req.FS == "" || req.FS == model.FSUnformatted {
		return part.Path, nil
	}
	name := tools.MapperName(part.Name)
	if err := tb.Crypt.Open(ctx, part.Path, name, req.Passphrase); err != nil {
		return "", err
	}
	mapped := tools.MapperPath(name)
	return mapped, tb.Mkfs.Make(ctx, mapped, req.FS, req.Label)
}
