package engine

import (
	"github.com/sigreer/disktui/internal/model"
	"github.com/sigreer/disktui/internal/toolerr"
	"github.com/sigreer/disktui/internal/tools"
	"github.com/sigreer/disktui/internal/units"
)

// mbrPrimaryLimit is the number of primary partitions an msdos label holds
const mbrPrimaryLimit = 4

// validate resolves the request against snap and checks its preconditions.
// It never runs a tool; binaries are only looked up.
func validate(req model.OperationRequest, snap *model.Snapshot, tb *tools.Toolbox) (*model.BlockDevice, *model.Partition, error) {
	if err := req.Check(); err != nil {
		return nil, nil, err
	}
	if req.OnDevice(snap) {
		dev := snap.Device(req.Target)
		if dev == nil {
			return nil, nil, toolerr.Precondition("device %s not found", req.Target)
		}
		if err := checkDevice(req, dev); err != nil {
			return dev, nil, err
		}
		return dev, nil, checkTools(req, nil, tb)
	}

	dev, part := snap.Partition(req.Target)
	if part == nil {
		return nil, nil, toolerr.Precondition("partition %s not found", req.Target)
	}
	if err := checkPartition(req, dev, part, tb); err != nil {
		return dev, part, err
	}
	return dev, part, checkTools(req, part, tb)
}

func checkDevice(req model.OperationRequest, dev *model.BlockDevice) error {
	switch req.Kind {
	case model.OpCreateTable, model.OpFormat:
		if err := dev.InUse(); err != nil {
			return toolerr.Precondition("%v", err)
		}
	case model.OpCreatePartition:
		if dev.Mount.Mounted {
			return toolerr.Precondition("%s is mounted at %s", dev.Path, dev.Mount.MountPoint)
		}
		if dev.Encryption.IsUnlocked() {
			return toolerr.Precondition("%s is unlocked as %s", dev.Path, dev.Encryption.MappedDevice)
		}
		if dev.Table == model.TableNone {
			return toolerr.Precondition("%s has no partition table", dev.Path)
		}
		if dev.Table == model.TableMBR && len(dev.Partitions) >= mbrPrimaryLimit {
			return toolerr.Precondition("%s already has %d primary partitions", dev.Path, mbrPrimaryLimit)
		}
		free := dev.FreeSpace()
		if free < model.MiB {
			return toolerr.Precondition("no free space on %s", dev.Path)
		}
		if req.Size != 0 && req.Size < model.MiB {
			return toolerr.Invalid("partition size must be at least 1 MiB")
		}
		if req.Size > free {
			return toolerr.Precondition("requested %s but only %s is free on %s",
				units.FormatSize(req.Size), units.FormatSize(free), dev.Path)
		}
	}
	return nil
}

func checkPartition(req model.OperationRequest, dev *model.BlockDevice, p *model.Partition, tb *tools.Toolbox) error {
	mounted := func() error {
		if p.Mount.Mounted {
			return toolerr.Precondition("%s is mounted at %s", p.Path, p.Mount.MountPoint)
		}
		return nil
	}

	switch req.Kind {
	case model.OpDeletePartition:
		if !p.Encryption.IsNone() {
			return toolerr.Precondition("%s is encrypted", p.Path)
		}
		return mounted()

	case model.OpFormat:
		if p.Encryption.IsLocked() {
			return toolerr.Precondition("%s is locked, unlock it first", p.Path)
		}
		return mounted()

	case model.OpResize:
		if err := mounted(); err != nil {
			return err
		}
		if !p.Encryption.IsNone() {
			return toolerr.Precondition("%s is encrypted", p.Path)
		}
		if !tb.Resize.Supports(p.FS) {
			return toolerr.Invalid("filesystem %s on %s cannot be resized", p.FS, p.Path)
		}
		if req.Size < model.MiB {
			return toolerr.Invalid("new size must be at least 1 MiB")
		}
		if limit := dev.Limit(p); p.Offset+req.Size > limit {
			return toolerr.Precondition("%s can grow to at most %s", p.Path, units.FormatSize(limit-p.Offset))
		}

	case model.OpMount:
		if err := mounted(); err != nil {
			return err
		}
		if p.Encryption.IsLocked() {
			return toolerr.Precondition("%s is locked, unlock it first", p.Path)
		}
		if !p.Mountable() {
			return toolerr.Precondition("%s has no mountable filesystem (%s)", p.Path, p.ContentFS())
		}

	case model.OpUnmount:
		if !p.Mount.Mounted {
			return toolerr.Precondition("%s is not mounted", p.Path)
		}

	case model.OpEncrypt:
		if !p.Encryption.IsNone() || p.FS == model.FSLUKS2 {
			return toolerr.Precondition("%s is already encrypted", p.Path)
		}
		return mounted()

	case model.OpUnlock:
		if !p.Encryption.IsLocked() {
			return toolerr.Precondition("%s is not a locked LUKS partition", p.Path)
		}

	case model.OpLock:
		if !p.Encryption.IsUnlocked() {
			return toolerr.Precondition("%s is not unlocked", p.Path)
		}
		return mounted()
	}
	return nil
}

// checkTools fails early with ToolMissing so nothing commits half way
func checkTools(req model.OperationRequest, p *model.Partition, tb *tools.Toolbox) error {
	need := func(c tools.Capability) error {
		if !tb.Available(c) {
			return toolerr.New(toolerr.ToolMissing, string(c), "required tools for %s are not installed", c)
		}
		return nil
	}
	mkfs := func(kind model.FSKind) error {
		if kind == "" || kind == model.FSUnformatted {
			return nil
		}
		if !tb.Mkfs.Available(kind) {
			return toolerr.New(toolerr.ToolMissing, tb.Mkfs.Binary(kind), "cannot create %s filesystems", kind)
		}
		return nil
	}

	switch req.Kind {
	case model.OpCreateTable, model.OpDeletePartition:
		return need(tools.CapTableEdit)
	case model.OpCreatePartition:
		if err := need(tools.CapTableEdit); err != nil {
			return err
		}
		if req.Encrypt {
			if err := need(tools.CapLUKS); err != nil {
				return err
			}
		}
		return mkfs(req.FS)
	case model.OpFormat:
		if p == nil {
			if err := need(tools.CapTableEdit); err != nil {
				return err
			}
		}
		return mkfs(req.FS)
	case model.OpResize:
		if err := need(tools.CapTableEdit); err != nil {
			return err
		}
		if p != nil && p.FS != model.FSUnformatted {
			return need(tools.CapResize)
		}
	case model.OpMount, model.OpUnmount:
		return need(tools.CapMount)
	case model.OpEncrypt:
		if err := need(tools.CapLUKS); err != nil {
			return err
		}
		return mkfs(req.FS)
	case model.OpUnlock, model.OpLock:
		return need(tools.CapLUKS)
	}
	return nil
}
