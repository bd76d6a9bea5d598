package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sigreer/disktui/internal/engine"
	"github.com/sigreer/disktui/internal/model"
	"github.com/sigreer/disktui/internal/toolerr"
	"github.com/sigreer/disktui/internal/units"
)

type buildFunc func(cmd *cobra.Command, args []string) (model.OperationRequest, error)

func opCommand(use, short string, nargs int, build buildFunc) *cobra.Command {
	c := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireRoot(); err != nil {
				return err
			}
			req, err := build(cmd, args)
			if err != nil {
				return err
			}
			return runOperation(cmd, req)
		},
	}
	c.Flags().BoolP("yes", "y", false, "answer yes to confirmation prompts")
	c.Flags().String("ack", "", "device name to acknowledge changes to the system disk")
	return c
}

var mklabelCmd = opCommand("mklabel <device> <gpt|mbr>", "Write a new empty partition table", 2,
	func(cmd *cobra.Command, args []string) (model.OperationRequest, error) {
		table, err := model.ParseTableKind(args[1])
		if err != nil {
			return model.OperationRequest{}, err
		}
		return model.OperationRequest{Kind: model.OpCreateTable, Target: args[0], Table: table}, nil
	})

var mkpartCmd = opCommand("mkpart <device>", "Create a partition after the last one, optionally encrypted", 1,
	func(cmd *cobra.Command, args []string) (model.OperationRequest, error) {
		req := model.OperationRequest{Kind: model.OpCreatePartition, Target: args[0]}
		var err error
		if s, _ := cmd.Flags().GetString("size"); s != "" {
			if req.Size, err = units.ParseSize(s); err != nil {
				return req, err
			}
		}
		fs, _ := cmd.Flags().GetString("fs")
		if req.FS, err = model.ParseFSKind(fs); err != nil {
			return req, err
		}
		req.Label, _ = cmd.Flags().GetString("label")
		if req.Encrypt, _ = cmd.Flags().GetBool("encrypt"); req.Encrypt {
			req.Passphrase, err = readPassphrase("New passphrase: ", true)
		}
		return req, err
	})

var rmCmd = opCommand("rm <partition>", "Delete a partition", 1,
	func(cmd *cobra.Command, args []string) (model.OperationRequest, error) {
		return model.OperationRequest{Kind: model.OpDeletePartition, Target: args[0]}, nil
	})

var formatCmd = opCommand("format <partition|device> <fs>", "Create a filesystem on a partition, unlocked container or whole disk", 2,
	func(cmd *cobra.Command, args []string) (model.OperationRequest, error) {
		fs, err := model.ParseFSKind(args[1])
		if err != nil {
			return model.OperationRequest{}, err
		}
		req := model.OperationRequest{Kind: model.OpFormat, Target: args[0], FS: fs}
		req.Label, _ = cmd.Flags().GetString("label")
		if t, _ := cmd.Flags().GetString("table"); t != "" {
			if req.Table, err = model.ParseTableKind(t); err != nil {
				return req, err
			}
		}
		return req, nil
	})

var resizeCmd = opCommand("resize <partition> <size>", "Grow or shrink a partition and its filesystem", 2,
	func(cmd *cobra.Command, args []string) (model.OperationRequest, error) {
		size, err := units.ParseSize(args[1])
		if err != nil {
			return model.OperationRequest{}, err
		}
		return model.OperationRequest{Kind: model.OpResize, Target: args[0], Size: size}, nil
	})

var mountCmd = opCommand("mount <partition>", "Mount a partition under the mount base", 1,
	func(cmd *cobra.Command, args []string) (model.OperationRequest, error) {
		return model.OperationRequest{Kind: model.OpMount, Target: args[0]}, nil
	})

var umountCmd = opCommand("umount <partition>", "Unmount a partition", 1,
	func(cmd *cobra.Command, args []string) (model.OperationRequest, error) {
		return model.OperationRequest{Kind: model.OpUnmount, Target: args[0]}, nil
	})

var encryptCmd = opCommand("encrypt <partition>", "Format a partition as a LUKS2 container", 1,
	func(cmd *cobra.Command, args []string) (model.OperationRequest, error) {
		req := model.OperationRequest{Kind: model.OpEncrypt, Target: args[0]}
		fs, _ := cmd.Flags().GetString("fs")
		var err error
		if req.FS, err = model.ParseFSKind(fs); err != nil {
			return req, err
		}
		req.Label, _ = cmd.Flags().GetString("label")
		req.Passphrase, err = readPassphrase("New passphrase: ", true)
		return req, err
	})

var unlockCmd = opCommand("unlock <partition>", "Open a LUKS container", 1,
	func(cmd *cobra.Command, args []string) (model.OperationRequest, error) {
		pass, err := readPassphrase(fmt.Sprintf("Passphrase for %s: ", args[0]), false)
		return model.OperationRequest{Kind: model.OpUnlock, Target: args[0], Passphrase: pass}, err
	})

var lockCmd = opCommand("lock <partition>", "Close an unlocked LUKS container", 1,
	func(cmd *cobra.Command, args []string) (model.OperationRequest, error) {
		return model.OperationRequest{Kind: model.OpLock, Target: args[0]}, nil
	})

var operationCmds = []*cobra.Command{
	mklabelCmd, mkpartCmd, rmCmd, formatCmd, resizeCmd,
	mountCmd, umountCmd, encryptCmd, unlockCmd, lockCmd,
}

func init() {
	mkpartCmd.Flags().String("size", "", "partition size, e.g. 20G (default: all free space)")
	mkpartCmd.Flags().String("fs", "none", "filesystem to create: ext4, fat32, ntfs, exfat, btrfs, xfs or none")
	mkpartCmd.Flags().String("label", "", "filesystem label")
	mkpartCmd.Flags().Bool("encrypt", false, "create a LUKS2 container and put the filesystem inside it")
	formatCmd.Flags().String("label", "", "filesystem label")
	formatCmd.Flags().String("table", "", "partition table when formatting a whole disk: gpt (default) or mbr")
	encryptCmd.Flags().String("fs", "none", "filesystem to create inside the container")
	encryptCmd.Flags().String("label", "", "filesystem label inside the container")
}

// runOperation submits req, asks for confirmation when required and waits.
// An interrupt cancels the operation unless it has already committed.
func runOperation(cmd *cobra.Command, req model.OperationRequest) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	e := a.engine

	h, err := e.Submit(req)
	if err != nil {
		return err
	}
	st, err := e.Poll(h)
	if err != nil {
		return err
	}
	if st.State == engine.StateAwaitingConfirmation {
		yes, _ := cmd.Flags().GetBool("yes")
		ack, _ := cmd.Flags().GetString("ack")
		given, err := askConfirmation(st.Requirement, yes, ack)
		if err == nil {
			err = e.Confirm(h, engine.Proceed, given)
		}
		if err != nil {
			e.Cancel(h)
			e.Wait(context.Background(), h)
			return err
		}
	}

	st, err = e.Wait(ctx, h)
	if err != nil {
		if e.Cancel(h) == engine.ErrIrreversible {
			fmt.Fprintln(os.Stderr, "The disk is already being changed; waiting for the step to finish.")
		}
		st, _ = e.Wait(context.Background(), h)
	}
	return report(e, st)
}

func report(e *engine.Engine, st engine.Status) error {
	if st.ReconcileErr != "" {
		fmt.Fprintf(os.Stderr, "Warning: could not re-read %s afterwards: %s\n", st.Device, st.ReconcileErr)
	}
	if st.State == engine.StateFailed {
		if hint := busyHint(st); hint != "" {
			fmt.Fprintln(os.Stderr, hint)
		}
		return fmt.Errorf("%s %s: %w", st.Request.Kind, st.Request.Target, st.Err)
	}
	msg := fmt.Sprintf("%s %s: done", st.Request.Kind, st.Request.Target)
	if st.Result != "" && st.Result != st.Request.Target {
		msg += " (" + st.Result + ")"
	}
	fmt.Println(msg)

	snap := e.Snapshot()
	if dev := snap.Device(st.Device); dev != nil {
		fmt.Println()
		printSnapshot(os.Stdout, model.NewSnapshot([]model.BlockDevice{*dev}, snap.TakenAt))
	}
	return nil
}

// busyHint suggests how to free a device after a DeviceBusy failure
func busyHint(st engine.Status) string {
	if st.Err == nil || !errors.Is(st.Err, toolerr.ErrDeviceBusy) {
		return ""
	}
	if st.Request.Kind == model.OpUnmount {
		return fmt.Sprintf("Hint: close programs using the mount first (fuser -vm %s)", st.Request.Target)
	}
	device := st.Device
	if device == "" {
		device = st.Request.Target
	}
	return fmt.Sprintf("Hint: unmount what is using %s first; 'disktui status %s' lists its mount points", st.Request.Target, device)
}
