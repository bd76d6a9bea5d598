// Package policy decides how much confirmation an operation needs before it
// may touch a device. Decisions are pure functions of the request and the
// current model.
package policy

import (
	"fmt"

	"github.com/sigreer/disktui/internal/model"
	"github.com/sigreer/disktui/internal/units"
)

// Level is the strength of confirmation required
type Level int

const (
	// None runs without asking
	None Level = iota
	// Confirm needs a yes/no decision
	Confirm
	// TypedAck needs the owning device's name typed back
	TypedAck
)

func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case Confirm:
		return "confirm"
	case TypedAck:
		return "typed_ack"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Requirement is the outcome of Decide
type Requirement struct {
	Level Level `json:"level"`
	// Ack is the text a TypedAck confirmation must match
	Ack string `json:"ack,omitempty"`
	// Prompt describes the effect of the operation to the user
	Prompt string `json:"prompt,omitempty"`
}

// Satisfied reports whether ack fulfils a TypedAck requirement
func (r Requirement) Satisfied(ack string) bool {
	return r.Level != TypedAck || (ack != "" && ack == r.Ack)
}

var levels = map[model.OpKind]Level{
	model.OpCreateTable:     Confirm,
	model.OpCreatePartition: None,
	model.OpDeletePartition: Confirm,
	model.OpFormat:          Confirm,
	model.OpResize:          Confirm,
	model.OpMount:           None,
	model.OpUnmount:         None,
	model.OpEncrypt:         Confirm,
	model.OpLock:            None,
	model.OpUnlock:          None,
}

// Decide returns the confirmation needed for req against dev. part is the
// targeted partition, nil for device level operations. Destructive
// operations on the device holding / or /boot escalate to TypedAck.
func Decide(req model.OperationRequest, dev *model.BlockDevice, part *model.Partition) Requirement {
	level, ok := levels[req.Kind]
	if !ok {
		level = Confirm
	}
	r := Requirement{Level: level}
	if dev == nil {
		return r
	}
	if req.Kind.Destroys() && dev.IsSystemDevice() {
		r.Level = TypedAck
		r.Ack = dev.Name
	}
	if r.Level != None {
		r.Prompt = describe(req, dev, part)
	}
	return r
}

func describe(req model.OperationRequest, dev *model.BlockDevice, part *model.Partition) string {
	var msg string
	switch {
	case req.Kind == model.OpFormat && part == nil:
		table := req.Table
		if table == "" {
			table = model.TableGPT
		}
		msg = fmt.Sprintf("Erase %s (%s) and create a %s table with one %s partition. Everything on the disk will be lost.",
			dev.Path, units.FormatSize(dev.Size), table, req.FS)
	case part == nil && !req.Kind.TargetsDevice():
		msg = fmt.Sprintf("Run %s on %s.", req.Kind, req.Target)
	case req.Kind == model.OpCreateTable:
		msg = fmt.Sprintf("Write a new %s partition table to %s (%s). All %d partitions and their data will be lost.",
			req.Table, dev.Path, units.FormatSize(dev.Size), len(dev.Partitions))
	case req.Kind == model.OpDeletePartition:
		msg = fmt.Sprintf("Delete partition %s (%s, %s). Its data will be lost.",
			part.Path, units.FormatSize(part.Size), part.FS)
	case req.Kind == model.OpFormat:
		msg = fmt.Sprintf("Format %s as %s. Existing %s data will be lost.", part.Path, req.FS, part.ContentFS())
	case req.Kind == model.OpResize:
		msg = fmt.Sprintf("Resize %s from %s to %s.", part.Path, units.FormatSize(part.Size), units.FormatSize(req.Size))
		if req.Size < part.Size {
			msg += " Shrinking can lose data beyond the new end."
		}
	case req.Kind == model.OpEncrypt:
		msg = fmt.Sprintf("Encrypt %s with LUKS2. Existing %s data will be lost.", part.Path, part.FS)
	default:
		msg = fmt.Sprintf("Run %s on %s.", req.Kind, req.Target)
	}
	if dev.IsSystemDevice() {
		msg += fmt.Sprintf(" %s holds the running system. Type %q to continue.", dev.Path, dev.Name)
	}
	return msg
}
