package model

import (
	"strings"

	"github.com/sigreer/disktui/internal/toolerr"
)

// OpKind names a mutating operation
type OpKind string

const (
	OpCreateTable     OpKind = "create_table"
	OpCreatePartition OpKind = "create_partition"
	OpDeletePartition OpKind = "delete_partition"
	OpFormat          OpKind = "format"
	OpResize          OpKind = "resize"
	OpMount           OpKind = "mount"
	OpUnmount         OpKind = "unmount"
	OpEncrypt         OpKind = "encrypt"
	OpLock            OpKind = "lock"
	OpUnlock          OpKind = "unlock"
)

// TargetsDevice reports whether the operation always targets a whole
// device rather than a partition. Format accepts either.
func (k OpKind) TargetsDevice() bool {
	return k == OpCreateTable || k == OpCreatePartition
}

// Destroys reports whether the operation can destroy existing data
func (k OpKind) Destroys() bool {
	switch k {
	case OpCreateTable, OpDeletePartition, OpFormat, OpEncrypt, OpResize:
		return true
	}
	return false
}

// Secret is a passphrase. It never prints.
type Secret string

const redacted = "[redacted]"

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// Bytes returns the passphrase for writing to a tool's stdin
func (s Secret) Bytes() []byte { return []byte(s) }

func (s Secret) Empty() bool { return len(s) == 0 }

// OperationRequest is an immutable request for one mutation.
//
// Target is a device path for create_table and create_partition and a
// partition path for every other kind. Format also takes a device path, in
// which case the whole disk is relabelled with Table (gpt when empty) and
// gets one partition spanning it. Size is the new partition size for
// create_partition (zero means all free space) and the new size for resize.
// FS is the filesystem for create_partition and format, and optionally the
// filesystem to create inside the container for encrypt. Encrypt makes
// create_partition write a LUKS2 container with Passphrase before FS goes
// inside it. Ack carries a typed acknowledgement given up front, the owning
// device's name.
type OperationRequest struct {
	Kind       OpKind    `json:"kind"`
	Target     string    `json:"target"`
	Table      TableKind `json:"table,omitempty"`
	Size       uint64    `json:"size,omitempty"`
	FS         FSKind    `json:"fs,omitempty"`
	Label      string    `json:"label,omitempty"`
	Encrypt    bool      `json:"encrypt,omitempty"`
	Passphrase Secret    `json:"passphrase,omitempty"`
	Ack        string    `json:"ack,omitempty"`
}

// OnDevice reports whether the request targets a whole device in s
func (r OperationRequest) OnDevice(s *Snapshot) bool {
	if r.Kind.TargetsDevice() {
		return true
	}
	return r.Kind == OpFormat && s.Device(r.Target) != nil
}

// Check validates the request shape without looking at any device state
func (r OperationRequest) Check() error {
	if err := ValidateDevicePath(r.Target); err != nil {
		return err
	}
	switch r.Kind {
	case OpCreateTable:
		if r.Table != TableGPT && r.Table != TableMBR {
			return toolerr.Invalid("partition table must be gpt or mbr, got %q", r.Table)
		}
	case OpCreatePartition:
		if r.FS != "" && r.FS != FSUnformatted && !r.FS.Formattable() {
			return toolerr.Invalid("cannot create a partition with filesystem %q", r.FS)
		}
		if r.Encrypt && r.Passphrase.Empty() {
			return toolerr.Invalid("passphrase must not be empty")
		}
	case OpFormat:
		if !r.FS.Formattable() {
			return toolerr.Invalid("cannot format as %q", r.FS)
		}
		if r.Table != "" && r.Table != TableGPT && r.Table != TableMBR {
			return toolerr.Invalid("partition table must be gpt or mbr, got %q", r.Table)
		}
	case OpResize:
		if r.Size == 0 {
			return toolerr.Invalid("new size must be greater than zero")
		}
	case OpEncrypt:
		if r.Passphrase.Empty() {
			return toolerr.Invalid("passphrase must not be empty")
		}
		if r.FS != "" && r.FS != FSUnformatted && !r.FS.Formattable() {
			return toolerr.Invalid("cannot format encrypted container as %q", r.FS)
		}
	case OpUnlock:
		if r.Passphrase.Empty() {
			return toolerr.Invalid("passphrase must not be empty")
		}
	case OpDeletePartition, OpMount, OpUnmount, OpLock:
	default:
		return toolerr.Invalid("unknown operation %q", r.Kind)
	}
	if len(r.Label) > 16 {
		return toolerr.Invalid("label %q is longer than 16 characters", r.Label)
	}
	return nil
}

// DeviceOf resolves the identity of the device the request mutates
func (r OperationRequest) DeviceOf(s *Snapshot) (string, bool) {
	if r.OnDevice(s) {
		if d := s.Device(r.Target); d != nil {
			return d.Path, true
		}
		return "", false
	}
	if d, _ := s.Partition(r.Target); d != nil {
		return d.Path, true
	}
	return "", false
}

// ValidateDevicePath accepts /dev/<name> where name is a plain kernel name
func ValidateDevicePath(path string) error {
	name := strings.TrimPrefix(path, "/dev/")
	if name == path || name == "" {
		return toolerr.Invalid("device path %q must be under /dev", path)
	}
	if len(name) > 32 {
		return toolerr.Invalid("device name %q is too long", name)
	}
	if strings.Contains(name, "..") || strings.Contains(name, "/") {
		return toolerr.Invalid("device name %q contains a path separator", name)
	}
	for _, c := range name {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
			return toolerr.Invalid("device name %q contains invalid character %q", name, c)
		}
	}
	return nil
}
