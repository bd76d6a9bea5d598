package model

import (
	"fmt"
	"strings"
	"time"
)

// FSKind is the filesystem (or container) found on a partition
type FSKind string

const (
	FSUnformatted FSKind = "unformatted"
	FSExt4        FSKind = "ext4"
	FSFat32       FSKind = "fat32"
	FSNTFS        FSKind = "ntfs"
	FSExFAT       FSKind = "exfat"
	FSBtrfs       FSKind = "btrfs"
	FSXFS         FSKind = "xfs"
	FSLUKS2       FSKind = "luks2"
	FSUnknown     FSKind = "unknown"
)

// FormattableKinds lists the filesystems that can be created by a format operation
var FormattableKinds = []FSKind{FSExt4, FSFat32, FSNTFS, FSExFAT, FSBtrfs, FSXFS}

// ParseFSKind parses a user supplied filesystem name
func ParseFSKind(s string) (FSKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ext4":
		return FSExt4, nil
	case "fat32", "fat", "vfat":
		return FSFat32, nil
	case "ntfs":
		return FSNTFS, nil
	case "exfat":
		return FSExFAT, nil
	case "btrfs":
		return FSBtrfs, nil
	case "xfs":
		return FSXFS, nil
	case "none", "unformatted", "":
		return FSUnformatted, nil
	}
	return "", fmt.Errorf("unsupported filesystem %q", s)
}

// FSKindFromProbe maps a blkid/lsblk TYPE value to a FSKind.
// An empty type means no signature was found.
func FSKindFromProbe(typ string) FSKind {
	switch strings.ToLower(typ) {
	case "":
		return FSUnformatted
	case "ext4":
		return FSExt4
	case "vfat", "fat32", "fat16", "fat12", "msdos":
		return FSFat32
	case "ntfs", "ntfs3":
		return FSNTFS
	case "exfat":
		return FSExFAT
	case "btrfs":
		return FSBtrfs
	case "xfs":
		return FSXFS
	case "crypto_luks":
		return FSLUKS2
	}
	return FSUnknown
}

// Formattable reports whether mkfs can produce this kind
func (k FSKind) Formattable() bool {
	for _, f := range FormattableKinds {
		if f == k {
			return true
		}
	}
	return false
}

// Mountable reports whether a partition with this kind can be mounted directly
func (k FSKind) Mountable() bool {
	return k.Formattable()
}

// unmountableTypes are signatures blkid recognises that hold no filesystem
var unmountableTypes = map[string]bool{
	"swap":              true,
	"crypto_luks":       true,
	"lvm2_member":       true,
	"linux_raid_member": true,
	"zfs_member":        true,
	"bcache":            true,
}

// MountableType extends Mountable to filesystems we cannot create but the
// kernel can mount, such as ext3 or iso9660. raw is the probed TYPE.
func MountableType(k FSKind, raw string) bool {
	if k.Mountable() {
		return true
	}
	return k == FSUnknown && raw != "" && !unmountableTypes[strings.ToLower(raw)]
}

// TableKind is the partition table type of a device
type TableKind string

const (
	TableNone TableKind = "none"
	TableMBR  TableKind = "mbr"
	TableGPT  TableKind = "gpt"
)

// ParseTableKind accepts both our names and parted's label names
func ParseTableKind(s string) (TableKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gpt":
		return TableGPT, nil
	case "mbr", "msdos", "dos":
		return TableMBR, nil
	case "", "none", "unknown", "loop":
		return TableNone, nil
	}
	return "", fmt.Errorf("unsupported partition table %q", s)
}

// PartedLabel returns the label name parted uses for mklabel
func (t TableKind) PartedLabel() string {
	if t == TableMBR {
		return "msdos"
	}
	return string(t)
}

// MountState is either unmounted or mounted at a single mount point
type MountState struct {
	Mounted    bool   `json:"mounted"`
	MountPoint string `json:"mount_point,omitempty"`
}

func Unmounted() MountState { return MountState{} }

func MountedAt(target string) MountState {
	return MountState{Mounted: true, MountPoint: target}
}

func (m MountState) String() string {
	if !m.Mounted {
		return "unmounted"
	}
	return "mounted(" + m.MountPoint + ")"
}

// EncState is the LUKS state of a partition
type EncState string

const (
	EncNone     EncState = "none"
	EncLocked   EncState = "luks_locked"
	EncUnlocked EncState = "luks_unlocked"
)

// EncryptionState carries the mapped device when unlocked
type EncryptionState struct {
	State        EncState `json:"state"`
	MappedDevice string   `json:"mapped_device,omitempty"`
}

func NotEncrypted() EncryptionState { return EncryptionState{State: EncNone} }

func Locked() EncryptionState { return EncryptionState{State: EncLocked} }

func UnlockedAs(mapped string) EncryptionState {
	return EncryptionState{State: EncUnlocked, MappedDevice: mapped}
}

func (e EncryptionState) IsNone() bool     { return e.State == EncNone || e.State == "" }
func (e EncryptionState) IsLocked() bool   { return e.State == EncLocked }
func (e EncryptionState) IsUnlocked() bool { return e.State == EncUnlocked }

func (e EncryptionState) String() string {
	if e.IsUnlocked() {
		return "luks_unlocked(" + e.MappedDevice + ")"
	}
	if e.State == "" {
		return string(EncNone)
	}
	return string(e.State)
}

// HealthReport is the SMART summary of a device. Available=false is a
// valid state meaning no health tool or no SMART support.
type HealthReport struct {
	Available          bool              `json:"available"`
	Passed             bool              `json:"passed"`
	Temperature        *int              `json:"temperature,omitempty"`
	ReallocatedSectors *int64            `json:"reallocated_sectors,omitempty"`
	PowerOnHours       *int64            `json:"power_on_hours,omitempty"`
	Attributes         map[string]string `json:"attributes,omitempty"`
	CollectedAt        time.Time         `json:"collected_at"`
}

// Usage holds filesystem usage for a mounted partition
type Usage struct {
	Used      uint64 `json:"used"`
	Available uint64 `json:"available"`
}
