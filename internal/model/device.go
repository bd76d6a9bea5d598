package model

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// MiB is the partition alignment unit
const MiB = 1 << 20

// DeviceKind classifies a block device by its kernel name
type DeviceKind string

const (
	KindNVMe    DeviceKind = "nvme"
	KindSATA    DeviceKind = "sata"
	KindMMC     DeviceKind = "mmc"
	KindVirtio  DeviceKind = "virtio"
	KindIDE     DeviceKind = "ide"
	KindLoop    DeviceKind = "loop"
	KindUnknown DeviceKind = "unknown"
)

// Partition is one entry of a device's partition table
type Partition struct {
	// Device is the path of the owning BlockDevice
	Device     string          `json:"device"`
	Path       string          `json:"path"`
	Name       string          `json:"name"`
	Number     int             `json:"number"`
	Offset     uint64          `json:"offset"`
	Size       uint64          `json:"size"`
	FS         FSKind          `json:"fs"`
	Label      string          `json:"label,omitempty"`
	UUID       string          `json:"uuid,omitempty"`
	Mount      MountState      `json:"mount"`
	Encryption EncryptionState `json:"encryption"`
	// MappedFS is the filesystem inside an unlocked LUKS container
	MappedFS FSKind `json:"mapped_fs,omitempty"`
	Usage    *Usage `json:"usage,omitempty"`

	// FSType and MappedFSType are the raw TYPE values blkid reported,
	// kept for filesystems outside FSKind
	FSType       string `json:"fs_type,omitempty"`
	MappedFSType string `json:"mapped_fs_type,omitempty"`
	// FSSize is the filesystem's own size when blkid reports it. It is
	// smaller than Size after an interrupted shrink.
	FSSize uint64 `json:"fs_size,omitempty"`
}

// End returns the first byte after the partition
func (p Partition) End() uint64 {
	return p.Offset + p.Size
}

// MountSource is the block device that actually gets mounted: the mapping
// for an unlocked LUKS partition, the partition itself otherwise.
func (p Partition) MountSource() string {
	if p.Encryption.IsUnlocked() {
		return p.Encryption.MappedDevice
	}
	return p.Path
}

// ContentFS is the filesystem that a mount would see
func (p Partition) ContentFS() FSKind {
	if p.Encryption.IsUnlocked() {
		return p.MappedFS
	}
	return p.FS
}

// Mountable reports whether the content a mount would see is a filesystem
func (p Partition) Mountable() bool {
	if p.Encryption.IsUnlocked() {
		return MountableType(p.MappedFS, p.MappedFSType)
	}
	return MountableType(p.FS, p.FSType)
}

// BlockDevice is a whole disk
type BlockDevice struct {
	Path       string       `json:"path"`
	Name       string       `json:"name"`
	Size       uint64       `json:"size"`
	Model      string       `json:"model,omitempty"`
	Vendor     string       `json:"vendor,omitempty"`
	Serial     string       `json:"serial,omitempty"`
	Transport  string       `json:"transport,omitempty"`
	Rotational bool         `json:"rotational"`
	Table      TableKind    `json:"table"`
	Partitions []Partition  `json:"partitions"`
	Health     HealthReport `json:"health"`

	// FS, Mount and Encryption describe a filesystem or LUKS container
	// written directly to the disk without a partition table
	FS         FSKind          `json:"fs,omitempty"`
	Mount      MountState      `json:"mount"`
	Encryption EncryptionState `json:"encryption"`
}

// InUse reports a whole-disk filesystem or container that is mounted or
// unlocked, or any partition that is
func (d *BlockDevice) InUse() error {
	if d.Mount.Mounted {
		return fmt.Errorf("%s is mounted at %s", d.Path, d.Mount.MountPoint)
	}
	if d.Encryption.IsUnlocked() {
		return fmt.Errorf("%s is unlocked as %s", d.Path, d.Encryption.MappedDevice)
	}
	for _, p := range d.Partitions {
		if p.Mount.Mounted {
			return fmt.Errorf("%s is mounted at %s", p.Path, p.Mount.MountPoint)
		}
		if p.Encryption.IsUnlocked() {
			return fmt.Errorf("%s is unlocked as %s", p.Path, p.Encryption.MappedDevice)
		}
	}
	return nil
}

// Kind derives the device class from the kernel name
func (d *BlockDevice) Kind() DeviceKind {
	switch {
	case strings.HasPrefix(d.Name, "nvme"):
		return KindNVMe
	case strings.HasPrefix(d.Name, "mmcblk"):
		return KindMMC
	case strings.HasPrefix(d.Name, "sd"):
		return KindSATA
	case strings.HasPrefix(d.Name, "vd"):
		return KindVirtio
	case strings.HasPrefix(d.Name, "hd"):
		return KindIDE
	case strings.HasPrefix(d.Name, "loop"):
		return KindLoop
	}
	return KindUnknown
}

// PartitionName returns the kernel name of partition n on this device
func (d *BlockDevice) PartitionName(n int) string {
	return PartitionName(d.Name, n)
}

// PartitionName joins a disk name and a partition number. Names ending in
// a digit (nvme0n1, mmcblk0, loop0) take a "p" separator.
func PartitionName(disk string, n int) string {
	if disk != "" && unicode.IsDigit(rune(disk[len(disk)-1])) {
		return fmt.Sprintf("%sp%d", disk, n)
	}
	return fmt.Sprintf("%s%d", disk, n)
}

// Partition looks up a partition by path
func (d *BlockDevice) Partition(path string) *Partition {
	for i := range d.Partitions {
		if d.Partitions[i].Path == path {
			return &d.Partitions[i]
		}
	}
	return nil
}

// PartitionByNumber looks up a partition by table number
func (d *BlockDevice) PartitionByNumber(n int) *Partition {
	for i := range d.Partitions {
		if d.Partitions[i].Number == n {
			return &d.Partitions[i]
		}
	}
	return nil
}

// NextStart is where a new partition would begin: the end of the last
// partition rounded up to MiB, or 1 MiB on an empty table.
func (d *BlockDevice) NextStart() uint64 {
	start := uint64(MiB)
	for _, p := range d.Partitions {
		if p.End() > start {
			start = p.End()
		}
	}
	return alignUp(start)
}

// UsableEnd is the last usable byte boundary. GPT keeps a backup header at
// the end of the disk so the final MiB is reserved.
func (d *BlockDevice) UsableEnd() uint64 {
	end := d.Size - d.Size%MiB
	if d.Table == TableGPT && end >= MiB {
		end -= MiB
	}
	return end
}

// FreeSpace returns the bytes available after the last partition
func (d *BlockDevice) FreeSpace() uint64 {
	start, end := d.NextStart(), d.UsableEnd()
	if end <= start {
		return 0
	}
	return end - start
}

// Limit returns the byte boundary a partition may grow to: the start of the
// next partition or the usable end of the device.
func (d *BlockDevice) Limit(p *Partition) uint64 {
	limit := d.UsableEnd()
	for _, o := range d.Partitions {
		if o.Offset > p.Offset && o.Offset < limit {
			limit = o.Offset
		}
	}
	return limit
}

// MountPoints lists the mount points of the disk itself and of every
// partition, LUKS mappings included
func (d *BlockDevice) MountPoints() []string {
	var out []string
	if d.Mount.Mounted {
		out = append(out, d.Mount.MountPoint)
	}
	for _, p := range d.Partitions {
		if p.Mount.Mounted {
			out = append(out, p.Mount.MountPoint)
		}
	}
	return out
}

// IsSystemDevice reports whether the device hosts the root or boot filesystem
func (d *BlockDevice) IsSystemDevice() bool {
	for _, mp := range d.MountPoints() {
		if mp == "/" || mp == "/boot" || strings.HasPrefix(mp, "/boot/") {
			return true
		}
	}
	return false
}

// CheckGeometry verifies that every partition lies within the device and
// that no two partitions overlap.
func (d *BlockDevice) CheckGeometry() error {
	parts := make([]Partition, len(d.Partitions))
	copy(parts, d.Partitions)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Offset < parts[j].Offset })

	for i, p := range parts {
		if p.End() > d.Size {
			return fmt.Errorf("partition %s ends at %d beyond device size %d", p.Path, p.End(), d.Size)
		}
		if i > 0 && parts[i-1].End() > p.Offset {
			return fmt.Errorf("partition %s overlaps %s", p.Path, parts[i-1].Path)
		}
	}
	return nil
}

// Clone returns a deep copy
func (d BlockDevice) Clone() BlockDevice {
	out := d
	if d.Partitions != nil {
		out.Partitions = make([]Partition, len(d.Partitions))
		for i, p := range d.Partitions {
			if p.Usage != nil {
				u := *p.Usage
				p.Usage = &u
			}
			out.Partitions[i] = p
		}
	}
	if d.Health.Attributes != nil {
		out.Health.Attributes = make(map[string]string, len(d.Health.Attributes))
		for k, v := range d.Health.Attributes {
			out.Health.Attributes[k] = v
		}
	}
	return out
}

func alignUp(n uint64) uint64 {
	if rem := n % MiB; rem != 0 {
		return n + MiB - rem
	}
	return n
}
