package model

import (
	"fmt"
	"sort"
	"time"
)

// Snapshot is an immutable view of all devices at one point in time.
// Callers must not modify a snapshot obtained from the store.
type Snapshot struct {
	Devices    []BlockDevice `json:"devices"`
	TakenAt    time.Time     `json:"taken_at"`
	Generation uint64        `json:"generation"`
}

// NewSnapshot builds a snapshot with devices sorted by path
func NewSnapshot(devices []BlockDevice, takenAt time.Time) *Snapshot {
	if devices == nil {
		devices = []BlockDevice{}
	}
	s := &Snapshot{Devices: devices, TakenAt: takenAt}
	s.sort()
	return s
}

func (s *Snapshot) sort() {
	sort.Slice(s.Devices, func(i, j int) bool { return s.Devices[i].Path < s.Devices[j].Path })
}

// Device returns the device with the given path, or nil
func (s *Snapshot) Device(path string) *BlockDevice {
	if s == nil {
		return nil
	}
	for i := range s.Devices {
		if s.Devices[i].Path == path {
			return &s.Devices[i]
		}
	}
	return nil
}

// Partition returns the partition with the given path and its device
func (s *Snapshot) Partition(path string) (*BlockDevice, *Partition) {
	if s == nil {
		return nil, nil
	}
	for i := range s.Devices {
		if p := s.Devices[i].Partition(path); p != nil {
			return &s.Devices[i], p
		}
	}
	return nil, nil
}

// FindByMapper returns the partition whose LUKS mapping is the given device
func (s *Snapshot) FindByMapper(mapped string) (*BlockDevice, *Partition) {
	if s == nil {
		return nil, nil
	}
	for i := range s.Devices {
		for j := range s.Devices[i].Partitions {
			p := &s.Devices[i].Partitions[j]
			if p.Encryption.IsUnlocked() && p.Encryption.MappedDevice == mapped {
				return &s.Devices[i], p
			}
		}
	}
	return nil, nil
}

// Validate checks partition geometry on every device
func (s *Snapshot) Validate() error {
	for i := range s.Devices {
		if err := s.Devices[i].CheckGeometry(); err != nil {
			return fmt.Errorf("%s: %w", s.Devices[i].Path, err)
		}
	}
	return nil
}

// Clone returns a deep copy
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{TakenAt: s.TakenAt, Generation: s.Generation}
	out.Devices = make([]BlockDevice, len(s.Devices))
	for i, d := range s.Devices {
		out.Devices[i] = d.Clone()
	}
	return out
}

// WithDevice returns a copy with dev added or replacing the device of the same path
func (s *Snapshot) WithDevice(dev BlockDevice, takenAt time.Time) *Snapshot {
	out := s.Clone()
	out.TakenAt = takenAt
	for i := range out.Devices {
		if out.Devices[i].Path == dev.Path {
			out.Devices[i] = dev.Clone()
			return out
		}
	}
	out.Devices = append(out.Devices, dev.Clone())
	out.sort()
	return out
}

// WithoutDevice returns a copy without the device of the given path
func (s *Snapshot) WithoutDevice(path string, takenAt time.Time) *Snapshot {
	out := &Snapshot{TakenAt: takenAt, Generation: s.Generation, Devices: []BlockDevice{}}
	for _, d := range s.Devices {
		if d.Path != path {
			out.Devices = append(out.Devices, d.Clone())
		}
	}
	return out
}
