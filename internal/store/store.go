// Package store holds the one published snapshot of the device model.
// Readers never block; writers are serialized and publish whole copies.
package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sigreer/disktui/internal/model"
)

// Store owns the current snapshot
type Store struct {
	cur atomic.Pointer[model.Snapshot]
	mu  sync.Mutex
	now func() time.Time
	// changed is closed and replaced on every publish
	changed chan struct{}
}

// New returns a store holding an empty snapshot at generation zero
func New() *Store {
	s := &Store{now: time.Now, changed: make(chan struct{})}
	s.cur.Store(model.NewSnapshot(nil, time.Time{}))
	return s
}

// Get returns the current snapshot. It must be treated as read-only.
func (s *Store) Get() *model.Snapshot {
	return s.cur.Load()
}

// Generation returns the generation of the current snapshot
func (s *Store) Generation() uint64 {
	return s.Get().Generation
}

// Replace publishes snap as the whole model. The store takes ownership of
// snap and stamps it with the next generation.
func (s *Store) Replace(snap *model.Snapshot) *model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *snap
	if next.Devices == nil {
		next.Devices = []model.BlockDevice{}
	}
	return s.publish(&next)
}

// ReplaceDevice publishes a copy of the model with dev added or replaced
func (s *Store) ReplaceDevice(dev model.BlockDevice) *model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publish(s.Get().WithDevice(dev, s.now()))
}

// RemoveDevice publishes a copy of the model without the device at path
func (s *Store) RemoveDevice(path string) *model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publish(s.Get().WithoutDevice(path, s.now()))
}

// Changed returns a channel that is closed when the next snapshot is
// published. Fetch it before Get to never miss an update.
func (s *Store) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// publish must be called with mu held
func (s *Store) publish(next *model.Snapshot) *model.Snapshot {
	next.Generation = s.Get().Generation + 1
	s.cur.Store(next)
	close(s.changed)
	s.changed = make(chan struct{})
	return next
}

// Diff lists device paths present only in next (added) and only in prev (removed)
func Diff(prev, next *model.Snapshot) (added, removed []string) {
	seen := make(map[string]bool)
	if prev != nil {
		for _, d := range prev.Devices {
			seen[d.Path] = true
		}
	}
	if next != nil {
		for _, d := range next.Devices {
			if !seen[d.Path] {
				added = append(added, d.Path)
			}
			delete(seen, d.Path)
		}
	}
	if prev != nil {
		for _, d := range prev.Devices {
			if seen[d.Path] {
				removed = append(removed, d.Path)
			}
		}
	}
	return added, removed
}
