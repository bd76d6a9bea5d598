package engine

import (
	"sort"
	"sync"
)

// gateSet hands out one RWMutex per device path. Operations hold the write
// side while they run and reconcile; probes hold the read side.
type gateSet struct {
	mu sync.Mutex
	m  map[string]*sync.RWMutex
}

func (g *gateSet) get(path string) *sync.RWMutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.m == nil {
		g.m = make(map[string]*sync.RWMutex)
	}
	l, ok := g.m[path]
	if !ok {
		l = &sync.RWMutex{}
		g.m[path] = l
	}
	return l
}

// rlock read-locks every path in sorted order and returns the unlock func
func (g *gateSet) rlock(paths ...string) func() {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	var held []*sync.RWMutex
	for i, p := range sorted {
		if i > 0 && p == sorted[i-1] {
			continue
		}
		l := g.get(p)
		l.RLock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].RUnlock()
		}
	}
}
