package network

import (
	"sort"
	"sync"
	"time"
)

// Registry holds every configured network's record.
type Registry struct {
	mu      sync.RWMutex
	dataDir string
	records map[string]*Record
}

// NewRegistry returns an empty registry persisting under dataDir.
func NewRegistry(dataDir string) *Registry {
	return &Registry{dataDir: dataDir, records: make(map[string]*Record)}
}

// Add registers a record, first merging any state saved for it.
func (reg *Registry) Add(rec *Record, now time.Time) error {
	if err := rec.Load(reg.dataDir, now); err != nil {
		return err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.records[rec.Name()] = rec
	return nil
}

// Get looks up a network by name.
func (reg *Registry) Get(name string) (*Record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rec, ok := reg.records[name]
	return rec, ok
}

// Names lists the registered networks, sorted.
func (reg *Registry) Names() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	names := make([]string, 0, len(reg.records))
	for name := range reg.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save persists one network.
func (reg *Registry) Save(name string) error {
	rec, ok := reg.Get(name)
	if !ok {
		return nil
	}
	return rec.Save(reg.dataDir)
}

// SaveAll persists every network, returning the last error.
func (reg *Registry) SaveAll() error {
	var lastErr error
	for _, name := range reg.Names() {
		if err := reg.Save(name); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
