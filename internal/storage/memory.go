package storage

import (
	"bytes"
	"sort"
	"sync"
)

// MemoryStorage is an in-memory snapshot store.
type MemoryStorage struct {
	snapshots map[string]*Snapshot
	mu        sync.RWMutex
}

// NewMemoryStorage creates a new in-memory snapshot store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{snapshots: make(map[string]*Snapshot)}
}

// Save stores a copy of s.
func (m *MemoryStorage) Save(s *Snapshot) error {
	if err := prepare(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.Name] = copySnapshot(s)
	return nil
}

// Load returns a copy of the named snapshot.
func (m *MemoryStorage) Load(name string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[name]
	if !ok {
		return nil, ErrNotFound
	}
	return copySnapshot(s), nil
}

// List describes every snapshot.
func (m *MemoryStorage) List() ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]Info, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		infos = append(infos, Info{Name: s.Name, Services: s.Services, Size: len(s.Data), SavedAt: s.SavedAt})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Delete removes a snapshot.
func (m *MemoryStorage) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, name)
	return nil
}

// Close does nothing.
func (m *MemoryStorage) Close() error {
	return nil
}

func copySnapshot(s *Snapshot) *Snapshot {
	c := *s
	c.Data = bytes.Clone(s.Data)
	return &c
}
