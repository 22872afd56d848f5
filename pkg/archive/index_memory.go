package archive

import (
	"sort"
	"sync"
)

// MemoryIndex is an in-memory implementation of the file index.
type MemoryIndex struct {
	files map[string]*File
	mu    sync.RWMutex
}

var _ Index = (*MemoryIndex)(nil)

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{files: make(map[string]*File)}
}

// Rebuild replaces the whole inventory with the given files.
func (m *MemoryIndex) Rebuild(files []*File) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files = make(map[string]*File, len(files))
	for _, f := range files {
		m.files[f.RelPath] = f
	}
	return nil
}

// Add inserts or replaces file records.
func (m *MemoryIndex) Add(files ...*File) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range files {
		m.files[f.RelPath] = f
	}
	return nil
}

// Files returns every indexed file ordered by relative path.
func (m *MemoryIndex) Files() ([]*File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	files := make([]*File, 0, len(m.files))
	for _, f := range m.files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

// Lookup returns the file at the given relative path, or nil when the
// path is not indexed.
func (m *MemoryIndex) Lookup(relPath string) (*File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.files[relPath], nil
}

// EntityValues returns the distinct values the inventory carries for
// one entity, sorted.
func (m *MemoryIndex) EntityValues(entity string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	for _, f := range m.files {
		if v, ok := fileEntityValue(f, entity); ok {
			seen[v] = true
		}
	}
	values := make([]string, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	sortEntityValues(values)
	return values, nil
}

// Close is a no-op for the in-memory index.
func (m *MemoryIndex) Close() error { return nil }
