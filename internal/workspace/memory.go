package workspace

import (
	"context"
	"sort"
	"sync"

	"contentrepo/internal/domain"
)

type MemoryRepository struct {
	mu         sync.RWMutex
	workspaces map[domain.WorkspaceName]Workspace
	undo       map[domain.WorkspaceName]undoEntry
}

type undoEntry struct {
	workspace Workspace
	existed   bool
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{workspaces: map[domain.WorkspaceName]Workspace{}}
}

func (m *MemoryRepository) Get(_ context.Context, name domain.WorkspaceName) (Workspace, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workspaces[name]
	return w, ok, nil
}

func (m *MemoryRepository) Save(_ context.Context, w Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remember(w.Name)
	m.workspaces[w.Name] = w
	return nil
}

func (m *MemoryRepository) Delete(_ context.Context, name domain.WorkspaceName) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remember(name)
	delete(m.workspaces, name)
	return nil
}

func (m *MemoryRepository) remember(name domain.WorkspaceName) {
	if m.undo == nil {
		return
	}
	if _, seen := m.undo[name]; !seen {
		prev, ok := m.workspaces[name]
		m.undo[name] = undoEntry{workspace: prev, existed: ok}
	}
}

func (m *MemoryRepository) List(context.Context) ([]Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Workspace, 0, len(m.workspaces))
	for _, w := range m.workspaces {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryRepository) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.workspaces {
		m.remember(name)
	}
	m.workspaces = map[domain.WorkspaceName]Workspace{}
	return nil
}

func (m *MemoryRepository) Checkpoint() (restore, release func()) {
	m.mu.Lock()
	m.undo = map[domain.WorkspaceName]undoEntry{}
	m.mu.Unlock()
	restore = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for name, e := range m.undo {
			if e.existed {
				m.workspaces[name] = e.workspace
			} else {
				delete(m.workspaces, name)
			}
		}
		m.undo = nil
	}
	release = func() {
		m.mu.Lock()
		m.undo = nil
		m.mu.Unlock()
	}
	return restore, release
}
