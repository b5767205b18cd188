package contentstream

import (
	"context"
	"sort"
	"sync"

	"contentrepo/internal/domain"
)

type MemoryRepository struct {
	mu      sync.RWMutex
	streams map[domain.ContentStreamID]ContentStream
	// undo holds the value each entry had when the open checkpoint was taken; nil when none is open.
	undo    map[domain.ContentStreamID]undoEntry
}

type undoEntry struct {
	stream  ContentStream
	existed bool
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{streams: map[domain.ContentStreamID]ContentStream{}}
}

func (m *MemoryRepository) Get(_ context.Context, id domain.ContentStreamID) (ContentStream, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cs, ok := m.streams[id]
	return cs, ok, nil
}

func (m *MemoryRepository) Save(_ context.Context, cs ContentStream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remember(cs.ID)
	m.streams[cs.ID] = cs
	return nil
}

func (m *MemoryRepository) remember(id domain.ContentStreamID) {
	if m.undo == nil {
		return
	}
	if _, seen := m.undo[id]; !seen {
		prev, ok := m.streams[id]
		m.undo[id] = undoEntry{stream: prev, existed: ok}
	}
}

func (m *MemoryRepository) List(context.Context) ([]ContentStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ContentStream, 0, len(m.streams))
	for _, cs := range m.streams {
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.streams {
		m.remember(id)
	}
	m.streams = map[domain.ContentStreamID]ContentStream{}
	return nil
}

// Checkpoint records the entries changed from now on. restore puts them back, release keeps the changes.
// Either one closes the checkpoint.
func (m *MemoryRepository) Checkpoint() (restore, release func()) {
	m.mu.Lock()
	m.undo = map[domain.ContentStreamID]undoEntry{}
	m.mu.Unlock()
	restore = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for id, e := range m.undo {
			if e.existed {
				m.streams[id] = e.stream
			} else {
				delete(m.streams, id)
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
