package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"contentrepo/internal/domain"
)

// MemoryStore keeps subscriptions in process memory. Transactions and savepoints are pass-through.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[domain.SubscriptionID]Subscription
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: map[domain.SubscriptionID]Subscription{}, now: time.Now}
}

func (m *MemoryStore) Setup(context.Context) error { return nil }

func (m *MemoryStore) FindByCriteria(_ context.Context, c Criteria) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Subscription
	for _, s := range m.subs {
		if c.Matches(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Add(_ context.Context, s Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, s.ID)
	}
	s.LastSavedAt = m.now().UTC()
	m.subs[s.ID] = s
	return nil
}

func (m *MemoryStore) Update(_ context.Context, s Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[s.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, s.ID)
	}
	s.LastSavedAt = m.now().UTC()
	m.subs[s.ID] = s
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, id domain.SubscriptionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) Transactional(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *MemoryStore) CreateSavepoint(context.Context, string) error   { return nil }
func (m *MemoryStore) ReleaseSavepoint(context.Context, string) error  { return nil }
func (m *MemoryStore) RollbackSavepoint(context.Context, string) error { return nil }
