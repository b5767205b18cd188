package eventstore

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"contentrepo/internal/domain"
)

// MemoryStore keeps the log in process. It is meant for tests and single-process use.
type MemoryStore struct {
	mu       sync.RWMutex
	log      []domain.EventEnvelope
	versions map[string]domain.Version
	seq      domain.SequenceNumber
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: map[string]domain.Version{}, now: time.Now}
}

func (m *MemoryStore) Append(ctx context.Context, stream string, events []NewEvent, expected ExpectedVersion) (AppendResult, error) {
	if len(events) == 0 {
		return AppendResult{}, ErrEmptyAppend
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.versions[stream]
	if !expected.Matches(current, exists) {
		return AppendResult{}, &ConflictError{Stream: stream, Expected: expected, Actual: current, Exists: exists}
	}
	next := domain.Version(0)
	if exists {
		next = current + 1
	}
	recordedAt := m.now().UTC()
	for _, e := range events {
		// round-trip through the codec so readers never share payload maps with writers
		payload, err := domain.EncodeEvent(e.Event)
		if err != nil {
			return AppendResult{}, err
		}
		decoded, err := domain.DecodeEvent(e.Event.Type(), payload)
		if err != nil {
			return AppendResult{}, err
		}
		m.seq++
		m.log = append(m.log, domain.EventEnvelope{
			Event:          decoded,
			StreamName:     stream,
			Version:        next,
			SequenceNumber: m.seq,
			RecordedAt:     recordedAt,
			Metadata:       cloneMetadata(e.Metadata),
		})
		next++
	}
	m.versions[stream] = next - 1
	return AppendResult{Version: next - 1, SequenceNumber: m.seq}, nil
}

func (m *MemoryStore) ReadAll(ctx context.Context, from domain.SequenceNumber) iter.Seq2[domain.EventEnvelope, error] {
	return m.read(ctx, func(env domain.EventEnvelope) bool { return env.SequenceNumber >= from })
}

func (m *MemoryStore) ReadStream(ctx context.Context, stream string, from domain.Version) iter.Seq2[domain.EventEnvelope, error] {
	return m.read(ctx, func(env domain.EventEnvelope) bool { return env.StreamName == stream && env.Version >= from })
}

func (m *MemoryStore) read(ctx context.Context, match func(domain.EventEnvelope) bool) iter.Seq2[domain.EventEnvelope, error] {
	return func(yield func(domain.EventEnvelope, error) bool) {
		var last domain.SequenceNumber
		for {
			if err := ctx.Err(); err != nil {
				yield(domain.EventEnvelope{}, err)
				return
			}
			m.mu.RLock()
			i := sort.Search(len(m.log), func(i int) bool { return m.log[i].SequenceNumber > last })
			if i >= len(m.log) {
				m.mu.RUnlock()
				return
			}
			env := m.log[i]
			m.mu.RUnlock()
			last = env.SequenceNumber
			if !match(env) {
				continue
			}
			if !yield(env, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) StreamVersion(_ context.Context, stream string) (domain.Version, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[stream]
	return v, ok, nil
}

func (m *MemoryStore) Head(context.Context) (domain.SequenceNumber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq, nil
}

func (m *MemoryStore) DeleteStream(_ context.Context, stream string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[stream]; !ok {
		return nil
	}
	kept := make([]domain.EventEnvelope, 0, len(m.log))
	for _, env := range m.log {
		if env.StreamName != stream {
			kept = append(kept, env)
		}
	}
	m.log = kept
	delete(m.versions, stream)
	return nil
}

func cloneMetadata(m domain.Metadata) domain.Metadata {
	if len(m) == 0 {
		return nil
	}
	out := make(domain.Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
