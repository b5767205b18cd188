package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"contentrepo/internal/domain"
	"contentrepo/internal/eventstore"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func nodeCreated(cs domain.ContentStreamID, node domain.NodeID) eventstore.NewEvent {
	return eventstore.NewEvent{
		Event:    domain.NodeAggregateWasCreated{ContentStreamID: cs, NodeID: node, NodeType: "Document", Properties: map[string]string{"title": string(node)}},
		Metadata: domain.Metadata{domain.MetadataCommandType: "CreateNode"},
	}
}

func TestSchemaInitializationCreatesExpectedTables(t *testing.T) {
	s := newStore(t)
	for _, table := range []string{"events", "streams"} {
		var cnt int
		if err := s.db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&cnt); err != nil {
			t.Fatal(err)
		}
		if cnt != 1 {
			t.Fatalf("%s table missing", table)
		}
	}
}

func TestEventsCannotBeUpdated(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	if _, err := s.Append(ctx, "ContentStream:cs", []eventstore.NewEvent{{Event: domain.ContentStreamWasCreated{ContentStreamID: "cs"}}}, eventstore.NoStream); err != nil {
		t.Fatal(err)
	}
	_, err := s.db.Exec(`UPDATE events SET event_type='x' WHERE sequence_number=1`)
	if err == nil || !strings.Contains(err.Error(), "append-only") {
		t.Fatalf("expected append-only update error, got %v", err)
	}
}

func TestAppendRoundTripsPayloadAndMetadata(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	stream := "ContentStream:cs"
	if _, err := s.Append(ctx, stream, []eventstore.NewEvent{{Event: domain.ContentStreamWasCreated{ContentStreamID: "cs"}}}, eventstore.NoStream); err != nil {
		t.Fatal(err)
	}
	res, err := s.Append(ctx, stream, []eventstore.NewEvent{nodeCreated("cs", "n1"), nodeCreated("cs", "n2")}, eventstore.Exactly(0))
	if err != nil {
		t.Fatal(err)
	}
	if res.Version != 2 || res.SequenceNumber != 3 {
		t.Fatalf("unexpected append result: %+v", res)
	}

	events, err := eventstore.Collect(s.ReadStream(ctx, stream, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	created, ok := events[1].Event.(domain.NodeAggregateWasCreated)
	if !ok {
		t.Fatalf("unexpected event type %T", events[1].Event)
	}
	if created.NodeID != "n2" || created.Properties["title"] != "n2" || events[1].Version != 2 {
		t.Fatalf("unexpected decoded event: %+v @%d", created, events[1].Version)
	}
	if events[1].Metadata.Get(domain.MetadataCommandType) != "CreateNode" {
		t.Fatalf("metadata lost: %+v", events[1].Metadata)
	}
}

func TestAppendDetectsConcurrencyConflict(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	stream := "Workspace:live"
	ev := eventstore.NewEvent{Event: domain.RootWorkspaceWasCreated{WorkspaceName: "live", NewContentStreamID: "cs"}}
	if _, err := s.Append(ctx, stream, []eventstore.NewEvent{ev}, eventstore.NoStream); err != nil {
		t.Fatal(err)
	}
	_, err := s.Append(ctx, stream, []eventstore.NewEvent{ev}, eventstore.NoStream)
	if !errors.Is(err, eventstore.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	v, ok, err := s.StreamVersion(ctx, stream)
	if err != nil || !ok || v != 0 {
		t.Fatalf("stream version after rejected append: v=%d ok=%t err=%v", v, ok, err)
	}
}

func TestReadAllPagesInGlobalOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	s.pageSize = 3
	for i := 0; i < 10; i++ {
		cs := domain.ContentStreamID(strings.Repeat("c", i+1))
		if _, err := s.Append(ctx, "ContentStream:"+string(cs), []eventstore.NewEvent{{Event: domain.ContentStreamWasCreated{ContentStreamID: cs}}}, eventstore.NoStream); err != nil {
			t.Fatal(err)
		}
	}
	var last domain.SequenceNumber
	n := 0
	for env, err := range s.ReadAll(ctx, 4) {
		if err != nil {
			t.Fatal(err)
		}
		if env.SequenceNumber <= last {
			t.Fatalf("sequence went backwards: %d after %d", env.SequenceNumber, last)
		}
		last = env.SequenceNumber
		n++
	}
	if n != 7 || last != 10 {
		t.Fatalf("expected events 4..10, got n=%d last=%d", n, last)
	}
}

func TestDeleteStreamAndRecoveryAfterReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")
	{
		s, err := NewStore(path)
		if err != nil {
			t.Fatal(err)
		}
		for _, cs := range []domain.ContentStreamID{"a", "b"} {
			if _, err := s.Append(ctx, "ContentStream:"+string(cs), []eventstore.NewEvent{{Event: domain.ContentStreamWasCreated{ContentStreamID: cs}}}, eventstore.NoStream); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.DeleteStream(ctx, "ContentStream:a"); err != nil {
			t.Fatal(err)
		}
		_ = s.Close()
	}

	s2, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	all, err := eventstore.Collect(s2.ReadAll(ctx, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].StreamName != "ContentStream:b" || all[0].SequenceNumber != 2 {
		t.Fatalf("unexpected recovered log: %+v", all)
	}
	res, err := s2.Append(ctx, "ContentStream:c", []eventstore.NewEvent{{Event: domain.ContentStreamWasCreated{ContentStreamID: "c"}}}, eventstore.NoStream)
	if err != nil {
		t.Fatal(err)
	}
	if res.SequenceNumber != 3 {
		t.Fatalf("sequence numbers must never be reused, got %d", res.SequenceNumber)
	}
}

func TestSQLiteWALModeEnabled(t *testing.T) {
	s := newStore(t)
	var mode string
	if err := s.db.QueryRow(`PRAGMA journal_mode;`).Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Fatalf("journal mode must be WAL, got %q", mode)
	}
}
