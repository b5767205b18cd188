package pruner

import (
	"context"
	"errors"
	"testing"

	"contentrepo/internal/command"
	"contentrepo/internal/contentstream"
	"contentrepo/internal/domain"
	"contentrepo/internal/eventstore"
	"contentrepo/internal/streamname"
)

type eventLog struct {
	t      *testing.T
	events *eventstore.MemoryStore
}

func newLog(t *testing.T) *eventLog {
	return &eventLog{t: t, events: eventstore.NewMemoryStore()}
}

func (l *eventLog) record(stream string, evs ...domain.Event) {
	l.t.Helper()
	batch := make([]eventstore.NewEvent, len(evs))
	for i, ev := range evs {
		batch[i] = eventstore.NewEvent{Event: ev}
	}
	if _, err := l.events.Append(context.Background(), stream, batch, eventstore.Any); err != nil {
		l.t.Fatal(err)
	}
}

func (l *eventLog) created(id domain.ContentStreamID) {
	l.record(streamname.ForContentStream(id), domain.ContentStreamWasCreated{ContentStreamID: id})
}

func (l *eventLog) forked(id, source domain.ContentStreamID) {
	l.record(streamname.ForContentStream(id), domain.ContentStreamWasForked{ContentStreamID: id, SourceContentStreamID: source})
}

func (l *eventLog) workspace(name, base domain.WorkspaceName, cs domain.ContentStreamID) {
	if base == "" {
		l.record(streamname.ForWorkspace(name), domain.RootWorkspaceWasCreated{WorkspaceName: name, NewContentStreamID: cs})
		return
	}
	l.record(streamname.ForWorkspace(name), domain.WorkspaceWasCreated{WorkspaceName: name, BaseWorkspaceName: base, NewContentStreamID: cs})
}

func (l *eventLog) removed(name domain.WorkspaceName) {
	l.record(streamname.ForWorkspace(name), domain.WorkspaceWasRemoved{WorkspaceName: name})
}

func ids(streams []ContentStreamForPruning) []domain.ContentStreamID {
	out := make([]domain.ContentStreamID, len(streams))
	for i, cs := range streams {
		out[i] = cs.ID
	}
	return out
}

func sameIDs(a, b []domain.ContentStreamID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPruneNeverRemovesTheSourceOfAnInUseDescendant(t *testing.T) {
	ctx := context.Background()
	l := newLog(t)
	l.created("a-cs")
	l.workspace("live", "", "a-cs")
	l.forked("b-cs", "a-cs")
	l.workspace("user", "live", "b-cs")
	l.forked("c-cs", "b-cs")
	l.workspace("review", "user", "c-cs")
	// user moves on; b-cs is released but review still replays it
	l.forked("d-cs", "a-cs")
	l.record(streamname.ForWorkspace("user"), domain.WorkspaceWasRebased{WorkspaceName: "user", NewContentStreamID: "d-cs", PreviousContentStreamID: "b-cs"})

	p := New(l.events)
	removed, err := p.Prune(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 0 {
		t.Fatalf("pinned streams were removed: %v", removed)
	}

	l.removed("review")
	out, err := p.Outdated(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := []domain.ContentStreamID{"b-cs", "c-cs"}; !sameIDs(ids(out), want) {
		t.Fatalf("outdated = %v, want %v", ids(out), want)
	}
	removed, err = p.Prune(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := []domain.ContentStreamID{"b-cs", "c-cs"}; !sameIDs(removed, want) {
		t.Fatalf("removed = %v, want %v", removed, want)
	}
	if again, _ := p.Prune(ctx); len(again) != 0 {
		t.Fatalf("second prune removed %v", again)
	}
}

func TestPruneRemovedKeepsEventsOfStreamsWithLiveForks(t *testing.T) {
	ctx := context.Background()
	l := newLog(t)
	l.created("a-cs")
	l.workspace("live", "", "a-cs")
	l.forked("b-cs", "a-cs")
	l.workspace("user", "live", "b-cs")
	l.removed("live")
	// tombstoned while the fork is still in use
	l.record(streamname.ForContentStream("a-cs"), domain.ContentStreamWasRemoved{ContentStreamID: "a-cs"})

	p := New(l.events)
	deleted, err := p.PruneRemovedFromEventStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 0 {
		t.Fatalf("deleted events a live fork replays: %v", deleted)
	}

	l.removed("user")
	if _, err := p.Prune(ctx); err != nil {
		t.Fatal(err)
	}
	deleted, err = p.PruneRemovedFromEventStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := []domain.ContentStreamID{"a-cs", "b-cs"}; !sameIDs(deleted, want) {
		t.Fatalf("deleted = %v, want %v", deleted, want)
	}
	for _, id := range deleted {
		if _, exists, _ := l.events.StreamVersion(ctx, streamname.ForContentStream(id)); exists {
			t.Fatalf("%s still has events", id)
		}
	}
}

func TestPruneCollectsTheCandidateOfAFailedRebase(t *testing.T) {
	ctx := context.Background()
	events := eventstore.NewMemoryStore()
	h := command.NewHandler(events)
	for _, c := range []command.Command{
		command.CreateRootWorkspace{WorkspaceName: "live", NewContentStreamID: "live-cs"},
		command.CreateWorkspace{WorkspaceName: "user", BaseWorkspaceName: "live", NewContentStreamID: "user-cs"},
		command.CreateNode{WorkspaceName: "user", NodeID: "x", NodeType: "Page"},
		command.CreateNode{WorkspaceName: "live", NodeID: "x", NodeType: "Page"},
	} {
		if err := h.Handle(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	var failed *command.WorkspaceRebaseFailed
	if err := h.Handle(ctx, command.RebaseWorkspace{WorkspaceName: "user", RebasedContentStreamID: "candidate"}); !errors.As(err, &failed) {
		t.Fatalf("expected rebase to fail, got %v", err)
	}

	p := New(events)
	out, err := p.Outdated(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ID != "candidate" || out[0].Status != contentstream.StatusForked || !out[0].Closed {
		t.Fatalf("unexpected outdated streams %+v", out)
	}
	if removed, err := p.Prune(ctx); err != nil || !sameIDs(removed, []domain.ContentStreamID{"candidate"}) {
		t.Fatalf("prune: %v %v", removed, err)
	}
	if deleted, err := p.PruneRemovedFromEventStream(ctx); err != nil || !sameIDs(deleted, []domain.ContentStreamID{"candidate"}) {
		t.Fatalf("prune removed: %v %v", deleted, err)
	}
	// the workspace keeps working on its original stream
	if err := h.Handle(ctx, command.CreateNode{WorkspaceName: "user", NodeID: "y", NodeType: "Page"}); err != nil {
		t.Fatal(err)
	}
}

func TestPruneAllWorkspacesAndContentStreams(t *testing.T) {
	ctx := context.Background()
	l := newLog(t)
	l.created("a-cs")
	l.workspace("live", "", "a-cs")
	l.record("Unrelated:x", domain.ContentStreamWasCreated{ContentStreamID: "x"})

	if err := New(l.events).PruneAllWorkspacesAndContentStreamsFromEventStream(ctx); err != nil {
		t.Fatal(err)
	}
	left, err := eventstore.Collect(l.events.ReadAll(ctx, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0].StreamName != "Unrelated:x" {
		t.Fatalf("unexpected remaining events %+v", left)
	}
}
