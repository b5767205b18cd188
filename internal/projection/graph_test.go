package projection

import (
	"context"
	"errors"
	"testing"

	"contentrepo/internal/contentstream"
	"contentrepo/internal/domain"
	"contentrepo/internal/eventstore"
	"contentrepo/internal/streamname"
	"contentrepo/internal/subscription"
	"contentrepo/internal/workspace"
)

type fixture struct {
	t      *testing.T
	events *eventstore.MemoryStore
	graph  *ContentGraph
	engine *subscription.Engine
	store  *subscription.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, events: eventstore.NewMemoryStore(), graph: NewContentGraph(nil, nil), store: subscription.NewMemoryStore()}
	e, err := subscription.NewEngine(f.events, f.store, []subscription.Subscriber{{ID: "content-graph", Handler: f.graph}})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Setup(context.Background(), subscription.Criteria{}); err != nil {
		t.Fatal(err)
	}
	f.engine = e
	return f
}

func (f *fixture) record(stream string, evs ...domain.Event) {
	f.t.Helper()
	batch := make([]eventstore.NewEvent, len(evs))
	for i, ev := range evs {
		batch[i] = eventstore.NewEvent{Event: ev}
	}
	if _, err := f.events.Append(context.Background(), stream, batch, eventstore.Any); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) catchUp() error {
	return f.engine.Run(context.Background(), subscription.Criteria{})
}

func (f *fixture) stream(id domain.ContentStreamID) contentstream.ContentStream {
	f.t.Helper()
	cs, ok, err := f.graph.ContentStreams().Get(context.Background(), id)
	if err != nil || !ok {
		f.t.Fatalf("content stream %s: ok=%v err=%v", id, ok, err)
	}
	return cs
}

func (f *fixture) workspace(name domain.WorkspaceName) workspace.Workspace {
	f.t.Helper()
	w, ok, err := f.graph.Workspaces().Get(context.Background(), name)
	if err != nil || !ok {
		f.t.Fatalf("workspace %s: ok=%v err=%v", name, ok, err)
	}
	return w
}

func node(cs domain.ContentStreamID, id domain.NodeID) domain.Event {
	return domain.NodeAggregateWasCreated{ContentStreamID: cs, NodeID: id, NodeType: "Page"}
}

// seedLiveAndUser records a root workspace "live" and a workspace "user" based on it.
func seedLiveAndUser(f *fixture) {
	f.record(streamname.ForContentStream("live-cs"), domain.ContentStreamWasCreated{ContentStreamID: "live-cs"})
	f.record(streamname.ForWorkspace("live"), domain.RootWorkspaceWasCreated{WorkspaceName: "live", NewContentStreamID: "live-cs"})
	f.record(streamname.ForContentStream("user-cs"), domain.ContentStreamWasForked{ContentStreamID: "user-cs", SourceContentStreamID: "live-cs", SourceVersion: 0})
	f.record(streamname.ForWorkspace("user"), domain.WorkspaceWasCreated{WorkspaceName: "user", BaseWorkspaceName: "live", NewContentStreamID: "user-cs"})
}

func TestWorkspaceLifecycleAndChangeCounting(t *testing.T) {
	f := newFixture(t)
	seedLiveAndUser(f)
	f.record(streamname.ForContentStream("user-cs"), node("user-cs", "a"), node("user-cs", "b"), node("user-cs", "c"))
	f.record(streamname.ForContentStream("live-cs"), node("live-cs", "root"))
	if err := f.catchUp(); err != nil {
		t.Fatal(err)
	}

	if cs := f.stream("user-cs"); cs.Version != 3 || cs.Status != contentstream.StatusInUseByWorkspace || cs.SourceID != "live-cs" {
		t.Fatalf("unexpected user stream %+v", cs)
	}
	if w := f.workspace("user"); w.CountOfPublishableChanges != 3 || w.ContentStreamID != "user-cs" {
		t.Fatalf("unexpected user workspace %+v", w)
	}
	if w := f.workspace("live"); w.CountOfPublishableChanges != 0 || !w.IsRoot() {
		t.Fatalf("root workspace must have no publishable changes: %+v", w)
	}
}

func TestRebaseRepointsWorkspace(t *testing.T) {
	f := newFixture(t)
	seedLiveAndUser(f)
	f.record(streamname.ForContentStream("user-cs"), node("user-cs", "a"), domain.ContentStreamWasClosed{ContentStreamID: "user-cs"})
	f.record(streamname.ForContentStream("cand"),
		domain.ContentStreamWasForked{ContentStreamID: "cand", SourceContentStreamID: "live-cs", SourceVersion: 0},
		node("cand", "a"))
	f.record(streamname.ForWorkspace("user"), domain.WorkspaceWasRebased{WorkspaceName: "user", NewContentStreamID: "cand", PreviousContentStreamID: "user-cs"})
	if err := f.catchUp(); err != nil {
		t.Fatal(err)
	}

	w := f.workspace("user")
	if w.ContentStreamID != "cand" || w.CountOfPublishableChanges != 1 || w.Status != workspace.StatusUpToDate {
		t.Fatalf("unexpected workspace %+v", w)
	}
	if old := f.stream("user-cs"); old.Status != contentstream.StatusNoLongerInUse || !old.Closed {
		t.Fatalf("unexpected previous stream %+v", old)
	}
	if cand := f.stream("cand"); cand.Status != contentstream.StatusInUseByWorkspace {
		t.Fatalf("unexpected candidate %+v", cand)
	}
}

func TestPublishMarksSiblingsOutdated(t *testing.T) {
	f := newFixture(t)
	seedLiveAndUser(f)
	f.record(streamname.ForContentStream("other-cs"), domain.ContentStreamWasForked{ContentStreamID: "other-cs", SourceContentStreamID: "live-cs", SourceVersion: 0})
	f.record(streamname.ForWorkspace("other"), domain.WorkspaceWasCreated{WorkspaceName: "other", BaseWorkspaceName: "live", NewContentStreamID: "other-cs"})
	f.record(streamname.ForContentStream("user-cs"), node("user-cs", "a"), domain.ContentStreamWasClosed{ContentStreamID: "user-cs"})
	f.record(streamname.ForContentStream("live-cs"), domain.ContentStreamWasClosed{ContentStreamID: "live-cs"})
	f.record(streamname.ForContentStream("live-2"),
		domain.ContentStreamWasForked{ContentStreamID: "live-2", SourceContentStreamID: "live-cs", SourceVersion: 1},
		node("live-2", "a"))
	f.record(streamname.ForContentStream("user-2"), domain.ContentStreamWasForked{ContentStreamID: "user-2", SourceContentStreamID: "live-2", SourceVersion: 1})
	f.record(streamname.ForWorkspace("user"), domain.WorkspaceWasPublished{
		SourceWorkspaceName: "user", TargetWorkspaceName: "live",
		NewTargetContentStreamID: "live-2", PreviousTargetContentStreamID: "live-cs",
		NewSourceContentStreamID: "user-2", PreviousSourceContentStreamID: "user-cs",
	})
	if err := f.catchUp(); err != nil {
		t.Fatal(err)
	}

	if live := f.workspace("live"); live.ContentStreamID != "live-2" || live.CountOfPublishableChanges != 0 {
		t.Fatalf("unexpected live %+v", live)
	}
	if user := f.workspace("user"); user.ContentStreamID != "user-2" || user.CountOfPublishableChanges != 0 || user.Status != workspace.StatusUpToDate {
		t.Fatalf("unexpected user %+v", user)
	}
	if other := f.workspace("other"); other.Status != workspace.StatusOutdated {
		t.Fatalf("sibling must be outdated %+v", other)
	}
	for _, id := range []domain.ContentStreamID{"live-cs", "user-cs"} {
		if cs := f.stream(id); cs.Status != contentstream.StatusNoLongerInUse {
			t.Fatalf("%s must be released: %+v", id, cs)
		}
	}
}

func TestFailedEventLeavesGraphUnchanged(t *testing.T) {
	f := newFixture(t)
	seedLiveAndUser(f)
	f.record(streamname.ForWorkspace("ghost"), domain.WorkspaceWasCreated{WorkspaceName: "ghost", BaseWorkspaceName: "live", NewContentStreamID: "live-cs"})

	err := f.catchUp()
	var had *subscription.CatchUpHadErrors
	if !errors.As(err, &had) {
		t.Fatalf("expected CatchUpHadErrors, got %v", err)
	}
	if _, ok, _ := f.graph.Workspaces().Get(context.Background(), "ghost"); ok {
		t.Fatalf("workspace of failed event must be rolled back")
	}
	subs, _ := f.store.FindByCriteria(context.Background(), subscription.Criteria{})
	if subs[0].Status != subscription.StatusError || subs[0].Position != 4 {
		t.Fatalf("unexpected subscription %+v", subs[0])
	}
}

func TestVersionSkipIsFatal(t *testing.T) {
	ctx := context.Background()
	g := NewContentGraph(nil, nil)
	if err := g.Apply(ctx, domain.EventEnvelope{Event: domain.ContentStreamWasCreated{ContentStreamID: "cs"}, StreamName: "ContentStream:cs"}); err != nil {
		t.Fatal(err)
	}
	err := g.Apply(ctx, domain.EventEnvelope{Event: node("cs", "a"), StreamName: "ContentStream:cs", Version: 2})
	if !subscription.IsFatal(err) || !errors.Is(err, contentstream.ErrInvariantViolation) {
		t.Fatalf("expected fatal invariant violation, got %v", err)
	}
	if cs, _, _ := g.ContentStreams().Get(ctx, "cs"); cs.Version != 0 || cs.Changes != 0 {
		t.Fatalf("skipped version must not be applied: %+v", cs)
	}
}

func TestResetAndReplayRebuildsSameGraph(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedLiveAndUser(f)
	f.record(streamname.ForContentStream("user-cs"), node("user-cs", "a"))
	if err := f.catchUp(); err != nil {
		t.Fatal(err)
	}
	before, _ := f.graph.Workspaces().List(ctx)
	if err := f.engine.Reset(ctx, subscription.Criteria{}); err != nil {
		t.Fatal(err)
	}
	if all, _ := f.graph.Workspaces().List(ctx); len(all) != 0 {
		t.Fatalf("reset must empty the graph, got %+v", all)
	}
	if err := f.catchUp(); err != nil {
		t.Fatal(err)
	}
	after, _ := f.graph.Workspaces().List(ctx)
	if len(before) != len(after) {
		t.Fatalf("replay differs: %+v vs %+v", before, after)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("replay differs: %+v vs %+v", before[i], after[i])
		}
	}
}
