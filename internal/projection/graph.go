package projection

import (
	"context"
	"errors"
	"fmt"

	"contentrepo/internal/contentstream"
	"contentrepo/internal/domain"
	"contentrepo/internal/subscription"
	"contentrepo/internal/workspace"
)

// checkpointer is implemented by in-memory repositories that can restore their state after a failed Apply.
type checkpointer interface {
	Checkpoint() (restore, release func())
}

// schemaManager is implemented by durable repositories that own tables.
type schemaManager interface {
	Setup(ctx context.Context) error
}

// ContentGraph projects content stream and workspace lifecycle events into the two registries.
type ContentGraph struct {
	streamRepo    contentstream.Repository
	workspaceRepo workspace.Repository
	streams       *contentstream.Registry
	workspaces    *workspace.Registry
}

// NewContentGraph wires the projection to its repositories. Nil repositories default to memory.
func NewContentGraph(streams contentstream.Repository, workspaces workspace.Repository) *ContentGraph {
	if streams == nil {
		streams = contentstream.NewMemoryRepository()
	}
	if workspaces == nil {
		workspaces = workspace.NewMemoryRepository()
	}
	return &ContentGraph{
		streamRepo:    streams,
		workspaceRepo: workspaces,
		streams:       contentstream.NewRegistry(streams),
		workspaces:    workspace.NewRegistry(workspaces),
	}
}

func (g *ContentGraph) ContentStreams() *contentstream.Registry { return g.streams }
func (g *ContentGraph) Workspaces() *workspace.Registry         { return g.workspaces }

func (g *ContentGraph) Setup(ctx context.Context) error {
	for _, repo := range []any{g.streamRepo, g.workspaceRepo} {
		if m, ok := repo.(schemaManager); ok {
			if err := m.Setup(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *ContentGraph) Reset(ctx context.Context) error {
	if err := g.streams.Reset(ctx); err != nil {
		return err
	}
	return g.workspaces.Reset(ctx)
}

// Apply dispatches on the event type. Either every change of one event is kept or none is.
func (g *ContentGraph) Apply(ctx context.Context, env domain.EventEnvelope) (err error) {
	var restores, releases []func()
	for _, repo := range []any{g.streamRepo, g.workspaceRepo} {
		if c, ok := repo.(checkpointer); ok {
			restore, release := c.Checkpoint()
			restores = append(restores, restore)
			releases = append(releases, release)
		}
	}
	defer func() {
		if err == nil {
			for _, release := range releases {
				release()
			}
			return
		}
		for _, restore := range restores {
			restore()
		}
		if errors.Is(err, contentstream.ErrInvariantViolation) || errors.Is(err, workspace.ErrInvariantViolation) {
			err = subscription.Fatal(err)
		}
	}()

	switch ev := env.Event.(type) {
	case domain.ContentStreamWasCreated:
		return g.streams.Create(ctx, ev.ContentStreamID)
	case domain.ContentStreamWasForked:
		return g.streams.Fork(ctx, ev.ContentStreamID, ev.SourceContentStreamID, ev.SourceVersion)
	case domain.ContentStreamWasClosed:
		return g.streams.Apply(ctx, ev.ContentStreamID, contentstream.CloseOp(), contentstream.VersionOp(env.Version, false))
	case domain.ContentStreamWasReopened:
		return g.streams.Apply(ctx, ev.ContentStreamID, contentstream.ReopenOp(), contentstream.VersionOp(env.Version, false))
	case domain.ContentStreamWasRemoved:
		return g.streams.Remove(ctx, ev.ContentStreamID, contentstream.VersionOp(env.Version, false))
	case domain.RootWorkspaceWasCreated:
		return g.whenWorkspaceCreated(ctx, ev.WorkspaceName, "", ev.NewContentStreamID)
	case domain.WorkspaceWasCreated:
		return g.whenWorkspaceCreated(ctx, ev.WorkspaceName, ev.BaseWorkspaceName, ev.NewContentStreamID)
	case domain.WorkspaceWasRebased:
		return g.whenRepointed(ctx, ev.WorkspaceName, ev.PreviousContentStreamID, ev.NewContentStreamID)
	case domain.WorkspaceWasDiscarded:
		return g.whenRepointed(ctx, ev.WorkspaceName, ev.PreviousContentStreamID, ev.NewContentStreamID)
	case domain.WorkspaceWasPartiallyDiscarded:
		return g.whenRepointed(ctx, ev.WorkspaceName, ev.PreviousContentStreamID, ev.NewContentStreamID)
	case domain.WorkspaceWasPublished:
		return g.whenPublished(ctx, ev.SourceWorkspaceName, ev.TargetWorkspaceName,
			ev.PreviousSourceContentStreamID, ev.NewSourceContentStreamID,
			ev.PreviousTargetContentStreamID, ev.NewTargetContentStreamID)
	case domain.WorkspaceWasPartiallyPublished:
		return g.whenPublished(ctx, ev.SourceWorkspaceName, ev.TargetWorkspaceName,
			ev.PreviousSourceContentStreamID, ev.NewSourceContentStreamID,
			ev.PreviousTargetContentStreamID, ev.NewTargetContentStreamID)
	case domain.WorkspaceBaseWorkspaceWasChanged:
		return g.whenBaseChanged(ctx, ev)
	case domain.WorkspaceWasRemoved:
		return g.whenWorkspaceRemoved(ctx, ev.WorkspaceName)
	case domain.WorkspaceRebaseFailed:
		// the candidate stream was closed by its own event; no pointer moved
		return nil
	case domain.ContentStreamScoped:
		if domain.IsNodeEvent(ev.Type()) {
			return g.whenNodeChanged(ctx, ev.ContentStream(), env.Version)
		}
	}
	return nil
}

func (g *ContentGraph) whenWorkspaceCreated(ctx context.Context, name, base domain.WorkspaceName, cs domain.ContentStreamID) error {
	if err := g.workspaces.Create(ctx, name, base, cs); err != nil {
		return err
	}
	return g.markInUse(ctx, cs)
}

// whenRepointed moves a workspace onto a new stream and releases the old one.
func (g *ContentGraph) whenRepointed(ctx context.Context, name domain.WorkspaceName, previous, next domain.ContentStreamID) error {
	w, err := g.mustWorkspace(ctx, name)
	if err != nil {
		return err
	}
	if w.ContentStreamID != previous {
		return fmt.Errorf("%w: workspace %s points to %s, event expects %s", workspace.ErrInvariantViolation, name, w.ContentStreamID, previous)
	}
	if err := g.repoint(ctx, w, next, 0); err != nil {
		return err
	}
	return g.workspaces.MarkUpToDate(ctx, name)
}

func (g *ContentGraph) whenPublished(ctx context.Context, source, target domain.WorkspaceName, prevSource, nextSource, prevTarget, nextTarget domain.ContentStreamID) error {
	tw, err := g.mustWorkspace(ctx, target)
	if err != nil {
		return err
	}
	if tw.ContentStreamID != prevTarget {
		return fmt.Errorf("%w: workspace %s points to %s, event expects %s", workspace.ErrInvariantViolation, target, tw.ContentStreamID, prevTarget)
	}
	// Publishing by appending to the target's own stream leaves the target pointer where it is.
	if nextTarget != prevTarget {
		if err := g.repoint(ctx, tw, nextTarget, tw.CountOfPublishableChanges); err != nil {
			return err
		}
	}
	if err := g.whenRepointed(ctx, source, prevSource, nextSource); err != nil {
		return err
	}
	return g.workspaces.MarkDependentsOutdated(ctx, target, source)
}

func (g *ContentGraph) whenBaseChanged(ctx context.Context, ev domain.WorkspaceBaseWorkspaceWasChanged) error {
	w, err := g.mustWorkspace(ctx, ev.WorkspaceName)
	if err != nil {
		return err
	}
	if err := g.workspaces.UpdateBaseWorkspace(ctx, ev.WorkspaceName, ev.BaseWorkspaceName, ev.NewContentStreamID); err != nil {
		return err
	}
	if err := g.markInUse(ctx, ev.NewContentStreamID); err != nil {
		return err
	}
	return g.release(ctx, w.ContentStreamID)
}

func (g *ContentGraph) whenWorkspaceRemoved(ctx context.Context, name domain.WorkspaceName) error {
	w, err := g.mustWorkspace(ctx, name)
	if err != nil {
		return err
	}
	if err := g.workspaces.Remove(ctx, name); err != nil {
		return err
	}
	return g.release(ctx, w.ContentStreamID)
}

func (g *ContentGraph) whenNodeChanged(ctx context.Context, cs domain.ContentStreamID, v domain.Version) error {
	if err := g.streams.UpdateVersion(ctx, cs, v, true); err != nil {
		return err
	}
	attached, err := g.workspaces.FindByContentStream(ctx, cs)
	if err != nil {
		return err
	}
	for _, w := range attached {
		if err := g.workspaces.IncrementPublishableChanges(ctx, w.Name); err != nil {
			return err
		}
	}
	return nil
}

// repoint attaches w to next. The change count becomes carry plus the node events recorded in next itself.
func (g *ContentGraph) repoint(ctx context.Context, w workspace.Workspace, next domain.ContentStreamID, carry int) error {
	cs, _, err := g.streams.Get(ctx, next)
	if err != nil {
		return err
	}
	if err := g.markInUse(ctx, next); err != nil {
		return err
	}
	if err := g.workspaces.UpdateContentStreamID(ctx, w.Name, next); err != nil {
		return err
	}
	if err := g.workspaces.SetPublishableChanges(ctx, w.Name, carry+cs.Changes); err != nil {
		return err
	}
	return g.release(ctx, w.ContentStreamID)
}

// markInUse attaches a stream. Streams whose events were deleted by the pruner are unknown on replay and skipped.
func (g *ContentGraph) markInUse(ctx context.Context, id domain.ContentStreamID) error {
	_, ok, err := g.streams.Get(ctx, id)
	if err != nil || !ok {
		return err
	}
	return g.streams.MarkInUse(ctx, id)
}

// release marks a stream as no longer used once no workspace points to it.
func (g *ContentGraph) release(ctx context.Context, id domain.ContentStreamID) error {
	still, err := g.workspaces.FindByContentStream(ctx, id)
	if err != nil {
		return err
	}
	if len(still) > 0 {
		return nil
	}
	cs, ok, err := g.streams.Get(ctx, id)
	if err != nil || !ok || cs.Removed {
		return err
	}
	return g.streams.MarkNoLongerInUse(ctx, id)
}

func (g *ContentGraph) mustWorkspace(ctx context.Context, name domain.WorkspaceName) (workspace.Workspace, error) {
	w, ok, err := g.workspaces.Get(ctx, name)
	if err != nil {
		return workspace.Workspace{}, err
	}
	if !ok {
		return workspace.Workspace{}, fmt.Errorf("%w: %s", workspace.ErrNotFound, name)
	}
	return w, nil
}

