package command

import (
	"context"
	"errors"
	"fmt"

	"contentrepo/internal/domain"
)

// pair is a derived workspace together with its base, both folded from the log.
type pair struct {
	ix     *workspaceIndex
	ws     *workspaceState
	base   *workspaceState
	wsCS   *contentStream
	baseCS *contentStream
}

func (h *Handler) loadPair(ctx context.Context, name domain.WorkspaceName) (*pair, error) {
	ix, err := h.loadWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	return h.pairFrom(ctx, ix, name)
}

func (h *Handler) pairFrom(ctx context.Context, ix *workspaceIndex, name domain.WorkspaceName) (*pair, error) {
	ws, err := ix.get(name)
	if err != nil {
		return nil, err
	}
	base, err := ix.base(ws)
	if err != nil {
		return nil, err
	}
	wsCS, err := h.loadContentStream(ctx, ws.ContentStreamID)
	if err != nil {
		return nil, err
	}
	baseCS, err := h.loadContentStream(ctx, base.ContentStreamID)
	if err != nil {
		return nil, err
	}
	return &pair{ix: ix, ws: ws, base: base, wsCS: wsCS, baseCS: baseCS}, nil
}

// upToDate makes sure the workspace was forked from the current head of its base, rebasing it if not.
func (h *Handler) upToDate(ctx context.Context, name domain.WorkspaceName) (*pair, error) {
	p, err := h.loadPair(ctx, name)
	if err != nil {
		return nil, err
	}
	if p.wsCS.upToDateWith(p.baseCS) {
		return p, nil
	}
	if err := h.rebase(ctx, p.ix, RebaseWorkspace{WorkspaceName: name, Strategy: RebaseFailOnConflict}); err != nil {
		return nil, err
	}
	return h.loadPair(ctx, name)
}

func (h *Handler) rebase(ctx context.Context, ix *workspaceIndex, c RebaseWorkspace) error {
	p, err := h.pairFrom(ctx, ix, c.WorkspaceName)
	if err != nil {
		return err
	}
	if p.wsCS.upToDateWith(p.baseCS) && c.Strategy != RebaseForce {
		return nil
	}
	candidateID, err := h.unusedID(ctx, c.RebasedContentStreamID)
	if err != nil {
		return err
	}
	if err := h.closeStream(ctx, p.wsCS); err != nil {
		return err
	}
	candidate, err := h.fork(ctx, candidateID, p.baseCS)
	if err != nil {
		return h.abandon(ctx, err, nil, p.wsCS)
	}
	decided, failures := h.decideAll(candidate.tree, candidate.ID, p.wsCS.pending)
	if len(failures) > 0 && c.Strategy != RebaseForce {
		h.logger.Info("rebase failed", "workspace", p.ws.Name, "candidate", candidate.ID, "failures", len(failures))
		if err := errors.Join(h.closeStream(ctx, candidate), h.reopenStream(ctx, p.wsCS)); err != nil {
			return err
		}
		if err := h.appendWorkspaceEvent(ctx, ix, p.ws.Name, domain.WorkspaceRebaseFailed{
			WorkspaceName:            p.ws.Name,
			CandidateContentStreamID: candidate.ID,
			SourceContentStreamID:    p.wsCS.ID,
			FailedCommands:           skipped(failures),
		}); err != nil {
			return err
		}
		return &WorkspaceRebaseFailed{Workspace: p.ws.Name, Failures: failures}
	}
	if err := h.commit(ctx, candidate, decided); err != nil {
		return h.abandon(ctx, err, candidate, p.wsCS)
	}
	if len(failures) > 0 {
		h.logger.Warn("forced rebase skipped commands", "workspace", p.ws.Name, "skipped", len(failures))
	}
	if err := h.appendWorkspaceEvent(ctx, ix, p.ws.Name, domain.WorkspaceWasRebased{
		WorkspaceName:           p.ws.Name,
		NewContentStreamID:      candidate.ID,
		PreviousContentStreamID: p.wsCS.ID,
		SkippedEvents:           skipped(failures),
	}); err != nil {
		return h.abandon(ctx, err, candidate, p.wsCS)
	}
	return nil
}

// publish appends the workspace's commands to the base's own stream in one batch and restarts the workspace
// on a fresh fork of the result.
func (h *Handler) publish(ctx context.Context, c PublishWorkspace) error {
	p, err := h.upToDate(ctx, c.WorkspaceName)
	if err != nil {
		return err
	}
	if len(p.wsCS.pending) == 0 {
		return nil
	}
	decided, failures := h.decideAll(p.baseCS.tree, p.baseCS.ID, p.wsCS.pending)
	if len(failures) > 0 {
		return &WorkspaceRebaseFailed{Workspace: p.ws.Name, Failures: failures}
	}
	nextID, err := h.unusedID(ctx, c.NewContentStreamID)
	if err != nil {
		return err
	}
	if err := h.closeStream(ctx, p.wsCS); err != nil {
		return err
	}
	if err := h.commit(ctx, p.baseCS, decided); err != nil {
		return h.abandon(ctx, err, nil, p.wsCS)
	}
	next, err := h.fork(ctx, nextID, p.baseCS)
	if err != nil {
		return h.abandon(ctx, err, nil, p.wsCS)
	}
	if err := h.appendWorkspaceEvent(ctx, p.ix, p.ws.Name, domain.WorkspaceWasPublished{
		SourceWorkspaceName:           p.ws.Name,
		TargetWorkspaceName:           p.base.Name,
		NewTargetContentStreamID:      p.baseCS.ID,
		NewSourceContentStreamID:      next.ID,
		PreviousSourceContentStreamID: p.wsCS.ID,
		PreviousTargetContentStreamID: p.baseCS.ID,
	}); err != nil {
		return h.abandon(ctx, err, next, p.wsCS)
	}
	h.logger.Info("workspace published", "workspace", p.ws.Name, "target", p.base.Name, "events", len(decided))
	return nil
}

// publishIndividualNodes publishes the commands touching nodes and keeps the rest pending on a fresh fork.
// Whether the selection can be moved ahead of the rest is decided by replaying the swapped order in memory
// before anything is written.
func (h *Handler) publishIndividualNodes(ctx context.Context, c PublishIndividualNodes) error {
	p, err := h.upToDate(ctx, c.WorkspaceName)
	if err != nil {
		return err
	}
	selected, remainder := split(p.wsCS.pending, c.NodeIDs)
	if len(selected) == 0 {
		return nil
	}
	if len(remainder) == 0 {
		return h.publish(ctx, PublishWorkspace{WorkspaceName: c.WorkspaceName, NewContentStreamID: c.NewContentStreamID})
	}
	nextID, err := h.unusedID(ctx, c.NewContentStreamID)
	if err != nil {
		return err
	}
	tree := p.baseCS.tree.clone()
	published, f1 := h.decideAll(tree, p.baseCS.ID, selected)
	kept, f2 := h.decideAll(tree, nextID, remainder)
	if conflicts := append(f1, f2...); len(conflicts) > 0 {
		return &PartialWorkspaceRebaseFailed{Workspace: p.ws.Name, ConflictingEvents: conflicts}
	}
	if err := h.closeStream(ctx, p.wsCS); err != nil {
		return err
	}
	if err := h.commit(ctx, p.baseCS, published); err != nil {
		return h.abandon(ctx, err, nil, p.wsCS)
	}
	next, err := h.fork(ctx, nextID, p.baseCS)
	if err != nil {
		return h.abandon(ctx, err, nil, p.wsCS)
	}
	if err := h.commit(ctx, next, kept); err != nil {
		return h.abandon(ctx, err, next, p.wsCS)
	}
	if err := h.appendWorkspaceEvent(ctx, p.ix, p.ws.Name, domain.WorkspaceWasPartiallyPublished{
		SourceWorkspaceName:           p.ws.Name,
		TargetWorkspaceName:           p.base.Name,
		NewTargetContentStreamID:      p.baseCS.ID,
		NewSourceContentStreamID:      next.ID,
		PreviousSourceContentStreamID: p.wsCS.ID,
		PreviousTargetContentStreamID: p.baseCS.ID,
		PublishedNodes:                c.NodeIDs,
	}); err != nil {
		return h.abandon(ctx, err, next, p.wsCS)
	}
	h.logger.Info("workspace partially published", "workspace", p.ws.Name, "target", p.base.Name,
		"published", len(published), "kept", len(kept))
	return nil
}

func (h *Handler) discard(ctx context.Context, c DiscardWorkspace) error {
	p, err := h.loadPair(ctx, c.WorkspaceName)
	if err != nil {
		return err
	}
	if len(p.wsCS.pending) == 0 && p.wsCS.upToDateWith(p.baseCS) {
		return nil
	}
	nextID, err := h.unusedID(ctx, c.NewContentStreamID)
	if err != nil {
		return err
	}
	if err := h.closeStream(ctx, p.wsCS); err != nil {
		return err
	}
	next, err := h.fork(ctx, nextID, p.baseCS)
	if err != nil {
		return h.abandon(ctx, err, nil, p.wsCS)
	}
	if err := h.appendWorkspaceEvent(ctx, p.ix, p.ws.Name, domain.WorkspaceWasDiscarded{
		WorkspaceName:           p.ws.Name,
		NewContentStreamID:      next.ID,
		PreviousContentStreamID: p.wsCS.ID,
	}); err != nil {
		return h.abandon(ctx, err, next, p.wsCS)
	}
	h.logger.Info("workspace discarded", "workspace", p.ws.Name, "events", len(p.wsCS.pending))
	return nil
}

// discardIndividualNodes drops the commands touching nodes and replays the rest onto the base's current head.
func (h *Handler) discardIndividualNodes(ctx context.Context, c DiscardIndividualNodes) error {
	p, err := h.loadPair(ctx, c.WorkspaceName)
	if err != nil {
		return err
	}
	discarded, remainder := split(p.wsCS.pending, c.NodeIDs)
	if len(discarded) == 0 {
		return nil
	}
	if len(remainder) == 0 {
		return h.discard(ctx, DiscardWorkspace{WorkspaceName: c.WorkspaceName, NewContentStreamID: c.NewContentStreamID})
	}
	// Without the discarded commands the rest must still apply where the workspace started.
	origin, err := h.foldStream(ctx, p.wsCS.SourceID, p.wsCS.SourceVersion)
	if err != nil {
		return err
	}
	if _, conflicts := h.decideAll(origin.tree, p.wsCS.ID, remainder); len(conflicts) > 0 {
		return &PartialWorkspaceRebaseFailed{Workspace: p.ws.Name, ConflictingEvents: conflicts}
	}
	nextID, err := h.unusedID(ctx, c.NewContentStreamID)
	if err != nil {
		return err
	}
	tree := p.baseCS.tree.clone()
	kept, failures := h.decideAll(tree, nextID, remainder)
	if len(failures) > 0 {
		return &WorkspaceRebaseFailed{Workspace: p.ws.Name, Failures: failures}
	}
	if err := h.closeStream(ctx, p.wsCS); err != nil {
		return err
	}
	next, err := h.fork(ctx, nextID, p.baseCS)
	if err != nil {
		return h.abandon(ctx, err, nil, p.wsCS)
	}
	if err := h.commit(ctx, next, kept); err != nil {
		return h.abandon(ctx, err, next, p.wsCS)
	}
	if err := h.appendWorkspaceEvent(ctx, p.ix, p.ws.Name, domain.WorkspaceWasPartiallyDiscarded{
		WorkspaceName:           p.ws.Name,
		NewContentStreamID:      next.ID,
		PreviousContentStreamID: p.wsCS.ID,
		DiscardedNodes:          c.NodeIDs,
	}); err != nil {
		return h.abandon(ctx, err, next, p.wsCS)
	}
	h.logger.Info("workspace partially discarded", "workspace", p.ws.Name, "discarded", len(discarded), "kept", len(kept))
	return nil
}

func skipped(failures []CommandFailure) []domain.SkippedEvent {
	if len(failures) == 0 {
		return nil
	}
	out := make([]domain.SkippedEvent, len(failures))
	for i, f := range failures {
		out[i] = domain.SkippedEvent{
			SequenceNumber: f.SequenceNumber,
			CommandType:    f.Command.CommandType(),
			Message:        fmt.Sprint(f.Err),
		}
	}
	return out
}
