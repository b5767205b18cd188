// Package pruner removes content streams that no workspace needs anymore.
//
// Removal happens in two passes. Prune tombstones streams by appending ContentStreamWasRemoved, which keeps their
// events replayable. PruneRemovedFromEventStream later deletes the events of tombstoned streams once no surviving
// fork descends from them.
package pruner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"contentrepo/internal/contentstream"
	"contentrepo/internal/domain"
	"contentrepo/internal/eventstore"
	"contentrepo/internal/streamname"
)

// ContentStreamForPruning is the lifecycle of one content stream as seen from the event log.
type ContentStreamForPruning struct {
	ID       domain.ContentStreamID
	SourceID domain.ContentStreamID
	Version  domain.Version
	Status   contentstream.Status
	Closed   bool
	// Removed is set by a ContentStreamWasRemoved event. The stream's events stay in the log until
	// PruneRemovedFromEventStream deletes them.
	Removed bool
}

func (cs ContentStreamForPruning) readModel() contentstream.ContentStream {
	return contentstream.ContentStream{ID: cs.ID, SourceID: cs.SourceID, Version: cs.Version, Status: cs.Status, Closed: cs.Closed, Removed: cs.Removed}
}

type Option func(*Pruner)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pruner) {
		if l != nil {
			p.logger = l
		}
	}
}

type Pruner struct {
	events eventstore.Store
	logger *slog.Logger
}

func New(events eventstore.Store, opts ...Option) *Pruner {
	p := &Pruner{events: events, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pruner")
	return p
}

// Outdated lists the streams Prune would tombstone, in id order.
func (p *Pruner) Outdated(ctx context.Context) ([]ContentStreamForPruning, error) {
	streams, err := p.fold(ctx)
	if err != nil {
		return nil, err
	}
	return outdated(streams), nil
}

// Prune tombstones every outdated stream and returns their ids.
// A stream whose events a live fork still replays is never tombstoned.
func (p *Pruner) Prune(ctx context.Context) ([]domain.ContentStreamID, error) {
	streams, err := p.fold(ctx)
	if err != nil {
		return nil, err
	}
	var removed []domain.ContentStreamID
	for _, cs := range outdated(streams) {
		_, err := p.events.Append(ctx, streamname.ForContentStream(cs.ID), []eventstore.NewEvent{
			{Event: domain.ContentStreamWasRemoved{ContentStreamID: cs.ID}},
		}, eventstore.Exactly(cs.Version))
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			p.logger.Info("content stream changed while pruning; skipped", "content_stream", cs.ID)
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("remove content stream %s: %w", cs.ID, err)
		}
		removed = append(removed, cs.ID)
	}
	if len(removed) > 0 {
		p.logger.Info("content streams removed", "count", len(removed))
	}
	return removed, nil
}

// PruneRemovedFromEventStream deletes the events of tombstoned streams whose every descendant fork is tombstoned
// as well, and returns the deleted ids.
func (p *Pruner) PruneRemovedFromEventStream(ctx context.Context) ([]domain.ContentStreamID, error) {
	streams, err := p.fold(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []domain.ContentStreamID
	for _, cs := range sorted(streams) {
		if !cs.Removed || hasLiveDescendant(cs.ID, streams) {
			continue
		}
		if err := p.events.DeleteStream(ctx, streamname.ForContentStream(cs.ID)); err != nil {
			return deleted, fmt.Errorf("delete content stream %s: %w", cs.ID, err)
		}
		deleted = append(deleted, cs.ID)
	}
	if len(deleted) > 0 {
		p.logger.Info("removed content streams deleted from event log", "count", len(deleted))
	}
	return deleted, nil
}

// PruneAllWorkspacesAndContentStreamsFromEventStream deletes every workspace and content stream from the log.
// Subscriptions must be reset afterwards.
func (p *Pruner) PruneAllWorkspacesAndContentStreamsFromEventStream(ctx context.Context) error {
	seen := map[string]bool{}
	var names []string
	for env, err := range p.events.ReadAll(ctx, 1) {
		if err != nil {
			return err
		}
		if seen[env.StreamName] {
			continue
		}
		if streamname.IsContentStream(env.StreamName) || streamname.IsWorkspace(env.StreamName) {
			seen[env.StreamName] = true
			names = append(names, env.StreamName)
		}
	}
	for _, name := range names {
		if err := p.events.DeleteStream(ctx, name); err != nil {
			return fmt.Errorf("delete stream %s: %w", name, err)
		}
	}
	p.logger.Warn("all workspaces and content streams deleted from event log", "streams", len(names))
	return nil
}

// fold replays the log into the pruning view of every content stream that still has events.
func (p *Pruner) fold(ctx context.Context) (map[domain.ContentStreamID]*ContentStreamForPruning, error) {
	streams := map[domain.ContentStreamID]*ContentStreamForPruning{}
	current := map[domain.WorkspaceName]domain.ContentStreamID{}
	set := func(id domain.ContentStreamID, status contentstream.Status) {
		if cs, ok := streams[id]; ok {
			cs.Status = status
		}
	}
	attach := func(ws domain.WorkspaceName, next domain.ContentStreamID) {
		if prev, ok := current[ws]; ok && prev != next {
			set(prev, contentstream.StatusNoLongerInUse)
		}
		current[ws] = next
		set(next, contentstream.StatusInUseByWorkspace)
	}

	for env, err := range p.events.ReadAll(ctx, 1) {
		if err != nil {
			return nil, err
		}
		if streamname.IsContentStream(env.StreamName) {
			id, err := streamname.ContentStreamID(env.StreamName)
			if err != nil {
				return nil, err
			}
			cs, ok := streams[id]
			if !ok {
				cs = &ContentStreamForPruning{ID: id, Status: contentstream.StatusCreated}
				streams[id] = cs
			}
			cs.Version = env.Version
			switch ev := env.Event.(type) {
			case domain.ContentStreamWasForked:
				cs.SourceID = ev.SourceContentStreamID
				cs.Status = contentstream.StatusForked
			case domain.ContentStreamWasClosed:
				cs.Closed = true
			case domain.ContentStreamWasReopened:
				cs.Closed = false
			case domain.ContentStreamWasRemoved:
				cs.Removed = true
				cs.Closed = true
			}
			continue
		}
		switch ev := env.Event.(type) {
		case domain.RootWorkspaceWasCreated:
			attach(ev.WorkspaceName, ev.NewContentStreamID)
		case domain.WorkspaceWasCreated:
			attach(ev.WorkspaceName, ev.NewContentStreamID)
		case domain.WorkspaceWasRebased:
			attach(ev.WorkspaceName, ev.NewContentStreamID)
		case domain.WorkspaceWasDiscarded:
			attach(ev.WorkspaceName, ev.NewContentStreamID)
		case domain.WorkspaceWasPartiallyDiscarded:
			attach(ev.WorkspaceName, ev.NewContentStreamID)
		case domain.WorkspaceBaseWorkspaceWasChanged:
			attach(ev.WorkspaceName, ev.NewContentStreamID)
		case domain.WorkspaceWasPublished:
			attach(ev.TargetWorkspaceName, ev.NewTargetContentStreamID)
			attach(ev.SourceWorkspaceName, ev.NewSourceContentStreamID)
		case domain.WorkspaceWasPartiallyPublished:
			attach(ev.TargetWorkspaceName, ev.NewTargetContentStreamID)
			attach(ev.SourceWorkspaceName, ev.NewSourceContentStreamID)
		case domain.WorkspaceWasRemoved:
			if prev, ok := current[ev.WorkspaceName]; ok {
				set(prev, contentstream.StatusNoLongerInUse)
				delete(current, ev.WorkspaceName)
			}
		}
	}
	return streams, nil
}

func outdated(streams map[domain.ContentStreamID]*ContentStreamForPruning) []ContentStreamForPruning {
	all := make([]contentstream.ContentStream, 0, len(streams))
	for _, cs := range streams {
		all = append(all, cs.readModel())
	}
	var out []ContentStreamForPruning
	for _, cs := range sorted(streams) {
		if cs.Removed {
			continue
		}
		rm := cs.readModel()
		if cs.Status != contentstream.StatusNoLongerInUse && !rm.Abandoned() {
			continue
		}
		if _, pinned := contentstream.PinnedBy(cs.ID, all); pinned {
			continue
		}
		out = append(out, cs)
	}
	return out
}

// hasLiveDescendant reports whether any fork below id is not tombstoned.
func hasLiveDescendant(id domain.ContentStreamID, streams map[domain.ContentStreamID]*ContentStreamForPruning) bool {
	children := map[domain.ContentStreamID][]domain.ContentStreamID{}
	for _, cs := range streams {
		if cs.SourceID != "" {
			children[cs.SourceID] = append(children[cs.SourceID], cs.ID)
		}
	}
	seen := map[domain.ContentStreamID]bool{id: true}
	queue := []domain.ContentStreamID{id}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, child := range children[next] {
			if seen[child] {
				continue
			}
			seen[child] = true
			if !streams[child].Removed {
				return true
			}
			queue = append(queue, child)
		}
	}
	return false
}

func sorted(streams map[domain.ContentStreamID]*ContentStreamForPruning) []ContentStreamForPruning {
	out := make([]ContentStreamForPruning, 0, len(streams))
	for _, cs := range streams {
		out = append(out, *cs)
	}
	slices.SortFunc(out, func(a, b ContentStreamForPruning) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
