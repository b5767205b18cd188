package socket

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"contentrepo/internal/command"
	"contentrepo/internal/contentstream"
	"contentrepo/internal/domain"
	"contentrepo/internal/eventstore"
	"contentrepo/internal/projection"
	"contentrepo/internal/pruner"
	"contentrepo/internal/subscription"
	"contentrepo/internal/workspace"
)

// Service is what the admin server exposes.
type Service interface {
	Health(ctx context.Context) (bool, string)
	CatchUp(ctx context.Context, c subscription.Criteria, boot bool) error
	Subscriptions(ctx context.Context, c subscription.Criteria) ([]subscription.Subscription, error)
	ResetSubscriptions(ctx context.Context, c subscription.Criteria) error
	Workspace(ctx context.Context, name domain.WorkspaceName) (workspace.Workspace, bool, error)
	ContentStreams(ctx context.Context) ([]contentstream.ContentStream, error)
	Prune(ctx context.Context, mode PruneMode) ([]domain.ContentStreamID, error)
	Handle(ctx context.Context, cmd command.Command) error
}

// Backend serves the admin operations from the repository's components.
type Backend struct {
	Events   eventstore.Store
	Engine   *subscription.Engine
	Graph    *projection.ContentGraph
	Pruner   *pruner.Pruner
	Commands *command.Handler
	// SyncReadModels runs a catch-up after every write so the next read observes it.
	SyncReadModels bool
}

var _ Service = (*Backend)(nil)

func (b *Backend) Health(ctx context.Context) (bool, string) {
	head, err := b.Events.Head(ctx)
	if err != nil {
		return false, "event store: " + err.Error()
	}
	subs, err := b.Engine.Status(ctx, subscription.Criteria{})
	if err != nil {
		return false, "subscription store: " + err.Error()
	}
	var failed []string
	for _, s := range subs {
		if s.Status == subscription.StatusError {
			failed = append(failed, string(s.ID))
		}
	}
	if len(failed) > 0 {
		return false, fmt.Sprintf("head=%d subscriptions in error: %s", head, strings.Join(failed, ","))
	}
	return true, fmt.Sprintf("head=%d", head)
}

func (b *Backend) CatchUp(ctx context.Context, c subscription.Criteria, boot bool) error {
	if boot {
		return b.Engine.Boot(ctx, c)
	}
	return b.Engine.Run(ctx, c)
}

func (b *Backend) Subscriptions(ctx context.Context, c subscription.Criteria) ([]subscription.Subscription, error) {
	return b.Engine.Status(ctx, c)
}

func (b *Backend) ResetSubscriptions(ctx context.Context, c subscription.Criteria) error {
	return b.Engine.Reset(ctx, c)
}

func (b *Backend) Workspace(ctx context.Context, name domain.WorkspaceName) (workspace.Workspace, bool, error) {
	return b.Graph.Workspaces().Get(ctx, name)
}

func (b *Backend) ContentStreams(ctx context.Context) ([]contentstream.ContentStream, error) {
	return b.Graph.ContentStreams().List(ctx)
}

func (b *Backend) Prune(ctx context.Context, mode PruneMode) ([]domain.ContentStreamID, error) {
	switch mode {
	case PruneModeOutdated:
		found, err := b.Pruner.Outdated(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]domain.ContentStreamID, len(found))
		for i, cs := range found {
			ids[i] = cs.ID
		}
		return ids, nil
	case PruneModeTombstone:
		ids, err := b.Pruner.Prune(ctx)
		if err != nil {
			return ids, err
		}
		return ids, b.sync(ctx)
	case PruneModeEventStream:
		return b.Pruner.PruneRemovedFromEventStream(ctx)
	default:
		return nil, fmt.Errorf("unknown prune mode %d", mode)
	}
}

func (b *Backend) Handle(ctx context.Context, cmd command.Command) error {
	if err := b.Commands.Handle(ctx, cmd); err != nil {
		return err
	}
	return b.sync(ctx)
}

// sync reports only aborted runs. Subscriber failures stay visible through Subscriptions and Health.
func (b *Backend) sync(ctx context.Context) error {
	if !b.SyncReadModels {
		return nil
	}
	err := b.Engine.Run(ctx, subscription.Criteria{})
	var hadErrors *subscription.CatchUpHadErrors
	if err == nil || errors.As(err, &hadErrors) || errors.Is(err, subscription.ErrAlreadyProcessing) {
		return nil
	}
	return fmt.Errorf("catch-up after write: %w", err)
}
