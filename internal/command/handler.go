package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"contentrepo/internal/domain"
	"contentrepo/internal/eventstore"
	"contentrepo/internal/nodetype"
	"contentrepo/internal/streamname"
)

type Option func(*Handler)

func WithPropertyValidator(v nodetype.PropertyValidator) Option {
	return func(h *Handler) {
		if v != nil {
			h.validator = v
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithIDGenerator replaces the generator used for content stream ids the caller leaves empty.
func WithIDGenerator(fn func() domain.ContentStreamID) Option {
	return func(h *Handler) {
		if fn != nil {
			h.newID = fn
		}
	}
}

// Handler validates commands against the state folded from the event log and appends the resulting events.
// Concurrent writers are detected through expected versions; conflicts surface as *eventstore.ConflictError.
type Handler struct {
	events    eventstore.Store
	validator nodetype.PropertyValidator
	logger    *slog.Logger
	newID     func() domain.ContentStreamID

	mu        sync.Mutex
	index     *workspaceIndex // folded up to indexHead, dropped after a failed command
	indexHead domain.SequenceNumber
	sources   map[foldKey]*nodeTree // fork source trees of the command being handled
}

func NewHandler(events eventstore.Store, opts ...Option) *Handler {
	h := &Handler{
		events:    events,
		validator: nodetype.AllowAll{},
		logger:    slog.Default(),
		newID:     domain.NewContentStreamID,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "command-handler")
	return h
}

func (h *Handler) Handle(ctx context.Context, cmd Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sources = map[foldKey]*nodeTree{}
	defer func() { h.sources = nil }()

	var err error
	switch c := cmd.(type) {
	case CreateRootWorkspace:
		err = h.createRootWorkspace(ctx, c)
	case CreateWorkspace:
		err = h.createWorkspace(ctx, c)
	case DeleteWorkspace:
		err = h.deleteWorkspace(ctx, c)
	case ChangeBaseWorkspace:
		err = h.changeBaseWorkspace(ctx, c)
	case CreateNode, SetNodeProperties, MoveNode, RemoveNode:
		err = h.handleNodeCommand(ctx, c.(NodeCommand))
	case RebaseWorkspace:
		var ix *workspaceIndex
		if ix, err = h.loadWorkspaces(ctx); err == nil {
			err = h.rebase(ctx, ix, c)
		}
	case PublishWorkspace:
		err = h.publish(ctx, c)
	case PublishIndividualNodes:
		err = h.publishIndividualNodes(ctx, c)
	case DiscardWorkspace:
		err = h.discard(ctx, c)
	case DiscardIndividualNodes:
		err = h.discardIndividualNodes(ctx, c)
	default:
		if cmd == nil {
			return fmt.Errorf("%w: nil", ErrUnknownCommand)
		}
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.CommandType())
	}
	if err != nil {
		h.index = nil
		h.logger.Debug("command rejected", "command", cmd.CommandType(), "err", err)
		return err
	}
	return nil
}

func (h *Handler) createRootWorkspace(ctx context.Context, c CreateRootWorkspace) error {
	if err := domain.ValidateWorkspaceName(c.WorkspaceName); err != nil {
		return fmt.Errorf("create root workspace: %w", err)
	}
	ix, err := h.loadWorkspaces(ctx)
	if err != nil {
		return err
	}
	if _, err := ix.get(c.WorkspaceName); err == nil {
		return fmt.Errorf("%w: %s", ErrWorkspaceAlreadyExists, c.WorkspaceName)
	}
	id, err := h.unusedID(ctx, c.NewContentStreamID)
	if err != nil {
		return err
	}
	res, err := h.events.Append(ctx, streamname.ForContentStream(id), []eventstore.NewEvent{
		{Event: domain.ContentStreamWasCreated{ContentStreamID: id}},
	}, eventstore.NoStream)
	if err != nil {
		return err
	}
	if err := h.appendWorkspaceEvent(ctx, ix, c.WorkspaceName, domain.RootWorkspaceWasCreated{
		WorkspaceName:      c.WorkspaceName,
		NewContentStreamID: id,
	}); err != nil {
		return errors.Join(err, h.closeStream(ctx, &contentStream{ID: id, Version: res.Version}))
	}
	return nil
}

func (h *Handler) createWorkspace(ctx context.Context, c CreateWorkspace) error {
	if err := domain.ValidateWorkspaceName(c.WorkspaceName); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	ix, err := h.loadWorkspaces(ctx)
	if err != nil {
		return err
	}
	if _, err := ix.get(c.WorkspaceName); err == nil {
		return fmt.Errorf("%w: %s", ErrWorkspaceAlreadyExists, c.WorkspaceName)
	}
	base, err := ix.get(c.BaseWorkspaceName)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBaseWorkspaceNotFound, c.BaseWorkspaceName)
	}
	baseCS, err := h.loadContentStream(ctx, base.ContentStreamID)
	if err != nil {
		return err
	}
	id, err := h.unusedID(ctx, c.NewContentStreamID)
	if err != nil {
		return err
	}
	cs, err := h.fork(ctx, id, baseCS)
	if err != nil {
		return err
	}
	if err := h.appendWorkspaceEvent(ctx, ix, c.WorkspaceName, domain.WorkspaceWasCreated{
		WorkspaceName:      c.WorkspaceName,
		BaseWorkspaceName:  base.Name,
		NewContentStreamID: cs.ID,
	}); err != nil {
		return errors.Join(err, h.closeStream(ctx, cs))
	}
	return nil
}

func (h *Handler) deleteWorkspace(ctx context.Context, c DeleteWorkspace) error {
	ix, err := h.loadWorkspaces(ctx)
	if err != nil {
		return err
	}
	w, err := ix.get(c.WorkspaceName)
	if err != nil {
		return err
	}
	if deps := ix.dependents(w.Name); len(deps) > 0 {
		slices.Sort(deps)
		return fmt.Errorf("%w: %s is the base of %v", ErrWorkspaceHasDependents, w.Name, deps)
	}
	cs, err := h.loadContentStream(ctx, w.ContentStreamID)
	if err != nil {
		return err
	}
	if err := h.closeStream(ctx, cs); err != nil {
		return err
	}
	return h.appendWorkspaceEvent(ctx, ix, w.Name, domain.WorkspaceWasRemoved{WorkspaceName: w.Name})
}

func (h *Handler) changeBaseWorkspace(ctx context.Context, c ChangeBaseWorkspace) error {
	ix, err := h.loadWorkspaces(ctx)
	if err != nil {
		return err
	}
	w, err := ix.get(c.WorkspaceName)
	if err != nil {
		return err
	}
	if w.isRoot() {
		return fmt.Errorf("%w: root workspace %s cannot get a base", ErrInvalidTransition, w.Name)
	}
	if w.Base == c.BaseWorkspaceName {
		return nil
	}
	newBase, err := ix.get(c.BaseWorkspaceName)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBaseWorkspaceNotFound, c.BaseWorkspaceName)
	}
	if ix.dependsOn(newBase.Name, w.Name) {
		return fmt.Errorf("%w: %s depends on %s", ErrInvalidTransition, newBase.Name, w.Name)
	}
	cs, err := h.loadContentStream(ctx, w.ContentStreamID)
	if err != nil {
		return err
	}
	if len(cs.pending) > 0 {
		return fmt.Errorf("%w: %s has %d", ErrWorkspaceHasPendingChanges, w.Name, len(cs.pending))
	}
	baseCS, err := h.loadContentStream(ctx, newBase.ContentStreamID)
	if err != nil {
		return err
	}
	nextID, err := h.unusedID(ctx, c.NewContentStreamID)
	if err != nil {
		return err
	}
	if err := h.closeStream(ctx, cs); err != nil {
		return err
	}
	next, err := h.fork(ctx, nextID, baseCS)
	if err != nil {
		return h.abandon(ctx, err, nil, cs)
	}
	if err := h.appendWorkspaceEvent(ctx, ix, w.Name, domain.WorkspaceBaseWorkspaceWasChanged{
		WorkspaceName:           w.Name,
		BaseWorkspaceName:       newBase.Name,
		NewContentStreamID:      next.ID,
		PreviousContentStreamID: cs.ID,
	}); err != nil {
		return h.abandon(ctx, err, next, cs)
	}
	return nil
}

func (h *Handler) handleNodeCommand(ctx context.Context, c NodeCommand) error {
	ix, err := h.loadWorkspaces(ctx)
	if err != nil {
		return err
	}
	w, err := ix.get(c.Workspace())
	if err != nil {
		return err
	}
	cs, err := h.loadContentStream(ctx, w.ContentStreamID)
	if err != nil {
		return err
	}
	ev, err := cs.tree.decide(cs.ID, c, h.validator)
	if err != nil {
		return err
	}
	return h.commit(ctx, cs, []decision{{cmd: c, event: ev}})
}

type decision struct {
	seq   domain.SequenceNumber
	cmd   NodeCommand
	event domain.Event
}

// decideAll replays cmds in order on tree, scoping the produced events to stream id.
// Commands that fail are reported and leave the tree untouched.
func (h *Handler) decideAll(tree *nodeTree, id domain.ContentStreamID, cmds []pendingCommand) ([]decision, []CommandFailure) {
	var (
		decided  []decision
		failures []CommandFailure
	)
	for _, p := range cmds {
		ev, err := tree.decide(id, p.Command, h.validator)
		if err != nil {
			failures = append(failures, CommandFailure{SequenceNumber: p.SequenceNumber, Command: p.Command, Err: err})
			continue
		}
		tree.apply(ev)
		decided = append(decided, decision{seq: p.SequenceNumber, cmd: p.Command, event: ev})
	}
	return decided, failures
}

// commit appends decided events to cs as one batch. Each event carries the command that produced it.
func (h *Handler) commit(ctx context.Context, cs *contentStream, decided []decision) error {
	if len(decided) == 0 {
		return nil
	}
	if cs.Closed {
		return fmt.Errorf("%w: %s", ErrContentStreamClosed, cs.ID)
	}
	batch := make([]eventstore.NewEvent, 0, len(decided))
	for _, d := range decided {
		md, err := commandMetadata(d.cmd)
		if err != nil {
			return err
		}
		batch = append(batch, eventstore.NewEvent{Event: d.event, Metadata: md})
	}
	res, err := h.events.Append(ctx, streamname.ForContentStream(cs.ID), batch, eventstore.Exactly(cs.Version))
	if err != nil {
		return err
	}
	cs.Version = res.Version
	return nil
}

// fork starts stream id from source at its current version.
func (h *Handler) fork(ctx context.Context, id domain.ContentStreamID, source *contentStream) (*contentStream, error) {
	if source.Removed {
		return nil, fmt.Errorf("%w: %s was removed", ErrContentStreamNotFound, source.ID)
	}
	res, err := h.events.Append(ctx, streamname.ForContentStream(id), []eventstore.NewEvent{{
		Event: domain.ContentStreamWasForked{ContentStreamID: id, SourceContentStreamID: source.ID, SourceVersion: source.Version},
	}}, eventstore.NoStream)
	if err != nil {
		return nil, err
	}
	return &contentStream{
		ID:            id,
		SourceID:      source.ID,
		SourceVersion: source.Version,
		Version:       res.Version,
		tree:          source.tree.clone(),
	}, nil
}

func (h *Handler) closeStream(ctx context.Context, cs *contentStream) error {
	if cs.Closed {
		return nil
	}
	res, err := h.events.Append(ctx, streamname.ForContentStream(cs.ID), []eventstore.NewEvent{
		{Event: domain.ContentStreamWasClosed{ContentStreamID: cs.ID}},
	}, eventstore.Exactly(cs.Version))
	if err != nil {
		return err
	}
	cs.Version = res.Version
	cs.Closed = true
	return nil
}

func (h *Handler) reopenStream(ctx context.Context, cs *contentStream) error {
	if !cs.Closed {
		return nil
	}
	res, err := h.events.Append(ctx, streamname.ForContentStream(cs.ID), []eventstore.NewEvent{
		{Event: domain.ContentStreamWasReopened{ContentStreamID: cs.ID}},
	}, eventstore.Exactly(cs.Version))
	if err != nil {
		return err
	}
	cs.Version = res.Version
	cs.Closed = false
	return nil
}

func (h *Handler) appendWorkspaceEvent(ctx context.Context, ix *workspaceIndex, name domain.WorkspaceName, ev domain.Event) error {
	res, err := h.events.Append(ctx, streamname.ForWorkspace(name), []eventstore.NewEvent{{Event: ev}}, ix.expected(name))
	if err != nil {
		return err
	}
	ix.versions[name] = res.Version
	return nil
}

func (h *Handler) idOr(id domain.ContentStreamID) domain.ContentStreamID {
	if id != "" {
		return id
	}
	return h.newID()
}

// unusedID resolves the id of a content stream about to be created and checks that no stream has it yet.
func (h *Handler) unusedID(ctx context.Context, id domain.ContentStreamID) (domain.ContentStreamID, error) {
	id = h.idOr(id)
	_, exists, err := h.events.StreamVersion(ctx, streamname.ForContentStream(id))
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("%w: %s", ErrContentStreamAlreadyExists, id)
	}
	return id, nil
}

// abandon undoes a half-done switch of a workspace to a new content stream: the replacement, if any, is closed
// and the previous stream accepts commands again.
func (h *Handler) abandon(ctx context.Context, err error, replacement, previous *contentStream) error {
	errs := []error{err}
	if replacement != nil {
		errs = append(errs, h.closeStream(ctx, replacement))
	}
	errs = append(errs, h.reopenStream(ctx, previous))
	return errors.Join(errs...)
}

// split separates commands touching one of nodes from the rest, keeping the relative order of both.
func split(cmds []pendingCommand, nodes []domain.NodeID) (selected, remainder []pendingCommand) {
	for _, p := range cmds {
		if slices.Contains(nodes, p.Command.Node()) {
			selected = append(selected, p)
		} else {
			remainder = append(remainder, p)
		}
	}
	return selected, remainder
}
