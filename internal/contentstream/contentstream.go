package contentstream

import (
	"context"
	"errors"
	"fmt"

	"contentrepo/internal/domain"
)

var (
	ErrAlreadyExists      = errors.New("content stream already exists")
	ErrNotFound           = errors.New("content stream not found")
	ErrClosed             = errors.New("content stream is closed")
	ErrRemoved            = errors.New("content stream is removed")
	ErrInvalidTransition  = errors.New("invalid content stream status transition")
	ErrNotRemovable       = errors.New("content stream is not removable")
	ErrInvariantViolation = errors.New("content stream invariant violated")
)

type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusForked           Status = "FORKED"
	StatusInUseByWorkspace Status = "IN_USE_BY_WORKSPACE"
	StatusNoLongerInUse    Status = "NO_LONGER_IN_USE"
)

var transitions = map[Status][]Status{
	StatusCreated:          {StatusInUseByWorkspace, StatusForked},
	StatusForked:           {StatusInUseByWorkspace, StatusNoLongerInUse},
	StatusInUseByWorkspace: {StatusNoLongerInUse},
}

func (s Status) canBecome(next Status) bool {
	if s == next {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ContentStream is the read model of one content stream.
type ContentStream struct {
	ID            domain.ContentStreamID
	SourceID      domain.ContentStreamID
	SourceVersion domain.Version
	Version       domain.Version
	Status        Status
	Closed        bool
	Removed       bool
	// Changes counts the node events applied to this stream itself (not inherited through a fork).
	Changes int
}

func (cs ContentStream) HasSource() bool { return cs.SourceID != "" }

// Abandoned streams were created or forked but never attached, and closed to further writes.
func (cs ContentStream) Abandoned() bool {
	return cs.Closed && (cs.Status == StatusCreated || cs.Status == StatusForked)
}

// Op is one validated change to a content stream. A failing Op leaves the stream untouched.
type Op func(*ContentStream) error

func CloseOp() Op {
	return func(cs *ContentStream) error {
		cs.Closed = true
		return nil
	}
}

func ReopenOp() Op {
	return func(cs *ContentStream) error {
		cs.Closed = false
		return nil
	}
}

// VersionOp advances the stream version. The new version must be exactly one above the current one.
func VersionOp(v domain.Version, markDirty bool) Op {
	return func(cs *ContentStream) error {
		if v != cs.Version+1 {
			return fmt.Errorf("%w: %s version %d cannot follow %d", ErrInvariantViolation, cs.ID, v, cs.Version)
		}
		cs.Version = v
		if markDirty {
			cs.Changes++
		}
		return nil
	}
}

func StatusOp(next Status) Op {
	return func(cs *ContentStream) error {
		if !cs.Status.canBecome(next) {
			return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, cs.ID, cs.Status, next)
		}
		cs.Status = next
		return nil
	}
}

type Repository interface {
	Get(ctx context.Context, id domain.ContentStreamID) (ContentStream, bool, error)
	Save(ctx context.Context, cs ContentStream) error
	List(ctx context.Context) ([]ContentStream, error)
	Reset(ctx context.Context) error
}

// Registry tracks the lifecycle of content streams.
type Registry struct {
	repo Repository
}

func NewRegistry(repo Repository) *Registry {
	if repo == nil {
		repo = NewMemoryRepository()
	}
	return &Registry{repo: repo}
}

func (r *Registry) Create(ctx context.Context, id domain.ContentStreamID) error {
	return r.create(ctx, ContentStream{ID: id, Status: StatusCreated})
}

// Fork registers id as a fork of source at sourceVersion.
func (r *Registry) Fork(ctx context.Context, id, source domain.ContentStreamID, sourceVersion domain.Version) error {
	src, ok, err := r.repo.Get(ctx, source)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: fork source %s", ErrNotFound, source)
	}
	if sourceVersion > src.Version {
		return fmt.Errorf("%w: fork of %s at version %d beyond head %d", ErrInvariantViolation, source, sourceVersion, src.Version)
	}
	return r.create(ctx, ContentStream{ID: id, SourceID: source, SourceVersion: sourceVersion, Status: StatusForked})
}

func (r *Registry) create(ctx context.Context, cs ContentStream) error {
	if cs.ID == "" {
		return domain.ErrEmptyIdentifier
	}
	_, exists, err := r.repo.Get(ctx, cs.ID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, cs.ID)
	}
	return r.repo.Save(ctx, cs)
}

func (r *Registry) Close(ctx context.Context, id domain.ContentStreamID) error {
	return r.Apply(ctx, id, CloseOp())
}

func (r *Registry) Reopen(ctx context.Context, id domain.ContentStreamID) error {
	return r.Apply(ctx, id, ReopenOp())
}

func (r *Registry) UpdateVersion(ctx context.Context, id domain.ContentStreamID, v domain.Version, markDirty bool) error {
	return r.Apply(ctx, id, VersionOp(v, markDirty))
}

func (r *Registry) MarkInUse(ctx context.Context, id domain.ContentStreamID) error {
	return r.Apply(ctx, id, StatusOp(StatusInUseByWorkspace))
}

func (r *Registry) MarkNoLongerInUse(ctx context.Context, id domain.ContentStreamID) error {
	return r.Apply(ctx, id, StatusOp(StatusNoLongerInUse))
}

// Remove tombstones a stream after applying ops. Its events stay in the log until the pruner deletes them.
func (r *Registry) Remove(ctx context.Context, id domain.ContentStreamID, ops ...Op) error {
	cs, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := op(&cs); err != nil {
			return err
		}
	}
	if cs.Status != StatusNoLongerInUse && !cs.Abandoned() {
		return fmt.Errorf("%w: %s has status %s", ErrNotRemovable, id, cs.Status)
	}
	all, err := r.repo.List(ctx)
	if err != nil {
		return err
	}
	if child, pinned := PinnedBy(id, all); pinned {
		return fmt.Errorf("%w: %s is the source of %s which is in use", ErrNotRemovable, id, child)
	}
	cs.Removed = true
	cs.Closed = true
	return r.repo.Save(ctx, cs)
}

// Apply runs ops against a copy of the stream and saves it only if all of them succeed.
func (r *Registry) Apply(ctx context.Context, id domain.ContentStreamID, ops ...Op) error {
	cs, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := op(&cs); err != nil {
			return err
		}
	}
	return r.repo.Save(ctx, cs)
}

func (r *Registry) Get(ctx context.Context, id domain.ContentStreamID) (ContentStream, bool, error) {
	return r.repo.Get(ctx, id)
}

func (r *Registry) List(ctx context.Context) ([]ContentStream, error) {
	return r.repo.List(ctx)
}

func (r *Registry) Reset(ctx context.Context) error {
	return r.repo.Reset(ctx)
}

func (r *Registry) load(ctx context.Context, id domain.ContentStreamID) (ContentStream, error) {
	cs, ok, err := r.repo.Get(ctx, id)
	if err != nil {
		return ContentStream{}, err
	}
	if !ok {
		return ContentStream{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cs.Removed {
		return ContentStream{}, fmt.Errorf("%w: %s", ErrRemoved, id)
	}
	return cs, nil
}

// PinnedBy reports a live stream attached to a workspace that descends from id through fork sources.
// Such a stream still replays id's events, so id must stay in the log.
func PinnedBy(id domain.ContentStreamID, all []ContentStream) (domain.ContentStreamID, bool) {
	children := map[domain.ContentStreamID][]ContentStream{}
	for _, cs := range all {
		if cs.HasSource() {
			children[cs.SourceID] = append(children[cs.SourceID], cs)
		}
	}
	seen := map[domain.ContentStreamID]bool{id: true}
	queue := []domain.ContentStreamID{id}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, child := range children[next] {
			if seen[child.ID] {
				continue
			}
			seen[child.ID] = true
			if !child.Removed && child.Status == StatusInUseByWorkspace {
				return child.ID, true
			}
			queue = append(queue, child.ID)
		}
	}
	return "", false
}
