package workspace

import (
	"context"
	"errors"
	"fmt"

	"contentrepo/internal/domain"
)

var (
	ErrAlreadyExists      = errors.New("workspace already exists")
	ErrNotFound           = errors.New("workspace not found")
	ErrInvalidTransition  = errors.New("invalid workspace transition")
	ErrInvariantViolation = errors.New("workspace invariant violated")
)

type Status string

const (
	StatusUpToDate Status = "UP_TO_DATE"
	StatusOutdated Status = "OUTDATED"
)

// Workspace is the read model of one workspace. A workspace without a base is a root workspace.
type Workspace struct {
	Name                      domain.WorkspaceName
	BaseName                  domain.WorkspaceName
	ContentStreamID           domain.ContentStreamID
	Status                    Status
	CountOfPublishableChanges int
}

// NewWorkspace checks the invariants that hold for every workspace value.
func NewWorkspace(name, base domain.WorkspaceName, cs domain.ContentStreamID, status Status, changes int) (Workspace, error) {
	if err := domain.ValidateWorkspaceName(name); err != nil {
		return Workspace{}, err
	}
	if cs == "" {
		return Workspace{}, fmt.Errorf("workspace %s: content stream: %w", name, domain.ErrEmptyIdentifier)
	}
	if changes < 0 {
		return Workspace{}, fmt.Errorf("%w: workspace %s has %d publishable changes", ErrInvariantViolation, name, changes)
	}
	if base == "" && changes != 0 {
		return Workspace{}, fmt.Errorf("%w: root workspace %s cannot have publishable changes", ErrInvariantViolation, name)
	}
	if base == name {
		return Workspace{}, fmt.Errorf("%w: workspace %s cannot be its own base", ErrInvariantViolation, name)
	}
	if status == "" {
		status = StatusUpToDate
	}
	return Workspace{Name: name, BaseName: base, ContentStreamID: cs, Status: status, CountOfPublishableChanges: changes}, nil
}

func (w Workspace) IsRoot() bool { return w.BaseName == "" }

type Repository interface {
	Get(ctx context.Context, name domain.WorkspaceName) (Workspace, bool, error)
	Save(ctx context.Context, w Workspace) error
	Delete(ctx context.Context, name domain.WorkspaceName) error
	List(ctx context.Context) ([]Workspace, error)
	Reset(ctx context.Context) error
}

type Registry struct {
	repo Repository
}

func NewRegistry(repo Repository) *Registry {
	if repo == nil {
		repo = NewMemoryRepository()
	}
	return &Registry{repo: repo}
}

// Create registers a workspace. An empty base creates a root workspace.
func (r *Registry) Create(ctx context.Context, name, base domain.WorkspaceName, cs domain.ContentStreamID) error {
	w, err := NewWorkspace(name, base, cs, StatusUpToDate, 0)
	if err != nil {
		return err
	}
	if _, exists, err := r.repo.Get(ctx, name); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	if base != "" {
		if _, err := r.load(ctx, base); err != nil {
			return fmt.Errorf("base of %s: %w", name, err)
		}
	}
	return r.repo.Save(ctx, w)
}

func (r *Registry) Remove(ctx context.Context, name domain.WorkspaceName) error {
	if _, err := r.load(ctx, name); err != nil {
		return err
	}
	return r.repo.Delete(ctx, name)
}

// UpdateBaseWorkspace moves a derived workspace onto newBase. Root workspaces never acquire a base.
func (r *Registry) UpdateBaseWorkspace(ctx context.Context, name, newBase domain.WorkspaceName, cs domain.ContentStreamID) error {
	w, err := r.load(ctx, name)
	if err != nil {
		return err
	}
	if w.IsRoot() {
		return fmt.Errorf("%w: root workspace %s cannot get base %s", ErrInvalidTransition, name, newBase)
	}
	if newBase == "" {
		return fmt.Errorf("%w: workspace %s cannot become a root workspace", ErrInvalidTransition, name)
	}
	all, err := r.repo.List(ctx)
	if err != nil {
		return err
	}
	if dependsOn(newBase, name, all) {
		return fmt.Errorf("%w: %s is based on %s", ErrInvalidTransition, newBase, name)
	}
	if _, err := r.load(ctx, newBase); err != nil {
		return fmt.Errorf("new base of %s: %w", name, err)
	}
	next, err := NewWorkspace(name, newBase, cs, StatusUpToDate, 0)
	if err != nil {
		return err
	}
	return r.repo.Save(ctx, next)
}

// UpdateContentStreamID repoints a workspace. The previous stream is left for the pruner.
func (r *Registry) UpdateContentStreamID(ctx context.Context, name domain.WorkspaceName, cs domain.ContentStreamID) error {
	return r.update(ctx, name, func(w *Workspace) { w.ContentStreamID = cs })
}

// SetPublishableChanges stores the change count. Root workspaces always keep zero.
func (r *Registry) SetPublishableChanges(ctx context.Context, name domain.WorkspaceName, n int) error {
	return r.update(ctx, name, func(w *Workspace) {
		if !w.IsRoot() {
			w.CountOfPublishableChanges = n
		}
	})
}

func (r *Registry) IncrementPublishableChanges(ctx context.Context, name domain.WorkspaceName) error {
	return r.update(ctx, name, func(w *Workspace) {
		if !w.IsRoot() {
			w.CountOfPublishableChanges++
		}
	})
}

func (r *Registry) MarkUpToDate(ctx context.Context, name domain.WorkspaceName) error {
	return r.update(ctx, name, func(w *Workspace) { w.Status = StatusUpToDate })
}

// MarkDependentsOutdated flags every workspace based on base, except those listed in skip.
func (r *Registry) MarkDependentsOutdated(ctx context.Context, base domain.WorkspaceName, skip ...domain.WorkspaceName) error {
	deps, err := r.Dependents(ctx, base)
	if err != nil {
		return err
	}
next:
	for _, w := range deps {
		for _, s := range skip {
			if w.Name == s {
				continue next
			}
		}
		w.Status = StatusOutdated
		if err := r.repo.Save(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Dependents(ctx context.Context, base domain.WorkspaceName) ([]Workspace, error) {
	all, err := r.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Workspace
	for _, w := range all {
		if w.BaseName == base {
			out = append(out, w)
		}
	}
	return out, nil
}

func (r *Registry) FindByContentStream(ctx context.Context, cs domain.ContentStreamID) ([]Workspace, error) {
	all, err := r.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Workspace
	for _, w := range all {
		if w.ContentStreamID == cs {
			out = append(out, w)
		}
	}
	return out, nil
}

func (r *Registry) Get(ctx context.Context, name domain.WorkspaceName) (Workspace, bool, error) {
	return r.repo.Get(ctx, name)
}

func (r *Registry) List(ctx context.Context) ([]Workspace, error) { return r.repo.List(ctx) }

func (r *Registry) Reset(ctx context.Context) error { return r.repo.Reset(ctx) }

func (r *Registry) update(ctx context.Context, name domain.WorkspaceName, fn func(*Workspace)) error {
	w, err := r.load(ctx, name)
	if err != nil {
		return err
	}
	fn(&w)
	next, err := NewWorkspace(w.Name, w.BaseName, w.ContentStreamID, w.Status, w.CountOfPublishableChanges)
	if err != nil {
		return err
	}
	return r.repo.Save(ctx, next)
}

func (r *Registry) load(ctx context.Context, name domain.WorkspaceName) (Workspace, error) {
	w, ok, err := r.repo.Get(ctx, name)
	if err != nil {
		return Workspace{}, err
	}
	if !ok {
		return Workspace{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return w, nil
}

// dependsOn reports whether name reaches ancestor by following base links.
func dependsOn(name, ancestor domain.WorkspaceName, all []Workspace) bool {
	bases := make(map[domain.WorkspaceName]domain.WorkspaceName, len(all))
	for _, w := range all {
		bases[w.Name] = w.BaseName
	}
	for hops := 0; name != "" && hops <= len(all); hops++ {
		if name == ancestor {
			return true
		}
		name = bases[name]
	}
	return false
}
