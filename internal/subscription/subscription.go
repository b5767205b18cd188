package subscription

import (
	"context"
	"errors"
	"slices"
	"time"

	"contentrepo/internal/domain"
)

var (
	ErrAlreadyExists = errors.New("subscription already exists")
	ErrNotFound      = errors.New("subscription not found")
)

type Status string

const (
	StatusNew      Status = "NEW"
	StatusBooting  Status = "BOOTING"
	StatusActive   Status = "ACTIVE"
	StatusError    Status = "ERROR"
	StatusDetached Status = "DETACHED"
)

// SubscriptionError is the failure that moved a subscription to ERROR.
type SubscriptionError struct {
	Message        string
	PreviousStatus Status
	Trace          string
}

type Subscription struct {
	ID          domain.SubscriptionID
	Group       string
	Status      Status
	Position    domain.SequenceNumber
	Error       *SubscriptionError
	LastSavedAt time.Time
}

// Criteria selects subscriptions. Empty fields match everything.
type Criteria struct {
	IDs      []domain.SubscriptionID
	Groups   []string
	Statuses []Status
}

func (c Criteria) Matches(s Subscription) bool {
	if len(c.IDs) > 0 && !slices.Contains(c.IDs, s.ID) {
		return false
	}
	if len(c.Groups) > 0 && !slices.Contains(c.Groups, s.Group) {
		return false
	}
	if len(c.Statuses) > 0 && !slices.Contains(c.Statuses, s.Status) {
		return false
	}
	return true
}

// withStatuses narrows c to the statuses allowed by a run.
func (c Criteria) withStatuses(allowed ...Status) Criteria {
	out := Criteria{IDs: c.IDs, Groups: c.Groups}
	if len(c.Statuses) == 0 {
		out.Statuses = allowed
		return out
	}
	for _, s := range c.Statuses {
		if slices.Contains(allowed, s) {
			out.Statuses = append(out.Statuses, s)
		}
	}
	if len(out.Statuses) == 0 {
		// nothing allowed; keep a status no subscription can have
		out.Statuses = []Status{""}
	}
	return out
}

// Store persists subscription checkpoints. All mutation during catch-up happens inside Transactional.
type Store interface {
	Setup(ctx context.Context) error
	FindByCriteria(ctx context.Context, c Criteria) ([]Subscription, error)
	Add(ctx context.Context, s Subscription) error
	Update(ctx context.Context, s Subscription) error
	Remove(ctx context.Context, id domain.SubscriptionID) error
	// Transactional runs fn in one transaction. fn must use the context it is given.
	Transactional(ctx context.Context, fn func(ctx context.Context) error) error
	CreateSavepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error
	RollbackSavepoint(ctx context.Context, name string) error
}

// Transactional runs fn inside store's transaction and returns its result.
func Transactional[T any](ctx context.Context, store Store, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := store.Transactional(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Handler is a projection or any other consumer of the event log.
type Handler interface {
	// Setup prepares storage. It is called on every engine setup and must be idempotent.
	Setup(ctx context.Context) error
	Apply(ctx context.Context, env domain.EventEnvelope) error
	// Reset drops all state so the handler can be replayed from the start.
	Reset(ctx context.Context) error
}

// CatchUpHook observes a subscriber's catch-up. Hook errors are recorded but never undo the handler's work.
type CatchUpHook interface {
	OnBeforeCatchUp(ctx context.Context, status Status) error
	OnBeforeEvent(ctx context.Context, env domain.EventEnvelope) error
	OnAfterEvent(ctx context.Context, env domain.EventEnvelope) error
	OnAfterCatchUp(ctx context.Context) error
}

type NopHook struct{}

func (NopHook) OnBeforeCatchUp(context.Context, Status) error              { return nil }
func (NopHook) OnBeforeEvent(context.Context, domain.EventEnvelope) error { return nil }
func (NopHook) OnAfterEvent(context.Context, domain.EventEnvelope) error  { return nil }
func (NopHook) OnAfterCatchUp(context.Context) error                      { return nil }

// Subscriber binds a handler to a subscription id.
type Subscriber struct {
	ID      domain.SubscriptionID
	Group   string
	Handler Handler
	Hook    CatchUpHook
}

func (s Subscriber) hook() CatchUpHook {
	if s.Hook == nil {
		return NopHook{}
	}
	return s.Hook
}
