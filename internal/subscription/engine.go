package subscription

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"

	"contentrepo/internal/domain"
)

// EventReader is the part of the event store the engine consumes.
type EventReader interface {
	ReadAll(ctx context.Context, from domain.SequenceNumber) iter.Seq2[domain.EventEnvelope, error]
}

// Claimer is implemented by stores that can lock subscriptions across processes.
// Claim runs inside the run's transaction and returns ErrAlreadyProcessing when another process holds one of ids.
type Claimer interface {
	Claim(ctx context.Context, ids []domain.SubscriptionID) error
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithSummaryLimit sets how many failures CatchUpHadErrors lists before summarizing the rest.
func WithSummaryLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.summaryLimit = n
		}
	}
}

// Engine catches subscribers up with the event log, one global sequence number at a time.
type Engine struct {
	events       EventReader
	store        Store
	subscribers  []Subscriber
	byID         map[domain.SubscriptionID]Subscriber
	logger       *slog.Logger
	summaryLimit int

	mu         sync.Mutex
	processing map[domain.SubscriptionID]struct{}
}

func NewEngine(events EventReader, store Store, subscribers []Subscriber, opts ...Option) (*Engine, error) {
	if events == nil || store == nil {
		return nil, errors.New("subscription engine: event reader and store are required")
	}
	e := &Engine{
		events:       events,
		store:        store,
		byID:         make(map[domain.SubscriptionID]Subscriber, len(subscribers)),
		logger:       slog.Default(),
		summaryLimit: DefaultSummaryLimit,
		processing:   map[domain.SubscriptionID]struct{}{},
	}
	for _, s := range subscribers {
		if s.ID == "" {
			return nil, fmt.Errorf("subscriber: %w", domain.ErrEmptyIdentifier)
		}
		if s.Handler == nil {
			return nil, fmt.Errorf("subscriber %s: handler is required", s.ID)
		}
		if _, dup := e.byID[s.ID]; dup {
			return nil, fmt.Errorf("subscriber %s: %w", s.ID, ErrAlreadyExists)
		}
		e.byID[s.ID] = s
		e.subscribers = append(e.subscribers, s)
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "subscription-engine")
	return e, nil
}

// Setup registers new subscribers, prepares their handlers and detaches subscriptions nobody handles anymore.
func (e *Engine) Setup(ctx context.Context, c Criteria) error {
	if err := e.store.Setup(ctx); err != nil {
		return fmt.Errorf("setup subscription store: %w", err)
	}
	errs := &Errors{}
	err := e.store.Transactional(ctx, func(ctx context.Context) error {
		existing, err := e.store.FindByCriteria(ctx, Criteria{IDs: c.IDs, Groups: c.Groups})
		if err != nil {
			return err
		}
		known := make(map[domain.SubscriptionID]Subscription, len(existing))
		for _, s := range existing {
			known[s.ID] = s
			if _, ok := e.byID[s.ID]; ok || s.Status == StatusDetached {
				continue
			}
			e.logger.Warn("detaching subscription without subscriber", "subscription", s.ID, "status", s.Status)
			s.Status = StatusDetached
			if err := e.store.Update(ctx, s); err != nil {
				return err
			}
		}
		for _, sub := range e.subscribers {
			if !c.Matches(Subscription{ID: sub.ID, Group: sub.Group, Status: known[sub.ID].Status}) {
				continue
			}
			s, ok := known[sub.ID]
			if !ok {
				s = Subscription{ID: sub.ID, Group: sub.Group, Status: StatusNew}
				if err := e.store.Add(ctx, s); err != nil {
					return err
				}
			}
			if err := e.setupOne(ctx, sub, s, errs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if errs.Len() > 0 {
		return &SetupHadErrors{Errors: errs}
	}
	return nil
}

func (e *Engine) setupOne(ctx context.Context, sub Subscriber, s Subscription, errs *Errors) error {
	sp := savepointName("setup", sub.ID)
	if err := e.store.CreateSavepoint(ctx, sp); err != nil {
		return err
	}
	if err := sub.Handler.Setup(ctx); err != nil {
		if rbErr := e.rollback(ctx, sp); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		e.logger.Error("subscriber setup failed", "subscription", sub.ID, "error", err)
		errs.Add(Error{SubscriptionID: sub.ID, Hook: "Setup", Err: err})
		s.Error = &SubscriptionError{Message: err.Error(), PreviousStatus: s.Status, Trace: "setup"}
		s.Status = StatusError
		return e.store.Update(ctx, s)
	}
	if err := e.store.ReleaseSavepoint(ctx, sp); err != nil {
		return err
	}
	switch s.Status {
	case StatusNew, StatusDetached:
		s.Status = StatusBooting
		return e.store.Update(ctx, s)
	}
	return nil
}

// Boot catches up subscriptions that are still BOOTING.
func (e *Engine) Boot(ctx context.Context, c Criteria) error {
	return e.catchUp(ctx, c, StatusBooting)
}

// Run catches up ACTIVE and BOOTING subscriptions. Subscriptions in ERROR are skipped until Reset.
func (e *Engine) Run(ctx context.Context, c Criteria) error {
	return e.catchUp(ctx, c, StatusActive, StatusBooting)
}

// Reset empties the matching handlers and rewinds their subscriptions to the start of the log.
func (e *Engine) Reset(ctx context.Context, c Criteria) error {
	found, err := e.store.FindByCriteria(ctx, c.withStatuses(StatusNew, StatusBooting, StatusActive, StatusError))
	if err != nil {
		return err
	}
	ids := e.registered(found)
	if len(ids) == 0 {
		return nil
	}
	if err := e.claim(ids); err != nil {
		return err
	}
	defer e.release(ids)

	return e.store.Transactional(ctx, func(ctx context.Context) error {
		if err := e.claimInStore(ctx, ids); err != nil {
			return err
		}
		subs, err := e.store.FindByCriteria(ctx, Criteria{IDs: ids})
		if err != nil {
			return err
		}
		for _, s := range subs {
			sub := e.byID[s.ID]
			if err := sub.Handler.Reset(ctx); err != nil {
				return fmt.Errorf("reset subscriber %s: %w", s.ID, err)
			}
			s.Position = 0
			s.Status = StatusBooting
			s.Error = nil
			if err := e.store.Update(ctx, s); err != nil {
				return err
			}
			e.logger.Info("subscription reset", "subscription", s.ID)
		}
		return nil
	})
}

// Detach stops the matching subscriptions from taking part in catch-up. Setup re-attaches registered ones.
func (e *Engine) Detach(ctx context.Context, c Criteria) error {
	return e.store.Transactional(ctx, func(ctx context.Context) error {
		subs, err := e.store.FindByCriteria(ctx, c.withStatuses(StatusActive, StatusError, StatusBooting))
		if err != nil {
			return err
		}
		for _, s := range subs {
			s.Status = StatusDetached
			if err := e.store.Update(ctx, s); err != nil {
				return err
			}
		}
		return nil
	})
}

// Status reports stored subscriptions plus registered subscribers that have not been set up yet.
func (e *Engine) Status(ctx context.Context, c Criteria) ([]Subscription, error) {
	stored, err := e.store.FindByCriteria(ctx, Criteria{IDs: c.IDs, Groups: c.Groups})
	if err != nil {
		return nil, err
	}
	seen := make(map[domain.SubscriptionID]bool, len(stored))
	var out []Subscription
	for _, s := range stored {
		seen[s.ID] = true
		if c.Matches(s) {
			out = append(out, s)
		}
	}
	for _, sub := range e.subscribers {
		s := Subscription{ID: sub.ID, Group: sub.Group, Status: StatusNew}
		if !seen[sub.ID] && c.Matches(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (e *Engine) catchUp(ctx context.Context, c Criteria, allowed ...Status) error {
	c = c.withStatuses(allowed...)
	found, err := e.store.FindByCriteria(ctx, c)
	if err != nil {
		return &CatchUpFailed{Err: err}
	}
	ids := e.registered(found)
	if len(ids) == 0 {
		return nil
	}
	if err := e.claim(ids); err != nil {
		return err
	}
	defer e.release(ids)

	run := &catchUpRun{engine: e, errs: &Errors{}}
	err = e.store.Transactional(ctx, func(ctx context.Context) error {
		if err := e.claimInStore(ctx, ids); err != nil {
			return err
		}
		return run.execute(ctx, Criteria{IDs: ids, Statuses: c.Statuses})
	})
	if errors.Is(err, ErrAlreadyProcessing) {
		return err
	}
	if err != nil {
		e.logger.Error("catch-up failed, transaction rolled back", "error", err)
		return &CatchUpFailed{Err: err}
	}
	e.logger.Info("catch-up finished", "subscriptions", len(ids), "events", run.events, "errors", run.errs.Len())
	if run.errs.Len() > 0 {
		for _, item := range run.errs.Items() {
			e.logger.Error("catch-up error",
				"subscription", item.SubscriptionID,
				"sequence_number", item.SequenceNumber,
				"event_type", item.EventType,
				"hook", item.Hook,
				"error", item.Err)
		}
		return &CatchUpHadErrors{Errors: run.errs, limit: e.summaryLimit}
	}
	return nil
}

// registered keeps the ids of found subscriptions that have a subscriber, in registration order.
func (e *Engine) registered(found []Subscription) []domain.SubscriptionID {
	var ids []domain.SubscriptionID
	for _, sub := range e.subscribers {
		if slices.ContainsFunc(found, func(s Subscription) bool { return s.ID == sub.ID }) {
			ids = append(ids, sub.ID)
		}
	}
	return ids
}

func (e *Engine) claim(ids []domain.SubscriptionID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if _, busy := e.processing[id]; busy {
			return fmt.Errorf("%w: subscription %s", ErrAlreadyProcessing, id)
		}
	}
	for _, id := range ids {
		e.processing[id] = struct{}{}
	}
	return nil
}

func (e *Engine) release(ids []domain.SubscriptionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		delete(e.processing, id)
	}
}

func (e *Engine) claimInStore(ctx context.Context, ids []domain.SubscriptionID) error {
	if c, ok := e.store.(Claimer); ok {
		return c.Claim(ctx, ids)
	}
	return nil
}

func (e *Engine) rollback(ctx context.Context, sp string) error {
	if err := e.store.RollbackSavepoint(ctx, sp); err != nil {
		return err
	}
	return e.store.ReleaseSavepoint(ctx, sp)
}

func savepointName(kind string, id domain.SubscriptionID) string {
	return kind + "_" + string(id)
}

type runner struct {
	sub        Subscriber
	state      Subscription
	changed    bool
	progressed bool
}

type catchUpRun struct {
	engine *Engine
	errs   *Errors
	events int
}

func (r *catchUpRun) execute(ctx context.Context, c Criteria) error {
	e := r.engine
	subs, err := e.store.FindByCriteria(ctx, c)
	if err != nil {
		return err
	}
	var runners []*runner
	for _, sub := range e.subscribers {
		i := slices.IndexFunc(subs, func(s Subscription) bool { return s.ID == sub.ID })
		if i >= 0 {
			runners = append(runners, &runner{sub: sub, state: subs[i]})
		}
	}
	if len(runners) == 0 {
		return nil
	}

	from := runners[0].state.Position
	for _, rn := range runners[1:] {
		from = min(from, rn.state.Position)
	}
	for _, rn := range runners {
		status := rn.state.Status
		if err := r.hook(ctx, rn, "OnBeforeCatchUp", domain.EventEnvelope{}, func(ctx context.Context) error {
			return rn.sub.hook().OnBeforeCatchUp(ctx, status)
		}); err != nil {
			return err
		}
	}

	for env, err := range e.events.ReadAll(ctx, from+1) {
		if err != nil {
			return fmt.Errorf("read events after %d: %w", from, err)
		}
		r.events++
		live := 0
		for _, rn := range runners {
			if rn.state.Status == StatusError {
				continue
			}
			live++
			if rn.state.Position >= env.SequenceNumber {
				continue
			}
			if err := r.apply(ctx, rn, env); err != nil {
				return err
			}
		}
		if live == 0 {
			break
		}
	}

	for _, rn := range runners {
		if rn.progressed {
			if err := r.hook(ctx, rn, "OnAfterCatchUp", domain.EventEnvelope{}, rn.sub.hook().OnAfterCatchUp); err != nil {
				return err
			}
		}
		if rn.state.Status == StatusBooting {
			rn.state.Status = StatusActive
			rn.changed = true
		}
		if !rn.changed {
			continue
		}
		if err := r.save(ctx, rn); err != nil {
			return err
		}
	}
	return nil
}

// apply hands one event to one subscriber inside a savepoint. A non-fatal handler error rolls the savepoint back,
// moves the subscription to ERROR and lets the run continue.
func (r *catchUpRun) apply(ctx context.Context, rn *runner, env domain.EventEnvelope) error {
	e := r.engine
	if err := r.hook(ctx, rn, "OnBeforeEvent", env, func(ctx context.Context) error {
		return rn.sub.hook().OnBeforeEvent(ctx, env)
	}); err != nil {
		return err
	}

	sp := savepointName("apply", rn.sub.ID)
	if err := e.store.CreateSavepoint(ctx, sp); err != nil {
		return err
	}
	if err := rn.sub.Handler.Apply(ctx, env); err != nil {
		if rbErr := e.rollback(ctx, sp); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		if IsFatal(err) {
			return fmt.Errorf("subscriber %s at event %d (%s): %w", rn.sub.ID, env.SequenceNumber, env.Event.Type(), err)
		}
		r.errs.Add(Error{SubscriptionID: rn.sub.ID, SequenceNumber: env.SequenceNumber, EventType: env.Event.Type(), Err: err})
		rn.state.Error = &SubscriptionError{
			Message:        err.Error(),
			PreviousStatus: rn.state.Status,
			Trace:          fmt.Sprintf("event %d (%s) in stream %s", env.SequenceNumber, env.Event.Type(), env.StreamName),
		}
		rn.state.Status = StatusError
		rn.changed = true
		return r.save(ctx, rn)
	}
	if err := e.store.ReleaseSavepoint(ctx, sp); err != nil {
		return err
	}
	rn.state.Position = env.SequenceNumber
	rn.changed = true
	rn.progressed = true
	if err := r.save(ctx, rn); err != nil {
		return err
	}

	return r.hook(ctx, rn, "OnAfterEvent", env, func(ctx context.Context) error {
		return rn.sub.hook().OnAfterEvent(ctx, env)
	})
}

// save persists the checkpoint right after the event's effects, inside the run's transaction.
// Stores without transactions keep every event that was applied before a later failure.
func (r *catchUpRun) save(ctx context.Context, rn *runner) error {
	if err := r.engine.store.Update(ctx, rn.state); err != nil {
		return fmt.Errorf("save subscription %s: %w", rn.sub.ID, err)
	}
	rn.changed = false
	return nil
}

// hook runs fn in its own savepoint. A failing hook is recorded; only store errors are returned.
func (r *catchUpRun) hook(ctx context.Context, rn *runner, name string, env domain.EventEnvelope, fn func(context.Context) error) error {
	e := r.engine
	sp := savepointName("hook", rn.sub.ID)
	if err := e.store.CreateSavepoint(ctx, sp); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		if rbErr := e.rollback(ctx, sp); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		item := Error{SubscriptionID: rn.sub.ID, SequenceNumber: env.SequenceNumber, Hook: name, Err: err}
		if env.Event != nil {
			item.EventType = env.Event.Type()
		}
		r.errs.Add(item)
		return nil
	}
	return e.store.ReleaseSavepoint(ctx, sp)
}
