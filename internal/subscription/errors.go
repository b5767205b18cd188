package subscription

import (
	"errors"
	"fmt"
	"strings"

	"contentrepo/internal/domain"
)

// ErrAlreadyProcessing is returned when a run overlaps with subscriptions claimed by a run in flight.
var ErrAlreadyProcessing = errors.New("subscription engine is already processing")

const DefaultSummaryLimit = 5

// Error is one failure recorded during a run.
type Error struct {
	SubscriptionID domain.SubscriptionID
	SequenceNumber domain.SequenceNumber
	EventType      domain.EventType
	// Hook is the hook that failed, empty for handler failures.
	Hook string
	Err  error
}

func (e Error) Message() string {
	var b strings.Builder
	fmt.Fprintf(&b, "subscriber %q", e.SubscriptionID)
	if e.Hook != "" {
		fmt.Fprintf(&b, " hook %s", e.Hook)
	}
	if e.SequenceNumber > 0 {
		fmt.Fprintf(&b, " at event %d (%s)", e.SequenceNumber, e.EventType)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

// Errors keeps the failures of one run in the order they happened.
type Errors struct {
	items []Error
}

func (e *Errors) Add(err Error) { e.items = append(e.items, err) }

func (e *Errors) Len() int {
	if e == nil {
		return 0
	}
	return len(e.items)
}

func (e *Errors) Items() []Error {
	if e == nil {
		return nil
	}
	return append([]Error(nil), e.items...)
}

// Summary lists the first limit failures and counts the rest.
func (e *Errors) Summary(limit int) string {
	if e.Len() == 0 {
		return ""
	}
	if limit <= 0 {
		limit = DefaultSummaryLimit
	}
	lines := make([]string, 0, limit+1)
	for i, item := range e.items {
		if i == limit {
			break
		}
		lines = append(lines, item.Message())
	}
	if rest := len(e.items) - limit; rest > 0 {
		noun := "exceptions"
		if rest == 1 {
			noun = "exception"
		}
		lines = append(lines, fmt.Sprintf("And %d other %s, see log.", rest, noun))
	}
	return strings.Join(lines, "\n")
}

// CatchUpHadErrors reports subscriber failures. The run itself completed and committed.
type CatchUpHadErrors struct {
	Errors *Errors
	limit  int
}

func (e *CatchUpHadErrors) Error() string {
	return "catch-up had errors:\n" + e.Errors.Summary(e.limit)
}

func (e *CatchUpHadErrors) Unwrap() []error {
	items := e.Errors.Items()
	out := make([]error, 0, len(items))
	for _, item := range items {
		out = append(out, item.Err)
	}
	return out
}

// FailedSubscriptions lists each subscription that recorded a failure, once, in order.
func (e *CatchUpHadErrors) FailedSubscriptions() []domain.SubscriptionID {
	var out []domain.SubscriptionID
	seen := map[domain.SubscriptionID]bool{}
	for _, item := range e.Errors.Items() {
		if !seen[item.SubscriptionID] {
			seen[item.SubscriptionID] = true
			out = append(out, item.SubscriptionID)
		}
	}
	return out
}

// CatchUpFailed means the run was aborted and its transaction rolled back.
type CatchUpFailed struct {
	Err error
}

func (e *CatchUpFailed) Error() string { return "catch-up failed: " + e.Err.Error() }
func (e *CatchUpFailed) Unwrap() error { return e.Err }

// SetupHadErrors reports subscribers whose Setup failed.
type SetupHadErrors struct {
	Errors *Errors
}

func (e *SetupHadErrors) Error() string {
	return "setup had errors:\n" + e.Errors.Summary(DefaultSummaryLimit)
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks a handler error as unrecoverable. A fatal handler error aborts the run with CatchUpFailed.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}
