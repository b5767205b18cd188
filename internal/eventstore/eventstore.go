package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"contentrepo/internal/domain"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrEmptyAppend         = errors.New("append requires at least one event")
)

// ConflictError is returned when the expected stream version does not match at append time.
// It is retryable by the caller; the store never retries on its own.
type ConflictError struct {
	Stream   string
	Expected ExpectedVersion
	Actual   domain.Version
	Exists   bool
}

func (e *ConflictError) Error() string {
	actual := "no stream"
	if e.Exists {
		actual = fmt.Sprintf("version %d", e.Actual)
	}
	return fmt.Sprintf("%s on %q: expected %s, found %s", ErrConcurrencyConflict, e.Stream, e.Expected, actual)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrencyConflict }

type expectation int

const (
	expectAny expectation = iota
	expectNoStream
	expectExact
)

type ExpectedVersion struct {
	kind    expectation
	version domain.Version
}

var (
	Any      = ExpectedVersion{kind: expectAny}
	NoStream = ExpectedVersion{kind: expectNoStream}
)

func Exactly(v domain.Version) ExpectedVersion {
	return ExpectedVersion{kind: expectExact, version: v}
}

// Matches reports whether a stream in the given state satisfies the expectation.
func (e ExpectedVersion) Matches(current domain.Version, exists bool) bool {
	switch e.kind {
	case expectNoStream:
		return !exists
	case expectExact:
		return exists && current == e.version
	default:
		return true
	}
}

func (e ExpectedVersion) String() string {
	switch e.kind {
	case expectNoStream:
		return "no stream"
	case expectExact:
		return fmt.Sprintf("version %d", e.version)
	default:
		return "any"
	}
}

type expectedVersionJSON struct {
	Kind    string         `json:"kind"`
	Version domain.Version `json:"version,omitempty"`
}

func (e ExpectedVersion) MarshalJSON() ([]byte, error) {
	kind := "any"
	switch e.kind {
	case expectNoStream:
		kind = "no_stream"
	case expectExact:
		kind = "exact"
	}
	return json.Marshal(expectedVersionJSON{Kind: kind, Version: e.version})
}

func (e *ExpectedVersion) UnmarshalJSON(b []byte) error {
	var in expectedVersionJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	switch in.Kind {
	case "any", "":
		*e = Any
	case "no_stream":
		*e = NoStream
	case "exact":
		*e = Exactly(in.Version)
	default:
		return fmt.Errorf("unknown expected version kind %q", in.Kind)
	}
	return nil
}

type NewEvent struct {
	Event    domain.Event
	Metadata domain.Metadata
}

type AppendResult struct {
	// Version of the last appended event in its stream.
	Version domain.Version
	// SequenceNumber of the last appended event in the global log.
	SequenceNumber domain.SequenceNumber
}

// Store is the append-only, globally ordered event log.
//
// Read sequences are lazy and forward-only: they must be consumed at most once.
type Store interface {
	Append(ctx context.Context, stream string, events []NewEvent, expected ExpectedVersion) (AppendResult, error)
	ReadAll(ctx context.Context, from domain.SequenceNumber) iter.Seq2[domain.EventEnvelope, error]
	ReadStream(ctx context.Context, stream string, from domain.Version) iter.Seq2[domain.EventEnvelope, error]
	StreamVersion(ctx context.Context, stream string) (domain.Version, bool, error)
	Head(ctx context.Context) (domain.SequenceNumber, error)
	DeleteStream(ctx context.Context, stream string) error
}

// Collect drains seq into a slice. Intended for bounded reads such as a single stream.
func Collect(seq iter.Seq2[domain.EventEnvelope, error]) ([]domain.EventEnvelope, error) {
	var out []domain.EventEnvelope
	for env, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, env)
	}
	return out, nil
}
