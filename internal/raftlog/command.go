package raftlog

import (
	"encoding/json"
	"fmt"

	"contentrepo/internal/domain"
	"contentrepo/internal/eventstore"
)

type opKind string

const (
	opAppend       opKind = "append"
	opDeleteStream opKind = "delete_stream"
)

type proposedEvent struct {
	Type     domain.EventType `json:"type"`
	Payload  json.RawMessage  `json:"payload"`
	Metadata domain.Metadata  `json:"metadata,omitempty"`
}

// proposal is one replicated write. Every node applies it to its local store in log order, so each replica
// reaches the same versions, sequence numbers and conflict outcomes.
type proposal struct {
	RequestID string                     `json:"request_id"`
	Origin    uint64                     `json:"origin"`
	Op        opKind                     `json:"op"`
	Stream    string                     `json:"stream"`
	Expected  eventstore.ExpectedVersion `json:"expected"`
	Events    []proposedEvent            `json:"events,omitempty"`
}

func encodeEvents(events []eventstore.NewEvent) ([]proposedEvent, error) {
	out := make([]proposedEvent, len(events))
	for i, e := range events {
		payload, err := domain.EncodeEvent(e.Event)
		if err != nil {
			return nil, err
		}
		out[i] = proposedEvent{Type: e.Event.Type(), Payload: payload, Metadata: e.Metadata}
	}
	return out, nil
}

func (p proposal) decodeEvents() ([]eventstore.NewEvent, error) {
	out := make([]eventstore.NewEvent, len(p.Events))
	for i, e := range p.Events {
		ev, err := domain.DecodeEvent(e.Type, e.Payload)
		if err != nil {
			return nil, fmt.Errorf("proposal %s: %w", p.RequestID, err)
		}
		out[i] = eventstore.NewEvent{Event: ev, Metadata: e.Metadata}
	}
	return out, nil
}
