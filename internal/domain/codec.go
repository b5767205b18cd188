package domain

import (
	"encoding/json"
	"fmt"
)

type decodeFunc func([]byte) (Event, error)

var decoders = map[EventType]decodeFunc{}

func register[T Event](t EventType) {
	decoders[t] = func(payload []byte) (Event, error) {
		var e T
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	}
}

func init() {
	register[ContentStreamWasCreated](EventContentStreamWasCreated)
	register[ContentStreamWasForked](EventContentStreamWasForked)
	register[ContentStreamWasClosed](EventContentStreamWasClosed)
	register[ContentStreamWasReopened](EventContentStreamWasReopened)
	register[ContentStreamWasRemoved](EventContentStreamWasRemoved)
	register[RootWorkspaceWasCreated](EventRootWorkspaceWasCreated)
	register[WorkspaceWasCreated](EventWorkspaceWasCreated)
	register[WorkspaceWasRebased](EventWorkspaceWasRebased)
	register[WorkspaceRebaseFailed](EventWorkspaceRebaseFailed)
	register[WorkspaceWasPublished](EventWorkspaceWasPublished)
	register[WorkspaceWasPartiallyPublished](EventWorkspaceWasPartiallyPublished)
	register[WorkspaceWasDiscarded](EventWorkspaceWasDiscarded)
	register[WorkspaceWasPartiallyDiscarded](EventWorkspaceWasPartiallyDiscarded)
	register[WorkspaceBaseWorkspaceWasChanged](EventWorkspaceBaseWorkspaceWasChanged)
	register[WorkspaceWasRemoved](EventWorkspaceWasRemoved)
	register[NodeAggregateWasCreated](EventNodeAggregateWasCreated)
	register[NodePropertiesWereSet](EventNodePropertiesWereSet)
	register[NodeAggregateWasMoved](EventNodeAggregateWasMoved)
	register[NodeAggregateWasRemoved](EventNodeAggregateWasRemoved)
}

func EncodeEvent(e Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("encode event: nil event")
	}
	return json.Marshal(e)
}

// DecodeEvent turns a stored payload back into its typed event.
func DecodeEvent(t EventType, payload []byte) (Event, error) {
	dec, ok := decoders[t]
	if !ok {
		return nil, fmt.Errorf("decode event: unknown event type %q", t)
	}
	e, err := dec(payload)
	if err != nil {
		return nil, fmt.Errorf("decode event %s: %w", t, err)
	}
	return e, nil
}

func EncodeMetadata(m Metadata) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeMetadata(raw string) (Metadata, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var m Metadata
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}
