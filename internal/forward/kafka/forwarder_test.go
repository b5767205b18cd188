package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"contentrepo/internal/domain"

	"github.com/twmb/franz-go/pkg/kgo"
)

func envelope(seq domain.SequenceNumber, ev domain.Event, stream string) domain.EventEnvelope {
	return domain.EventEnvelope{Event: ev, StreamName: stream, SequenceNumber: seq, Metadata: domain.Metadata{domain.MetadataCommandType: "CreateNode"}}
}

func TestApplyProducesKeyedRecord(t *testing.T) {
	f := newForwarder(Config{Topic: "content-events"})
	var got []*kgo.Record
	f.produce = func(_ context.Context, r *kgo.Record) error {
		got = append(got, r)
		return nil
	}
	ev := domain.NodeAggregateWasCreated{ContentStreamID: "cs-1", NodeID: "n1", NodeType: "Page"}
	if err := f.Apply(context.Background(), envelope(7, ev, "ContentStream:cs-1")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one record, got %d", len(got))
	}
	r := got[0]
	if r.Topic != "content-events" || string(r.Key) != "ContentStream:cs-1" {
		t.Fatalf("unexpected record routing: topic=%s key=%s", r.Topic, r.Key)
	}
	var msg Message
	if err := json.Unmarshal(r.Value, &msg); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if msg.SequenceNumber != 7 || msg.EventType != domain.EventNodeAggregateWasCreated || msg.Metadata.Get(domain.MetadataCommandType) != "CreateNode" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	decoded, err := domain.DecodeEvent(msg.EventType, msg.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.(domain.NodeAggregateWasCreated).NodeID != "n1" {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestApplyFiltersEventTypes(t *testing.T) {
	f := newForwarder(Config{Topic: "t", EventTypes: []domain.EventType{domain.EventWorkspaceWasPublished}})
	produced := 0
	f.produce = func(context.Context, *kgo.Record) error {
		produced++
		return nil
	}
	ctx := context.Background()
	_ = f.Apply(ctx, envelope(1, domain.ContentStreamWasCreated{ContentStreamID: "cs-1"}, "ContentStream:cs-1"))
	_ = f.Apply(ctx, envelope(2, domain.WorkspaceWasPublished{SourceWorkspaceName: "user", TargetWorkspaceName: "live"}, "Workspace:user"))
	if produced != 1 {
		t.Fatalf("expected only the publish to be forwarded, got %d", produced)
	}
}

func TestApplyReportsProduceFailure(t *testing.T) {
	f := newForwarder(Config{Topic: "t"})
	boom := errors.New("broker unavailable")
	f.produce = func(context.Context, *kgo.Record) error { return boom }
	err := f.Apply(context.Background(), envelope(3, domain.ContentStreamWasCreated{ContentStreamID: "cs-1"}, "ContentStream:cs-1"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected produce error, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Enabled: true, Brokers: []string{"b:9092"}}).Validate(); err == nil {
		t.Fatalf("expected topic to be required")
	}
	if err := (Config{}).Validate(); err != nil {
		t.Fatalf("disabled config must validate: %v", err)
	}
}
