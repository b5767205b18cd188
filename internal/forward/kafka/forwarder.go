// Package kafka publishes every event of the log to a Kafka topic as a subscriber of the subscription engine.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"contentrepo/internal/domain"

	"github.com/twmb/franz-go/pkg/kgo"
)

type Config struct {
	Enabled  bool
	Brokers  []string
	Topic    string
	ClientID string
	// EventTypes limits forwarding to these types; empty forwards everything.
	EventTypes  []domain.EventType
	ProduceWait time.Duration
	Logger      *slog.Logger
}

func (c *Config) withDefaults() {
	if c.ProduceWait <= 0 {
		c.ProduceWait = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("forwarding.kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("forwarding.kafka.topic is required")
	}
	return nil
}

// Message is the record value.
type Message struct {
	SequenceNumber domain.SequenceNumber `json:"sequenceNumber"`
	Stream         string                `json:"stream"`
	Version        domain.Version        `json:"version"`
	EventType      domain.EventType      `json:"eventType"`
	RecordedAt     time.Time             `json:"recordedAt"`
	Payload        json.RawMessage       `json:"payload"`
	Metadata       domain.Metadata       `json:"metadata,omitempty"`
}

// Forwarder is a subscription handler. Records are keyed by stream name so each stream stays ordered
// within its partition.
type Forwarder struct {
	cfg     Config
	client  *kgo.Client
	types   map[domain.EventType]bool
	logger  *slog.Logger
	produce func(context.Context, *kgo.Record) error
	ping    func(context.Context) error
}

func New(cfg Config, opts ...kgo.Opt) (*Forwarder, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	kopts = append(kopts, opts...)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	f := newForwarder(cfg)
	f.client = cl
	f.produce = func(ctx context.Context, r *kgo.Record) error { return cl.ProduceSync(ctx, r).FirstErr() }
	f.ping = cl.Ping
	return f, nil
}

func newForwarder(cfg Config) *Forwarder {
	cfg.withDefaults()
	f := &Forwarder{cfg: cfg, logger: cfg.Logger.With("component", "kafka-forwarder")}
	if len(cfg.EventTypes) > 0 {
		f.types = make(map[domain.EventType]bool, len(cfg.EventTypes))
		for _, t := range cfg.EventTypes {
			f.types[t] = true
		}
	}
	return f
}

func (f *Forwarder) Close() {
	if f.client != nil {
		f.client.Close()
	}
}

func (f *Forwarder) Setup(ctx context.Context) error {
	if f.ping == nil {
		return nil
	}
	if err := f.ping(ctx); err != nil {
		return fmt.Errorf("kafka forwarder: %w", err)
	}
	return nil
}

// Apply produces env synchronously. A produce failure is reported to the engine, which stops the subscription
// at the previous event.
func (f *Forwarder) Apply(ctx context.Context, env domain.EventEnvelope) error {
	if f.types != nil && !f.types[env.Event.Type()] {
		return nil
	}
	rec, err := record(env)
	if err != nil {
		return err
	}
	rec.Topic = f.cfg.Topic
	pctx, cancel := context.WithTimeout(ctx, f.cfg.ProduceWait)
	defer cancel()
	if err := f.produce(pctx, rec); err != nil {
		return fmt.Errorf("forward event %d: %w", env.SequenceNumber, err)
	}
	return nil
}

// Reset is a no-op: consumers downstream deduplicate on the sequence_number header after a replay.
func (f *Forwarder) Reset(context.Context) error {
	f.logger.Info("subscription reset; events will be forwarded again from the start")
	return nil
}

func record(env domain.EventEnvelope) (*kgo.Record, error) {
	payload, err := domain.EncodeEvent(env.Event)
	if err != nil {
		return nil, err
	}
	value, err := json.Marshal(Message{
		SequenceNumber: env.SequenceNumber,
		Stream:         env.StreamName,
		Version:        env.Version,
		EventType:      env.Event.Type(),
		RecordedAt:     env.RecordedAt,
		Payload:        payload,
		Metadata:       env.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Key:   []byte(env.StreamName),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(env.Event.Type())},
			{Key: "sequence_number", Value: []byte(strconv.FormatInt(int64(env.SequenceNumber), 10))},
		},
	}, nil
}
