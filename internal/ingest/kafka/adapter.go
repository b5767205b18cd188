// Package kafka feeds commands from Kafka topics into the command handler.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"contentrepo/internal/command"
	"contentrepo/internal/eventstore"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

const (
	CommitModeAfterHandled = "after_handled"
	ParseModeJSON          = "json_envelope"
	ParseModeCustom        = "custom_mapper"
)

type Dispatcher interface {
	Handle(context.Context, command.Command) error
}

type Mapper interface {
	MapKafkaRecord(*kgo.Record) (command.Command, error)
}

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	CommitMode     string
	ParseMode      string
	// ConflictRetries is how often a command is re-validated after a concurrent append before it is given up.
	ConflictRetries int
	Auth            AuthConfig
	Fetch           FetchConfig

	CustomMapper Mapper
	Logger       *slog.Logger
}

type AuthConfig struct {
	SASL SASLConfig
	TLS  TLSConfig
}

type SASLConfig struct {
	Enabled   bool
	Mechanism string
	Username  string
	Password  string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

// jsonEnvelope is the record value in ParseModeJSON.
//
//	{"command_type":"CreateNode","payload":{"workspaceName":"user","nodeAggregateId":"n1","nodeTypeName":"Page"}}
type jsonEnvelope struct {
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload"`
}

type Adapter struct {
	cfg Config

	client  *kgo.Client
	records chan *kgo.Record
	acks    chan recordAck
	closed  atomic.Bool
	logger  *slog.Logger

	pauseMux sync.Mutex
	paused   bool

	dispatcher   Dispatcher
	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record *kgo.Record
	err    error
}

func NewAdapter(cfg Config, dispatcher Dispatcher, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dispatcher == nil {
		return nil, errors.New("kafka: dispatcher is required")
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	kopts = append(kopts, cfg.Auth.clientOpts()...)
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := &Adapter{
		cfg:        cfg,
		client:     cl,
		dispatcher: dispatcher,
		logger:     cfg.Logger.With("component", "kafka-ingest"),
		records:    make(chan *kgo.Record, cfg.QueueCapacity),
		acks:       make(chan recordAck, cfg.QueueCapacity),
	}
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 1
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.CommitMode == "" {
		c.CommitMode = CommitModeAfterHandled
	}
	if c.ParseMode == "" {
		c.ParseMode = ParseModeJSON
	}
	if c.ConflictRetries <= 0 {
		c.ConflictRetries = 3
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
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
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	if c.CommitMode != CommitModeAfterHandled {
		return fmt.Errorf("unsupported commit mode %q", c.CommitMode)
	}
	if c.Auth.SASL.Enabled && !strings.EqualFold(c.Auth.SASL.Mechanism, "PLAIN") {
		return fmt.Errorf("unsupported sasl mechanism %q", c.Auth.SASL.Mechanism)
	}
	return nil
}

func (a AuthConfig) clientOpts() []kgo.Opt {
	var opts []kgo.Opt
	if a.TLS.Enabled {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: a.TLS.InsecureSkipVerify}))
	}
	if a.SASL.Enabled {
		opts = append(opts, kgo.SASL(plain.Auth{User: a.SASL.Username, Pass: a.SASL.Password}.AsMechanism()))
	}
	return opts
}

// Start consumes until ctx is done. Offsets are committed only once a record's command was handled or rejected.
func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.handleAcks(ctx)
	}()

	for i := 0; i < a.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runWorker(ctx)
		}()
	}

	for {
		if ctx.Err() != nil || a.closed.Load() {
			close(a.records)
			wg.Wait()
			return ctx.Err()
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				continue
			}
			return errs[0].Err
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				a.enqueue(ctx, rec)
			}
		})
		a.client.AllowRebalance()
	}
}

func (a *Adapter) Close() { a.closed.Store(true) }

func (a *Adapter) enqueue(ctx context.Context, rec *kgo.Record) {
	for {
		select {
		case a.records <- rec:
			a.maybeResume()
			return
		case <-ctx.Done():
			return
		default:
			a.maybePause()
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (a *Adapter) runWorker(ctx context.Context) {
	for rec := range a.records {
		cmd, err := a.normalizeRecord(rec)
		if err == nil {
			err = a.dispatch(ctx, cmd)
		}
		a.acks <- recordAck{record: rec, err: err}
	}
}

// dispatch re-runs a command that lost an optimistic append race. The handler validates it again against
// the state that won.
func (a *Adapter) dispatch(ctx context.Context, cmd command.Command) error {
	var err error
	for attempt := 0; attempt <= a.cfg.ConflictRetries; attempt++ {
		err = a.dispatcher.Handle(ctx, cmd)
		if !errors.Is(err, eventstore.ErrConcurrencyConflict) {
			return err
		}
	}
	return err
}

func (a *Adapter) handleAcks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack := <-a.acks:
			if ack.record == nil {
				continue
			}
			if ack.err != nil {
				if !rejected(ack.err) {
					a.logger.Warn("command failed; offset left uncommitted", "topic", ack.record.Topic,
						"partition", ack.record.Partition, "offset", ack.record.Offset, "err", ack.err)
					continue
				}
				a.logger.Info("command rejected", "topic", ack.record.Topic,
					"partition", ack.record.Partition, "offset", ack.record.Offset, "err", ack.err)
			}
			a.markCommit(ack.record)
			_ = a.commitMarked(ctx)
		}
	}
}

var errMalformed = errors.New("malformed command record")

// rejected records are committed: they would fail the same way on every redelivery.
func rejected(err error) bool {
	return errors.Is(err, errMalformed) || command.Rejected(err)
}

func (a *Adapter) normalizeRecord(rec *kgo.Record) (command.Command, error) {
	switch a.cfg.ParseMode {
	case ParseModeJSON:
		return parseJSONEnvelope(rec.Value)
	case ParseModeCustom:
		if a.cfg.CustomMapper == nil {
			return nil, errors.New("custom mapper not configured")
		}
		cmd, err := a.cfg.CustomMapper.MapKafkaRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformed, err)
		}
		return cmd, nil
	default:
		return nil, fmt.Errorf("unsupported parse mode %q", a.cfg.ParseMode)
	}
}

func parseJSONEnvelope(payload []byte) (command.Command, error) {
	var in jsonEnvelope
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if strings.TrimSpace(in.CommandType) == "" {
		return nil, fmt.Errorf("%w: command_type is required", errMalformed)
	}
	if len(in.Payload) == 0 {
		return nil, fmt.Errorf("%w: payload is required", errMalformed)
	}
	cmd, err := command.Decode(in.CommandType, in.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return cmd, nil
}

func (a *Adapter) maybePause() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	if len(a.records) < cap(a.records) {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	if len(a.records) > cap(a.records)/2 {
		return
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}
