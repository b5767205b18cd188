package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"contentrepo/internal/command"
	"contentrepo/internal/eventstore"

	"github.com/twmb/franz-go/pkg/kgo"
)

type stubDispatcher struct {
	mu       sync.Mutex
	commands []command.Command
	errs     []error
	waitCh   chan struct{}
}

func (s *stubDispatcher) Handle(_ context.Context, cmd command.Command) error {
	if s.waitCh != nil {
		<-s.waitCh
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *stubDispatcher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commands)
}

func newTestAdapter(d Dispatcher) *Adapter {
	a := &Adapter{
		cfg:        Config{ParseMode: ParseModeJSON, Topics: []string{"commands"}, ConflictRetries: 3},
		dispatcher: d,
		records:    make(chan *kgo.Record, 1),
		acks:       make(chan recordAck, 1),
	}
	a.cfg.withDefaults()
	a.logger = a.cfg.Logger
	a.markCommit = func(*kgo.Record) {}
	a.commitMarked = func(context.Context) error { return nil }
	a.pauseFetch = func(...string) {}
	a.resumeFetch = func(...string) {}
	return a
}

const createNode = `{"command_type":"CreateNode","payload":{"workspaceName":"user","nodeAggregateId":"n1","nodeTypeName":"Page"}}`

func TestConfigValidate(t *testing.T) {
	cfg := Config{Enabled: true, Brokers: []string{"127.0.0.1:9092"}, Topics: []string{"commands"}, GroupID: "g1"}
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.CommitMode != CommitModeAfterHandled {
		t.Fatalf("default commit mode = %q", cfg.CommitMode)
	}
	cfg.Auth.SASL = SASLConfig{Enabled: true, Mechanism: "SCRAM-SHA-512"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unsupported sasl mechanism to fail validation")
	}
	if err := (Config{}).Validate(); err != nil {
		t.Fatalf("disabled config must validate: %v", err)
	}
}

func TestNormalizeJSONEnvelope(t *testing.T) {
	a := newTestAdapter(&stubDispatcher{})
	cmd, err := a.normalizeRecord(&kgo.Record{Topic: "commands", Value: []byte(createNode)})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	c, ok := cmd.(command.CreateNode)
	if !ok {
		t.Fatalf("decoded %T", cmd)
	}
	if c.WorkspaceName != "user" || c.NodeID != "n1" || c.NodeType != "Page" {
		t.Fatalf("unexpected command: %+v", c)
	}
}

func TestNormalizeRejectsMalformedRecords(t *testing.T) {
	a := newTestAdapter(&stubDispatcher{})
	for name, value := range map[string]string{
		"not json":     `{`,
		"no type":      `{"payload":{}}`,
		"no payload":   `{"command_type":"CreateNode"}`,
		"unknown type": `{"command_type":"Teleport","payload":{}}`,
	} {
		_, err := a.normalizeRecord(&kgo.Record{Value: []byte(value)})
		if !errors.Is(err, errMalformed) {
			t.Fatalf("%s: expected malformed, got %v", name, err)
		}
	}
}

func TestOffsetCommitOnlyAfterHandled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wait := make(chan struct{})
	a := newTestAdapter(&stubDispatcher{waitCh: wait})

	committed := make(chan struct{}, 1)
	a.markCommit = func(*kgo.Record) { committed <- struct{}{} }

	go a.handleAcks(ctx)
	go a.runWorker(ctx)

	a.records <- &kgo.Record{Topic: "commands", Partition: 0, Offset: 1, Value: []byte(createNode)}

	select {
	case <-committed:
		t.Fatalf("offset committed before the command was handled")
	case <-time.After(75 * time.Millisecond):
	}
	close(wait)
	select {
	case <-committed:
	case <-time.After(time.Second):
		t.Fatalf("expected commit after handling")
	}
}

func TestRejectedCommandIsCommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newTestAdapter(&stubDispatcher{})
	var commits atomic.Int32
	a.markCommit = func(*kgo.Record) { commits.Add(1) }

	go a.handleAcks(ctx)
	a.acks <- recordAck{record: &kgo.Record{Offset: 2}, err: command.ErrNodeAlreadyExists}
	a.acks <- recordAck{record: &kgo.Record{Offset: 3}, err: errMalformed}
	deadline := time.Now().Add(time.Second)
	for commits.Load() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if commits.Load() != 2 {
		t.Fatalf("expected rejected and malformed records to be committed, got %d", commits.Load())
	}
}

func TestBackpressurePauseAndResume(t *testing.T) {
	a := &Adapter{cfg: Config{Topics: []string{"commands"}}, records: make(chan *kgo.Record, 2)}
	paused := 0
	resumed := 0
	a.pauseFetch = func(...string) { paused++ }
	a.resumeFetch = func(...string) { resumed++ }

	a.records <- &kgo.Record{}
	a.records <- &kgo.Record{}
	a.maybePause()
	if paused != 1 {
		t.Fatalf("expected pause, got %d", paused)
	}
	<-a.records
	a.maybeResume()
	if resumed != 1 {
		t.Fatalf("expected resume, got %d", resumed)
	}
}

func TestCommitSkipsOnHandlerFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := &stubDispatcher{errs: []error{errors.New("disk full")}}
	a := newTestAdapter(d)
	var commits atomic.Int32
	a.markCommit = func(*kgo.Record) { commits.Add(1) }
	go a.handleAcks(ctx)
	go a.runWorker(ctx)
	a.records <- &kgo.Record{Topic: "commands", Partition: 0, Offset: 1, Value: []byte(createNode)}
	time.Sleep(60 * time.Millisecond)
	if commits.Load() != 0 {
		t.Fatalf("expected no offset commit on handler failure")
	}
}

func TestConcurrencyConflictIsRetried(t *testing.T) {
	conflict := &eventstore.ConflictError{Stream: "ContentStream:x"}
	d := &stubDispatcher{errs: []error{conflict, conflict}}
	a := newTestAdapter(d)
	if err := a.dispatch(context.Background(), command.RemoveNode{WorkspaceName: "user", NodeID: "n1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if d.calls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", d.calls())
	}

	d = &stubDispatcher{errs: []error{conflict, conflict, conflict, conflict, conflict}}
	a = newTestAdapter(d)
	if err := a.dispatch(context.Background(), command.RemoveNode{WorkspaceName: "user", NodeID: "n1"}); !errors.Is(err, eventstore.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict after retries, got %v", err)
	}
	if d.calls() != 4 {
		t.Fatalf("expected 4 attempts, got %d", d.calls())
	}
}
