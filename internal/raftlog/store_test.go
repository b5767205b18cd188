package raftlog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"contentrepo/internal/domain"
	"contentrepo/internal/eventstore"
)

func init() {
	SetRaftLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

type cluster struct {
	t       *testing.T
	addrs   map[uint64]string
	persist map[uint64]*Persistence
	locals  map[uint64]*eventstore.MemoryStore
	nodes   map[uint64]*ReplicatedStore
}

func newCluster(t *testing.T) *cluster {
	c := &cluster{
		t:       t,
		addrs:   map[uint64]string{1: freePort(t), 2: freePort(t), 3: freePort(t)},
		persist: map[uint64]*Persistence{1: NewPersistence(), 2: NewPersistence(), 3: NewPersistence()},
		locals:  map[uint64]*eventstore.MemoryStore{1: eventstore.NewMemoryStore(), 2: eventstore.NewMemoryStore(), 3: eventstore.NewMemoryStore()},
		nodes:   map[uint64]*ReplicatedStore{},
	}
	for _, id := range []uint64{1, 2, 3} {
		c.start(id, true)
	}
	t.Cleanup(func() {
		for _, n := range c.nodes {
			_ = n.Stop()
		}
	})
	return c
}

func (c *cluster) start(id uint64, bootstrap bool) {
	n, err := New(Config{NodeID: id, Address: c.addrs[id], PeerAddresses: c.addrs, Persistence: c.persist[id], BootstrapNewCluster: bootstrap}, c.locals[id])
	if err != nil {
		c.t.Fatal(err)
	}
	n.Start()
	c.nodes[id] = n
}

func (c *cluster) stop(id uint64) {
	_ = c.nodes[id].Stop()
	delete(c.nodes, id)
}

func (c *cluster) waitForLeader() uint64 {
	c.t.Helper()
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		var leaders []uint64
		for id, n := range c.nodes {
			if n.IsLeader() {
				leaders = append(leaders, id)
			}
		}
		if len(leaders) == 1 {
			return leaders[0]
		}
		time.Sleep(50 * time.Millisecond)
	}
	c.t.Fatalf("no single leader elected")
	return 0
}

func (c *cluster) waitForHead(id uint64, want domain.SequenceNumber) {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		head, _ := c.locals[id].Head(context.Background())
		if head == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	head, _ := c.locals[id].Head(context.Background())
	c.t.Fatalf("node %d head = %d, want %d", id, head, want)
}

func created(id domain.ContentStreamID) []eventstore.NewEvent {
	return []eventstore.NewEvent{{Event: domain.ContentStreamWasCreated{ContentStreamID: id}, Metadata: domain.Metadata{"origin": "test"}}}
}

func TestReplicatesAppendsToEveryNode(t *testing.T) {
	c := newCluster(t)
	leader := c.nodes[c.waitForLeader()]
	ctx := context.Background()

	res, err := leader.Append(ctx, "ContentStream:a", created("a"), eventstore.NoStream)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.SequenceNumber != 1 || res.Version != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := leader.Append(ctx, "ContentStream:a", []eventstore.NewEvent{{Event: domain.ContentStreamWasClosed{ContentStreamID: "a"}}}, eventstore.Exactly(0)); err != nil {
		t.Fatalf("append close: %v", err)
	}

	for id := range c.nodes {
		c.waitForHead(id, 2)
		events, err := eventstore.Collect(c.locals[id].ReadStream(ctx, "ContentStream:a", 0))
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 2 || events[1].Event.Type() != domain.EventContentStreamWasClosed || events[0].Metadata.Get("origin") != "test" {
			t.Fatalf("node %d has %+v", id, events)
		}
	}
}

func TestConflictIsDecidedInLogOrder(t *testing.T) {
	c := newCluster(t)
	leader := c.nodes[c.waitForLeader()]
	ctx := context.Background()

	if _, err := leader.Append(ctx, "ContentStream:a", created("a"), eventstore.NoStream); err != nil {
		t.Fatalf("append: %v", err)
	}
	_, err := leader.Append(ctx, "ContentStream:a", created("a"), eventstore.NoStream)
	var conflict *eventstore.ConflictError
	if !errors.As(err, &conflict) || conflict.Actual != 0 {
		t.Fatalf("expected conflict, got %v", err)
	}
	for id := range c.nodes {
		c.waitForHead(id, 1)
	}
}

func TestDeleteStreamIsReplicated(t *testing.T) {
	c := newCluster(t)
	leader := c.nodes[c.waitForLeader()]
	ctx := context.Background()
	if _, err := leader.Append(ctx, "ContentStream:a", created("a"), eventstore.NoStream); err != nil {
		t.Fatal(err)
	}
	if _, err := leader.Append(ctx, "ContentStream:b", created("b"), eventstore.NoStream); err != nil {
		t.Fatal(err)
	}
	if err := leader.DeleteStream(ctx, "ContentStream:a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for id := range c.nodes {
		for {
			_, exists, _ := c.locals[id].StreamVersion(ctx, "ContentStream:a")
			if !exists {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("node %d still has the deleted stream", id)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
}

func TestFollowerRejectsWrites(t *testing.T) {
	c := newCluster(t)
	leader := c.waitForLeader()
	for id, n := range c.nodes {
		if id == leader {
			continue
		}
		_, err := n.Append(context.Background(), "ContentStream:x", created("x"), eventstore.Any)
		if !errors.Is(err, ErrNotLeader) {
			t.Fatalf("expected follower reject, got %v", err)
		}
	}
}

func TestQuorumLossAndRestartRecovery(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	leaderID := c.waitForLeader()

	var follower uint64
	for id := range c.nodes {
		if id != leaderID {
			follower = id
			break
		}
	}
	c.stop(follower)
	if _, err := c.nodes[leaderID].Append(ctx, "ContentStream:a", created("a"), eventstore.NoStream); err != nil {
		t.Fatalf("append with one node down: %v", err)
	}

	c.start(follower, false)
	c.waitForHead(follower, 1)

	leaderID = c.waitForLeader()
	if _, err := c.nodes[leaderID].Append(ctx, "ContentStream:b", created("b"), eventstore.NoStream); err != nil {
		t.Fatalf("append after restart: %v", err)
	}
	for id := range c.nodes {
		c.waitForHead(id, 2)
	}

	for id := range c.nodes {
		if id != leaderID {
			c.stop(id)
		}
	}
	time.Sleep(500 * time.Millisecond)
	tctx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if _, err := c.nodes[leaderID].Append(tctx, "ContentStream:c", created("c"), eventstore.NoStream); err == nil {
		t.Fatalf("expected append failure without quorum")
	}
	if head, _ := c.locals[leaderID].Head(ctx); head != 2 {
		t.Fatalf("write applied without quorum, head=%d", head)
	}
}
