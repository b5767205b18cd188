// Package raftlog replicates event store writes through an etcd raft group.
//
// Every node keeps a full local event store. Appends and stream deletions are proposed on the leader and
// applied by all nodes in commit order; reads are served from the local store.
package raftlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"contentrepo/internal/domain"
	"contentrepo/internal/eventstore"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

var (
	ErrNotLeader = errors.New("raft leader required")
	ErrStopped   = errors.New("replicated store stopped")
)

type Config struct {
	NodeID              uint64
	Address             string
	PeerAddresses       map[uint64]string
	TickInterval        time.Duration
	ElectionTicks       int
	HeartbeatTicks      int
	MaxInflightMsgs     int
	MaxMessageSize      uint64
	Persistence         *Persistence
	BootstrapNewCluster bool
	Logger              *slog.Logger
}

// Persistence is the raft log of one node together with the last index applied to its local store.
// Reusing it across restarts lets a node rejoin without applying an entry twice.
type Persistence struct {
	storage *raft.MemoryStorage

	mu      sync.Mutex
	applied uint64
}

func NewPersistence() *Persistence { return &Persistence{storage: raft.NewMemoryStorage()} }

func (p *Persistence) Applied() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied
}

func (p *Persistence) setApplied(i uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = i
}

type applyResult struct {
	res eventstore.AppendResult
	err error
}

// ReplicatedStore implements eventstore.Store on top of a raft group.
type ReplicatedStore struct {
	cfg       Config
	local     eventstore.Store
	node      raft.Node
	transport *tcpTransport
	logger    *slog.Logger
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	pending map[string]chan applyResult
}

var _ eventstore.Store = (*ReplicatedStore)(nil)

func New(cfg Config, local eventstore.Store) (*ReplicatedStore, error) {
	if local == nil {
		return nil, errors.New("raftlog: local store is required")
	}
	if cfg.NodeID == 0 {
		return nil, errors.New("raftlog: node id must be > 0")
	}
	if _, ok := cfg.PeerAddresses[cfg.NodeID]; !ok {
		return nil, fmt.Errorf("raftlog: node %d missing from peer addresses", cfg.NodeID)
	}
	if cfg.Persistence == nil {
		cfg.Persistence = NewPersistence()
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 20 * time.Millisecond
	}
	if cfg.ElectionTicks == 0 {
		cfg.ElectionTicks = 10
	}
	if cfg.HeartbeatTicks == 0 {
		cfg.HeartbeatTicks = 1
	}
	if cfg.MaxInflightMsgs == 0 {
		cfg.MaxInflightMsgs = 256
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1024 * 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &ReplicatedStore{
		cfg:     cfg,
		local:   local,
		logger:  cfg.Logger.With("component", "raftlog", "node", cfg.NodeID),
		stopCh:  make(chan struct{}),
		pending: map[string]chan applyResult{},
	}
	peers := make([]raft.Peer, 0, len(cfg.PeerAddresses))
	for id := range cfg.PeerAddresses {
		peers = append(peers, raft.Peer{ID: id})
	}
	rc := &raft.Config{
		ID:              cfg.NodeID,
		ElectionTick:    cfg.ElectionTicks,
		HeartbeatTick:   cfg.HeartbeatTicks,
		Storage:         cfg.Persistence.storage,
		Applied:         cfg.Persistence.Applied(),
		MaxSizePerMsg:   cfg.MaxMessageSize,
		MaxInflightMsgs: cfg.MaxInflightMsgs,
		CheckQuorum:     true,
		PreVote:         true,
	}
	if cfg.BootstrapNewCluster {
		s.node = raft.StartNode(rc, peers)
	} else {
		s.node = raft.RestartNode(rc)
		// Membership is not snapshotted, so a restarted node re-learns it from the static peer list.
		for _, p := range peers {
			s.node.ApplyConfChange(raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: p.ID})
		}
	}
	t, err := newTCPTransport(cfg.NodeID, cfg.Address, cfg.PeerAddresses, func(msg raftpb.Message) {
		_ = s.node.Step(context.Background(), msg)
	})
	if err != nil {
		s.node.Stop()
		return nil, err
	}
	s.transport = t
	return s, nil
}

func (s *ReplicatedStore) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *ReplicatedStore) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.node.Stop()
		s.wg.Wait()
		err = s.transport.close()
	})
	return err
}

func (s *ReplicatedStore) Leader() uint64 { return s.node.Status().Lead }

func (s *ReplicatedStore) IsLeader() bool { return s.node.Status().RaftState == raft.StateLeader }

func (s *ReplicatedStore) Append(ctx context.Context, stream string, events []eventstore.NewEvent, expected eventstore.ExpectedVersion) (eventstore.AppendResult, error) {
	if len(events) == 0 {
		return eventstore.AppendResult{}, eventstore.ErrEmptyAppend
	}
	encoded, err := encodeEvents(events)
	if err != nil {
		return eventstore.AppendResult{}, err
	}
	return s.propose(ctx, proposal{Op: opAppend, Stream: stream, Expected: expected, Events: encoded})
}

func (s *ReplicatedStore) DeleteStream(ctx context.Context, stream string) error {
	_, err := s.propose(ctx, proposal{Op: opDeleteStream, Stream: stream})
	return err
}

func (s *ReplicatedStore) ReadAll(ctx context.Context, from domain.SequenceNumber) iter.Seq2[domain.EventEnvelope, error] {
	return s.local.ReadAll(ctx, from)
}

func (s *ReplicatedStore) ReadStream(ctx context.Context, stream string, from domain.Version) iter.Seq2[domain.EventEnvelope, error] {
	return s.local.ReadStream(ctx, stream, from)
}

func (s *ReplicatedStore) StreamVersion(ctx context.Context, stream string) (domain.Version, bool, error) {
	return s.local.StreamVersion(ctx, stream)
}

func (s *ReplicatedStore) Head(ctx context.Context) (domain.SequenceNumber, error) {
	return s.local.Head(ctx)
}

// propose blocks until this node applied the proposal, so the caller observes its own write on local reads.
func (s *ReplicatedStore) propose(ctx context.Context, p proposal) (eventstore.AppendResult, error) {
	if !s.IsLeader() {
		return eventstore.AppendResult{}, fmt.Errorf("%w: leader=%d", ErrNotLeader, s.Leader())
	}
	p.RequestID = ulid.Make().String()
	p.Origin = s.cfg.NodeID
	b, err := json.Marshal(p)
	if err != nil {
		return eventstore.AppendResult{}, err
	}
	done := make(chan applyResult, 1)
	s.mu.Lock()
	s.pending[p.RequestID] = done
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, p.RequestID)
		s.mu.Unlock()
	}()

	if err := s.node.Propose(ctx, b); err != nil {
		return eventstore.AppendResult{}, err
	}
	select {
	case r := <-done:
		return r.res, r.err
	case <-ctx.Done():
		return eventstore.AppendResult{}, ctx.Err()
	case <-s.stopCh:
		return eventstore.AppendResult{}, ErrStopped
	}
}

func (s *ReplicatedStore) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	storage := s.cfg.Persistence.storage
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.node.Tick()
		case rd := <-s.node.Ready():
			if !raft.IsEmptySnap(rd.Snapshot) {
				_ = storage.ApplySnapshot(rd.Snapshot)
			}
			if !raft.IsEmptyHardState(rd.HardState) {
				_ = storage.SetHardState(rd.HardState)
			}
			_ = storage.Append(rd.Entries)
			for _, m := range rd.Messages {
				_ = s.transport.send(m)
			}
			for _, ent := range rd.CommittedEntries {
				s.applyEntry(ent)
			}
			s.node.Advance()
		}
	}
}

func (s *ReplicatedStore) applyEntry(ent raftpb.Entry) {
	if ent.Index <= s.cfg.Persistence.Applied() {
		return
	}
	defer s.cfg.Persistence.setApplied(ent.Index)
	if ent.Type == raftpb.EntryConfChange {
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(ent.Data); err == nil {
			s.node.ApplyConfChange(cc)
		}
		return
	}
	if ent.Type != raftpb.EntryNormal || len(ent.Data) == 0 {
		return
	}
	var p proposal
	if err := json.Unmarshal(ent.Data, &p); err != nil {
		s.logger.Error("undecodable raft entry", "index", ent.Index, "err", err)
		return
	}
	res, err := s.applyLocal(p)
	if err != nil && !errors.Is(err, eventstore.ErrConcurrencyConflict) {
		s.logger.Error("apply raft entry", "index", ent.Index, "op", p.Op, "stream", p.Stream, "err", err)
	}
	if p.Origin != s.cfg.NodeID {
		return
	}
	s.mu.Lock()
	done, ok := s.pending[p.RequestID]
	s.mu.Unlock()
	if ok {
		done <- applyResult{res: res, err: err}
	}
}

func (s *ReplicatedStore) applyLocal(p proposal) (eventstore.AppendResult, error) {
	ctx := context.Background()
	switch p.Op {
	case opAppend:
		events, err := p.decodeEvents()
		if err != nil {
			return eventstore.AppendResult{}, err
		}
		return s.local.Append(ctx, p.Stream, events, p.Expected)
	case opDeleteStream:
		return eventstore.AppendResult{}, s.local.DeleteStream(ctx, p.Stream)
	default:
		return eventstore.AppendResult{}, fmt.Errorf("unknown raft op %q", p.Op)
	}
}
