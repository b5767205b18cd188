package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"contentrepo/internal/domain"
	"contentrepo/internal/eventstore"
	"contentrepo/internal/storage"
	"contentrepo/internal/streamname"
	"contentrepo/internal/subscription"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open("sqlite://" + filepath.Join(t.TempDir(), "subscriptions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := New(db)
	if err := s.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

// tableHandler writes one row per applied event through the transaction carried by ctx.
type tableHandler struct {
	db     *storage.DB
	name   string
	failOn domain.SequenceNumber
}

func (h *tableHandler) Setup(ctx context.Context) error {
	_, err := storage.ExecutorFor(ctx, h.db.DB).ExecContext(ctx, `CREATE TABLE IF NOT EXISTS applied (handler TEXT NOT NULL, seq BIGINT NOT NULL)`)
	return err
}

func (h *tableHandler) Apply(ctx context.Context, env domain.EventEnvelope) error {
	_, err := storage.ExecutorFor(ctx, h.db.DB).ExecContext(ctx, h.db.Dialect.Rebind(`INSERT INTO applied(handler, seq) VALUES(?, ?)`), h.name, int64(env.SequenceNumber))
	if err != nil {
		return err
	}
	if env.SequenceNumber == h.failOn {
		return fmt.Errorf("%s refuses event %d", h.name, env.SequenceNumber)
	}
	return nil
}

func (h *tableHandler) Reset(ctx context.Context) error {
	_, err := storage.ExecutorFor(ctx, h.db.DB).ExecContext(ctx, h.db.Dialect.Rebind(`DELETE FROM applied WHERE handler = ?`), h.name)
	return err
}

func appliedRows(t *testing.T, db *storage.DB, handler string) []int64 {
	t.Helper()
	rows, err := db.Query(db.Dialect.Rebind(`SELECT seq FROM applied WHERE handler = ? ORDER BY seq`), handler)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			t.Fatal(err)
		}
		out = append(out, seq)
	}
	return out
}

func seed(t *testing.T, n int) *eventstore.MemoryStore {
	t.Helper()
	events := eventstore.NewMemoryStore()
	cs := domain.ContentStreamID("cs")
	for i := 0; i < n; i++ {
		ev := domain.NodeAggregateWasCreated{ContentStreamID: cs, NodeID: domain.NodeID(fmt.Sprintf("n%d", i)), NodeType: "Page"}
		if _, err := events.Append(context.Background(), streamname.ForContentStream(cs), []eventstore.NewEvent{{Event: ev}}, eventstore.Any); err != nil {
			t.Fatal(err)
		}
	}
	return events
}

func TestAddFindUpdateRemove(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)

	if err := s.Add(ctx, subscription.Subscription{ID: "graph", Group: "projections", Status: subscription.StatusNew}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(ctx, subscription.Subscription{ID: "graph"}); !errors.Is(err, subscription.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if err := s.Add(ctx, subscription.Subscription{ID: "forwarder", Group: "forwarders", Status: subscription.StatusActive, Position: 9}); err != nil {
		t.Fatal(err)
	}

	found, err := s.FindByCriteria(ctx, subscription.Criteria{Groups: []string{"projections"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].ID != "graph" || found[0].Status != subscription.StatusNew || found[0].Error != nil {
		t.Fatalf("unexpected %+v", found)
	}

	sub := found[0]
	sub.Status = subscription.StatusError
	sub.Position = 4
	sub.Error = &subscription.SubscriptionError{Message: "boom", PreviousStatus: subscription.StatusActive, Trace: "event 5"}
	if err := s.Update(ctx, sub); err != nil {
		t.Fatal(err)
	}
	found, err = s.FindByCriteria(ctx, subscription.Criteria{Statuses: []subscription.Status{subscription.StatusError}})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].Position != 4 || found[0].Error == nil || found[0].Error.Message != "boom" || found[0].Error.PreviousStatus != subscription.StatusActive {
		t.Fatalf("unexpected %+v", found)
	}

	if err := s.Update(ctx, subscription.Subscription{ID: "missing"}); !errors.Is(err, subscription.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.Remove(ctx, "graph"); err != nil {
		t.Fatal(err)
	}
	all, _ := s.FindByCriteria(ctx, subscription.Criteria{})
	if len(all) != 1 || all[0].ID != "forwarder" {
		t.Fatalf("unexpected %+v", all)
	}
}

func TestTransactionalRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	boom := errors.New("boom")
	err := s.Transactional(ctx, func(ctx context.Context) error {
		if err := s.Add(ctx, subscription.Subscription{ID: "a", Status: subscription.StatusNew}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	all, _ := s.FindByCriteria(ctx, subscription.Criteria{})
	if len(all) != 0 {
		t.Fatalf("rolled back add is visible: %+v", all)
	}
}

func TestSavepointRollbackKeepsOuterWork(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	err := s.Transactional(ctx, func(ctx context.Context) error {
		if err := s.Add(ctx, subscription.Subscription{ID: "kept", Status: subscription.StatusNew}); err != nil {
			return err
		}
		if err := s.CreateSavepoint(ctx, "apply_dropped"); err != nil {
			return err
		}
		if err := s.Add(ctx, subscription.Subscription{ID: "dropped", Status: subscription.StatusNew}); err != nil {
			return err
		}
		if err := s.RollbackSavepoint(ctx, "apply_dropped"); err != nil {
			return err
		}
		return s.ReleaseSavepoint(ctx, "apply_dropped")
	})
	if err != nil {
		t.Fatal(err)
	}
	all, _ := s.FindByCriteria(ctx, subscription.Criteria{})
	if len(all) != 1 || all[0].ID != "kept" {
		t.Fatalf("unexpected %+v", all)
	}
	if err := s.CreateSavepoint(ctx, "outside"); err == nil {
		t.Fatalf("savepoint outside a transaction must fail")
	}
}

func TestEngineRollsBackFailedSubscriberOnly(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	a := &tableHandler{db: s.DB(), name: "a", failOn: 2}
	b := &tableHandler{db: s.DB(), name: "b"}
	e, err := subscription.NewEngine(seed(t, 3), s, []subscription.Subscriber{
		{ID: "a", Handler: a},
		{ID: "b", Handler: b},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Setup(ctx, subscription.Criteria{}); err != nil {
		t.Fatal(err)
	}

	err = e.Run(ctx, subscription.Criteria{})
	var had *subscription.CatchUpHadErrors
	if !errors.As(err, &had) {
		t.Fatalf("expected CatchUpHadErrors, got %v", err)
	}
	if got := fmt.Sprint(appliedRows(t, s.DB(), "a")); got != "[1]" {
		t.Fatalf("failed event of a must be rolled back, rows %s", got)
	}
	if got := fmt.Sprint(appliedRows(t, s.DB(), "b")); got != "[1 2 3]" {
		t.Fatalf("unexpected rows of b %s", got)
	}
	subs, _ := s.FindByCriteria(ctx, subscription.Criteria{})
	if len(subs) != 2 || subs[0].Position != 1 || subs[0].Status != subscription.StatusError || subs[1].Position != 3 {
		t.Fatalf("unexpected checkpoints %+v", subs)
	}

	if err := e.Run(ctx, subscription.Criteria{}); err != nil {
		t.Fatalf("idempotent rerun: %v", err)
	}
	if got := fmt.Sprint(appliedRows(t, s.DB(), "b")); got != "[1 2 3]" {
		t.Fatalf("rerun reapplied events: %s", got)
	}

	a.failOn = 0
	if err := e.Reset(ctx, subscription.Criteria{IDs: []domain.SubscriptionID{"a"}}); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(ctx, subscription.Criteria{}); err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprint(appliedRows(t, s.DB(), "a")); got != "[1 2 3]" {
		t.Fatalf("replay after reset: %s", got)
	}
}

func TestFatalErrorRollsBackWholeRun(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	h := &fatalHandler{tableHandler: tableHandler{db: s.DB(), name: "graph"}, fatalOn: 3}
	e, err := subscription.NewEngine(seed(t, 3), s, []subscription.Subscriber{{ID: "graph", Handler: h}})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Setup(ctx, subscription.Criteria{}); err != nil {
		t.Fatal(err)
	}
	err = e.Run(ctx, subscription.Criteria{})
	var failed *subscription.CatchUpFailed
	if !errors.As(err, &failed) {
		t.Fatalf("expected CatchUpFailed, got %v", err)
	}
	if rows := appliedRows(t, s.DB(), "graph"); len(rows) != 0 {
		t.Fatalf("aborted run left rows %v", rows)
	}
	subs, _ := s.FindByCriteria(ctx, subscription.Criteria{})
	if subs[0].Position != 0 || subs[0].Status != subscription.StatusBooting {
		t.Fatalf("aborted run moved checkpoint %+v", subs[0])
	}
}

type fatalHandler struct {
	tableHandler
	fatalOn domain.SequenceNumber
}

func (h *fatalHandler) Apply(ctx context.Context, env domain.EventEnvelope) error {
	if err := h.tableHandler.Apply(ctx, env); err != nil {
		return err
	}
	if env.SequenceNumber == h.fatalOn {
		return subscription.Fatal(errors.New("version skip"))
	}
	return nil
}

func TestLockedSQLiteDatabaseReportsAlreadyProcessing(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "subscriptions.db")
	holder, err := storage.Open("sqlite://" + path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = holder.Close() })

	raw, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(0)&_pragma=journal_mode(WAL)&_txlock=immediate")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = raw.Close() })
	other := New(&storage.DB{DB: raw, Dialect: storage.DialectSQLite})
	e, err := subscription.NewEngine(seed(t, 2), other, []subscription.Subscriber{{ID: "graph", Handler: &tableHandler{db: other.DB(), name: "graph"}}})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Setup(ctx, subscription.Criteria{}); err != nil {
		t.Fatal(err)
	}

	tx, err := holder.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	err = e.Run(ctx, subscription.Criteria{})
	if !errors.Is(err, subscription.ErrAlreadyProcessing) {
		t.Fatalf("expected ErrAlreadyProcessing, got %v", err)
	}
	var failed *subscription.CatchUpFailed
	if errors.As(err, &failed) {
		t.Fatalf("lock contention must not be reported as a failed catch-up: %v", err)
	}

	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(ctx, subscription.Criteria{}); err != nil {
		t.Fatalf("run after the lock was released: %v", err)
	}
	if got := fmt.Sprint(appliedRows(t, other.DB(), "graph")); got != "[1 2]" {
		t.Fatalf("applied %s", got)
	}
}
