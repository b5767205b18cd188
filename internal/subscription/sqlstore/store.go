package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"contentrepo/internal/domain"
	"contentrepo/internal/storage"
	"contentrepo/internal/subscription"

	"github.com/lib/pq"
)

const defaultTable = "cr_subscriptions"

// pqLockNotAvailable is raised by FOR UPDATE NOWAIT when another transaction holds the row.
const pqLockNotAvailable = "55P03"

// Store persists subscriptions in sqlite or postgres. The transaction opened by Transactional travels in the
// context, so projections that use storage.ExecutorFor on the same handle commit and roll back with the checkpoints.
type Store struct {
	db    *storage.DB
	table string
	now   func() time.Time
}

func New(db *storage.DB) *Store {
	return &Store{db: db, table: defaultTable, now: time.Now}
}

func (s *Store) DB() *storage.DB { return s.db }

func (s *Store) Setup(ctx context.Context) error {
	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	group_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	position BIGINT NOT NULL DEFAULT 0,
	error_message TEXT,
	error_previous_status TEXT,
	error_trace TEXT,
	last_saved_at_utc_ns BIGINT NOT NULL
)`, storage.QuoteIdentifier(s.table))
	_, err := storage.ExecutorFor(ctx, s.db.DB).ExecContext(ctx, q)
	return err
}

func (s *Store) FindByCriteria(ctx context.Context, c subscription.Criteria) ([]subscription.Subscription, error) {
	var (
		where []string
		args  []any
	)
	if len(c.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(c.IDs))+")")
		for _, id := range c.IDs {
			args = append(args, string(id))
		}
	}
	if len(c.Groups) > 0 {
		where = append(where, "group_name IN ("+placeholders(len(c.Groups))+")")
		for _, g := range c.Groups {
			args = append(args, g)
		}
	}
	if len(c.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(c.Statuses))+")")
		for _, st := range c.Statuses {
			args = append(args, string(st))
		}
	}
	q := fmt.Sprintf(`SELECT id, group_name, status, position, error_message, error_previous_status, error_trace, last_saved_at_utc_ns
FROM %s`, storage.QuoteIdentifier(s.table))
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"

	rows, err := storage.ExecutorFor(ctx, s.db.DB).QueryContext(ctx, s.db.Dialect.Rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []subscription.Subscription
	for rows.Next() {
		var (
			sub                      subscription.Subscription
			id, status               string
			position, savedAt        int64
			message, previous, trace sql.NullString
		)
		if err := rows.Scan(&id, &sub.Group, &status, &position, &message, &previous, &trace, &savedAt); err != nil {
			return nil, err
		}
		sub.ID = domain.SubscriptionID(id)
		sub.Status = subscription.Status(status)
		sub.Position = domain.SequenceNumber(position)
		sub.LastSavedAt = time.Unix(0, savedAt).UTC()
		if message.Valid {
			sub.Error = &subscription.SubscriptionError{
				Message:        message.String,
				PreviousStatus: subscription.Status(previous.String),
				Trace:          trace.String,
			}
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) Add(ctx context.Context, sub subscription.Subscription) error {
	ex := storage.ExecutorFor(ctx, s.db.DB)
	var n int
	q := fmt.Sprintf(`SELECT count(*) FROM %s WHERE id = ?`, storage.QuoteIdentifier(s.table))
	if err := ex.QueryRowContext(ctx, s.db.Dialect.Rebind(q), string(sub.ID)).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", subscription.ErrAlreadyExists, sub.ID)
	}
	message, previous, trace := errorColumns(sub.Error)
	q = fmt.Sprintf(`INSERT INTO %s(id, group_name, status, position, error_message, error_previous_status, error_trace, last_saved_at_utc_ns)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`, storage.QuoteIdentifier(s.table))
	_, err := ex.ExecContext(ctx, s.db.Dialect.Rebind(q),
		string(sub.ID), sub.Group, string(sub.Status), int64(sub.Position), message, previous, trace, s.now().UTC().UnixNano())
	return err
}

func (s *Store) Update(ctx context.Context, sub subscription.Subscription) error {
	message, previous, trace := errorColumns(sub.Error)
	q := fmt.Sprintf(`UPDATE %s SET group_name = ?, status = ?, position = ?, error_message = ?, error_previous_status = ?, error_trace = ?, last_saved_at_utc_ns = ?
WHERE id = ?`, storage.QuoteIdentifier(s.table))
	res, err := storage.ExecutorFor(ctx, s.db.DB).ExecContext(ctx, s.db.Dialect.Rebind(q),
		sub.Group, string(sub.Status), int64(sub.Position), message, previous, trace, s.now().UTC().UnixNano(), string(sub.ID))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", subscription.ErrNotFound, sub.ID)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, id domain.SubscriptionID) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, storage.QuoteIdentifier(s.table))
	_, err := storage.ExecutorFor(ctx, s.db.DB).ExecContext(ctx, s.db.Dialect.Rebind(q), string(id))
	return err
}

// Transactional joins the transaction already carried by ctx, or opens one and commits it when fn succeeds.
func (s *Store) Transactional(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := storage.TxFromContext(ctx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.contended(err)
	}
	defer tx.Rollback()
	if err := fn(storage.WithTx(ctx, tx)); err != nil {
		return s.contended(err)
	}
	return s.contended(tx.Commit())
}

// contended reports a sqlite write lock held by another process as ErrAlreadyProcessing.
func (s *Store) contended(err error) error {
	if err != nil && s.db.Dialect == storage.DialectSQLite && storage.IsBusy(err) {
		return fmt.Errorf("%w: %v", subscription.ErrAlreadyProcessing, err)
	}
	return err
}

func (s *Store) CreateSavepoint(ctx context.Context, name string) error {
	return s.savepoint(ctx, "SAVEPOINT %s", name)
}

func (s *Store) ReleaseSavepoint(ctx context.Context, name string) error {
	return s.savepoint(ctx, "RELEASE SAVEPOINT %s", name)
}

func (s *Store) RollbackSavepoint(ctx context.Context, name string) error {
	return s.savepoint(ctx, "ROLLBACK TO SAVEPOINT %s", name)
}

func (s *Store) savepoint(ctx context.Context, stmt, name string) error {
	tx, ok := storage.TxFromContext(ctx)
	if !ok {
		return fmt.Errorf("savepoint %s: no transaction in context", name)
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(stmt, storage.QuoteIdentifier(name)))
	return err
}

// Claim locks the subscription rows for the rest of the transaction. On postgres a row held by another
// process fails immediately with ErrAlreadyProcessing. sqlite write transactions are already exclusive;
// Transactional reports a lock that stays busy as ErrAlreadyProcessing.
func (s *Store) Claim(ctx context.Context, ids []domain.SubscriptionID) error {
	if s.db.Dialect != storage.DialectPostgres || len(ids) == 0 {
		return nil
	}
	tx, ok := storage.TxFromContext(ctx)
	if !ok {
		return errors.New("claim subscriptions: no transaction in context")
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = string(id)
	}
	q := fmt.Sprintf(`SELECT id FROM %s WHERE id = ANY($1) FOR UPDATE NOWAIT`, storage.QuoteIdentifier(s.table))
	rows, err := tx.QueryContext(ctx, q, pq.Array(keys))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqLockNotAvailable {
			return fmt.Errorf("%w: %v", subscription.ErrAlreadyProcessing, ids)
		}
		return err
	}
	defer rows.Close()
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqLockNotAvailable {
			return fmt.Errorf("%w: %v", subscription.ErrAlreadyProcessing, ids)
		}
		return err
	}
	return nil
}

func errorColumns(e *subscription.SubscriptionError) (message, previous, trace sql.NullString) {
	if e == nil {
		return
	}
	return sql.NullString{String: e.Message, Valid: true},
		sql.NullString{String: string(e.PreviousStatus), Valid: true},
		sql.NullString{String: e.Trace, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
