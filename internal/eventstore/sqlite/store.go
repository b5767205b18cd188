package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"contentrepo/internal/domain"
	"contentrepo/internal/eventstore"
	"contentrepo/internal/storage"
)

const (
	schema = `
CREATE TABLE IF NOT EXISTS streams (
	stream TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	sequence_number INTEGER PRIMARY KEY AUTOINCREMENT,
	stream TEXT NOT NULL,
	version INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	recorded_at_utc_ns INTEGER NOT NULL,
	UNIQUE(stream, version)
);

CREATE INDEX IF NOT EXISTS idx_events_stream_version ON events(stream, version);

CREATE TRIGGER IF NOT EXISTS trg_events_no_update
BEFORE UPDATE ON events
BEGIN
	SELECT RAISE(ABORT, 'events are append-only: UPDATE forbidden');
END;
`
	defaultPageSize = 256
)

// Store is a durable event log in a single sqlite database.
// Events are never updated; whole streams are deleted only through DeleteStream.
type Store struct {
	db       *sql.DB
	pageSize int
	now      func() time.Time
}

func NewStore(path string) (*Store, error) {
	db, err := storage.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init event store schema: %w", err)
	}
	return &Store{db: db, pageSize: defaultPageSize, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Append(ctx context.Context, stream string, events []eventstore.NewEvent, expected eventstore.ExpectedVersion) (eventstore.AppendResult, error) {
	if len(events) == 0 {
		return eventstore.AppendResult{}, eventstore.ErrEmptyAppend
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eventstore.AppendResult{}, err
	}
	defer tx.Rollback()

	current, exists, err := streamVersion(ctx, tx, stream)
	if err != nil {
		return eventstore.AppendResult{}, err
	}
	if !expected.Matches(current, exists) {
		return eventstore.AppendResult{}, &eventstore.ConflictError{Stream: stream, Expected: expected, Actual: current, Exists: exists}
	}
	next := domain.Version(0)
	if exists {
		next = current + 1
	}
	now := s.now().UTC().UnixNano()
	var res eventstore.AppendResult
	for _, e := range events {
		payload, err := domain.EncodeEvent(e.Event)
		if err != nil {
			return eventstore.AppendResult{}, err
		}
		meta, err := domain.EncodeMetadata(e.Metadata)
		if err != nil {
			return eventstore.AppendResult{}, err
		}
		r, err := tx.ExecContext(ctx, `
INSERT INTO events(stream, version, event_type, payload_json, metadata_json, recorded_at_utc_ns)
VALUES(?, ?, ?, ?, ?, ?)`, stream, int64(next), string(e.Event.Type()), string(payload), meta, now)
		if err != nil {
			return eventstore.AppendResult{}, err
		}
		seq, err := r.LastInsertId()
		if err != nil {
			return eventstore.AppendResult{}, err
		}
		res = eventstore.AppendResult{Version: next, SequenceNumber: domain.SequenceNumber(seq)}
		next++
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO streams(stream, version, updated_at_utc_ns) VALUES(?, ?, ?)
ON CONFLICT(stream) DO UPDATE SET version=excluded.version, updated_at_utc_ns=excluded.updated_at_utc_ns`,
		stream, int64(res.Version), now); err != nil {
		return eventstore.AppendResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return eventstore.AppendResult{}, err
	}
	return res, nil
}

func (s *Store) ReadAll(ctx context.Context, from domain.SequenceNumber) iter.Seq2[domain.EventEnvelope, error] {
	return s.paged(ctx, `
SELECT sequence_number, stream, version, event_type, payload_json, metadata_json, recorded_at_utc_ns
FROM events
WHERE sequence_number > ?
ORDER BY sequence_number ASC
LIMIT ?`, nil, int64(from)-1)
}

func (s *Store) ReadStream(ctx context.Context, stream string, from domain.Version) iter.Seq2[domain.EventEnvelope, error] {
	return s.paged(ctx, `
SELECT sequence_number, stream, version, event_type, payload_json, metadata_json, recorded_at_utc_ns
FROM events
WHERE stream = ? AND version >= ? AND sequence_number > ?
ORDER BY sequence_number ASC
LIMIT ?`, []any{stream, int64(from)}, 0)
}

// paged walks the query page by page; the cursor is always the last seen sequence number,
// so memory stays bounded by the page size.
func (s *Store) paged(ctx context.Context, query string, prefix []any, cursor int64) iter.Seq2[domain.EventEnvelope, error] {
	return func(yield func(domain.EventEnvelope, error) bool) {
		for {
			args := append(append([]any{}, prefix...), cursor, s.pageSize)
			page, err := s.readPage(ctx, query, args)
			if err != nil {
				yield(domain.EventEnvelope{}, err)
				return
			}
			for _, env := range page {
				if !yield(env, nil) {
					return
				}
				cursor = int64(env.SequenceNumber)
			}
			if len(page) < s.pageSize {
				return
			}
		}
	}
}

func (s *Store) readPage(ctx context.Context, query string, args []any) ([]domain.EventEnvelope, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EventEnvelope
	for rows.Next() {
		var (
			seq, version, recordedAt int64
			stream, eventType        string
			payload, meta            string
		)
		if err := rows.Scan(&seq, &stream, &version, &eventType, &payload, &meta, &recordedAt); err != nil {
			return nil, err
		}
		ev, err := domain.DecodeEvent(domain.EventType(eventType), []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", seq, err)
		}
		md, err := domain.DecodeMetadata(meta)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", seq, err)
		}
		out = append(out, domain.EventEnvelope{
			Event:          ev,
			StreamName:     stream,
			Version:        domain.Version(version),
			SequenceNumber: domain.SequenceNumber(seq),
			RecordedAt:     time.Unix(0, recordedAt).UTC(),
			Metadata:       md,
		})
	}
	return out, rows.Err()
}

func (s *Store) StreamVersion(ctx context.Context, stream string) (domain.Version, bool, error) {
	return streamVersion(ctx, s.db, stream)
}

func (s *Store) Head(ctx context.Context) (domain.SequenceNumber, error) {
	var head sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT max(sequence_number) FROM events`).Scan(&head); err != nil {
		return 0, err
	}
	return domain.SequenceNumber(head.Int64), nil
}

func (s *Store) DeleteStream(ctx context.Context, stream string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE stream = ?`, stream); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM streams WHERE stream = ?`, stream); err != nil {
		return err
	}
	return tx.Commit()
}

func streamVersion(ctx context.Context, q storage.Executor, stream string) (domain.Version, bool, error) {
	var v int64
	err := q.QueryRowContext(ctx, `SELECT version FROM streams WHERE stream = ?`, stream).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return domain.Version(v), true, nil
}
