package sqlgraph

import (
	"context"
	"database/sql"
	"errors"

	"contentrepo/internal/contentstream"
	"contentrepo/internal/domain"
	"contentrepo/internal/storage"
	"contentrepo/internal/workspace"
)

const (
	contentStreamSchema = `
CREATE TABLE IF NOT EXISTS cr_content_streams (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL DEFAULT '',
	source_version BIGINT NOT NULL DEFAULT 0,
	version BIGINT NOT NULL,
	status TEXT NOT NULL,
	closed BOOLEAN NOT NULL DEFAULT FALSE,
	removed BOOLEAN NOT NULL DEFAULT FALSE,
	changes BIGINT NOT NULL DEFAULT 0
)`
	workspaceSchema = `
CREATE TABLE IF NOT EXISTS cr_workspaces (
	name TEXT PRIMARY KEY,
	base_name TEXT NOT NULL DEFAULT '',
	content_stream_id TEXT NOT NULL,
	status TEXT NOT NULL,
	publishable_changes BIGINT NOT NULL DEFAULT 0
)`
	contentStreamColumns = `id, source_id, source_version, version, status, closed, removed, changes`
	workspaceColumns     = `name, base_name, content_stream_id, status, publishable_changes`
)

// ContentStreamRepository stores content streams in cr_content_streams. It joins the transaction carried by ctx.
type ContentStreamRepository struct {
	db *storage.DB
}

func NewContentStreamRepository(db *storage.DB) *ContentStreamRepository {
	return &ContentStreamRepository{db: db}
}

func (r *ContentStreamRepository) Setup(ctx context.Context) error {
	_, err := storage.ExecutorFor(ctx, r.db.DB).ExecContext(ctx, contentStreamSchema)
	return err
}

func (r *ContentStreamRepository) Get(ctx context.Context, id domain.ContentStreamID) (contentstream.ContentStream, bool, error) {
	row := storage.ExecutorFor(ctx, r.db.DB).QueryRowContext(ctx,
		r.db.Dialect.Rebind(`SELECT `+contentStreamColumns+` FROM cr_content_streams WHERE id = ?`), string(id))
	cs, err := scanContentStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contentstream.ContentStream{}, false, nil
	}
	if err != nil {
		return contentstream.ContentStream{}, false, err
	}
	return cs, true, nil
}

func (r *ContentStreamRepository) Save(ctx context.Context, cs contentstream.ContentStream) error {
	_, err := storage.ExecutorFor(ctx, r.db.DB).ExecContext(ctx, r.db.Dialect.Rebind(`
INSERT INTO cr_content_streams(`+contentStreamColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	source_id = excluded.source_id,
	source_version = excluded.source_version,
	version = excluded.version,
	status = excluded.status,
	closed = excluded.closed,
	removed = excluded.removed,
	changes = excluded.changes`),
		string(cs.ID), string(cs.SourceID), int64(cs.SourceVersion), int64(cs.Version), string(cs.Status), cs.Closed, cs.Removed, int64(cs.Changes))
	return err
}

func (r *ContentStreamRepository) List(ctx context.Context) ([]contentstream.ContentStream, error) {
	rows, err := storage.ExecutorFor(ctx, r.db.DB).QueryContext(ctx, `SELECT `+contentStreamColumns+` FROM cr_content_streams ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []contentstream.ContentStream
	for rows.Next() {
		cs, err := scanContentStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (r *ContentStreamRepository) Reset(ctx context.Context) error {
	_, err := storage.ExecutorFor(ctx, r.db.DB).ExecContext(ctx, `DELETE FROM cr_content_streams`)
	return err
}

// WorkspaceRepository stores workspaces in cr_workspaces. It joins the transaction carried by ctx.
type WorkspaceRepository struct {
	db *storage.DB
}

func NewWorkspaceRepository(db *storage.DB) *WorkspaceRepository {
	return &WorkspaceRepository{db: db}
}

func (r *WorkspaceRepository) Setup(ctx context.Context) error {
	_, err := storage.ExecutorFor(ctx, r.db.DB).ExecContext(ctx, workspaceSchema)
	return err
}

func (r *WorkspaceRepository) Get(ctx context.Context, name domain.WorkspaceName) (workspace.Workspace, bool, error) {
	row := storage.ExecutorFor(ctx, r.db.DB).QueryRowContext(ctx,
		r.db.Dialect.Rebind(`SELECT `+workspaceColumns+` FROM cr_workspaces WHERE name = ?`), string(name))
	w, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workspace.Workspace{}, false, nil
	}
	if err != nil {
		return workspace.Workspace{}, false, err
	}
	return w, true, nil
}

func (r *WorkspaceRepository) Save(ctx context.Context, w workspace.Workspace) error {
	_, err := storage.ExecutorFor(ctx, r.db.DB).ExecContext(ctx, r.db.Dialect.Rebind(`
INSERT INTO cr_workspaces(`+workspaceColumns+`) VALUES(?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	base_name = excluded.base_name,
	content_stream_id = excluded.content_stream_id,
	status = excluded.status,
	publishable_changes = excluded.publishable_changes`),
		string(w.Name), string(w.BaseName), string(w.ContentStreamID), string(w.Status), int64(w.CountOfPublishableChanges))
	return err
}

func (r *WorkspaceRepository) Delete(ctx context.Context, name domain.WorkspaceName) error {
	_, err := storage.ExecutorFor(ctx, r.db.DB).ExecContext(ctx, r.db.Dialect.Rebind(`DELETE FROM cr_workspaces WHERE name = ?`), string(name))
	return err
}

func (r *WorkspaceRepository) List(ctx context.Context) ([]workspace.Workspace, error) {
	rows, err := storage.ExecutorFor(ctx, r.db.DB).QueryContext(ctx, `SELECT `+workspaceColumns+` FROM cr_workspaces ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []workspace.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *WorkspaceRepository) Reset(ctx context.Context) error {
	_, err := storage.ExecutorFor(ctx, r.db.DB).ExecContext(ctx, `DELETE FROM cr_workspaces`)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanContentStream(s scanner) (contentstream.ContentStream, error) {
	var (
		cs                              contentstream.ContentStream
		id, source, status              string
		sourceVersion, version, changes int64
	)
	if err := s.Scan(&id, &source, &sourceVersion, &version, &status, &cs.Closed, &cs.Removed, &changes); err != nil {
		return contentstream.ContentStream{}, err
	}
	cs.ID = domain.ContentStreamID(id)
	cs.SourceID = domain.ContentStreamID(source)
	cs.SourceVersion = domain.Version(sourceVersion)
	cs.Version = domain.Version(version)
	cs.Status = contentstream.Status(status)
	cs.Changes = int(changes)
	return cs, nil
}

func scanWorkspace(s scanner) (workspace.Workspace, error) {
	var (
		name, base, cs, status string
		changes                int64
	)
	if err := s.Scan(&name, &base, &cs, &status, &changes); err != nil {
		return workspace.Workspace{}, err
	}
	return workspace.Workspace{
		Name:                      domain.WorkspaceName(name),
		BaseName:                  domain.WorkspaceName(base),
		ContentStreamID:           domain.ContentStreamID(cs),
		Status:                    workspace.Status(status),
		CountOfPublishableChanges: int(changes),
	}, nil
}
