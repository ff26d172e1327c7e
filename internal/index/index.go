// Package index persists whiteboard metadata in SQLite so whiteboards can
// be found by id, name, tags and creation time after the workflow that
// wrote them is gone.
package index

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"reflect"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/lazyflow/internal/errs"
	"github.com/roach88/lazyflow/internal/ir"
	"github.com/roach88/lazyflow/internal/whiteboard"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - whiteboards and whiteboard_tags
const currentSchemaVersion = 1

var fieldsType = reflect.TypeOf([]whiteboard.FieldMeta{})

// SQLite is a whiteboard.Index backed by a SQLite database.
// Uses WAL mode so readers (the CLI) don't block a running workflow.
type SQLite struct {
	db *sql.DB
}

var _ whiteboard.Index = (*SQLite)(nil)

// Open creates or opens the index database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to index: %w", err)
	}

	// SQLite allows one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("index schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Register implements whiteboard.Index. Registering an existing id is a
// no-op; ON CONFLICT DO NOTHING keeps the first record.
func (s *SQLite) Register(ctx context.Context, m whiteboard.Meta) error {
	fields, err := marshalFields(m.Fields)
	if err != nil {
		return fmt.Errorf("register whiteboard %s: %w", m.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("register whiteboard %s: %w", m.ID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO whiteboards
		(id, name, namespace, storage_uri, status, fields, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		m.ID,
		m.Name,
		m.Namespace,
		m.StorageURI,
		string(m.Status),
		fields,
		m.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("register whiteboard %s: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	for _, tag := range m.Tags {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO whiteboard_tags (whiteboard_id, tag)
			VALUES (?, ?)
			ON CONFLICT DO NOTHING
		`, m.ID, tag); err != nil {
			return fmt.Errorf("register whiteboard %s: tag %q: %w", m.ID, tag, err)
		}
	}
	return tx.Commit()
}

// Update implements whiteboard.Index.
func (s *SQLite) Update(ctx context.Context, m whiteboard.Meta) error {
	fields, err := marshalFields(m.Fields)
	if err != nil {
		return fmt.Errorf("update whiteboard %s: %w", m.ID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE whiteboards SET status = ?, fields = ? WHERE id = ?
	`, string(m.Status), fields, m.ID)
	if err != nil {
		return fmt.Errorf("update whiteboard %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update whiteboard %s: %w", m.ID, err)
	}
	if n == 0 {
		return errs.NewNotFound(m.ID, "whiteboard is not registered")
	}
	return nil
}

// Get implements whiteboard.Index.
func (s *SQLite) Get(ctx context.Context, id string) (whiteboard.Meta, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, namespace, storage_uri, status, fields, created_at
		FROM whiteboards
		WHERE id = ?
	`, id)
	m, err := scanMeta(row)
	if err == sql.ErrNoRows {
		return whiteboard.Meta{}, errs.NewNotFound(id, "whiteboard is not registered")
	}
	if err != nil {
		return whiteboard.Meta{}, err
	}
	if m.Tags, err = s.tags(ctx, id); err != nil {
		return whiteboard.Meta{}, err
	}
	return m, nil
}

// Query implements whiteboard.Index. All tags must match. Results are
// ordered by created_at, then id.
func (s *SQLite) Query(ctx context.Context, q whiteboard.Query) ([]whiteboard.Meta, error) {
	var (
		where []string
		args  []any
	)
	if q.Name != "" {
		where = append(where, "w.name = ?")
		args = append(args, q.Name)
	}
	if !q.NotBefore.IsZero() {
		where = append(where, "w.created_at >= ?")
		args = append(args, q.NotBefore.UTC().UnixNano())
	}
	if !q.NotAfter.IsZero() {
		where = append(where, "w.created_at <= ?")
		args = append(args, q.NotAfter.UTC().UnixNano())
	}
	for _, tag := range q.Tags {
		where = append(where, "EXISTS (SELECT 1 FROM whiteboard_tags t WHERE t.whiteboard_id = w.id AND t.tag = ?)")
		args = append(args, tag)
	}

	query := `SELECT w.id, w.name, w.namespace, w.storage_uri, w.status, w.fields, w.created_at FROM whiteboards w`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY w.created_at ASC, w.id COLLATE BINARY ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query whiteboards: %w", err)
	}
	defer rows.Close()

	metas := []whiteboard.Meta{}
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate whiteboards: %w", err)
	}
	// tags are loaded after the cursor is closed; the pool has a single
	// connection
	rows.Close()
	for i := range metas {
		if metas[i].Tags, err = s.tags(ctx, metas[i].ID); err != nil {
			return nil, err
		}
	}
	return metas, nil
}

func (s *SQLite) tags(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tag FROM whiteboard_tags
		WHERE whiteboard_id = ?
		ORDER BY tag COLLATE BINARY ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query tags of %s: %w", id, err)
	}
	defer rows.Close()

	tags := []string{}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return tags, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMeta(row scanner) (whiteboard.Meta, error) {
	var (
		m       whiteboard.Meta
		status  string
		fields  string
		created int64
	)
	if err := row.Scan(&m.ID, &m.Name, &m.Namespace, &m.StorageURI, &status, &fields, &created); err != nil {
		if err == sql.ErrNoRows {
			return m, err
		}
		return m, fmt.Errorf("scan whiteboard: %w", err)
	}
	m.Status = whiteboard.Status(status)
	m.CreatedAt = time.Unix(0, created).UTC()
	fs, err := ir.Decode([]byte(fields), fieldsType)
	if err != nil {
		return m, fmt.Errorf("decode fields of %s: %w", m.ID, err)
	}
	m.Fields = fs.([]whiteboard.FieldMeta)
	return m, nil
}

// marshalFields encodes field metadata as canonical JSON TEXT.
func marshalFields(fields []whiteboard.FieldMeta) (string, error) {
	if fields == nil {
		fields = []whiteboard.FieldMeta{}
	}
	data, err := ir.MarshalCanonical(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}
