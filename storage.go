package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/oklog/ulid/v2"
	"github.com/orian/protoboard/content"
	"github.com/orian/protoboard/logging"
	"github.com/orian/protoboard/models"
	_ "modernc.org/sqlite"
)

// Supported database/sql drivers.
const (
	DriverSQLite   = "sqlite"
	DriverDuckDB   = "duckdb"
	DriverPostgres = "pgx"
)

// MaxSnapshots is how many version snapshots are kept per prototype.
const MaxSnapshots = 50

// SQLStorage implements models.Storage on top of database/sql. The same
// schema runs on SQLite, DuckDB and Postgres.
type SQLStorage struct {
	db     *sql.DB
	driver string
	log    *logging.Logger
	clock  clock.Clock
	retain int
}

type StorageOption func(*SQLStorage)

// WithStorageClock sets the clock used for row timestamps.
func WithStorageClock(c clock.Clock) StorageOption {
	return func(s *SQLStorage) { s.clock = c }
}

// WithSnapshotRetention overrides MaxSnapshots.
func WithSnapshotRetention(n int) StorageOption {
	return func(s *SQLStorage) {
		if n > 0 {
			s.retain = n
		}
	}
}

func NewSQLStorage(driver, dsn string, log *logging.Logger, opts ...StorageOption) (*SQLStorage, error) {
	switch driver {
	case DriverSQLite, DriverDuckDB, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}

	s := &SQLStorage{
		db:     db,
		driver: driver,
		log:    log.With("component", "storage", "driver", driver),
		clock:  clock.New(),
		retain: MaxSnapshots,
	}
	for _, o := range opts {
		o(s)
	}

	if driver == DriverSQLite {
		// One connection serializes write transactions.
		db.SetMaxOpenConns(1)
		if err := s.applyPragmas(); err != nil {
			db.Close()
			return nil, err
		}
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := RunMigrations(db, s.rebind, s.log); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLStorage) applyPragmas() error {
	for _, p := range []string{
		"PRAGMA busy_timeout = 10000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLStorage) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS prototypes (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			name_key TEXT NOT NULL,
			description TEXT NOT NULL,
			html_content TEXT NOT NULL,
			structured_document TEXT NOT NULL,
			team_id TEXT,
			created_by TEXT NOT NULL,
			version BIGINT NOT NULL,
			content_checksum TEXT NOT NULL,
			active_branch_id TEXT,
			main_html_stash TEXT,
			main_document_stash TEXT,
			main_checksum_stash TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS prototype_versions (
			id TEXT PRIMARY KEY,
			prototype_id TEXT NOT NULL,
			version_number BIGINT NOT NULL,
			html_content TEXT NOT NULL,
			structured_document TEXT NOT NULL,
			content_checksum TEXT NOT NULL,
			label TEXT,
			branch_id TEXT,
			created_by TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			UNIQUE (prototype_id, version_number)
		)`,
		`CREATE TABLE IF NOT EXISTS prototype_branches (
			id TEXT PRIMARY KEY,
			prototype_id TEXT NOT NULL,
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			description TEXT NOT NULL,
			html_content TEXT NOT NULL,
			structured_document TEXT NOT NULL,
			content_checksum TEXT NOT NULL,
			forked_from_version BIGINT NOT NULL,
			is_active BOOLEAN NOT NULL,
			created_by TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStorage) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn binds a querier to the storage's placeholder dialect.
type conn struct {
	q      querier
	rebind func(string) string
}

func (s *SQLStorage) conn(q querier) conn {
	return conn{q: q, rebind: s.rebind}
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.rebind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

const prototypeColumns = `id, slug, name, description, html_content, structured_document,
	COALESCE(team_id, ''), created_by, version, content_checksum, COALESCE(active_branch_id, ''),
	main_html_stash, main_document_stash, main_checksum_stash, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrototype(row rowScanner) (*models.Prototype, error) {
	var (
		p                          models.Prototype
		doc                        string
		stashHTML, stashDoc, stash sql.NullString
		created, updated           int64
	)
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.Description, &p.HTMLContent, &doc,
		&p.TeamID, &p.CreatedBy, &p.Version, &p.ContentChecksum, &p.ActiveBranchID,
		&stashHTML, &stashDoc, &stash, &created, &updated)
	if err != nil {
		return nil, err
	}
	p.StructuredDocument = models.Document(content.ParseDocument([]byte(doc)))
	if stash.Valid {
		p.MainStash = &models.Stash{
			HTMLContent:        stashHTML.String,
			StructuredDocument: models.Document(content.ParseDocument([]byte(stashDoc.String))),
			ContentChecksum:    stash.String,
		}
	}
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

func (s *SQLStorage) getPrototype(ctx context.Context, c conn, slug string) (*models.Prototype, error) {
	p, err := scanPrototype(c.queryRow(ctx, "SELECT "+prototypeColumns+" FROM prototypes WHERE slug = ?", slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("prototype %q: %w", slug, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load prototype %q: %w", slug, err)
	}
	return p, nil
}

func (s *SQLStorage) GetPrototype(ctx context.Context, slug string) (*models.Prototype, error) {
	return s.getPrototype(ctx, s.conn(s.db), slug)
}

func (s *SQLStorage) CreatePrototype(ctx context.Context, np models.NewPrototype) (*models.Prototype, error) {
	doc := models.Document(content.Normalize(np.StructuredDocument))
	docJSON, err := encodeDocument(doc)
	if err != nil {
		return nil, err
	}

	now := s.now()
	p := &models.Prototype{
		ID:                 generateID(),
		Slug:               generateSlug(),
		Name:               np.Name,
		Description:        np.Description,
		HTMLContent:        np.HTMLContent,
		StructuredDocument: doc,
		TeamID:             np.TeamID,
		CreatedBy:          np.CreatedBy,
		Version:            1,
		ContentChecksum:    content.Checksum(np.HTMLContent, doc),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = s.inTx(ctx, func(c conn) error {
		if err := s.checkNameFree(ctx, c, p.TeamID, p.CreatedBy, p.Name, ""); err != nil {
			return err
		}
		_, err := c.exec(ctx, `INSERT INTO prototypes (id, slug, name, name_key, description, html_content,
			structured_document, team_id, created_by, version, content_checksum, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Slug, p.Name, nameKey(p.Name), p.Description, p.HTMLContent, docJSON,
			nullString(p.TeamID), p.CreatedBy, p.Version, p.ContentChecksum, toMillis(now), toMillis(now))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("prototype created", "slug", p.Slug, "team", p.TeamID)
	return p, nil
}

// checkNameFree enforces case-insensitive name uniqueness within a team,
// or within the creator's personal prototypes when teamID is empty.
func (s *SQLStorage) checkNameFree(ctx context.Context, c conn, teamID, createdBy, name, exceptID string) error {
	var count int
	var err error
	if teamID != "" {
		err = c.queryRow(ctx, `SELECT COUNT(*) FROM prototypes WHERE team_id = ? AND name_key = ? AND id <> ?`,
			teamID, nameKey(name), exceptID).Scan(&count)
	} else {
		err = c.queryRow(ctx, `SELECT COUNT(*) FROM prototypes WHERE team_id IS NULL AND created_by = ? AND name_key = ? AND id <> ?`,
			createdBy, nameKey(name), exceptID).Scan(&count)
	}
	if err != nil {
		return fmt.Errorf("failed to check name: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("prototype named %q: %w", name, models.ErrAlreadyExists)
	}
	return nil
}

func (s *SQLStorage) ListPrototypes(ctx context.Context, userID string, teamIDs []string) ([]*models.Prototype, error) {
	where := "(team_id IS NULL AND created_by = ?)"
	args := []any{userID}
	if len(teamIDs) > 0 {
		placeholders := make([]string, len(teamIDs))
		for i, id := range teamIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		where += " OR team_id IN (" + strings.Join(placeholders, ", ") + ")"
	}

	rows, err := s.conn(s.db).query(ctx,
		"SELECT "+prototypeColumns+" FROM prototypes WHERE "+where+" ORDER BY updated_at DESC, id", args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	prototypes := []*models.Prototype{}
	for rows.Next() {
		p, err := scanPrototype(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		prototypes = append(prototypes, p)
	}
	return prototypes, rows.Err()
}

func (s *SQLStorage) DeletePrototype(ctx context.Context, slug string) error {
	return s.inTx(ctx, func(c conn) error {
		p, err := s.getPrototype(ctx, c, slug)
		if err != nil {
			return err
		}
		if _, err := c.exec(ctx, "DELETE FROM prototype_versions WHERE prototype_id = ?", p.ID); err != nil {
			return fmt.Errorf("failed to delete versions: %w", err)
		}
		if _, err := c.exec(ctx, "DELETE FROM prototype_branches WHERE prototype_id = ?", p.ID); err != nil {
			return fmt.Errorf("failed to delete branches: %w", err)
		}
		if _, err := c.exec(ctx, "DELETE FROM prototypes WHERE id = ?", p.ID); err != nil {
			return fmt.Errorf("failed to delete prototype: %w", err)
		}
		return nil
	})
}

func (s *SQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *SQLStorage) inTx(ctx context.Context, fn func(c conn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(s.conn(tx)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStorage) now() time.Time {
	return time.UnixMilli(toMillis(s.clock.Now())).UTC()
}

// Helper functions
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func generateID() string {
	return uuid.New().String()
}

// generateSlug returns a lowercase ULID: opaque, URL safe and roughly
// creation ordered.
func generateSlug() string {
	return strings.ToLower(ulid.Make().String())
}

func encodeDocument(doc models.Document) (string, error) {
	raw, err := content.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}
	return string(raw), nil
}
