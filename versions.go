package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/orian/protoboard/content"
	"github.com/orian/protoboard/models"
)

// Pagination defaults for version listings.
const (
	DefaultVersionPageSize = 20
	MaxVersionPageSize     = 100
)

const versionColumns = `id, prototype_id, version_number, html_content, structured_document, content_checksum,
	COALESCE(label, ''), COALESCE(branch_id, ''), created_by, created_at`

func scanVersion(row rowScanner) (*models.VersionSnapshot, error) {
	var (
		v       models.VersionSnapshot
		doc     string
		created int64
	)
	err := row.Scan(&v.ID, &v.PrototypeID, &v.VersionNumber, &v.HTMLContent, &doc, &v.ContentChecksum,
		&v.Label, &v.BranchID, &v.CreatedBy, &created)
	if err != nil {
		return nil, err
	}
	v.StructuredDocument = models.Document(content.ParseDocument([]byte(doc)))
	v.CreatedAt = fromMillis(created)
	return &v, nil
}

func (s *SQLStorage) getVersion(ctx context.Context, c conn, prototypeID string, number int64) (*models.VersionSnapshot, error) {
	v, err := scanVersion(c.queryRow(ctx,
		"SELECT "+versionColumns+" FROM prototype_versions WHERE prototype_id = ? AND version_number = ?",
		prototypeID, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("version %d: %w", number, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load version %d: %w", number, err)
	}
	return v, nil
}

// ListVersions returns a page of snapshots, newest first. Branch "main"
// selects snapshots taken on main, "all" (or empty) every snapshot, and
// anything else is a branch ID.
func (s *SQLStorage) ListVersions(ctx context.Context, slug string, f models.VersionFilter) (*models.VersionPage, error) {
	p, err := s.GetPrototype(ctx, slug)
	if err != nil {
		return nil, err
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = DefaultVersionPageSize
	}
	if f.Limit > MaxVersionPageSize {
		f.Limit = MaxVersionPageSize
	}

	where := "prototype_id = ?"
	args := []any{p.ID}
	switch f.Branch {
	case "", models.BranchFilterAll:
	case models.BranchFilterMain:
		where += " AND branch_id IS NULL"
	default:
		where += " AND branch_id = ?"
		args = append(args, f.Branch)
	}

	c := s.conn(s.db)
	page := &models.VersionPage{Versions: []*models.VersionSnapshot{}, Page: f.Page, Limit: f.Limit}
	if err := c.queryRow(ctx, "SELECT COUNT(*) FROM prototype_versions WHERE "+where, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("failed to count versions: %w", err)
	}

	rows, err := c.query(ctx,
		"SELECT "+versionColumns+" FROM prototype_versions WHERE "+where+" ORDER BY version_number DESC LIMIT ? OFFSET ?",
		append(args, f.Limit, (f.Page-1)*f.Limit)...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		page.Versions = append(page.Versions, v)
	}
	return page, rows.Err()
}

func (s *SQLStorage) GetVersion(ctx context.Context, slug string, number int64) (*models.VersionSnapshot, error) {
	p, err := s.GetPrototype(ctx, slug)
	if err != nil {
		return nil, err
	}
	return s.getVersion(ctx, s.conn(s.db), p.ID, number)
}

// LabelVersion sets a user label on a snapshot. An empty label clears it.
// System labels cannot be written or overwritten here.
func (s *SQLStorage) LabelVersion(ctx context.Context, slug string, number int64, label string) (*models.VersionSnapshot, error) {
	label, err := models.ParseLabel(label)
	if err != nil {
		return nil, err
	}

	var out *models.VersionSnapshot
	err = s.inTx(ctx, func(c conn) error {
		p, err := s.getPrototype(ctx, c, slug)
		if err != nil {
			return err
		}
		v, err := s.getVersion(ctx, c, p.ID, number)
		if err != nil {
			return err
		}
		if models.IsSystemLabel(v.Label) {
			return models.Invalid("label", "version %d carries a system label", number)
		}
		if _, err := c.exec(ctx, "UPDATE prototype_versions SET label = ? WHERE id = ?", nullString(label), v.ID); err != nil {
			return fmt.Errorf("failed to label version: %w", err)
		}
		v.Label = label
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RestoreVersion makes snapshot number the live content. The outgoing
// content is snapshotted first, so a restore can itself be undone.
func (s *SQLStorage) RestoreVersion(ctx context.Context, slug string, number int64, actor string, expected *int64) (*models.Prototype, error) {
	return s.commit(ctx, slug, expected, actor, func(ctx context.Context, c conn, fresh *models.Prototype) (*change, error) {
		v, err := s.getVersion(ctx, c, fresh.ID, number)
		if err != nil {
			return nil, err
		}
		return &change{
			html:   v.HTMLContent,
			doc:    v.StructuredDocument,
			label:  models.RestoreLabel(number),
			mirror: true,
		}, nil
	})
}
