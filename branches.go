package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/orian/protoboard/content"
	"github.com/orian/protoboard/models"
)

const branchColumns = `id, prototype_id, name, slug, description, html_content, structured_document,
	content_checksum, forked_from_version, is_active, created_by, created_at, updated_at`

func scanBranch(row rowScanner) (*models.Branch, error) {
	var (
		b                models.Branch
		doc              string
		created, updated int64
	)
	err := row.Scan(&b.ID, &b.PrototypeID, &b.Name, &b.Slug, &b.Description, &b.HTMLContent, &doc,
		&b.ContentChecksum, &b.ForkedFromVersion, &b.IsActive, &b.CreatedBy, &created, &updated)
	if err != nil {
		return nil, err
	}
	b.StructuredDocument = models.Document(content.ParseDocument([]byte(doc)))
	b.CreatedAt = fromMillis(created)
	b.UpdatedAt = fromMillis(updated)
	return &b, nil
}

// activeBranch loads an active branch by slug. Slugs compare
// case-sensitively.
func (s *SQLStorage) activeBranch(ctx context.Context, c conn, prototypeID, branchSlug string) (*models.Branch, error) {
	b, err := scanBranch(c.queryRow(ctx,
		"SELECT "+branchColumns+" FROM prototype_branches WHERE prototype_id = ? AND slug = ? AND is_active = ?",
		prototypeID, branchSlug, true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("branch %q: %w", branchSlug, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load branch %q: %w", branchSlug, err)
	}
	return b, nil
}

// CreateBranch forks a branch from the prototype's live content. It does
// not change the prototype or its version.
func (s *SQLStorage) CreateBranch(ctx context.Context, slug string, nb models.NewBranch) (*models.Branch, error) {
	nb.Name = strings.TrimSpace(nb.Name)
	branchSlug := models.BranchSlug(nb.Name)
	if branchSlug == "" {
		return nil, models.Invalid("name", "must contain at least one letter or digit")
	}
	if strings.EqualFold(branchSlug, models.ReservedBranchSlug) {
		return nil, models.Invalid("name", "%q is reserved", nb.Name)
	}

	var out *models.Branch
	err := s.inTx(ctx, func(c conn) error {
		p, err := s.getPrototype(ctx, c, slug)
		if err != nil {
			return err
		}
		if _, err := s.activeBranch(ctx, c, p.ID, branchSlug); err == nil {
			return fmt.Errorf("branch %q: %w", branchSlug, models.ErrAlreadyExists)
		} else if !errors.Is(err, models.ErrNotFound) {
			return err
		}

		doc, err := encodeDocument(p.StructuredDocument)
		if err != nil {
			return err
		}
		now := s.now()
		b := &models.Branch{
			ID:                 generateID(),
			PrototypeID:        p.ID,
			Name:               nb.Name,
			Slug:               branchSlug,
			Description:        nb.Description,
			HTMLContent:        p.HTMLContent,
			StructuredDocument: p.StructuredDocument,
			ContentChecksum:    p.ContentChecksum,
			ForkedFromVersion:  p.Version,
			IsActive:           true,
			CreatedBy:          nb.CreatedBy,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		_, err = c.exec(ctx, `INSERT INTO prototype_branches (id, prototype_id, name, slug, description, html_content,
			structured_document, content_checksum, forked_from_version, is_active, created_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.PrototypeID, b.Name, b.Slug, b.Description, b.HTMLContent, doc, b.ContentChecksum,
			b.ForkedFromVersion, b.IsActive, b.CreatedBy, toMillis(now), toMillis(now))
		if err != nil {
			return fmt.Errorf("failed to insert branch: %w", err)
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStorage) ListBranches(ctx context.Context, slug string) ([]*models.Branch, error) {
	p, err := s.GetPrototype(ctx, slug)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn(s.db).query(ctx,
		"SELECT "+branchColumns+" FROM prototype_branches WHERE prototype_id = ? AND is_active = ? ORDER BY created_at, id",
		p.ID, true)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	branches := []*models.Branch{}
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

// SwitchBranch checks out branchSlug. Leaving main parks main's content in
// the stash; leaving another branch writes the live content back into that
// branch's row.
func (s *SQLStorage) SwitchBranch(ctx context.Context, slug, branchSlug, actor string, expected *int64) (*models.Prototype, error) {
	return s.commit(ctx, slug, expected, actor, func(ctx context.Context, c conn, fresh *models.Prototype) (*change, error) {
		target, err := s.activeBranch(ctx, c, fresh.ID, branchSlug)
		if err != nil {
			return nil, err
		}
		if fresh.ActiveBranchID == target.ID {
			return nil, fmt.Errorf("branch %q is checked out: %w", branchSlug, models.ErrAlreadyOnTarget)
		}

		stash := fresh.MainStash
		if fresh.OnBranch() {
			err := s.writeBranchContent(ctx, c, fresh.ActiveBranchID, fresh.HTMLContent, fresh.StructuredDocument, fresh.ContentChecksum)
			if err != nil {
				return nil, err
			}
		} else {
			stash = &models.Stash{
				HTMLContent:        fresh.HTMLContent,
				StructuredDocument: fresh.StructuredDocument,
				ContentChecksum:    fresh.ContentChecksum,
			}
		}

		return &change{
			html:           target.HTMLContent,
			doc:            target.StructuredDocument,
			label:          models.SwitchLabel(target.Slug),
			setActive:      true,
			activeBranchID: target.ID,
			stash:          stash,
		}, nil
	})
}

// SwitchToMain writes the live content back into the checked out branch
// and restores main's stashed content.
func (s *SQLStorage) SwitchToMain(ctx context.Context, slug, actor string, expected *int64) (*models.Prototype, error) {
	return s.commit(ctx, slug, expected, actor, func(ctx context.Context, c conn, fresh *models.Prototype) (*change, error) {
		if !fresh.OnBranch() {
			return nil, fmt.Errorf("prototype %q is on main: %w", slug, models.ErrAlreadyOnTarget)
		}

		// A stashed empty main is restored as is. Only a missing stash with
		// live content on the branch is refused.
		stash := fresh.MainStash
		if stash == nil {
			if !content.IsEmpty(fresh.HTMLContent, fresh.StructuredDocument) {
				return nil, &models.ConflictError{ServerVersion: fresh.Version, YourVersion: expected, Reason: models.ReasonEmptyStash}
			}
			stash = &models.Stash{}
		}

		err := s.writeBranchContent(ctx, c, fresh.ActiveBranchID, fresh.HTMLContent, fresh.StructuredDocument, fresh.ContentChecksum)
		if err != nil {
			return nil, err
		}
		return &change{
			html:      stash.HTMLContent,
			doc:       stash.StructuredDocument,
			label:     models.SwitchLabel(models.ReservedBranchSlug),
			setActive: true,
		}, nil
	})
}

// DeleteBranch soft-deletes a branch. Snapshots tagged with it keep their
// branch ID.
func (s *SQLStorage) DeleteBranch(ctx context.Context, slug, branchSlug string) error {
	return s.inTx(ctx, func(c conn) error {
		p, err := s.getPrototype(ctx, c, slug)
		if err != nil {
			return err
		}
		b, err := s.activeBranch(ctx, c, p.ID, branchSlug)
		if err != nil {
			return err
		}
		if p.ActiveBranchID == b.ID {
			return models.Invalid("branch", "%q is checked out; switch away before deleting it", branchSlug)
		}
		_, err = c.exec(ctx, "UPDATE prototype_branches SET is_active = ?, updated_at = ? WHERE id = ?",
			false, toMillis(s.now()), b.ID)
		if err != nil {
			return fmt.Errorf("failed to delete branch: %w", err)
		}
		return nil
	})
}
