package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/orian/protoboard/content"
	"github.com/orian/protoboard/models"
)

// errRowClaimed marks a version-matched UPDATE that matched no row: another
// writer committed between our read and our write.
var errRowClaimed = errors.New("prototype row claimed by a concurrent writer")

// change is the new live content a commit writes, plus the bookkeeping the
// variant needs.
type change struct {
	html string
	doc  models.Document

	// label is stored on the snapshot of the outgoing content.
	label string

	// Metadata carried along with an edit.
	name        *string
	description *string

	// skipIfSame turns the commit into a metadata-only write when the new
	// checksum equals the stored one.
	skipIfSame bool

	// mirror copies the new content into the checked out branch row.
	mirror bool

	// setActive rewrites active_branch_id and the main stash columns.
	setActive      bool
	activeBranchID string
	stash          *models.Stash
}

// prepareFunc inspects the row re-read inside the transaction and returns
// the change to apply. It may read or write other rows through c.
type prepareFunc func(ctx context.Context, c conn, fresh *models.Prototype) (*change, error)

// commit runs the optimistic update protocol shared by edit, restore and
// branch switches:
//
//  1. precondition check against a plain read, before any transaction
//  2. re-read inside the transaction and re-check the precondition
//  3. variant preparation
//  4. UPDATE ... WHERE version = <fresh version>, zero rows is a conflict
//  5. snapshot of the fresh content, numbered max + 1
//  6. prune to the retention limit
//  7. mirror into the active branch when asked
//
// Every failure rolls the whole transaction back.
func (s *SQLStorage) commit(ctx context.Context, slug string, expected *int64, actor string, prepare prepareFunc) (*models.Prototype, error) {
	cur, err := s.GetPrototype(ctx, slug)
	if err != nil {
		return nil, err
	}
	if expected != nil && *expected != cur.Version {
		return nil, &models.ConflictError{ServerVersion: cur.Version, YourVersion: expected, Reason: models.ReasonVersionMismatch}
	}

	var out *models.Prototype
	err = s.inTx(ctx, func(c conn) error {
		fresh, err := s.getPrototype(ctx, c, slug)
		if errors.Is(err, models.ErrNotFound) {
			return errRowClaimed
		}
		if err != nil {
			return err
		}
		if expected != nil && *expected != fresh.Version {
			return &models.ConflictError{ServerVersion: fresh.Version, YourVersion: expected, Reason: models.ReasonVersionMismatch}
		}

		ch, err := prepare(ctx, c, fresh)
		if err != nil {
			return err
		}

		checksum := content.Checksum(ch.html, ch.doc)
		if ch.skipIfSame && checksum == fresh.ContentChecksum {
			out, err = s.writeMetadata(ctx, c, fresh, ch.name, ch.description)
			return err
		}

		if err := s.claimRow(ctx, c, fresh, ch, checksum); err != nil {
			return err
		}
		if err := s.insertSnapshot(ctx, c, fresh, ch.label, actor); err != nil {
			return err
		}
		if err := s.prune(ctx, c, fresh.ID); err != nil {
			return err
		}
		if ch.mirror && fresh.OnBranch() {
			if err := s.writeBranchContent(ctx, c, fresh.ActiveBranchID, ch.html, ch.doc, checksum); err != nil {
				return err
			}
		}

		out, err = s.getPrototype(ctx, c, slug)
		return err
	})
	if err != nil {
		return nil, s.normalizeConflict(ctx, slug, expected, err)
	}
	return out, nil
}

// claimRow writes the new content and bumps the version, matching on the
// version read inside the transaction.
func (s *SQLStorage) claimRow(ctx context.Context, c conn, fresh *models.Prototype, ch *change, checksum string) error {
	doc, err := encodeDocument(ch.doc)
	if err != nil {
		return err
	}

	sets := []string{"html_content = ?", "structured_document = ?", "content_checksum = ?", "version = version + 1", "updated_at = ?"}
	args := []any{ch.html, doc, checksum, toMillis(s.now())}

	if ch.name != nil {
		if err := s.checkNameFree(ctx, c, fresh.TeamID, fresh.CreatedBy, *ch.name, fresh.ID); err != nil {
			return err
		}
		sets = append(sets, "name = ?", "name_key = ?")
		args = append(args, *ch.name, nameKey(*ch.name))
	}
	if ch.description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *ch.description)
	}
	if ch.setActive {
		sets = append(sets, "active_branch_id = ?", "main_html_stash = ?", "main_document_stash = ?", "main_checksum_stash = ?")
		args = append(args, nullString(ch.activeBranchID))
		if ch.stash != nil {
			stashDoc, err := encodeDocument(ch.stash.StructuredDocument)
			if err != nil {
				return err
			}
			args = append(args, ch.stash.HTMLContent, stashDoc, ch.stash.ContentChecksum)
		} else {
			args = append(args, nil, nil, nil)
		}
	}
	args = append(args, fresh.ID, fresh.Version)

	res, err := c.exec(ctx, "UPDATE prototypes SET "+strings.Join(sets, ", ")+" WHERE id = ? AND version = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update prototype: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return errRowClaimed
	}
	return nil
}

func (s *SQLStorage) insertSnapshot(ctx context.Context, c conn, fresh *models.Prototype, label, actor string) error {
	var next int64
	err := c.queryRow(ctx, "SELECT COALESCE(MAX(version_number), 0) + 1 FROM prototype_versions WHERE prototype_id = ?", fresh.ID).Scan(&next)
	if err != nil {
		return fmt.Errorf("failed to number snapshot: %w", err)
	}
	doc, err := encodeDocument(fresh.StructuredDocument)
	if err != nil {
		return err
	}
	_, err = c.exec(ctx, `INSERT INTO prototype_versions (id, prototype_id, version_number, html_content,
		structured_document, content_checksum, label, branch_id, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		generateID(), fresh.ID, next, fresh.HTMLContent, doc, fresh.ContentChecksum,
		nullString(label), nullString(fresh.ActiveBranchID), actor, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// prune drops the oldest snapshots beyond the retention limit.
func (s *SQLStorage) prune(ctx context.Context, c conn, prototypeID string) error {
	var count, highest int64
	err := c.queryRow(ctx, "SELECT COUNT(*), COALESCE(MAX(version_number), 0) FROM prototype_versions WHERE prototype_id = ?",
		prototypeID).Scan(&count, &highest)
	if err != nil {
		return fmt.Errorf("failed to count snapshots: %w", err)
	}
	if count <= int64(s.retain) {
		return nil
	}
	_, err = c.exec(ctx, "DELETE FROM prototype_versions WHERE prototype_id = ? AND version_number <= ?",
		prototypeID, highest-int64(s.retain))
	if err != nil {
		return fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return nil
}

// writeMetadata updates name and description without touching content or
// version.
func (s *SQLStorage) writeMetadata(ctx context.Context, c conn, fresh *models.Prototype, name, description *string) (*models.Prototype, error) {
	if name == nil && description == nil {
		return fresh, nil
	}
	sets := []string{"updated_at = ?"}
	args := []any{toMillis(s.now())}
	if name != nil {
		if err := s.checkNameFree(ctx, c, fresh.TeamID, fresh.CreatedBy, *name, fresh.ID); err != nil {
			return nil, err
		}
		sets = append(sets, "name = ?", "name_key = ?")
		args = append(args, *name, nameKey(*name))
	}
	if description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *description)
	}
	args = append(args, fresh.ID, fresh.Version)

	res, err := c.exec(ctx, "UPDATE prototypes SET "+strings.Join(sets, ", ")+" WHERE id = ? AND version = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update prototype: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	} else if n == 0 {
		return nil, errRowClaimed
	}
	return s.getPrototype(ctx, c, fresh.Slug)
}

// UpdatePrototype applies an edit. Edits without content skip the version
// protocol; so do edits whose content hashes to the stored checksum.
func (s *SQLStorage) UpdatePrototype(ctx context.Context, slug string, upd models.PrototypeUpdate) (*models.Prototype, error) {
	if !upd.TouchesContent() {
		return s.updateMetadata(ctx, slug, upd)
	}
	return s.commit(ctx, slug, upd.ExpectedVersion, upd.Actor, func(ctx context.Context, c conn, fresh *models.Prototype) (*change, error) {
		ch := &change{
			html:        fresh.HTMLContent,
			doc:         fresh.StructuredDocument,
			name:        upd.Name,
			description: upd.Description,
			skipIfSame:  true,
			mirror:      true,
		}
		if upd.HTMLContent != nil {
			ch.html = *upd.HTMLContent
		}
		if upd.StructuredDocument != nil {
			ch.doc = upd.StructuredDocument
		}
		return ch, nil
	})
}

func (s *SQLStorage) updateMetadata(ctx context.Context, slug string, upd models.PrototypeUpdate) (*models.Prototype, error) {
	cur, err := s.GetPrototype(ctx, slug)
	if err != nil {
		return nil, err
	}
	if upd.ExpectedVersion != nil && *upd.ExpectedVersion != cur.Version {
		return nil, &models.ConflictError{ServerVersion: cur.Version, YourVersion: upd.ExpectedVersion, Reason: models.ReasonVersionMismatch}
	}

	var out *models.Prototype
	err = s.inTx(ctx, func(c conn) error {
		fresh, err := s.getPrototype(ctx, c, slug)
		if errors.Is(err, models.ErrNotFound) {
			return errRowClaimed
		}
		if err != nil {
			return err
		}
		if upd.ExpectedVersion != nil && *upd.ExpectedVersion != fresh.Version {
			return &models.ConflictError{ServerVersion: fresh.Version, YourVersion: upd.ExpectedVersion, Reason: models.ReasonVersionMismatch}
		}
		out, err = s.writeMetadata(ctx, c, fresh, upd.Name, upd.Description)
		return err
	})
	if err != nil {
		return nil, s.normalizeConflict(ctx, slug, upd.ExpectedVersion, err)
	}
	return out, nil
}

// writeBranchContent stores content into a branch row.
func (s *SQLStorage) writeBranchContent(ctx context.Context, c conn, branchID, html string, doc models.Document, checksum string) error {
	encoded, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	_, err = c.exec(ctx, `UPDATE prototype_branches SET html_content = ?, structured_document = ?, content_checksum = ?, updated_at = ?
		WHERE id = ?`, html, encoded, checksum, toMillis(s.now()), branchID)
	if err != nil {
		return fmt.Errorf("failed to write branch content: %w", err)
	}
	return nil
}

// normalizeConflict turns lost races and driver-level write conflicts into
// a *models.ConflictError carrying the authoritative version. Other errors
// pass through.
func (s *SQLStorage) normalizeConflict(ctx context.Context, slug string, expected *int64, err error) error {
	if _, ok := models.AsConflict(err); ok {
		return err
	}
	for _, known := range []error{models.ErrNotFound, models.ErrAlreadyExists, models.ErrValidation, models.ErrAlreadyOnTarget} {
		if errors.Is(err, known) {
			return err
		}
	}
	if !errors.Is(err, errRowClaimed) && !isWriteConflict(err) {
		return err
	}

	var server int64
	if p, gerr := s.GetPrototype(ctx, slug); gerr == nil {
		server = p.Version
	}
	s.log.Debug("write conflict", "slug", slug, "serverVersion", server, "cause", err)
	return &models.ConflictError{ServerVersion: server, YourVersion: expected, Reason: models.ReasonConcurrentModification}
}

// isWriteConflict classifies driver errors that mean another transaction
// won: serialization failures and duplicate snapshot numbers.
func isWriteConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "23505", "40001", "40P01":
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"could not serialize", "conflict", "duplicate key", "unique constraint"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
