// Package models defines the core data types for protoboard, the
// persistence layer behind a visual prototype editor: prototypes, their
// linear version history and their named content branches.
package models

import "time"

// Document is a prototype's structured content: pages, styles, assets and
// whatever else the canvas engine stores. See content.Normalize for the
// canonical shape.
type Document map[string]any

// Prototype is the single mutable document a team edits.
//
// Exactly one of the following holds at any time: ActiveBranchID is empty,
// or MainStash holds the content that belongs to main.
type Prototype struct {
	// ID is the row identifier (UUID).
	ID string `json:"id"`

	// Slug is the opaque public identity used in URLs. It never changes.
	Slug string `json:"slug"`

	Name        string `json:"name"`
	Description string `json:"description"`

	HTMLContent        string   `json:"htmlContent"`
	StructuredDocument Document `json:"structuredDocument"`

	// TeamID is empty for personal prototypes.
	TeamID    string `json:"teamId,omitempty"`
	CreatedBy string `json:"createdBy"`

	// Version increases by exactly one on every content-affecting mutation.
	Version int64 `json:"version"`

	// ContentChecksum is content.Checksum(HTMLContent, StructuredDocument).
	ContentChecksum string `json:"contentChecksum"`

	// ActiveBranchID is the checked out branch, empty when on main.
	ActiveBranchID string `json:"activeBranchId,omitempty"`

	// MainStash parks main's content while a branch is checked out.
	MainStash *Stash `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OnBranch reports whether a branch is checked out.
func (p *Prototype) OnBranch() bool {
	return p.ActiveBranchID != ""
}

// Stash is content parked while the other side is loaded.
type Stash struct {
	HTMLContent        string   `json:"htmlContent"`
	StructuredDocument Document `json:"structuredDocument"`
	ContentChecksum    string   `json:"contentChecksum"`
}

// VersionSnapshot is an immutable copy of a prototype's content as it was
// immediately before a content-affecting mutation.
type VersionSnapshot struct {
	ID          string `json:"id"`
	PrototypeID string `json:"prototypeId"`

	// VersionNumber is dense and strictly increasing per prototype,
	// starting at 1.
	VersionNumber int64 `json:"versionNumber"`

	HTMLContent        string   `json:"htmlContent"`
	StructuredDocument Document `json:"structuredDocument"`
	ContentChecksum    string   `json:"contentChecksum"`

	// Label is the only field that may change after creation.
	Label string `json:"label,omitempty"`

	// BranchID is the branch that was checked out when the snapshot was
	// taken. Empty means main.
	BranchID string `json:"branchId,omitempty"`

	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// Branch is a named alternate content line of a prototype.
type Branch struct {
	ID          string `json:"id"`
	PrototypeID string `json:"prototypeId"`

	Name string `json:"name"`

	// Slug is derived from Name and unique among the prototype's active
	// branches. "main" is reserved.
	Slug        string `json:"slug"`
	Description string `json:"description"`

	HTMLContent        string   `json:"htmlContent"`
	StructuredDocument Document `json:"structuredDocument"`
	ContentChecksum    string   `json:"contentChecksum"`

	// ForkedFromVersion is the prototype version the branch was created at.
	ForkedFromVersion int64 `json:"forkedFromVersion"`

	// IsActive is false once the branch has been deleted. Deleted branches
	// are kept so snapshot branch tags stay resolvable.
	IsActive bool `json:"isActive"`

	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewPrototype carries the fields of a prototype being created.
type NewPrototype struct {
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	HTMLContent        string   `json:"htmlContent"`
	StructuredDocument Document `json:"structuredDocument"`
	TeamID             string   `json:"teamId,omitempty"`
	CreatedBy          string   `json:"-"`
}

// PrototypeUpdate is an edit. Nil fields are left unchanged.
type PrototypeUpdate struct {
	Name               *string  `json:"name,omitempty"`
	Description        *string  `json:"description,omitempty"`
	HTMLContent        *string  `json:"htmlContent,omitempty"`
	StructuredDocument Document `json:"structuredDocument,omitempty"`

	// ExpectedVersion is the version the caller believes is current
	// (If-Match). Nil skips the precondition.
	ExpectedVersion *int64 `json:"-"`

	Actor string `json:"-"`
}

// TouchesContent reports whether the update carries html or document
// content, as opposed to metadata only.
func (u *PrototypeUpdate) TouchesContent() bool {
	return u.HTMLContent != nil || u.StructuredDocument != nil
}

// NewBranch carries the fields of a branch being created.
type NewBranch struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedBy   string `json:"-"`
}

// Branch filters for version listings.
const (
	BranchFilterAll  = "all"
	BranchFilterMain = "main"
)

// VersionFilter selects a page of snapshots.
type VersionFilter struct {
	// Branch is BranchFilterAll, BranchFilterMain or a branch ID.
	Branch string
	Page   int
	Limit  int
}

// VersionPage is one page of snapshots, newest first.
type VersionPage struct {
	Versions []*VersionSnapshot `json:"versions"`
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	Limit    int                `json:"limit"`
}
