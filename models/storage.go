package models

import "context"

// Storage defines the persistence layer for protoboard.
//
// The interface is organized into three categories:
//   - Prototype management: CreatePrototype, GetPrototype, ListPrototypes,
//     UpdatePrototype, DeletePrototype
//   - Version management: ListVersions, GetVersion, LabelVersion,
//     RestoreVersion
//   - Branch management: CreateBranch, ListBranches, SwitchBranch,
//     SwitchToMain, DeleteBranch
//
// Every content-affecting operation (UpdatePrototype with content,
// RestoreVersion, SwitchBranch, SwitchToMain) bumps the prototype version
// by one and records a snapshot of the previous content in the same
// transaction. When the expected version does not match, or a concurrent
// writer got there first, they fail with a *ConflictError.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Storage interface {
	// CreatePrototype inserts a prototype at version 1 with a generated slug.
	//
	// Returns ErrAlreadyExists when the name is taken within the team.
	CreatePrototype(ctx context.Context, p NewPrototype) (*Prototype, error)

	// GetPrototype returns the prototype with the given slug or ErrNotFound.
	GetPrototype(ctx context.Context, slug string) (*Prototype, error)

	// ListPrototypes returns the prototypes of the given teams plus the
	// personal prototypes of userID, most recently updated first.
	ListPrototypes(ctx context.Context, userID string, teamIDs []string) ([]*Prototype, error)

	// UpdatePrototype applies an edit.
	//
	// Metadata-only edits and edits whose content checksum equals the
	// stored one do not bump the version and do not snapshot.
	UpdatePrototype(ctx context.Context, slug string, upd PrototypeUpdate) (*Prototype, error)

	// DeletePrototype removes the prototype with its snapshots and branches.
	DeletePrototype(ctx context.Context, slug string) error

	// ListVersions returns a page of snapshots, newest first.
	ListVersions(ctx context.Context, slug string, filter VersionFilter) (*VersionPage, error)

	// GetVersion returns one snapshot by number or ErrNotFound.
	GetVersion(ctx context.Context, slug string, number int64) (*VersionSnapshot, error)

	// LabelVersion sets or clears the label of a snapshot.
	LabelVersion(ctx context.Context, slug string, number int64, label string) (*VersionSnapshot, error)

	// RestoreVersion makes the content of snapshot number the live content.
	RestoreVersion(ctx context.Context, slug string, number int64, actor string, expected *int64) (*Prototype, error)

	// CreateBranch forks a branch from the prototype's current content.
	//
	// Returns ErrAlreadyExists when an active branch has the same slug and
	// a validation error for the reserved name "main".
	CreateBranch(ctx context.Context, slug string, b NewBranch) (*Branch, error)

	// ListBranches returns the active branches, oldest first.
	ListBranches(ctx context.Context, slug string) ([]*Branch, error)

	// SwitchBranch checks out branchSlug, stashing the outgoing content.
	//
	// Returns ErrAlreadyOnTarget when the branch is already checked out.
	SwitchBranch(ctx context.Context, slug, branchSlug, actor string, expected *int64) (*Prototype, error)

	// SwitchToMain restores main's stashed content.
	//
	// Returns ErrAlreadyOnTarget when already on main.
	SwitchToMain(ctx context.Context, slug, actor string, expected *int64) (*Prototype, error)

	// DeleteBranch soft-deletes a branch. A checked out branch cannot be
	// deleted.
	DeleteBranch(ctx context.Context, slug, branchSlug string) error

	// Ping verifies the underlying database is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the storage.
	//
	// After Close is called, the storage should not be used.
	Close() error
}
