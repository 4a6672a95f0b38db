package main

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/orian/protoboard/logging"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	// Statements run in order inside one transaction.
	Statements []string
}

// GetMigrations returns all migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Index prototypes by team and creator",
			Statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_prototypes_team ON prototypes(team_id, name_key)",
				"CREATE INDEX IF NOT EXISTS idx_prototypes_creator ON prototypes(created_by, name_key)",
			},
		},
		{
			Version:     2,
			Description: "Index snapshots by prototype and branch",
			Statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_versions_branch ON prototype_versions(prototype_id, branch_id)",
			},
		},
		{
			Version:     3,
			Description: "Index branches by prototype and slug",
			Statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_branches_slug ON prototype_branches(prototype_id, slug)",
			},
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(db *sql.DB, rebind func(string) string, log *logging.Logger) error {
	// Create migrations table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at BIGINT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get current schema version
	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	log.Debug("current schema version", "version", currentVersion)

	appliedCount := 0
	for _, migration := range GetMigrations() {
		if migration.Version <= currentVersion {
			continue
		}

		log.Info("applying migration", "version", migration.Version, "description", migration.Description)
		if err := applyMigration(db, rebind, migration); err != nil {
			return err
		}
		appliedCount++
	}

	if appliedCount > 0 {
		log.Info("migrations applied", "count", appliedCount)
	} else {
		log.Debug("no pending migrations")
	}
	return nil
}

func applyMigration(db *sql.DB, rebind func(string) string, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %d: %w", migration.Version, err)
	}
	defer tx.Rollback()

	for _, stmt := range migration.Statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}
	}

	_, err = tx.Exec(
		rebind("INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)"),
		migration.Version, migration.Description, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
	}
	return nil
}
