package sqlite

import (
	"context"
	"fmt"

	"github.com/ggoodman/pushguard/durable"
)

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations. The last version must
// equal durable.SchemaVersion.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id        TEXT PRIMARY KEY,
	title     TEXT NOT NULL,
	body      TEXT NOT NULL DEFAULT '',
	image     TEXT,
	timestamp TEXT NOT NULL,
	read      INTEGER NOT NULL DEFAULT 0,
	data      TEXT
);
`,
	},
}

// runMigrations applies outstanding migrations. A database written by a newer
// schema is treated as blocked rather than downgraded.
func (s *Store) runMigrations(ctx context.Context) error {
	current := 0

	exists, err := s.tableExists(ctx, "schema_version")
	if err != nil {
		return err
	}
	if exists {
		if err := s.db.GetContext(ctx, &current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}
	if current > durable.SchemaVersion {
		return fmt.Errorf("schema version %d is newer than supported %d", current, durable.SchemaVersion)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
	}
	return nil
}
