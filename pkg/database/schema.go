package database

import (
	"context"
	"fmt"
	"io/fs"
	"sort"

	schemafs "bursar/pkg/database/sql"
	"bursar/pkg/logging"
)

// ApplySchema executes the embedded schema files in lexical order. Statements
// use IF NOT EXISTS guards, so re-applying on boot is safe.
func ApplySchema(ctx context.Context, db PostgresConn, logger logging.Logger) error {
	entries, err := fs.Glob(schemafs.Content, "schema/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list schema files: %w", err)
	}
	sort.Strings(entries)

	for _, name := range entries {
		ddl, err := fs.ReadFile(schemafs.Content, name)
		if err != nil {
			return fmt.Errorf("failed to read schema file %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(ddl)); err != nil {
			return fmt.Errorf("failed to apply schema file %s: %w", name, err)
		}
		logger.WithField("file", name).Info("Applied schema file")
	}
	return nil
}
