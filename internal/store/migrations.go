package store

import "fmt"

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_kv_updated ON kv(updated_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate v1: %w", err)
	}
	return nil
}
