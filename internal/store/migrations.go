package store

import (
	"database/sql"
	"fmt"
)

var migrations = []string{
	// Migration 1: profiles
	`CREATE TABLE IF NOT EXISTS profiles (
		user_id               TEXT PRIMARY KEY,
		aqi_threshold         REAL NOT NULL DEFAULT 150,
		notification_interval REAL NOT NULL DEFAULT 2,
		notification_unit     TEXT NOT NULL DEFAULT 'hours' CHECK(notification_unit IN ('minutes', 'hours')),
		last_notified_at      INTEGER,
		location_mode         TEXT NOT NULL DEFAULT 'gps' CHECK(location_mode IN ('gps', 'manual')),
		manual_name           TEXT NOT NULL DEFAULT '',
		manual_lat            REAL NOT NULL DEFAULT 0,
		manual_lng            REAL NOT NULL DEFAULT 0,
		created_at            DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at            DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("check migration version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("run migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}
