package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kjstillabower/air-alert-service/internal/models"

	_ "modernc.org/sqlite"
)

// SQLite is a ProfileStore backed by an SQLite file.
// The watermark is stored as Unix nanoseconds; NULL means never notified.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates the database at dbPath and applies migrations.
func NewSQLite(dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLite{db: db}, nil
}

const selectProfile = `SELECT user_id, aqi_threshold, notification_interval, notification_unit,
	last_notified_at, location_mode, manual_name, manual_lat, manual_lng
	FROM profiles WHERE user_id = ?`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (models.MonitoringProfile, error) {
	var (
		p        models.MonitoringProfile
		unit     string
		mode     string
		notified sql.NullInt64
	)
	err := row.Scan(&p.UserID, &p.AQIThreshold, &p.NotificationInterval, &unit,
		&notified, &mode, &p.Location.ManualName, &p.Location.ManualLat, &p.Location.ManualLng)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MonitoringProfile{}, ErrProfileNotFound
	}
	if err != nil {
		return models.MonitoringProfile{}, fmt.Errorf("scan profile: %w", err)
	}
	p.NotificationUnit = models.IntervalUnit(unit)
	p.Location.Mode = models.LocationMode(mode)
	if notified.Valid {
		t := time.Unix(0, notified.Int64).UTC()
		p.LastNotifiedAt = &t
	}
	return p, nil
}

func (s *SQLite) EnsureProfile(ctx context.Context, userID string) (models.MonitoringProfile, error) {
	d := models.NewProfile(userID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, aqi_threshold, notification_interval, notification_unit, location_mode)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT(user_id) DO NOTHING`,
		d.UserID, d.AQIThreshold, d.NotificationInterval, string(d.NotificationUnit), string(d.Location.Mode),
	)
	if err != nil {
		return models.MonitoringProfile{}, fmt.Errorf("insert profile: %w", err)
	}
	return s.GetProfile(ctx, userID)
}

func (s *SQLite) GetProfile(ctx context.Context, userID string) (models.MonitoringProfile, error) {
	return scanProfile(s.db.QueryRowContext(ctx, selectProfile, userID))
}

// UpdateSettings rewrites the settings columns only; last_notified_at is untouched.
func (s *SQLite) UpdateSettings(ctx context.Context, userID string, update models.SettingsUpdate) (models.MonitoringProfile, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.MonitoringProfile{}, fmt.Errorf("begin settings update: %w", err)
	}
	defer tx.Rollback()

	p, err := scanProfile(tx.QueryRowContext(ctx, selectProfile, userID))
	if err != nil {
		return models.MonitoringProfile{}, err
	}
	update.Apply(&p)

	_, err = tx.ExecContext(ctx,
		`UPDATE profiles SET aqi_threshold = ?, notification_interval = ?, notification_unit = ?,
			location_mode = ?, manual_name = ?, manual_lat = ?, manual_lng = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ?`,
		p.AQIThreshold, p.NotificationInterval, string(p.NotificationUnit),
		string(p.Location.Mode), p.Location.ManualName, p.Location.ManualLat, p.Location.ManualLng,
		userID,
	)
	if err != nil {
		return models.MonitoringProfile{}, fmt.Errorf("update settings: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.MonitoringProfile{}, fmt.Errorf("commit settings update: %w", err)
	}
	return p, nil
}

func (s *SQLite) SetLastNotified(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET last_notified_at = ?, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?`,
		at.UnixNano(), userID,
	)
	if err != nil {
		return fmt.Errorf("update last notified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update last notified: %w", err)
	}
	if n == 0 {
		return ErrProfileNotFound
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
