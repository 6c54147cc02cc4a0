package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/deckbot/internal/config"
	"github.com/banshee-data/deckbot/internal/pose"
)

// ConfigBackup is a snapshot of the robot configuration taken before a
// calibration overwrote it.
type ConfigBackup struct {
	ID        int64               `json:"id"`
	Tag       string              `json:"tag"`
	Config    *config.RobotConfig `json:"config"`
	CreatedAt int64               `json:"created_at"`
}

// LoadDeckCalibration returns the stored gantry calibration. ok is false if
// the deck has never been calibrated.
func (db *DB) LoadDeckCalibration(ctx context.Context) (t pose.Transform, ok bool, err error) {
	var raw string
	err = db.QueryRowContext(ctx, `SELECT matrix_json FROM deck_calibration WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return pose.Identity(), false, nil
	}
	if err != nil {
		return pose.Identity(), false, fmt.Errorf("failed to load deck calibration: %w", err)
	}
	var rows [4][4]float64
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return pose.Identity(), false, fmt.Errorf("failed to decode deck calibration: %w", err)
	}
	return pose.FromRows(rows), true, nil
}

// SaveDeckCalibration stores the gantry calibration of cfg.
func (db *DB) SaveDeckCalibration(ctx context.Context, cfg *config.RobotConfig) error {
	raw, err := json.Marshal(cfg.GetGantryCalibration().Rows())
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO deck_calibration (id, matrix_json, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET matrix_json = excluded.matrix_json, updated_at = excluded.updated_at`,
		string(raw), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save deck calibration: %w", err)
	}
	logf("saved deck calibration")
	return nil
}

// SaveInstrumentOffset stores the measured offset of a pipette kind on a
// mount.
func (db *DB) SaveInstrumentOffset(ctx context.Context, mount, kind string, p pose.Point) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO instrument_offsets (mount, kind, x, y, z, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(mount, kind) DO UPDATE SET x = excluded.x, y = excluded.y, z = excluded.z, updated_at = excluded.updated_at`,
		mount, kind, p.X, p.Y, p.Z, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save instrument offset: %w", err)
	}
	return nil
}

// ApplyCalibration overlays stored calibration onto cfg.
func (db *DB) ApplyCalibration(ctx context.Context, cfg *config.RobotConfig) error {
	t, ok, err := db.LoadDeckCalibration(ctx)
	if err != nil {
		return err
	}
	if ok {
		cfg.SetGantryCalibration(t)
	}

	rows, err := db.QueryContext(ctx, `SELECT mount, kind, x, y, z FROM instrument_offsets`)
	if err != nil {
		return fmt.Errorf("failed to query instrument offsets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var mount, kind string
		var p pose.Point
		if err := rows.Scan(&mount, &kind, &p.X, &p.Y, &p.Z); err != nil {
			return fmt.Errorf("failed to scan instrument offset: %w", err)
		}
		cfg.SetInstrumentOffset(mount, kind, p)
	}
	return rows.Err()
}

// BackupConfiguration snapshots cfg under a timestamp tag.
func (db *DB) BackupConfiguration(ctx context.Context, cfg *config.RobotConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now()
	tag := now.UTC().Format("20060102T150405.000Z")
	_, err = db.ExecContext(ctx,
		`INSERT INTO robot_config_backups (tag, config_json, created_at) VALUES (?, ?, ?)`,
		tag, string(raw), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to back up configuration: %w", err)
	}
	logf("backed up configuration as %s", tag)
	return nil
}

// ListBackups returns every configuration backup, newest first.
func (db *DB) ListBackups(ctx context.Context) ([]ConfigBackup, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, tag, config_json, created_at FROM robot_config_backups ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query backups: %w", err)
	}
	defer rows.Close()

	var backups []ConfigBackup
	for rows.Next() {
		var b ConfigBackup
		var raw string
		if err := rows.Scan(&b.ID, &b.Tag, &raw, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan backup: %w", err)
		}
		b.Config = config.EmptyRobotConfig()
		if err := json.Unmarshal([]byte(raw), b.Config); err != nil {
			return nil, fmt.Errorf("failed to decode backup %d: %w", b.ID, err)
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}
