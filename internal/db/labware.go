package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/deckbot/internal/labware"
)

// LabwareStore is a labware.Store backed by the labware table.
type LabwareStore struct {
	db *DB
}

// Labware returns the labware store of db.
func (db *DB) Labware() *LabwareStore {
	return &LabwareStore{db: db}
}

// Load implements labware.Catalog.
func (s *LabwareStore) Load(ctx context.Context, name string) (labware.Definition, error) {
	var def labware.Definition
	var wells string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, type, origin_x, origin_y, origin_z, height, wells_json FROM labware WHERE name = ?`, name).
		Scan(&def.Name, &def.Type, &def.Origin.X, &def.Origin.Y, &def.Origin.Z, &def.Height, &wells)
	if errors.Is(err, sql.ErrNoRows) {
		return labware.Definition{}, fmt.Errorf("%w: %s", labware.ErrNotFound, name)
	}
	if err != nil {
		return labware.Definition{}, fmt.Errorf("failed to load labware %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(wells), &def.Wells); err != nil {
		return labware.Definition{}, fmt.Errorf("failed to decode wells of %s: %w", name, err)
	}
	return def, nil
}

// Save implements labware.Store, replacing any definition of the same name.
func (s *LabwareStore) Save(ctx context.Context, def labware.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	wells, err := json.Marshal(def.Wells)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO labware (name, type, origin_x, origin_y, origin_z, height, wells_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			type = excluded.type, origin_x = excluded.origin_x, origin_y = excluded.origin_y,
			origin_z = excluded.origin_z, height = excluded.height, wells_json = excluded.wells_json,
			updated_at = excluded.updated_at`,
		def.Name, def.Type, def.Origin.X, def.Origin.Y, def.Origin.Z, def.Height, string(wells), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save labware %s: %w", def.Name, err)
	}
	return nil
}

// Names lists stored labware names in order.
func (s *LabwareStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM labware ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query labware: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
