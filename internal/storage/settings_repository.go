package storage

import (
	"context"
	"fmt"
)

// SettingsRepository reads the key/value runtime settings maintained through
// the admin screens. The worker re-reads them periodically so changes apply
// without a restart.
type SettingsRepository struct {
	db *PostgresDB
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(db *PostgresDB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// GetAll returns all settings rows as a key/value map.
func (r *SettingsRepository) GetAll(ctx context.Context) (map[string]string, error) {
	query := `SELECT key, value FROM settings`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		values[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settings: %w", err)
	}

	return values, nil
}
