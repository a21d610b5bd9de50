package accessory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteCache implements Cache using the accessories table.
//
// Descriptors and states are stored as JSON so the schema does not change
// when a descriptor field is added.
type SQLiteCache struct {
	db *sql.DB
}

// NewSQLiteCache creates a cache over an open, migrated database.
func NewSQLiteCache(db *sql.DB) *SQLiteCache {
	return &SQLiteCache{db: db}
}

// LoadAccessories returns every cached accessory in name order.
func (r *SQLiteCache) LoadAccessories(ctx context.Context) ([]CachedAccessory, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, uuid, origin, descriptor, state, updated_at
		 FROM accessories
		 ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying accessories: %w", err)
	}
	defer rows.Close()

	var out []CachedAccessory
	for rows.Next() {
		var (
			acc        CachedAccessory
			origin     string
			descriptor string
			state      sql.NullString
			updatedAt  string
		)
		if err := rows.Scan(&acc.Descriptor.Name, &acc.UUID, &origin, &descriptor, &state, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning accessory: %w", err)
		}
		acc.Origin = Origin(origin)

		if err := json.Unmarshal([]byte(descriptor), &acc.Descriptor); err != nil {
			return nil, fmt.Errorf("unmarshalling descriptor: %w", err)
		}
		acc.Descriptor.Normalize()

		if state.Valid {
			acc.State, err = decodeState(acc.Descriptor.Type, state.String)
			if err != nil {
				return nil, fmt.Errorf("accessory %q: %w", acc.Descriptor.Name, err)
			}
		}
		acc.UpdatedAt, _ = parseTimestamp(updatedAt) //nolint:errcheck // zero time is acceptable

		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating accessories: %w", err)
	}
	return out, nil
}

// SaveAccessory inserts or replaces one accessory.
func (r *SQLiteCache) SaveAccessory(ctx context.Context, acc CachedAccessory) error {
	if acc.Descriptor.Name == "" {
		return ErrNameRequired
	}

	descriptor, err := json.Marshal(acc.Descriptor)
	if err != nil {
		return fmt.Errorf("marshalling descriptor: %w", err)
	}
	state, err := encodeState(acc.State)
	if err != nil {
		return err
	}

	updated := acc.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO accessories (name, uuid, origin, type, descriptor, state, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   uuid = excluded.uuid,
		   origin = excluded.origin,
		   type = excluded.type,
		   descriptor = excluded.descriptor,
		   state = excluded.state,
		   updated_at = excluded.updated_at`,
		acc.Descriptor.Name,
		acc.UUID,
		string(acc.Origin),
		string(acc.Descriptor.Type),
		string(descriptor),
		state,
		updated.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving accessory: %w", err)
	}
	return nil
}

// DeleteAccessory removes an accessory. Deleting an unknown name is not an
// error.
func (r *SQLiteCache) DeleteAccessory(ctx context.Context, name string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM accessories WHERE name = ?", name); err != nil {
		return fmt.Errorf("deleting accessory: %w", err)
	}
	return nil
}

// encodeState stores a state as JSON, or NULL when it was never read.
func encodeState(v Value) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshalling state: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// decodeState restores a state into the value domain of t. JSON numbers
// come back as float64 and are narrowed for integer-valued types.
func decodeState(t Type, raw string) (Value, error) {
	var v Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("unmarshalling state: %w", err)
	}

	capability, ok := LookupCapability(t)
	if !ok {
		return v, nil
	}
	if f, isNum := v.(float64); isNum && (capability.Evaluator == EvalInt || capability.HasSentinels()) {
		return int64(f), nil
	}
	return v, nil
}

func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	return ts, nil
}
