package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/earthring/netbind/internal/netbind"
)

// maxAssignAttempts bounds retries when concurrent loads race for the
// same static id.
const maxAssignAttempts = 5

// StaticIDStorage assigns stable static ids to authored level entities.
// Ids are assigned per level in first-seen order, starting at base+1.
type StaticIDStorage struct {
	db   *sql.DB
	base netbind.EntityID
}

// NewStaticIDStorage creates a new static id storage instance
func NewStaticIDStorage(db *sql.DB, base netbind.EntityID) *StaticIDStorage {
	return &StaticIDStorage{db: db, base: base}
}

// StaticID returns the id recorded for name in level, assigning the next
// free one if the entity has never been seen.
func (s *StaticIDStorage) StaticID(ctx context.Context, level, name string) (netbind.EntityID, error) {
	for attempt := 0; attempt < maxAssignAttempts; attempt++ {
		id, err := s.lookup(ctx, level, name)
		if err == nil {
			return id, nil
		}
		if err != sql.ErrNoRows {
			return 0, fmt.Errorf("failed to get static id: %w", err)
		}

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO netbind_static_ids (level, name, static_id)
			SELECT $1, $2, $3 + COUNT(*) + 1
			FROM netbind_static_ids
			WHERE level = $1
			ON CONFLICT (level, name) DO NOTHING
		`, level, name, int64(s.base))
		if err != nil && !isUniqueViolation(err) {
			return 0, fmt.Errorf("failed to assign static id: %w", err)
		}
	}
	return 0, fmt.Errorf("failed to assign static id for %s/%s after %d attempts", level, name, maxAssignAttempts)
}

func (s *StaticIDStorage) lookup(ctx context.Context, level, name string) (netbind.EntityID, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT static_id
		FROM netbind_static_ids
		WHERE level = $1 AND name = $2
	`, level, name).Scan(&id)
	if err != nil {
		return 0, err
	}
	return netbind.EntityID(id), nil
}
