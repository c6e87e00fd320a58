package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/earthring/netbind/internal/netbind"
)

// SequenceStorage hands out context sequences per level. Every call
// returns the next sequence, wrapping past the u32 range and never
// returning the unspecified sequence.
type SequenceStorage struct {
	db *sql.DB
}

// NewSequenceStorage creates a new sequence storage instance
func NewSequenceStorage(db *sql.DB) *SequenceStorage {
	return &SequenceStorage{db: db}
}

// NextSequence increments and returns the context sequence of level.
func (s *SequenceStorage) NextSequence(ctx context.Context, level string) (netbind.ContextSequence, error) {
	query := `
		INSERT INTO netbind_context_sequences (level, sequence, updated_at)
		VALUES ($1, 1, CURRENT_TIMESTAMP)
		ON CONFLICT (level)
		DO UPDATE SET
			sequence = CASE
				WHEN netbind_context_sequences.sequence >= 4294967295 THEN 1
				ELSE netbind_context_sequences.sequence + 1
			END,
			updated_at = CURRENT_TIMESTAMP
		RETURNING sequence
	`
	var seq int64
	if err := s.db.QueryRowContext(ctx, query, level).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to increment context sequence: %w", err)
	}
	return netbind.ContextSequence(seq), nil
}

// CurrentSequence returns the last sequence handed out for level, or the
// unspecified sequence if the level was never loaded.
func (s *SequenceStorage) CurrentSequence(ctx context.Context, level string) (netbind.ContextSequence, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT sequence
		FROM netbind_context_sequences
		WHERE level = $1
	`, level).Scan(&seq)
	if err == sql.ErrNoRows {
		return netbind.UnspecifiedContextSequence, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get context sequence: %w", err)
	}
	return netbind.ContextSequence(seq), nil
}
