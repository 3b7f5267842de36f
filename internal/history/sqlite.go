package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteRepository implements Repository on the state_history table.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository wraps an open database that has the state_history
// migration applied.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// Record inserts one row.
func (r *SQLiteRepository) Record(ctx context.Context, receiverID, key, value, source string) error {
	if receiverID == "" || key == "" {
		return fmt.Errorf("%w: receiver id and key are required", ErrInvalidEntry)
	}
	if source == "" {
		source = SourceReceiver
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO state_history (receiver_id, state_key, value, source, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		receiverID, key, value, source, r.now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// RecordState satisfies the bridge's StateRecorder.
func (r *SQLiteRepository) RecordState(ctx context.Context, receiverID, key, value, source string) error {
	return r.Record(ctx, receiverID, key, value, source)
}

// List returns up to limit entries for key, newest first.
func (r *SQLiteRepository) List(ctx context.Context, receiverID, key string, limit int) ([]Entry, error) {
	if receiverID == "" || key == "" {
		return nil, fmt.Errorf("%w: receiver id and key are required", ErrInvalidEntry)
	}
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, receiver_id, state_key, value, source, created_at
		 FROM state_history
		 WHERE receiver_id = ? AND state_key = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		receiverID, key, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	return scanEntries(rows, limit)
}

// Latest returns the newest row per state key, ordered by key.
func (r *SQLiteRepository) Latest(ctx context.Context, receiverID string) ([]Entry, error) {
	if receiverID == "" {
		return nil, fmt.Errorf("%w: receiver id is required", ErrInvalidEntry)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT h.id, h.receiver_id, h.state_key, h.value, h.source, h.created_at
		 FROM state_history h
		 WHERE h.receiver_id = ?
		   AND h.id = (
		       SELECT id FROM state_history
		       WHERE receiver_id = h.receiver_id AND state_key = h.state_key
		       ORDER BY created_at DESC, id DESC
		       LIMIT 1)
		 ORDER BY h.state_key`,
		receiverID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying latest state: %w", err)
	}
	return scanEntries(rows, 0)
}

// Prune deletes rows created before now-olderThan.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := r.now().UTC().Add(-olderThan).UnixNano()
	result, err := r.db.ExecContext(ctx, "DELETE FROM state_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting state history: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// PruneEvery runs Prune on every tick until ctx is done. Errors go to onErr
// when it is set.
func (r *SQLiteRepository) PruneEvery(ctx context.Context, interval, retention time.Duration, onErr func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Prune(ctx, retention); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}

func scanEntries(rows *sql.Rows, capacity int) ([]Entry, error) {
	defer rows.Close()

	entries := make([]Entry, 0, capacity)
	for rows.Next() {
		var e Entry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.ReceiverID, &e.Key, &e.Value, &e.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return entries, nil
}
