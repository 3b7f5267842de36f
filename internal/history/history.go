package history

import (
	"context"
	"errors"
	"time"
)

// Source values.
const (
	SourceReceiver = "receiver"
	SourceCommand  = "command"
	SourceAPI      = "api"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ErrInvalidEntry is returned when a required field is empty.
var ErrInvalidEntry = errors.New("history: invalid entry")

// Entry is one recorded state change.
type Entry struct {
	ID         int64     `json:"id"`
	ReceiverID string    `json:"receiver_id"`
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
}

// Repository stores and retrieves state history.
// Implementations must be safe for concurrent use and store UTC timestamps.
type Repository interface {
	// Record appends a state change. An empty source defaults to SourceReceiver.
	Record(ctx context.Context, receiverID, key, value, source string) error

	// List returns the newest entries for one key, newest first.
	// limit <= 0 means DefaultLimit; values above MaxLimit are clamped.
	List(ctx context.Context, receiverID, key string, limit int) ([]Entry, error)

	// Latest returns the most recent entry for each key of the receiver.
	Latest(ctx context.Context, receiverID string) ([]Entry, error)

	// Prune deletes entries older than olderThan and reports how many.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
