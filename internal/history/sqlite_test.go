package history

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lurtz/denon-control/internal/infrastructure/config"
	"github.com/lurtz/denon-control/internal/infrastructure/database"
	"github.com/lurtz/denon-control/migrations"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRepo(t *testing.T) (*SQLiteRepository, *testClock) {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "history.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	require.NoError(t, db.Migrate(context.Background(), migrations.FS))

	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := NewSQLiteRepository(db.DB)
	repo.now = clock.now
	return repo, clock
}

func TestRecordAndList(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, "living-room", "main_volume", "200", SourceReceiver))
	clock.advance(time.Second)
	require.NoError(t, repo.Record(ctx, "living-room", "main_volume", "230", SourceCommand))
	clock.advance(time.Second)
	require.NoError(t, repo.Record(ctx, "living-room", "power", "ON", ""))

	entries, err := repo.List(ctx, "living-room", "main_volume", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "230", entries[0].Value)
	assert.Equal(t, SourceCommand, entries[0].Source)
	assert.Equal(t, "200", entries[1].Value)
	assert.True(t, entries[0].CreatedAt.After(entries[1].CreatedAt))
	assert.Equal(t, time.UTC, entries[0].CreatedAt.Location())

	power, err := repo.List(ctx, "living-room", "power", 0)
	require.NoError(t, err)
	require.Len(t, power, 1)
	assert.Equal(t, SourceReceiver, power[0].Source, "empty source defaults to receiver")
}

func TestList_SameTimestampOrdersByID(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	for _, v := range []string{"CD", "DVD", "TV"} {
		require.NoError(t, repo.Record(ctx, "r", "source_input", v, SourceReceiver))
	}

	entries, err := repo.List(ctx, "r", "source_input", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"TV", "DVD", "CD"}, []string{entries[0].Value, entries[1].Value, entries[2].Value})
}

func TestList_Limit(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < MaxLimit+10; i++ {
		require.NoError(t, repo.Record(ctx, "r", "main_volume", "100", SourceReceiver))
		clock.advance(time.Millisecond)
	}

	entries, err := repo.List(ctx, "r", "main_volume", 0)
	require.NoError(t, err)
	assert.Len(t, entries, DefaultLimit)

	entries, err = repo.List(ctx, "r", "main_volume", 5)
	require.NoError(t, err)
	assert.Len(t, entries, 5)

	entries, err = repo.List(ctx, "r", "main_volume", 10000)
	require.NoError(t, err)
	assert.Len(t, entries, MaxLimit)
}

func TestList_ScopedToReceiver(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, "kitchen", "power", "ON", SourceReceiver))

	entries, err := repo.List(ctx, "living-room", "power", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLatest(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, "r", "power", "STANDBY", SourceReceiver))
	clock.advance(time.Second)
	require.NoError(t, repo.Record(ctx, "r", "main_volume", "150", SourceReceiver))
	clock.advance(time.Second)
	require.NoError(t, repo.Record(ctx, "r", "power", "ON", SourceCommand))

	latest, err := repo.Latest(ctx, "r")
	require.NoError(t, err)
	require.Len(t, latest, 2)

	assert.Equal(t, "main_volume", latest[0].Key)
	assert.Equal(t, "150", latest[0].Value)
	assert.Equal(t, "power", latest[1].Key)
	assert.Equal(t, "ON", latest[1].Value)
}

func TestPrune(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, "r", "power", "ON", SourceReceiver))
	clock.advance(48 * time.Hour)
	require.NoError(t, repo.Record(ctx, "r", "power", "STANDBY", SourceReceiver))

	n, err := repo.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := repo.List(ctx, "r", "power", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "STANDBY", entries[0].Value)

	_, err = repo.Prune(ctx, 0)
	assert.Error(t, err)
}

func TestPruneEvery_StopsOnCancel(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, repo.Record(ctx, "r", "power", "ON", SourceReceiver))
	clock.advance(time.Hour)

	done := make(chan struct{})
	go func() {
		repo.PruneEvery(ctx, 5*time.Millisecond, time.Minute, nil)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		entries, err := repo.List(context.Background(), "r", "power", 0)
		return err == nil && len(entries) == 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PruneEvery did not return after cancel")
	}
}

func TestRecord_Validation(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	err := repo.Record(ctx, "", "power", "ON", SourceReceiver)
	assert.True(t, errors.Is(err, ErrInvalidEntry))

	err = repo.RecordState(ctx, "r", "", "ON", SourceReceiver)
	assert.True(t, errors.Is(err, ErrInvalidEntry))

	_, err = repo.List(ctx, "r", "", 0)
	assert.True(t, errors.Is(err, ErrInvalidEntry))

	_, err = repo.Latest(ctx, "")
	assert.True(t, errors.Is(err, ErrInvalidEntry))
}
