package history

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stagerd/internal/storage"
)

func openTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, "session-1"), db
}

func TestRecordAndRecent(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, Attempt{
		URL: "root://a/file1", InstanceID: 11, Outcome: OutcomeRequeued, Failures: 1,
		Reason: "timeout", Stderr: "boom", StartedAt: base, FinishedAt: base.Add(time.Minute),
	}))
	require.NoError(t, s.Record(ctx, Attempt{
		URL: "root://a/file1", InstanceID: 11, Outcome: OutcomeSuccess, Failures: 1,
		Tree: "events", Endpoint: "root://cache/file1", SizeBytes: 1 << 40, Events: 12345,
		StartedAt: base.Add(2 * time.Minute), FinishedAt: base.Add(3 * time.Minute),
	}))
	require.NoError(t, s.Record(ctx, Attempt{
		URL: "root://a/file2", InstanceID: 4000000000, Outcome: OutcomeLaunchFailed,
		FinishedAt: base.Add(4 * time.Minute),
	}))

	all, err := s.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "root://a/file2", all[0].URL)
	assert.Equal(t, uint32(4000000000), all[0].InstanceID)
	assert.True(t, all[0].StartedAt.IsZero())
	assert.Equal(t, "session-1", all[0].SessionID)
	assert.NotEmpty(t, all[0].ID)

	file1, err := s.Recent(ctx, "root://a/file1", 10)
	require.NoError(t, err)
	require.Len(t, file1, 2)
	ok := file1[0]
	assert.Equal(t, OutcomeSuccess, ok.Outcome)
	assert.Equal(t, "root://cache/file1", ok.Endpoint)
	assert.Equal(t, uint64(1<<40), ok.SizeBytes)
	assert.Equal(t, uint64(12345), ok.Events)
	assert.True(t, ok.StartedAt.Equal(base.Add(2*time.Minute)))
	assert.Equal(t, "boom", file1[1].Stderr)
	assert.NotEqual(t, file1[0].ID, file1[1].ID)

	limited, err := s.Recent(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestPrune(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Record(ctx, Attempt{URL: "old", Outcome: OutcomeFailed, FinishedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, s.Record(ctx, Attempt{URL: "new", Outcome: OutcomeSuccess}))

	n, err := s.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rest, err := s.Recent(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "new", rest[0].URL)

	n, err = s.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}
