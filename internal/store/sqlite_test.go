package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLite_RunLifecycle(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	run, err := s.StartRun(ctx, "sync")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "sync", run.Kind)
	assert.Equal(t, RunStatusRunning, run.Status)

	counts := Counts{"parsed": 15000, "created": 12, "updated": 40, "ocr_recovered": 3}
	require.NoError(t, s.CompleteRun(ctx, run.ID, counts))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunStatusComplete, runs[0].Status)
	assert.Equal(t, counts, runs[0].Counts)
	assert.NotNil(t, runs[0].FinishedAt)
	assert.Empty(t, runs[0].Error)
}

func TestSQLite_FailRun(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	run, err := s.StartRun(ctx, "sync")
	require.NoError(t, err)

	require.NoError(t, s.FailRun(ctx, run.ID, assert.AnError))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, assert.AnError.Error())
}

func TestSQLite_CompleteUnknownRun(t *testing.T) {
	s := newTestSQLite(t)
	err := s.CompleteRun(context.Background(), "no-such-run", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
}

func TestSQLite_ListRuns_OrderAndLimit(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	for range 3 {
		_, err := s.StartRun(ctx, "sync")
		require.NoError(t, err)
	}

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestSQLite_SourceETag(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	url := "https://base-donnees-publique.medicaments.gouv.fr/download/file/CIS_bdpm.txt"

	etag, err := s.GetSourceETag(ctx, url)
	require.NoError(t, err)
	assert.Empty(t, etag)

	require.NoError(t, s.SetSourceETag(ctx, url, `"v1"`))
	etag, err = s.GetSourceETag(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, etag)

	// upsert on the same URL
	require.NoError(t, s.SetSourceETag(ctx, url, `"v2"`))
	etag, err = s.GetSourceETag(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, `"v2"`, etag)
}

func TestNewStore_UnknownDriver(t *testing.T) {
	_, err := NewStore(context.Background(), "oracle", "dsn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown driver "oracle"`)
}
