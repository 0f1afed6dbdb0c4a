//go:build !integration

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ordolab/bdpm-sync/internal/store"
)

func TestFormatRuns(t *testing.T) {
	started := time.Date(2026, 8, 1, 3, 0, 0, 0, time.UTC)
	finished := started.Add(4 * time.Minute)

	runs := []store.Run{
		{
			ID:         "abc12345-6789-0000-0000-000000000000",
			Kind:       "sync",
			Status:     store.RunStatusComplete,
			Counts:     store.Counts{"parsed": 15000, "created": 12},
			StartedAt:  started,
			FinishedAt: &finished,
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			Kind:      "enrich",
			Status:    store.RunStatusRunning,
			StartedAt: started.Add(time.Hour),
		},
	}

	var buf bytes.Buffer
	formatRuns(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "abc12345")
	assert.Contains(t, output, "sync")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "2026-08-01 03:00")
	assert.Contains(t, output, "4m0s")
	assert.Contains(t, output, "created=12 parsed=15000")
	assert.Contains(t, output, "enrich")
	assert.Contains(t, output, "running")
}

func TestFormatRuns_FailedShowsError(t *testing.T) {
	started := time.Date(2026, 8, 1, 3, 0, 0, 0, time.UTC)
	runs := []store.Run{
		{
			ID:        "abc12345-6789-0000-0000-000000000000",
			Kind:      "sync",
			Status:    store.RunStatusFailed,
			Error:     "sync: download registry: connection refused",
			StartedAt: started,
		},
	}

	var buf bytes.Buffer
	formatRuns(&buf, runs)

	assert.Contains(t, buf.String(), "failed")
	assert.Contains(t, buf.String(), "connection refused")
}

func TestFormatCounts_StableOrder(t *testing.T) {
	counts := store.Counts{"updated": 3, "created": 1, "deleted": 2}
	assert.Equal(t, "created=1 deleted=2 updated=3", formatCounts(counts))
	assert.Empty(t, formatCounts(nil))
}
