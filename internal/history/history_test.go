package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		dbPath  func(t *testing.T) string
		wantErr bool
	}{
		{
			name:   "creates database file",
			dbPath: func(t *testing.T) string { return filepath.Join(t.TempDir(), "history.db") },
		},
		{
			name:   "creates parent directories",
			dbPath: func(t *testing.T) string { return filepath.Join(t.TempDir(), "nested", "history.db") },
		},
		{
			name:   "in-memory database",
			dbPath: func(t *testing.T) string { return ":memory:" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			journal, err := Open(tt.dbPath(t))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer journal.Close()
		})
	}
}

func TestRecordExecutionAndStats(t *testing.T) {
	journal, err := Open(":memory:")
	require.NoError(t, err)
	defer journal.Close()

	ctx := context.Background()

	executions := []*Execution{
		{TaskID: "t1", ContextID: "c1", State: "completed", Duration: 42 * time.Second, ArtifactCount: 2},
		{TaskID: "t2", State: "completed", Duration: 10 * time.Second, ArtifactCount: 1},
		{TaskID: "t3", State: "failed", ErrorMessage: "session send failed"},
	}
	for _, exec := range executions {
		require.NoError(t, journal.RecordExecution(ctx, exec))
	}

	stats, err := journal.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByState["completed"])
	assert.Equal(t, 1, stats.ByState["failed"])
}

func TestStatsEmptyJournal(t *testing.T) {
	journal, err := Open(":memory:")
	require.NoError(t, err)
	defer journal.Close()

	stats, err := journal.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
	assert.Empty(t, stats.ByState)
}

func TestPrune(t *testing.T) {
	journal, err := Open(":memory:")
	require.NoError(t, err)
	defer journal.Close()

	ctx := context.Background()
	require.NoError(t, journal.RecordExecution(ctx, &Execution{TaskID: "t1", State: "completed"}))

	// Freshly recorded rows are newer than any reasonable cutoff.
	pruned, err := journal.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pruned)

	// A zero cutoff removes everything recorded before now.
	pruned, err = journal.Prune(ctx, -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	stats, err := journal.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}
