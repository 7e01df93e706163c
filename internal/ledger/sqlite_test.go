package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amr-import-engine/internal/domain"
)

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	l, err := NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func newBatch(id, actor string) *domain.ImportBatch {
	return &domain.ImportBatch{
		ID:             id,
		SourceName:     "export.csv",
		SourceChecksum: "sha256:" + id,
		Actor:          actor,
	}
}

func TestSQLiteLedger_CreateAndGet(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	batch := newBatch("b1", "alice")
	batch.TemplateSnapshot = &domain.MappingTemplate{
		Owner: "lab-a", Name: "lis-export", Version: 2, Mode: domain.ModeWide,
		Columns: []domain.ColumnMapping{{Source: "SID", Target: domain.FieldSpecimenID}},
	}
	require.NoError(t, l.Create(ctx, batch))
	assert.Equal(t, domain.BatchPending, batch.Status)
	assert.False(t, batch.CreatedAt.IsZero())

	got, err := l.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "export.csv", got.SourceName)
	assert.Equal(t, "sha256:b1", got.SourceChecksum)
	assert.Equal(t, domain.BatchPending, got.Status)
	assert.Equal(t, "alice", got.Actor)
	require.NotNil(t, got.TemplateSnapshot)
	assert.Equal(t, 2, got.TemplateSnapshot.Version)
	require.Len(t, got.TemplateSnapshot.Columns, 1)
	assert.Nil(t, got.CommittedAt)
}

func TestSQLiteLedger_GetUnknown(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.GetBatch(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
}

func TestSQLiteLedger_StatusWalk(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Create(ctx, newBatch("b1", "alice")))

	for _, next := range []domain.BatchStatus{
		domain.BatchParsing, domain.BatchValidating,
		domain.BatchCommitted, domain.BatchRolledBack,
	} {
		require.NoError(t, l.Transition(ctx, "b1", next))
		got, err := l.GetBatch(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, next, got.Status)
	}
}

func TestSQLiteLedger_InvalidTransition(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Create(ctx, newBatch("b1", "alice")))

	// pending cannot jump straight to committed
	err := l.Transition(ctx, "b1", domain.BatchCommitted)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := l.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchPending, got.Status, "a rejected transition leaves the status alone")
}

func TestSQLiteLedger_RollbackErrors(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	// Rolling back a batch that never committed is its own error.
	require.NoError(t, l.Create(ctx, newBatch("b1", "alice")))
	err := l.Transition(ctx, "b1", domain.BatchRolledBack)
	assert.ErrorIs(t, err, domain.ErrBatchNotCommitted)

	// Rolling back twice reports the first rollback.
	require.NoError(t, l.Transition(ctx, "b1", domain.BatchParsing))
	require.NoError(t, l.Transition(ctx, "b1", domain.BatchValidating))
	require.NoError(t, l.Transition(ctx, "b1", domain.BatchCommitted))
	require.NoError(t, l.Transition(ctx, "b1", domain.BatchRolledBack))
	err = l.Transition(ctx, "b1", domain.BatchRolledBack)
	assert.ErrorIs(t, err, domain.ErrAlreadyRolledBack)
}

func TestSQLiteLedger_CountsCommitAndError(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Create(ctx, newBatch("b1", "alice")))

	counts := domain.BatchCounts{Parsed: 10, Interpreted: 9, Committed: 9, Errored: 1}
	require.NoError(t, l.UpdateCounts(ctx, "b1", counts))
	require.NoError(t, l.RecordCommit(ctx, "b1", []string{"r1", "r2"}))
	require.NoError(t, l.RecordError(ctx, "b1", "checksum mismatch"))

	got, err := l.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, counts, got.Counts)
	assert.Equal(t, []string{"r1", "r2"}, got.RowIDs)
	assert.Equal(t, "checksum mismatch", got.Error)
	require.NotNil(t, got.CommittedAt)

	// Updates against unknown ids surface as not-found, not silent no-ops.
	assert.ErrorIs(t, l.UpdateCounts(ctx, "nope", counts), domain.ErrBatchNotFound)
	assert.ErrorIs(t, l.RecordCommit(ctx, "nope", nil), domain.ErrBatchNotFound)
	assert.ErrorIs(t, l.RecordError(ctx, "nope", "x"), domain.ErrBatchNotFound)
}

func TestSQLiteLedger_ListBatches(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, actor := range []string{"alice", "bob", "alice"} {
		b := newBatch([]string{"b1", "b2", "b3"}[i], actor)
		b.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, l.Create(ctx, b))
	}
	require.NoError(t, l.Transition(ctx, "b2", domain.BatchParsing))

	all, err := l.ListBatches(ctx, domain.BatchFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b3", all[0].ID, "newest first")

	byActor, err := l.ListBatches(ctx, domain.BatchFilter{Actor: "alice"})
	require.NoError(t, err)
	assert.Len(t, byActor, 2)

	byStatus, err := l.ListBatches(ctx, domain.BatchFilter{Status: domain.BatchParsing})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "b2", byStatus[0].ID)

	since, err := l.ListBatches(ctx, domain.BatchFilter{Since: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "b3", since[0].ID)

	limited, err := l.ListBatches(ctx, domain.BatchFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
