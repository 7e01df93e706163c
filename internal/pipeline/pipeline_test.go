package pipeline

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amr-import-engine/internal/domain"
	"github.com/amr-import-engine/internal/ledger"
	"github.com/amr-import-engine/internal/refdata"
	"github.com/amr-import-engine/internal/store"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testRefData() *refdata.Snapshot {
	return refdata.NewSnapshot(
		[]domain.Organism{
			{Code: "ECO", Name: "Escherichia coli", Class: "Enterobacterales"},
		},
		[]domain.Antibiotic{
			{Code: "AMP", Name: "Ampicillin"},
			{Code: "GEN", Name: "Gentamicin"},
		},
		[]domain.BreakpointRule{
			{Antibiotic: "AMP", Method: domain.MethodMIC, Standard: "CLSI", Version: "2024",
				SusceptibleMax: 8, ResistantMin: 32, InclusiveSusceptible: true},
			{Antibiotic: "GEN", Method: domain.MethodMIC, Standard: "CLSI", Version: "2024",
				SusceptibleMax: 4, ResistantMin: 16, InclusiveSusceptible: true},
		},
	)
}

// testPipeline wires a pipeline against the in-memory store and a real
// embedded ledger in a temp directory.
func testPipeline(t *testing.T) (*Pipeline, *store.MemoryStore, *ledger.SQLiteLedger) {
	t.Helper()

	mem := store.NewMemoryStore()
	led, err := ledger.NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	p, err := New(domain.ImportConfig{Concurrency: 2}, Deps{
		Log:     testLogger(),
		RefData: testRefData(),
		Store:   mem,
		Ledger:  led,
	})
	require.NoError(t, err)
	return p, mem, led
}

var wideCSV = []byte(
	"specimen_id,organism,collection_date,specimen_source,facility,standard,standard_version,AMP_SIR,GEN_MIC\n" +
		"S1,ECO,2024-03-01,urine,Central,CLSI,2024,R,4\n" +
		"S2,ECO,2024-03-02,blood,Central,CLSI,2024,S,8\n" +
		"S3,ECO,2024-03-03,wound,Central,CLSI,2024,S,16\n")

func TestImport_WideCSVCommits(t *testing.T) {
	p, mem, led := testPipeline(t)
	ctx := context.Background()

	src := domain.NewSourceFile("export.csv", wideCSV, "")
	report, err := p.Import(ctx, src, nil, "alice")
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, domain.BatchCommitted, report.Status)
	assert.Equal(t, domain.BatchCounts{Parsed: 3, Interpreted: 3, Committed: 3}, report.Counts)
	assert.Equal(t, 1.0, report.Quality.MeanScore)
	assert.Equal(t, 3, mem.Len())

	batch, err := led.GetBatch(ctx, report.BatchID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchCommitted, batch.Status)
	assert.Equal(t, "alice", batch.Actor)
	require.Len(t, batch.RowIDs, 3)
	require.NotNil(t, batch.CommittedAt)

	// Categories landed: the pre-interpreted SIR is kept, the raw MIC of 4
	// sits on the susceptible boundary and the MIC of 8 between the bounds.
	categories := map[string]map[string]domain.Category{}
	for _, id := range batch.RowIDs {
		unit, ok := mem.Get(id)
		require.True(t, ok)
		byAb := map[string]domain.Category{}
		for _, r := range unit.Results {
			byAb[r.Antibiotic] = r.Category
		}
		categories[unit.SpecimenID] = byAb
	}
	assert.Equal(t, domain.CategoryResistant, categories["S1"]["AMP"])
	assert.Equal(t, domain.CategorySusceptible, categories["S1"]["GEN"])
	assert.Equal(t, domain.CategorySusceptible, categories["S2"]["AMP"])
	assert.Equal(t, domain.CategoryIntermediate, categories["S2"]["GEN"])
	assert.Equal(t, domain.CategorySusceptible, categories["S3"]["AMP"])
	assert.Equal(t, domain.CategoryResistant, categories["S3"]["GEN"])
}

func TestImport_MissingRequiredFieldsFailsBatch(t *testing.T) {
	p, mem, led := testPipeline(t)
	ctx := context.Background()

	// No collection date and no specimen source: every row is fatal, nothing
	// commits, but the report still arrives with the full issue list.
	csv := []byte("specimen_id,organism,AMP_SIR\nS1,ECO,R\nS2,ECO,S\n")
	src := domain.NewSourceFile("broken.csv", csv, "")

	report, err := p.Import(ctx, src, nil, "alice")
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, domain.BatchFailed, report.Status)
	assert.Equal(t, 2, report.Counts.Parsed)
	assert.Equal(t, 2, report.Counts.Errored)
	assert.Zero(t, report.Counts.Committed)
	assert.Zero(t, mem.Len())
	assert.NotEmpty(t, report.Issues)
	for _, issue := range report.Issues {
		assert.Equal(t, domain.IssueMapping, issue.Kind)
		assert.Equal(t, domain.SeverityFatal, issue.Severity)
	}

	batch, err := led.GetBatch(ctx, report.BatchID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchFailed, batch.Status)
	assert.Contains(t, batch.Error, "no committable units")
}

func TestImport_CommitFailureLeavesNothingBehind(t *testing.T) {
	p, mem, led := testPipeline(t)
	ctx := context.Background()
	mem.FailC = true

	src := domain.NewSourceFile("export.csv", wideCSV, "")
	report, err := p.Import(ctx, src, nil, "alice")

	var cf *domain.CommitFailure
	require.ErrorAs(t, err, &cf)
	require.NotNil(t, report)
	assert.Equal(t, domain.BatchFailed, report.Status)
	assert.Zero(t, mem.Len(), "a failed transaction writes no rows")

	batch, err := led.GetBatch(ctx, cf.BatchID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchFailed, batch.Status)
	assert.NotEmpty(t, batch.Error)
}

func TestImport_PauseAndResume(t *testing.T) {
	p, mem, _ := testPipeline(t)
	ctx := context.Background()

	src := domain.NewSourceFile("export.csv", wideCSV, "")
	job := p.NewJob(src, nil, "alice")
	defer job.Close()

	// Pause before the first record is read: Run parks immediately and the
	// checkpoint points at the start of the stream.
	job.Pause()
	report, err := job.Run(ctx)
	require.ErrorIs(t, err, ErrBatchPaused)
	require.NotNil(t, report)
	assert.Equal(t, domain.BatchParsing, report.Status)

	cp := job.Checkpoint()
	assert.Equal(t, job.BatchID(), cp.BatchID)
	assert.Equal(t, src.Checksum, cp.SourceChecksum)
	assert.Zero(t, cp.Offset)
	assert.Zero(t, mem.Len())

	job.Resume()
	report, err = job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchCommitted, report.Status)
	assert.Equal(t, 3, report.Counts.Committed)
	assert.Equal(t, 3, mem.Len())
}

func TestImport_Cancel(t *testing.T) {
	p, mem, led := testPipeline(t)
	ctx := context.Background()

	src := domain.NewSourceFile("export.csv", wideCSV, "")
	job := p.NewJob(src, nil, "alice")
	defer job.Close()

	require.NoError(t, job.Cancel())
	report, err := job.Run(ctx)
	require.ErrorIs(t, err, domain.ErrBatchCancelled)
	require.NotNil(t, report)
	assert.Equal(t, domain.BatchFailed, report.Status)
	assert.Zero(t, mem.Len())

	batch, err := led.GetBatch(ctx, job.BatchID())
	require.NoError(t, err)
	assert.Equal(t, domain.BatchFailed, batch.Status)
}

func TestCancel_BetweenDrainAndCommitStillCancels(t *testing.T) {
	p, mem, led := testPipeline(t)
	ctx := context.Background()

	src := domain.NewSourceFile("export.csv", wideCSV, "")
	job := p.NewJob(src, nil, "alice")
	defer job.Close()

	// All rows processed, commit not yet started: a cancel in this window
	// returns nil and the commit stage must honor it.
	require.NoError(t, job.open(ctx))
	_, cancelled, readErr := job.drain(ctx)
	require.NoError(t, readErr)
	require.False(t, cancelled)

	require.NoError(t, job.Cancel())

	report, err := job.commit(ctx)
	require.ErrorIs(t, err, domain.ErrBatchCancelled)
	require.NotNil(t, report)
	assert.Equal(t, domain.BatchFailed, report.Status)
	assert.Zero(t, mem.Len())

	batch, err := led.GetBatch(ctx, job.BatchID())
	require.NoError(t, err)
	assert.Equal(t, domain.BatchFailed, batch.Status)

	// Once the boundary is being written, Cancel is refused instead.
	job2 := p.NewJob(domain.NewSourceFile("export.csv", wideCSV, ""), nil, "alice")
	defer job2.Close()
	job2.commitStarted.Store(true)
	assert.ErrorIs(t, job2.Cancel(), domain.ErrCommitInProgress)
}

func TestJob_UnitsAvailableForExport(t *testing.T) {
	p, _, _ := testPipeline(t)
	ctx := context.Background()

	job := p.NewJob(domain.NewSourceFile("export.csv", wideCSV, ""), nil, "alice")
	defer job.Close()

	report, err := job.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.BatchCommitted, report.Status)

	units := job.Units()
	require.Len(t, units, 3)

	var buf bytes.Buffer
	require.NoError(t, ExportLong(&buf, units))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 7, "header plus one line per antibiotic result")
}

func TestRollback(t *testing.T) {
	p, mem, led := testPipeline(t)
	ctx := context.Background()

	src := domain.NewSourceFile("export.csv", wideCSV, "")
	report, err := p.Import(ctx, src, nil, "alice")
	require.NoError(t, err)
	require.Equal(t, 3, mem.Len())

	require.NoError(t, p.Rollback(ctx, report.BatchID))
	assert.Zero(t, mem.Len(), "exactly the recorded rows are removed")

	batch, err := led.GetBatch(ctx, report.BatchID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchRolledBack, batch.Status)

	err = p.Rollback(ctx, report.BatchID)
	assert.ErrorIs(t, err, domain.ErrAlreadyRolledBack)
}

func TestRollback_DeleteFailureKeepsBatchCommitted(t *testing.T) {
	p, mem, led := testPipeline(t)
	ctx := context.Background()

	src := domain.NewSourceFile("export.csv", wideCSV, "")
	report, err := p.Import(ctx, src, nil, "alice")
	require.NoError(t, err)

	mem.FailD = true
	err = p.Rollback(ctx, report.BatchID)
	require.Error(t, err)

	// The ledger still reads committed and the rows are still there, so the
	// rollback can be retried once the store recovers.
	batch, err := led.GetBatch(ctx, report.BatchID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchCommitted, batch.Status)
	assert.Equal(t, 3, mem.Len())

	mem.FailD = false
	require.NoError(t, p.Rollback(ctx, report.BatchID))
	assert.Zero(t, mem.Len())

	batch, err = led.GetBatch(ctx, report.BatchID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchRolledBack, batch.Status)
}

func TestRollback_NeverCommitted(t *testing.T) {
	p, _, led := testPipeline(t)
	ctx := context.Background()

	require.NoError(t, led.Create(ctx, &domain.ImportBatch{
		ID: "b1", SourceChecksum: "x", Actor: "alice",
	}))
	err := p.Rollback(ctx, "b1")
	assert.ErrorIs(t, err, domain.ErrBatchNotCommitted)

	err = p.Rollback(ctx, "absent")
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
}

func TestImport_UnsupportedFormat(t *testing.T) {
	p, _, _ := testPipeline(t)
	ctx := context.Background()

	src := domain.NewSourceFile("blob.bin", []byte{0x00, 0x01, 0x02, 0x03}, "")
	_, err := p.Import(ctx, src, nil, "alice")
	assert.ErrorIs(t, err, domain.ErrUnsupportedFormat)
}

func TestExportLong_RoundTrip(t *testing.T) {
	p, mem, _ := testPipeline(t)
	ctx := context.Background()

	units := []*domain.IsolateUnit{{
		SpecimenID: "S1", SpecimenSource: "urine", Organism: "ECO",
		Facility:       "Central",
		CollectionDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Results: []domain.AntibioticResult{
			{
				Antibiotic: "AMP", Method: domain.MethodMIC,
				Category:   domain.CategoryResistant,
				Value:      &domain.Measurement{Value: 64, Unit: "mg/L"},
				Standard:   "CLSI", StandardVersion: "2024",
				Provenance: domain.ProvenancePreInterpreted, Status: domain.StatusOK,
			},
			{
				Antibiotic: "GEN", Method: domain.MethodMIC,
				Value:      &domain.Measurement{Operator: domain.OpLessOrEqual, Value: 0.25, Unit: "mg/L"},
				Standard:   "CLSI", StandardVersion: "2024",
				Provenance: domain.ProvenanceRaw, Status: domain.StatusOK,
			},
		},
	}}

	var buf bytes.Buffer
	require.NoError(t, ExportLong(&buf, units))

	// The export feeds straight back through the importer.
	src := domain.NewSourceFile("export.csv", buf.Bytes(), "")
	report, err := p.Import(ctx, src, nil, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchCommitted, report.Status)
	assert.Equal(t, 2, report.Counts.Committed, "long format carries one result per row")

	seen := map[string]domain.AntibioticResult{}
	b, err := p.ledger.GetBatch(ctx, report.BatchID)
	require.NoError(t, err)
	for _, id := range b.RowIDs {
		unit, ok := mem.Get(id)
		require.True(t, ok)
		require.Len(t, unit.Results, 1)
		seen[unit.Results[0].Antibiotic] = unit.Results[0]
	}

	amp := seen["AMP"]
	assert.Equal(t, domain.ProvenancePreInterpreted, amp.Provenance)
	assert.Equal(t, domain.CategoryResistant, amp.Category)
	require.NotNil(t, amp.Value)
	assert.Equal(t, 64.0, amp.Value.Value)

	gen := seen["GEN"]
	assert.Equal(t, domain.ProvenanceRaw, gen.Provenance)
	assert.Equal(t, domain.OpLessOrEqual, gen.Value.Operator)
	assert.Equal(t, 0.25, gen.Value.Value)
	assert.Equal(t, domain.CategorySusceptible, gen.Category,
		"the re-imported raw MIC interprets under the same rules")
}
