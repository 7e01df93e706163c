// Package pipeline orchestrates one import batch end to end: parse, map,
// classify, interpret, assess, then commit atomically. Partial failure never
// loses the report; the caller always learns what happened to every row.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/amr-import-engine/internal/classify"
	"github.com/amr-import-engine/internal/domain"
	"github.com/amr-import-engine/internal/interpret"
	"github.com/amr-import-engine/internal/mapping"
	"github.com/amr-import-engine/internal/parser"
	"github.com/amr-import-engine/internal/quality"
)

// ErrBatchPaused is returned by Job.Run when a pause request took effect.
// The job retains its progress; calling Run again resumes from the checkpoint.
var ErrBatchPaused = errors.New("batch paused")

const defaultConcurrency = 4

// Deps collects the pipeline's injected collaborators.
type Deps struct {
	Log       *logrus.Logger
	RefData   domain.ReferenceDataService
	Store     domain.PersistenceStore
	Templates domain.TemplateStore
	Ledger    domain.Ledger
	Sink      domain.NotificationSink
}

// Pipeline builds and runs import jobs. Safe for concurrent use; each job
// carries its own mutable state.
type Pipeline struct {
	log        *logrus.Logger
	cfg        domain.ImportConfig
	resolver   *mapping.Resolver
	classifier *classify.Classifier
	engine     *interpret.Engine
	refdata    domain.ReferenceDataService
	store      domain.PersistenceStore
	templates  domain.TemplateStore
	ledger     domain.Ledger
	sink       domain.NotificationSink
	minDate    time.Time
}

// New wires a pipeline from its dependencies.
func New(cfg domain.ImportConfig, deps Deps) (*Pipeline, error) {
	engine, err := interpret.NewEngine(deps.Log, deps.RefData)
	if err != nil {
		return nil, fmt.Errorf("building interpretation engine: %w", err)
	}

	var minDate time.Time
	if cfg.MinCollectionDate != "" {
		minDate, err = time.Parse("2006-01-02", cfg.MinCollectionDate)
		if err != nil {
			return nil, fmt.Errorf("parsing min_collection_date: %w", err)
		}
	}

	return &Pipeline{
		log:        deps.Log,
		cfg:        cfg,
		resolver:   mapping.NewResolver(deps.Log, mapping.NewHeaderMatcher(nil)),
		classifier: classify.NewClassifier(deps.Log),
		engine:     engine,
		refdata:    deps.RefData,
		store:      deps.Store,
		templates:  deps.Templates,
		ledger:     deps.Ledger,
		sink:       deps.Sink,
		minDate:    minDate,
	}, nil
}

// Checkpoint identifies where a paused job left off.
type Checkpoint struct {
	BatchID        string `json:"batch_id"`
	SourceChecksum string `json:"source_checksum"`
	Offset         int64  `json:"offset"` // next row offset to read
}

// Job is one import run. Not safe for concurrent Run calls; Pause, Cancel
// and Checkpoint may be called from other goroutines while Run executes.
type Job struct {
	p        *Pipeline
	src      *domain.SourceFile
	tpl      *domain.MappingTemplate
	batchID  string
	actor    string
	assessor *quality.Assessor

	reader  domain.RecordReader
	started bool
	done    bool
	offset  atomic.Int64

	pauseReq  atomic.Bool
	cancelReq atomic.Bool

	// commitMu orders Cancel against the start of the commit transaction:
	// a cancel either lands before commitStarted and is honored by commit,
	// or observes commitStarted and is refused.
	commitMu      sync.Mutex
	commitStarted atomic.Bool

	// accumulated across pauses
	units       []*domain.IsolateUnit
	assessments []*domain.QualityAssessment
	issues      []domain.RowIssue
	counts      domain.BatchCounts
}

// NewJob prepares an import job. tpl may be nil (auto-map); when given it is
// cloned so the stored template is never mutated mid-batch.
func (p *Pipeline) NewJob(src *domain.SourceFile, tpl *domain.MappingTemplate, actor string) *Job {
	if tpl != nil {
		tpl = tpl.Clone()
	}
	return &Job{
		p:        p,
		src:      src,
		tpl:      tpl,
		batchID:  uuid.New().String(),
		actor:    actor,
		assessor: quality.NewAssessor(p.log, p.refdata, p.cfg.QualityWeights, p.minDate),
	}
}

// Import runs a whole batch in one call.
func (p *Pipeline) Import(ctx context.Context, src *domain.SourceFile, tpl *domain.MappingTemplate, actor string) (*domain.BatchReport, error) {
	return p.NewJob(src, tpl, actor).Run(ctx)
}

// BatchID returns the ledger id this job runs under.
func (j *Job) BatchID() string { return j.batchID }

// Pause requests that the job stop after the rows already in flight. The
// job's progress is retained; Run returns ErrBatchPaused.
func (j *Job) Pause() { j.pauseReq.Store(true) }

// Resume clears a pause request so a subsequent Run call continues.
func (j *Job) Resume() { j.pauseReq.Store(false) }

// Cancel aborts the job. Once the commit transaction has started the batch
// boundary is already being written and cancellation is refused; the caller
// must wait for completion and then roll back.
func (j *Job) Cancel() error {
	j.commitMu.Lock()
	defer j.commitMu.Unlock()
	if j.commitStarted.Load() {
		return domain.ErrCommitInProgress
	}
	j.cancelReq.Store(true)
	return nil
}

// Units returns the normalized units the job has accumulated, sorted by row
// once the batch has committed. Feed them to ExportLong for a long-format
// rendition of the batch.
func (j *Job) Units() []*domain.IsolateUnit { return j.units }

// Checkpoint reports where the job would resume.
func (j *Job) Checkpoint() Checkpoint {
	return Checkpoint{
		BatchID:        j.batchID,
		SourceChecksum: j.src.Checksum,
		Offset:         j.offset.Load(),
	}
}

// rowResult is the outcome of processing one raw record.
type rowResult struct {
	offset int64
	unit   *domain.IsolateUnit
	qa     *domain.QualityAssessment
	issues []domain.RowIssue
	fatal  bool
}

// Run executes the job until completion, pause, cancellation or failure.
// The report is non-nil whenever the batch reached the ledger.
func (j *Job) Run(ctx context.Context) (*domain.BatchReport, error) {
	if j.done {
		return nil, fmt.Errorf("job %s already finished", j.batchID)
	}

	if !j.started {
		if err := j.open(ctx); err != nil {
			return nil, err
		}
	}
	if off := j.offset.Load(); off > 0 {
		if err := j.reader.Seek(off); err != nil {
			return nil, fmt.Errorf("seeking to checkpoint offset %d: %w", off, err)
		}
	}

	paused, cancelled, readErr := j.drain(ctx)

	switch {
	case cancelled:
		report := j.fail(ctx, "cancelled by operator")
		return report, domain.ErrBatchCancelled
	case readErr != nil:
		report := j.fail(ctx, readErr.Error())
		return report, &domain.FormatError{File: j.src.Name, Format: j.src.Format, Err: readErr}
	case paused:
		j.p.log.WithFields(logrus.Fields{
			"batch_id": j.batchID,
			"offset":   j.offset.Load(),
		}).Info("Batch paused")
		return j.report(domain.BatchParsing, nil), ErrBatchPaused
	}

	return j.commit(ctx)
}

// open registers the batch in the ledger and builds the record reader.
func (j *Job) open(ctx context.Context) error {
	batch := &domain.ImportBatch{
		ID:               j.batchID,
		TemplateSnapshot: j.tpl,
		SourceChecksum:   j.src.Checksum,
		SourceName:       j.src.Name,
		Status:           domain.BatchPending,
		Actor:            j.actor,
	}
	if err := j.p.ledger.Create(ctx, batch); err != nil {
		return fmt.Errorf("registering batch: %w", err)
	}

	reader, err := parser.Open(j.src)
	if err != nil {
		_ = j.p.ledger.RecordError(ctx, j.batchID, err.Error())
		_ = j.p.ledger.Transition(ctx, j.batchID, domain.BatchFailed)
		return err
	}
	j.reader = reader

	if err := j.p.ledger.Transition(ctx, j.batchID, domain.BatchParsing); err != nil {
		reader.Close()
		return err
	}

	j.p.log.WithFields(logrus.Fields{
		"batch_id": j.batchID,
		"source":   j.src.Name,
		"format":   j.src.Format,
		"actor":    j.actor,
	}).Info("Import batch started")

	j.started = true
	return nil
}

// drain reads records and processes them on a bounded worker pool until the
// stream ends or a pause/cancel request takes effect.
func (j *Job) drain(ctx context.Context) (paused, cancelled bool, readErr error) {
	workers := j.p.cfg.Concurrency
	if workers <= 0 {
		workers = defaultConcurrency
	}

	recs := make(chan *domain.RawRecord, workers)
	out := make(chan *rowResult, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range recs {
				out <- j.process(ctx, rec)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	go func() {
		defer close(recs)
		for {
			if j.cancelReq.Load() {
				cancelled = true
				return
			}
			if j.pauseReq.Load() {
				paused = true
				return
			}
			if ctx.Err() != nil {
				cancelled = true
				return
			}
			rec, err := j.reader.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				readErr = err
				return
			}
			j.offset.Store(rec.Offset + 1)
			recs <- rec
		}
	}()

	for res := range out {
		j.collect(res)
	}
	// recs is closed and workers drained; the reader goroutine's writes to
	// paused/cancelled/readErr are visible here.
	return paused, cancelled, readErr
}

// process runs one record through resolve, classify, interpret and assess.
func (j *Job) process(ctx context.Context, rec *domain.RawRecord) *rowResult {
	pr := j.p.resolver.Resolve(rec, j.tpl)
	if pr.Fatal {
		return &rowResult{offset: rec.Offset, issues: pr.Issues, fatal: true}
	}

	unit, err := j.p.classifier.Classify(pr, j.tpl)
	if err != nil {
		return &rowResult{offset: rec.Offset, issues: pr.Issues, fatal: true}
	}
	if unit.HasFatal() {
		return &rowResult{offset: rec.Offset, unit: unit, issues: unit.AllIssues(), fatal: true}
	}

	if err := j.p.engine.Interpret(ctx, unit); err != nil {
		unit.Issues = append(unit.Issues, domain.RowIssue{
			Row: rec.Offset, Kind: domain.IssueInterpretationGap,
			Severity: domain.SeverityFatal,
			Message:  fmt.Sprintf("interpretation failed: %v", err),
		})
		return &rowResult{offset: rec.Offset, unit: unit, issues: unit.AllIssues(), fatal: true}
	}

	qa := j.assessor.Assess(ctx, unit)
	return &rowResult{offset: rec.Offset, unit: unit, qa: qa}
}

func (j *Job) collect(res *rowResult) {
	j.counts.Parsed++
	if res.fatal {
		j.counts.Errored++
		j.issues = append(j.issues, res.issues...)
		return
	}
	j.counts.Interpreted++
	j.units = append(j.units, res.unit)
	j.assessments = append(j.assessments, res.qa)
	j.issues = append(j.issues, res.unit.AllIssues()...)
}

// commit validates the accumulated units and writes them in one transaction.
func (j *Job) commit(ctx context.Context) (*domain.BatchReport, error) {
	if err := j.p.ledger.Transition(ctx, j.batchID, domain.BatchValidating); err != nil {
		return nil, err
	}
	_ = j.p.ledger.UpdateCounts(ctx, j.batchID, j.counts)

	if len(j.units) == 0 {
		report := j.fail(ctx, "no committable units in batch")
		return report, nil
	}

	sort.Slice(j.units, func(a, b int) bool { return j.units[a].Row < j.units[b].Row })

	// Last cancellation point. A cancel that returned nil before this window
	// closes must be honored; past it the batch boundary is being written and
	// Cancel is refused.
	j.commitMu.Lock()
	if j.cancelReq.Load() {
		j.commitMu.Unlock()
		report := j.fail(ctx, "cancelled by operator")
		return report, domain.ErrBatchCancelled
	}
	j.commitStarted.Store(true)
	j.commitMu.Unlock()

	tx, err := j.p.store.Begin(ctx)
	if err != nil {
		report := j.fail(ctx, err.Error())
		return report, &domain.CommitFailure{BatchID: j.batchID, Err: err}
	}
	rowIDs, err := tx.WriteUnits(ctx, j.units)
	if err != nil {
		_ = tx.Abort(ctx)
		report := j.fail(ctx, err.Error())
		return report, &domain.CommitFailure{BatchID: j.batchID, Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		report := j.fail(ctx, err.Error())
		return report, &domain.CommitFailure{BatchID: j.batchID, Err: err}
	}

	j.counts.Committed = len(j.units)
	if err := j.p.ledger.RecordCommit(ctx, j.batchID, rowIDs); err != nil {
		return nil, err
	}
	if err := j.p.ledger.Transition(ctx, j.batchID, domain.BatchCommitted); err != nil {
		return nil, err
	}
	_ = j.p.ledger.UpdateCounts(ctx, j.batchID, j.counts)
	j.lockTemplate(ctx)
	j.done = true

	report := j.report(domain.BatchCommitted, nil)
	j.p.log.WithFields(logrus.Fields{
		"batch_id":  j.batchID,
		"parsed":    j.counts.Parsed,
		"committed": j.counts.Committed,
		"errored":   j.counts.Errored,
	}).Info("Import batch committed")

	if j.p.sink != nil {
		batch, err := j.p.ledger.GetBatch(ctx, j.batchID)
		if err == nil {
			j.p.sink.BatchCompleted(ctx, batch, report)
		}
	}
	return report, nil
}

// lockTemplate marks the source template immutable once a batch that used it
// has committed.
func (j *Job) lockTemplate(ctx context.Context) {
	if j.tpl == nil || j.tpl.Owner == "" || j.tpl.Name == "" || j.p.templates == nil {
		return
	}
	if err := j.p.templates.Lock(ctx, j.tpl.Owner, j.tpl.Name); err != nil {
		j.p.log.WithError(err).WithFields(logrus.Fields{
			"owner": j.tpl.Owner, "name": j.tpl.Name,
		}).Warn("Could not lock mapping template after commit")
	}
}

// fail records the cause, moves the batch to failed, and still produces the
// full report.
func (j *Job) fail(ctx context.Context, cause string) *domain.BatchReport {
	j.done = true
	_ = j.p.ledger.RecordError(ctx, j.batchID, cause)
	_ = j.p.ledger.Transition(ctx, j.batchID, domain.BatchFailed)
	_ = j.p.ledger.UpdateCounts(ctx, j.batchID, j.counts)

	j.p.log.WithFields(logrus.Fields{
		"batch_id": j.batchID,
		"cause":    cause,
	}).Error("Import batch failed")

	report := j.report(domain.BatchFailed, []string{cause})
	if j.p.sink != nil {
		batch, err := j.p.ledger.GetBatch(ctx, j.batchID)
		if err == nil {
			j.p.sink.BatchFailed(ctx, batch, errors.New(cause))
		}
	}
	return report
}

func (j *Job) report(status domain.BatchStatus, warnings []string) *domain.BatchReport {
	bq := quality.Aggregate(j.assessments, j.units)
	if j.p.cfg.QualityThreshold > 0 && len(j.units) > 0 && bq.MeanScore < j.p.cfg.QualityThreshold {
		warnings = append(warnings, fmt.Sprintf(
			"mean quality score %.2f below threshold %.2f", bq.MeanScore, j.p.cfg.QualityThreshold))
	}
	return &domain.BatchReport{
		BatchID:  j.batchID,
		Status:   status,
		Counts:   j.counts,
		Quality:  bq,
		Issues:   j.issues,
		Warnings: warnings,
	}
}

// Close releases the job's reader.
func (j *Job) Close() error {
	if j.reader != nil {
		return j.reader.Close()
	}
	return nil
}
