package domain

import (
	"context"
	"io"
)

// RecordReader is a lazy, restartable stream of raw source rows. Next
// returns io.EOF at end of stream. Seek repositions the stream at a
// zero-based row offset so a paused batch can resume.
type RecordReader interface {
	Next() (*RawRecord, error)
	Seek(offset int64) error
	io.Closer
}

// ReferenceDataService supplies organism/antibiotic/breakpoint reference
// tables. Read-only and safe for unlimited concurrent reads.
type ReferenceDataService interface {
	LookupOrganism(ctx context.Context, code string) (*Organism, error)
	LookupAntibiotic(ctx context.Context, code string) (*Antibiotic, error)
	// LookupBreakpoints returns every rule matching the query's antibiotic,
	// method, standard and version; the interpretation engine picks the most
	// specific organism/specimen match.
	LookupBreakpoints(ctx context.Context, q BreakpointQuery) ([]BreakpointRule, error)
}

// StoreTx is one open batch transaction against the persistence store.
type StoreTx interface {
	// WriteUnits persists committable units and returns the generated row
	// ids, one per written isolate unit, in input order.
	WriteUnits(ctx context.Context, units []*IsolateUnit) ([]string, error)
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// PersistenceStore is the transactional sink for normalized units. Commit of
// any one batch is serialized; distinct batches may commit concurrently.
type PersistenceStore interface {
	Begin(ctx context.Context) (StoreTx, error)
	// DeleteByRowIDs removes (or tombstones) exactly the given rows in one
	// operation; used by batch rollback.
	DeleteByRowIDs(ctx context.Context, rowIDs []string) error
}

// TemplateStore persists mapping templates, keyed by owner + name and
// versioned. A template becomes immutable once a committed batch references it.
type TemplateStore interface {
	Save(ctx context.Context, t *MappingTemplate) error
	Get(ctx context.Context, owner, name string) (*MappingTemplate, error)
	List(ctx context.Context, owner string) ([]*MappingTemplate, error)
	Delete(ctx context.Context, owner, name string) error
	// Lock marks the template immutable; called when a batch using it commits.
	Lock(ctx context.Context, owner, name string) error
}

// Ledger is the process-wide durable record of every import batch.
type Ledger interface {
	Create(ctx context.Context, batch *ImportBatch) error
	Transition(ctx context.Context, id string, next BatchStatus) error
	UpdateCounts(ctx context.Context, id string, counts BatchCounts) error
	RecordCommit(ctx context.Context, id string, rowIDs []string) error
	RecordError(ctx context.Context, id string, cause string) error
	GetBatch(ctx context.Context, id string) (*ImportBatch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]*ImportBatch, error)
}

// NotificationSink receives import completion and failure events.
type NotificationSink interface {
	BatchCompleted(ctx context.Context, batch *ImportBatch, report *BatchReport)
	BatchFailed(ctx context.Context, batch *ImportBatch, cause error)
}

// ColumnMatcher matches a source column header to a standard target field.
// Implementations apply an explicit precedence: normalized-exact, then
// prefix, then synonym-table lookup.
type ColumnMatcher interface {
	Match(header string) (Field, bool)
}
