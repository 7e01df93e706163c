package domain

import (
	"errors"
	"fmt"
)

// Whole-file errors: these abort the import before any row is produced.
var (
	// ErrUnsupportedFormat is returned when format sniffing is inconclusive
	// and the caller declared no override.
	ErrUnsupportedFormat = errors.New("unsupported source format")

	// ErrCorruptSource is returned when the byte stream cannot be decoded
	// under the declared or detected encoding.
	ErrCorruptSource = errors.New("corrupt source")
)

// Batch lifecycle errors.
var (
	ErrBatchNotFound      = errors.New("batch not found")
	ErrAlreadyRolledBack  = errors.New("batch already rolled back")
	ErrBatchNotCommitted  = errors.New("batch not committed")
	ErrCommitInProgress   = errors.New("commit in progress; await completion then roll back")
	ErrBatchCancelled     = errors.New("batch cancelled")
	ErrInvalidTransition  = errors.New("invalid batch status transition")
	ErrTemplateLocked     = errors.New("template referenced by a committed batch is immutable")
	ErrTemplateNotFound   = errors.New("mapping template not found")
	ErrReferenceNotFound  = errors.New("reference data not found")
	ErrCheckpointMismatch = errors.New("checkpoint does not match source file")
)

// FormatError wraps a whole-file parse failure with source context.
type FormatError struct {
	File   string
	Format SourceFormat
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s (format %q): %v", e.File, e.Format, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// CommitFailure wraps a persistence-store error that aborted a batch.
type CommitFailure struct {
	BatchID string
	Err     error
}

func (e *CommitFailure) Error() string {
	return fmt.Sprintf("commit of batch %s failed: %v", e.BatchID, e.Err)
}

func (e *CommitFailure) Unwrap() error {
	return e.Err
}
