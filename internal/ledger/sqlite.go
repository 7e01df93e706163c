// Package ledger keeps the durable, process-wide record of every import
// batch: status machine, counts, committed row ids, and error causes. Two
// backends exist — an embedded sqlite file for single-node deployments, and
// postgres for shared ones.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/amr-import-engine/internal/domain"
)

// SQLiteLedger implements the Ledger interface over an embedded database.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger creates (or opens) the ledger database and its schema.
func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	// WAL keeps concurrent batch status updates from blocking readers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS import_batches (
		id TEXT PRIMARY KEY,
		source_name TEXT NOT NULL DEFAULT '',
		source_checksum TEXT NOT NULL,
		template_snapshot TEXT,
		status TEXT NOT NULL,
		parsed INTEGER NOT NULL DEFAULT 0,
		interpreted INTEGER NOT NULL DEFAULT 0,
		committed INTEGER NOT NULL DEFAULT 0,
		errored INTEGER NOT NULL DEFAULT 0,
		row_ids TEXT,
		actor TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		committed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_batches_status ON import_batches(status);
	CREATE INDEX IF NOT EXISTS idx_batches_actor ON import_batches(actor);
	CREATE INDEX IF NOT EXISTS idx_batches_created_at ON import_batches(created_at);
	`
	_, err := db.Exec(schema)
	return err
}

// Create inserts a new batch in pending state.
func (l *SQLiteLedger) Create(ctx context.Context, batch *domain.ImportBatch) error {
	if batch.Status == "" {
		batch.Status = domain.BatchPending
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}

	var snapshot []byte
	if batch.TemplateSnapshot != nil {
		var err error
		snapshot, err = json.Marshal(batch.TemplateSnapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal template snapshot: %w", err)
		}
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO import_batches (
			id, source_name, source_checksum, template_snapshot, status,
			parsed, interpreted, committed, errored, actor, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ID, batch.SourceName, batch.SourceChecksum, nullable(snapshot),
		string(batch.Status), batch.Counts.Parsed, batch.Counts.Interpreted,
		batch.Counts.Committed, batch.Counts.Errored, batch.Actor,
		batch.Error, batch.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

// Transition moves a batch to the next status, enforcing the state machine.
// Status transitions are the only mutation path for a ledger entry.
func (l *SQLiteLedger) Transition(ctx context.Context, id string, next domain.BatchStatus) error {
	batch, err := l.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	if !batch.Status.CanTransitionTo(next) {
		if batch.Status == domain.BatchRolledBack && next == domain.BatchRolledBack {
			return domain.ErrAlreadyRolledBack
		}
		if next == domain.BatchRolledBack {
			return domain.ErrBatchNotCommitted
		}
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, batch.Status, next)
	}

	_, err = l.db.ExecContext(ctx,
		"UPDATE import_batches SET status = ? WHERE id = ?", string(next), id)
	if err != nil {
		return fmt.Errorf("failed to update batch status: %w", err)
	}
	return nil
}

// UpdateCounts refreshes the per-phase counters.
func (l *SQLiteLedger) UpdateCounts(ctx context.Context, id string, counts domain.BatchCounts) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE import_batches
		SET parsed = ?, interpreted = ?, committed = ?, errored = ?
		WHERE id = ?`,
		counts.Parsed, counts.Interpreted, counts.Committed, counts.Errored, id)
	if err != nil {
		return fmt.Errorf("failed to update batch counts: %w", err)
	}
	return requireRow(res)
}

// RecordCommit fixes the set of written row ids and stamps the commit time.
// Called exactly once, when the batch transaction commits.
func (l *SQLiteLedger) RecordCommit(ctx context.Context, id string, rowIDs []string) error {
	ids, err := json.Marshal(rowIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal row ids: %w", err)
	}
	res, err := l.db.ExecContext(ctx, `
		UPDATE import_batches SET row_ids = ?, committed_at = ? WHERE id = ?`,
		ids, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record commit: %w", err)
	}
	return requireRow(res)
}

// RecordError attaches the failure cause to a batch.
func (l *SQLiteLedger) RecordError(ctx context.Context, id string, cause string) error {
	res, err := l.db.ExecContext(ctx,
		"UPDATE import_batches SET error = ? WHERE id = ?", cause, id)
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return requireRow(res)
}

// GetBatch retrieves one batch by id.
func (l *SQLiteLedger) GetBatch(ctx context.Context, id string) (*domain.ImportBatch, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, source_name, source_checksum, template_snapshot, status,
			parsed, interpreted, committed, errored, row_ids, actor, error,
			created_at, committed_at
		FROM import_batches WHERE id = ?`, id)

	batch, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan batch: %w", err)
	}
	return batch, nil
}

// ListBatches returns batches matching the filter, newest first.
func (l *SQLiteLedger) ListBatches(ctx context.Context, filter domain.BatchFilter) ([]*domain.ImportBatch, error) {
	query := `
		SELECT id, source_name, source_checksum, template_snapshot, status,
			parsed, interpreted, committed, errored, row_ids, actor, error,
			created_at, committed_at
		FROM import_batches WHERE 1=1`
	var args []interface{}
	if filter.Actor != "" {
		query += " AND actor = ?"
		args = append(args, filter.Actor)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var out []*domain.ImportBatch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch row: %w", err)
		}
		out = append(out, batch)
	}
	return out, rows.Err()
}

// Close releases the ledger database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBatch(s scanner) (*domain.ImportBatch, error) {
	batch := &domain.ImportBatch{}
	var status string
	var snapshot, rowIDs sql.NullString
	var committedAt sql.NullTime

	err := s.Scan(
		&batch.ID, &batch.SourceName, &batch.SourceChecksum, &snapshot,
		&status, &batch.Counts.Parsed, &batch.Counts.Interpreted,
		&batch.Counts.Committed, &batch.Counts.Errored, &rowIDs,
		&batch.Actor, &batch.Error, &batch.CreatedAt, &committedAt,
	)
	if err != nil {
		return nil, err
	}

	batch.Status = domain.BatchStatus(status)
	if snapshot.Valid && snapshot.String != "" {
		batch.TemplateSnapshot = &domain.MappingTemplate{}
		if err := json.Unmarshal([]byte(snapshot.String), batch.TemplateSnapshot); err != nil {
			return nil, fmt.Errorf("corrupt template snapshot: %w", err)
		}
	}
	if rowIDs.Valid && rowIDs.String != "" {
		if err := json.Unmarshal([]byte(rowIDs.String), &batch.RowIDs); err != nil {
			return nil, fmt.Errorf("corrupt row id list: %w", err)
		}
	}
	if committedAt.Valid {
		batch.CommittedAt = &committedAt.Time
	}
	return batch, nil
}

func nullable(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrBatchNotFound
	}
	return nil
}
