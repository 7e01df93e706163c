package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/amr-import-engine/internal/domain"
)

// PostgresLedger implements the Ledger interface against a shared postgres
// database, for multi-node deployments where every importer must see the
// same batch history.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger opens a postgres-backed ledger. The import_batches table
// is created by migrations, not here.
func NewPostgresLedger(connStr string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger database: %w", err)
	}
	return &PostgresLedger{db: db}, nil
}

// NewPostgresLedgerFromDB wraps an existing handle; used by tests.
func NewPostgresLedgerFromDB(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Create(ctx context.Context, batch *domain.ImportBatch) error {
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
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
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

// Transition enforces the status machine inside a transaction so two racing
// rollback requests cannot both observe "committed".
func (l *PostgresLedger) Transition(ctx context.Context, id string, next domain.BatchStatus) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transition: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		"SELECT status FROM import_batches WHERE id = $1 FOR UPDATE", id).Scan(&current)
	if err == sql.ErrNoRows {
		return domain.ErrBatchNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read batch status: %w", err)
	}

	status := domain.BatchStatus(current)
	if !status.CanTransitionTo(next) {
		if status == domain.BatchRolledBack && next == domain.BatchRolledBack {
			return domain.ErrAlreadyRolledBack
		}
		if next == domain.BatchRolledBack {
			return domain.ErrBatchNotCommitted
		}
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, status, next)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE import_batches SET status = $1 WHERE id = $2", string(next), id); err != nil {
		return fmt.Errorf("failed to update batch status: %w", err)
	}
	return tx.Commit()
}

func (l *PostgresLedger) UpdateCounts(ctx context.Context, id string, counts domain.BatchCounts) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE import_batches
		SET parsed = $1, interpreted = $2, committed = $3, errored = $4
		WHERE id = $5`,
		counts.Parsed, counts.Interpreted, counts.Committed, counts.Errored, id)
	if err != nil {
		return fmt.Errorf("failed to update batch counts: %w", err)
	}
	return requireRow(res)
}

func (l *PostgresLedger) RecordCommit(ctx context.Context, id string, rowIDs []string) error {
	ids, err := json.Marshal(rowIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal row ids: %w", err)
	}
	res, err := l.db.ExecContext(ctx, `
		UPDATE import_batches SET row_ids = $1, committed_at = $2 WHERE id = $3`,
		ids, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record commit: %w", err)
	}
	return requireRow(res)
}

func (l *PostgresLedger) RecordError(ctx context.Context, id string, cause string) error {
	res, err := l.db.ExecContext(ctx,
		"UPDATE import_batches SET error = $1 WHERE id = $2", cause, id)
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return requireRow(res)
}

func (l *PostgresLedger) GetBatch(ctx context.Context, id string) (*domain.ImportBatch, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, source_name, source_checksum, template_snapshot, status,
			parsed, interpreted, committed, errored, row_ids, actor, error,
			created_at, committed_at
		FROM import_batches WHERE id = $1`, id)

	batch, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan batch: %w", err)
	}
	return batch, nil
}

func (l *PostgresLedger) ListBatches(ctx context.Context, filter domain.BatchFilter) ([]*domain.ImportBatch, error) {
	query := `
		SELECT id, source_name, source_checksum, template_snapshot, status,
			parsed, interpreted, committed, errored, row_ids, actor, error,
			created_at, committed_at
		FROM import_batches WHERE 1=1`
	var args []interface{}
	n := 0
	arg := func(v interface{}) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	if filter.Actor != "" {
		query += " AND actor = " + arg(filter.Actor)
	}
	if filter.Status != "" {
		query += " AND status = " + arg(string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= " + arg(filter.Since)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
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

func (l *PostgresLedger) Close() error {
	return l.db.Close()
}
