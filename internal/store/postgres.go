// Package store persists normalized isolate units. The postgres
// implementation writes each batch in one transaction and records generated
// row ids so a committed batch can later be rolled back precisely.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/amr-import-engine/internal/domain"
)

// PostgresStore is the pgx-backed persistence store.
type PostgresStore struct {
	db  *pgxpool.Pool
	log *logrus.Logger

	// commitMu serializes commits of a single store handle. Distinct
	// batches write disjoint rows, but commit of any one batch is a
	// single-writer section.
	commitMu sync.Mutex
}

func NewPostgresStore(db *pgxpool.Pool, log *logrus.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log}
}

// Begin opens one batch transaction.
func (s *PostgresStore) Begin(ctx context.Context) (domain.StoreTx, error) {
	s.commitMu.Lock()
	tx, err := s.db.Begin(ctx)
	if err != nil {
		s.commitMu.Unlock()
		return nil, fmt.Errorf("beginning batch transaction: %w", err)
	}
	return &postgresTx{store: s, tx: tx}, nil
}

// DeleteByRowIDs removes exactly the given isolate rows in one statement;
// antibiotic results cascade.
func (s *PostgresStore) DeleteByRowIDs(ctx context.Context, rowIDs []string) error {
	if len(rowIDs) == 0 {
		return nil
	}
	tag, err := s.db.Exec(ctx, "DELETE FROM isolates WHERE id = ANY($1)", rowIDs)
	if err != nil {
		return fmt.Errorf("deleting rolled-back rows: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"requested": len(rowIDs),
		"deleted":   tag.RowsAffected(),
	}).Info("Rollback delete executed")
	return nil
}

type postgresTx struct {
	store *PostgresStore
	tx    pgx.Tx
	done  bool
}

// WriteUnits inserts committable units and their results, returning one
// generated row id per isolate in input order.
func (t *postgresTx) WriteUnits(ctx context.Context, units []*domain.IsolateUnit) ([]string, error) {
	rowIDs := make([]string, 0, len(units))
	for _, unit := range units {
		id := uuid.New().String()
		_, err := t.tx.Exec(ctx, `
			INSERT INTO isolates (
				id, patient_id, specimen_id, specimen_source, organism,
				collection_date, facility
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, unit.PatientID, unit.SpecimenID, unit.SpecimenSource,
			unit.Organism, unit.CollectionDate, unit.Facility,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting isolate (row %d): %w", unit.Row, err)
		}

		for _, r := range unit.CommittableResults() {
			var op, unitStr *string
			var value *float64
			if r.Value != nil {
				o, u, v := string(r.Value.Operator), r.Value.Unit, r.Value.Value
				op, unitStr, value = &o, &u, &v
			}
			_, err := t.tx.Exec(ctx, `
				INSERT INTO antibiotic_results (
					isolate_id, antibiotic, method, value_operator, value,
					value_unit, category, standard, standard_version,
					provenance, status
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				id, r.Antibiotic, string(r.Method), op, value, unitStr,
				string(r.Category), r.Standard, r.StandardVersion,
				string(r.Provenance), string(r.Status),
			)
			if err != nil {
				return nil, fmt.Errorf("inserting result %s (row %d): %w", r.Antibiotic, unit.Row, err)
			}
		}
		rowIDs = append(rowIDs, id)
	}
	return rowIDs, nil
}

func (t *postgresTx) Commit(ctx context.Context) error {
	defer t.release()
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing batch transaction: %w", err)
	}
	return nil
}

func (t *postgresTx) Abort(ctx context.Context) error {
	defer t.release()
	if err := t.tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		return fmt.Errorf("aborting batch transaction: %w", err)
	}
	return nil
}

func (t *postgresTx) release() {
	if !t.done {
		t.done = true
		t.store.commitMu.Unlock()
	}
}
