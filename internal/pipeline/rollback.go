package pipeline

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/amr-import-engine/internal/domain"
)

// Rollback undoes a committed batch: exactly the recorded row ids are removed
// from the persistence store, then the ledger transition is recorded. A failed
// delete leaves the batch readable as committed so the rollback can be
// retried; the delete is idempotent, so a racing duplicate removes nothing and
// loses the final transition under the ledger's row lock.
func (p *Pipeline) Rollback(ctx context.Context, batchID string) error {
	batch, err := p.ledger.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	switch batch.Status {
	case domain.BatchCommitted:
	case domain.BatchRolledBack:
		return domain.ErrAlreadyRolledBack
	default:
		return domain.ErrBatchNotCommitted
	}

	if err := p.store.DeleteByRowIDs(ctx, batch.RowIDs); err != nil {
		cause := fmt.Sprintf("rollback delete failed: %v", err)
		_ = p.ledger.RecordError(ctx, batchID, cause)
		return fmt.Errorf("rolling back batch %s: %w", batchID, err)
	}

	if err := p.ledger.Transition(ctx, batchID, domain.BatchRolledBack); err != nil {
		return err
	}

	p.log.WithFields(logrus.Fields{
		"batch_id": batchID,
		"rows":     len(batch.RowIDs),
	}).Info("Batch rolled back")
	return nil
}
