package postgres

import (
	"context"
	"fmt"
)

// PendingIndexRemovals returns up to limit queued index removals, oldest first.
func (r *CaseRepository) PendingIndexRemovals(ctx context.Context, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT embedding_id FROM index_removals
		ORDER BY queued_at, embedding_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query index removals: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan index removal: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate index removals: %w", classify(err))
	}
	return ids, nil
}

// AckIndexRemoval drops a queued removal. Acking an unknown id is a no-op.
func (r *CaseRepository) AckIndexRemoval(ctx context.Context, embeddingID int64) error {
	if _, err := r.pool.Exec(ctx, "DELETE FROM index_removals WHERE embedding_id = $1", embeddingID); err != nil {
		return fmt.Errorf("ack index removal %d: %w", embeddingID, err)
	}
	return nil
}
