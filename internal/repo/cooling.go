package repo

import (
	"context"
	"database/sql"

	"fieldline/internal/domain"
)

// GetCoolingEntry returns the cooling entry for (kind, id), or ErrNotFound.
func (r Repo) GetCoolingEntry(ctx context.Context, entityKind, entityID string) (domain.CoolingEntry, error) {
	var e domain.CoolingEntry
	err := r.DB.QueryRowContext(ctx, `SELECT entity_kind, entity_id, last_sampled_at FROM cooling_entries WHERE entity_kind=? AND entity_id=?`,
		entityKind, entityID).Scan(&e.EntityKind, &e.EntityID, &e.LastSampledAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

// UpsertCoolingTx records or refreshes a last-sampled timestamp.
func (r Repo) UpsertCoolingTx(ctx context.Context, tx *sql.Tx, entityKind, entityID, sampledAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cooling_entries(entity_kind, entity_id, last_sampled_at) VALUES (?,?,?)
ON CONFLICT(entity_kind, entity_id) DO UPDATE SET last_sampled_at=excluded.last_sampled_at`,
		entityKind, entityID, sampledAt)
	return err
}

// DeleteCoolingTx removes cooling entries for the given entities.
func (r Repo) DeleteCoolingTx(ctx context.Context, tx *sql.Tx, entityKind string, entityIDs []string) (int64, error) {
	if len(entityIDs) == 0 {
		return 0, nil
	}
	var total int64
	for _, id := range entityIDs {
		res, err := tx.ExecContext(ctx, `DELETE FROM cooling_entries WHERE entity_kind=? AND entity_id=?`, entityKind, id)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// DeleteFarmerCoolingTx releases farmer cooling entries, skipping farmers
// that still hold a task created inside the cooling window: a surviving
// task from another activity keeps the anti-spam hold in place.
func (r Repo) DeleteFarmerCoolingTx(ctx context.Context, tx *sql.Tx, farmerIDs []string, cutoff string) (int64, error) {
	var total int64
	for _, id := range farmerIDs {
		res, err := tx.ExecContext(ctx, `DELETE FROM cooling_entries
WHERE entity_kind='farmer' AND entity_id=?
  AND NOT EXISTS (SELECT 1 FROM call_tasks t WHERE t.farmer_id=? AND t.created_at > ?)`,
			id, id, cutoff)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// ListCoolingEntries returns cooling entries of one kind, newest first.
func (r Repo) ListCoolingEntries(ctx context.Context, entityKind string, limit int) ([]domain.CoolingEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT entity_kind, entity_id, last_sampled_at FROM cooling_entries WHERE entity_kind=? ORDER BY last_sampled_at DESC LIMIT ?`,
		entityKind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CoolingEntry
	for rows.Next() {
		var e domain.CoolingEntry
		if err := rows.Scan(&e.EntityKind, &e.EntityID, &e.LastSampledAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
