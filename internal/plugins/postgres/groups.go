package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/PascalSeth/tripsync/internal/core/domain"
)

// GroupRepo stores shared groups with their members in join order. Writes
// that touch both tables run in one transaction.
type GroupRepo struct {
	db *sql.DB
	tx *TxManager
}

var _ domain.GroupRepository = (*GroupRepo)(nil)

func NewGroupRepo(db *sql.DB, tx *TxManager) *GroupRepo {
	return &GroupRepo{db: db, tx: tx}
}

func (r *GroupRepo) CreateGroup(ctx context.Context, g *domain.SharedGroup) error {
	if g.ID == "" {
		return domain.ErrGroupNotFound
	}
	return r.tx.WithTx(ctx, func(txCtx context.Context) error {
		exec := GetExecutor(txCtx, r.db)
		if _, err := exec.ExecContext(txCtx, `
			INSERT INTO shared_groups (id, max_capacity, occupancy, status, version)
			VALUES ($1, $2, $3, $4, $5)
		`, g.ID, g.MaxCapacity, g.Occupancy, string(g.Status), g.Version); err != nil {
			return err
		}
		return r.writeMembers(txCtx, exec, g.ID, g.Members)
	})
}

func (r *GroupRepo) GetGroup(ctx context.Context, id string) (*domain.SharedGroup, error) {
	exec := GetExecutor(ctx, r.db)
	var g domain.SharedGroup
	err := exec.QueryRowContext(ctx, `
		SELECT id, max_capacity, occupancy, status, version, created_at, updated_at
		FROM shared_groups
		WHERE id = $1
	`, id).Scan(&g.ID, &g.MaxCapacity, &g.Occupancy, &g.Status, &g.Version, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrGroupNotFound
		}
		return nil, err
	}
	rows, err := exec.QueryContext(ctx, `
		SELECT ride_id
		FROM shared_group_members
		WHERE group_id = $1
		ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var ride string
		if err := rows.Scan(&ride); err != nil {
			return nil, err
		}
		g.Members = append(g.Members, ride)
	}
	return &g, rows.Err()
}

// UpdateGroup applies the non-nil fields of patch while the row still holds
// patch.Version. A non-nil Members replaces the whole member list.
func (r *GroupRepo) UpdateGroup(ctx context.Context, id string, patch domain.GroupPatch) error {
	return r.tx.WithTx(ctx, func(txCtx context.Context) error {
		exec := GetExecutor(txCtx, r.db)
		var status *string
		if patch.Status != nil {
			s := string(*patch.Status)
			status = &s
		}
		res, err := exec.ExecContext(txCtx, `
			UPDATE shared_groups
			SET occupancy = COALESCE($2, occupancy),
			    status = COALESCE($3, status),
			    version = version + 1,
			    updated_at = now()
			WHERE id = $1
			  AND version = $4
		`, id, patch.Occupancy, status, patch.Version)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			if _, err := r.GetGroup(txCtx, id); err != nil {
				return err
			}
			return domain.ErrStaleWrite
		}
		if patch.Members == nil {
			return nil
		}
		if _, err := exec.ExecContext(txCtx, `DELETE FROM shared_group_members WHERE group_id = $1`, id); err != nil {
			return err
		}
		return r.writeMembers(txCtx, exec, id, patch.Members)
	})
}

func (r *GroupRepo) writeMembers(ctx context.Context, exec execer, groupID string, members []string) error {
	for pos, ride := range members {
		if _, err := exec.ExecContext(ctx, `
			INSERT INTO shared_group_members (group_id, ride_id, position)
			VALUES ($1, $2, $3)
		`, groupID, ride, pos); err != nil {
			return err
		}
	}
	return nil
}
