package postgres

import (
	"context"
	"database/sql"

	"github.com/PascalSeth/tripsync/internal/core/domain"
)

type ApprovalRepo struct {
	db *sql.DB
}

var _ domain.ApprovalRepository = (*ApprovalRepo)(nil)

func NewApprovalRepo(db *sql.DB) *ApprovalRepo {
	return &ApprovalRepo{db: db}
}

func (r *ApprovalRepo) GetProviderApprovals(ctx context.Context, providerID string) ([]domain.ProviderCapability, error) {
	exec := GetExecutor(ctx, r.db)
	rows, err := exec.QueryContext(ctx, `
		SELECT provider_id, kind, category
		FROM provider_capabilities
		WHERE provider_id = $1
		  AND approved
		ORDER BY kind, category
	`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var caps []domain.ProviderCapability
	for rows.Next() {
		var c domain.ProviderCapability
		if err := rows.Scan(&c.ProviderID, &c.Kind, &c.Category); err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}
