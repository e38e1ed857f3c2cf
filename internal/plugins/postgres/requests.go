package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/PascalSeth/tripsync/internal/core/domain"
)

type RequestRepo struct {
	db *sql.DB
}

var _ domain.RequestRepository = (*RequestRepo)(nil)

func NewRequestRepo(db *sql.DB) *RequestRepo {
	return &RequestRepo{db: db}
}

const requestColumns = `id, kind, category, requester_id, provider_id, status, group_id, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*domain.Request, error) {
	var (
		r        domain.Request
		provider sql.NullString
		group    sql.NullString
	)
	if err := row.Scan(
		&r.ID,
		&r.Kind,
		&r.Category,
		&r.RequesterID,
		&provider,
		&r.Status,
		&group,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if provider.Valid {
		r.ProviderID = &provider.String
	}
	if group.Valid {
		r.GroupID = &group.String
	}
	return &r, nil
}

func (r *RequestRepo) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	if id == "" {
		return nil, domain.ErrInvalidRequestID
	}
	exec := GetExecutor(ctx, r.db)
	req, err := scanRequest(exec.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM service_requests
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

func (r *RequestRepo) CreateRequest(ctx context.Context, req *domain.Request) error {
	if req.ID == "" {
		return domain.ErrInvalidRequestID
	}
	exec := GetExecutor(ctx, r.db)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO service_requests (
			id, kind, category, requester_id, provider_id, status, group_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`,
		req.ID,
		string(req.Kind),
		req.Category,
		req.RequesterID,
		req.ProviderID,
		string(req.Status),
		req.GroupID,
		req.CreatedAt,
	)
	return err
}

// UpdateRequestStatus is a compare-and-set on status.
func (r *RequestRepo) UpdateRequestStatus(ctx context.Context, id string, from, to domain.Status) error {
	exec := GetExecutor(ctx, r.db)
	res, err := exec.ExecContext(ctx, `
		UPDATE service_requests
		SET status = $3, updated_at = now()
		WHERE id = $1
		  AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := r.GetRequest(ctx, id); err != nil {
		return err
	}
	return domain.ErrStaleWrite
}

// AssignProvider writes provider_id and status in one statement. It only
// matches while provider_id is empty and status still equals from.
func (r *RequestRepo) AssignProvider(ctx context.Context, id, providerID string, from, to domain.Status) error {
	exec := GetExecutor(ctx, r.db)
	res, err := exec.ExecContext(ctx, `
		UPDATE service_requests
		SET provider_id = $2, status = $4, updated_at = now()
		WHERE id = $1
		  AND provider_id IS NULL
		  AND status = $3
	`, id, providerID, string(from), string(to))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	cur, err := r.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case cur.Provider() == providerID:
		return nil
	case cur.HasProvider():
		return domain.ErrAlreadyAssigned
	}
	return domain.ErrStaleWrite
}

func (r *RequestRepo) SetRequestGroup(ctx context.Context, id string, groupID *string) error {
	exec := GetExecutor(ctx, r.db)
	res, err := exec.ExecContext(ctx, `
		UPDATE service_requests
		SET group_id = $2, updated_at = now()
		WHERE id = $1
	`, id, groupID)
	if err != nil {
		return err
	}
	return expectRow(res, domain.ErrRequestNotFound)
}

func (r *RequestRepo) ListOpenRequests(
	ctx context.Context,
	kind domain.RequestKind,
	categories []string,
	statuses []domain.Status,
) ([]domain.Request, error) {
	if len(categories) == 0 || len(statuses) == 0 {
		return nil, nil
	}
	sts := make([]string, len(statuses))
	for i, s := range statuses {
		sts[i] = string(s)
	}
	exec := GetExecutor(ctx, r.db)
	rows, err := exec.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM service_requests
		WHERE kind = $1
		  AND provider_id IS NULL
		  AND category = ANY($2)
		  AND status = ANY($3)
		ORDER BY created_at ASC, id ASC
	`, string(kind), categories, sts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
