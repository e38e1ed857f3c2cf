package domain

import (
	"context"
)

// RequestRepository is the record store for requests. Implementations give
// read-your-writes per call; the core brings its own per-request locking.
type RequestRepository interface {
	GetRequest(ctx context.Context, id string) (*Request, error)
	CreateRequest(ctx context.Context, r *Request) error
	// UpdateRequestStatus moves the request from one status to another. It
	// returns ErrStaleWrite when the stored status is no longer from.
	UpdateRequestStatus(ctx context.Context, id string, from, to Status) error
	// AssignProvider sets the provider and moves the status from one value to
	// another in a single write, only while no provider is assigned. It
	// returns ErrAlreadyAssigned when another provider holds the request and
	// ErrStaleWrite when the stored status is no longer from.
	AssignProvider(ctx context.Context, id, providerID string, from, to Status) error
	// SetRequestGroup links a ride to a shared group; nil clears the link.
	SetRequestGroup(ctx context.Context, id string, groupID *string) error
	// ListOpenRequests returns unassigned requests of kind whose category is
	// in categories and whose status is in statuses.
	ListOpenRequests(ctx context.Context, kind RequestKind, categories []string, statuses []Status) ([]Request, error)
}

// ApprovalRepository exposes provider capabilities, read-only.
type ApprovalRepository interface {
	GetProviderApprovals(ctx context.Context, providerID string) ([]ProviderCapability, error)
}

// GroupRepository persists shared groups.
type GroupRepository interface {
	CreateGroup(ctx context.Context, g *SharedGroup) error
	GetGroup(ctx context.Context, id string) (*SharedGroup, error)
	// UpdateGroup writes patch only while the stored version equals
	// patch.Version and bumps the version on success. A mismatch returns
	// ErrStaleWrite.
	UpdateGroup(ctx context.Context, id string, patch GroupPatch) error
}
