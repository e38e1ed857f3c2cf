// Package memory is an in-process record store. It backs the service in
// STORE_DRIVER=memory mode and the core's tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/PascalSeth/tripsync/internal/core/contracts"
	"github.com/PascalSeth/tripsync/internal/core/domain"
)

type Store struct {
	mu        sync.RWMutex
	requests  map[string]*domain.Request
	groups    map[string]*domain.SharedGroup
	approvals map[string][]domain.ProviderCapability
	locations map[string]domain.ProviderLocation
	now       func() time.Time
}

var (
	_ domain.RequestRepository  = (*Store)(nil)
	_ domain.ApprovalRepository = (*Store)(nil)
	_ domain.GroupRepository    = (*Store)(nil)
	_ contracts.LocationStore   = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		requests:  make(map[string]*domain.Request),
		groups:    make(map[string]*domain.SharedGroup),
		approvals: make(map[string][]domain.ProviderCapability),
		locations: make(map[string]domain.ProviderLocation),
		now:       time.Now,
	}
}

// Approve grants providerID the category of kind.
func (s *Store) Approve(providerID string, kind domain.RequestKind, category string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[providerID] = append(s.approvals[providerID], domain.ProviderCapability{
		ProviderID: providerID,
		Kind:       kind,
		Category:   category,
	})
}

func (s *Store) GetRequest(_ context.Context, id string) (*domain.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, domain.ErrRequestNotFound
	}
	return r.Clone(), nil
}

func (s *Store) CreateRequest(_ context.Context, r *domain.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := r.Clone()
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.requests[c.ID] = c
	return nil
}

func (s *Store) UpdateRequestStatus(_ context.Context, id string, from, to domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return domain.ErrRequestNotFound
	}
	if r.Status != from {
		return domain.ErrStaleWrite
	}
	r.Status = to
	r.UpdatedAt = s.now()
	return nil
}

func (s *Store) AssignProvider(_ context.Context, id, providerID string, from, to domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return domain.ErrRequestNotFound
	}
	if r.HasProvider() {
		if r.Provider() == providerID {
			return nil
		}
		return domain.ErrAlreadyAssigned
	}
	if r.Status != from {
		return domain.ErrStaleWrite
	}
	r.ProviderID = &providerID
	r.Status = to
	r.UpdatedAt = s.now()
	return nil
}

func (s *Store) SetRequestGroup(_ context.Context, id string, groupID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return domain.ErrRequestNotFound
	}
	if groupID == nil {
		r.GroupID = nil
	} else {
		g := *groupID
		r.GroupID = &g
	}
	r.UpdatedAt = s.now()
	return nil
}

func (s *Store) ListOpenRequests(_ context.Context, kind domain.RequestKind, categories []string, statuses []domain.Status) ([]domain.Request, error) {
	cats := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		cats[c] = struct{}{}
	}
	sts := make(map[domain.Status]struct{}, len(statuses))
	for _, st := range statuses {
		sts[st] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Request
	for _, r := range s.requests {
		if r.Kind != kind || r.HasProvider() {
			continue
		}
		if _, ok := cats[r.Category]; !ok {
			continue
		}
		if _, ok := sts[r.Status]; !ok {
			continue
		}
		out = append(out, *r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetProviderApprovals(_ context.Context, providerID string) ([]domain.ProviderCapability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.ProviderCapability(nil), s.approvals[providerID]...), nil
}

func (s *Store) CreateGroup(_ context.Context, g *domain.SharedGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := g.Clone()
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.groups[c.ID] = c
	return nil
}

func (s *Store) GetGroup(_ context.Context, id string) (*domain.SharedGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, domain.ErrGroupNotFound
	}
	return g.Clone(), nil
}

func (s *Store) UpdateGroup(_ context.Context, id string, patch domain.GroupPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return domain.ErrGroupNotFound
	}
	if g.Version != patch.Version {
		return domain.ErrStaleWrite
	}
	patch.Apply(g)
	g.UpdatedAt = s.now()
	return nil
}

func (s *Store) SaveLocation(_ context.Context, loc domain.ProviderLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = s.now()
	}
	s.locations[loc.ProviderID] = loc
	return nil
}

func (s *Store) GetLocation(_ context.Context, providerID string) (*domain.ProviderLocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.locations[providerID]
	if !ok {
		return nil, nil
	}
	return &loc, nil
}
