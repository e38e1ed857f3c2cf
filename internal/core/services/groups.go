package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/PascalSeth/tripsync/internal/core/domain"
	"github.com/PascalSeth/tripsync/pkg/logging"
)

// GroupCoordinator keeps capacity-bounded shared groups. It holds no group
// state between calls: every operation reads the stored group under that
// group's lock and writes back conditioned on the version it read, so
// coordinators on other nodes sharing the store never overwrite each other.
type GroupCoordinator struct {
	log   *slog.Logger
	repo  domain.GroupRepository
	locks *keyedMutex
	newID func() string
}

func NewGroupCoordinator(log *slog.Logger, repo domain.GroupRepository) *GroupCoordinator {
	return &GroupCoordinator{
		log:   log,
		repo:  repo,
		locks: newKeyedMutex(),
		newID: uuid.NewString,
	}
}

// maxWriteAttempts bounds how often a write lost to another writer is
// planned again from a fresh read.
const maxWriteAttempts = 3

func (c *GroupCoordinator) load(ctx context.Context, id string) (*domain.SharedGroup, error) {
	g, err := c.repo.GetGroup(ctx, id)
	if err != nil {
		return nil, domain.Dependency("groups - get group", err)
	}
	return g, nil
}

// read returns the stored group, taken under the group lock.
func (c *GroupCoordinator) read(ctx context.Context, id string) (*domain.SharedGroup, error) {
	if id == "" {
		return nil, domain.ErrGroupNotFound
	}
	unlock := c.locks.Lock(id)
	defer unlock()
	return c.load(ctx, id)
}

// update runs plan on the stored group under the group lock and writes the
// patch it returns against the version plan saw. A nil patch means nothing
// to write. When another writer got there first the group is reloaded and
// planned again, so a lost race surfaces as the domain error plan returns
// for the newer state.
func (c *GroupCoordinator) update(
	ctx context.Context,
	op, id string,
	plan func(g *domain.SharedGroup) (*domain.GroupPatch, error),
) (*domain.SharedGroup, error) {
	if id == "" {
		return nil, domain.ErrGroupNotFound
	}
	unlock := c.locks.Lock(id)
	defer unlock()
	for attempt := 1; ; attempt++ {
		g, err := c.load(ctx, id)
		if err != nil {
			return nil, err
		}
		patch, err := plan(g)
		if err != nil {
			return nil, err
		}
		if patch == nil {
			return g, nil
		}
		patch.Version = g.Version
		err = c.repo.UpdateGroup(ctx, id, *patch)
		if err == nil {
			patch.Apply(g)
			return g, nil
		}
		if errors.Is(err, domain.ErrStaleWrite) && attempt < maxWriteAttempts {
			c.log.DebugContext(ctx, "groups - "+op+" - stale write, retrying", logging.Group(id), slog.Int("attempt", attempt))
			continue
		}
		c.log.ErrorContext(ctx, "groups - "+op+" - persist failed", logging.Group(id), logging.Err(err))
		return nil, domain.Dependency("groups - "+op, err)
	}
}

// CreateGroup opens a group with the founder as its only member.
func (c *GroupCoordinator) CreateGroup(ctx context.Context, maxCapacity int, founderRideID string) (*domain.SharedGroup, error) {
	ctx, span := tracer.Start(ctx, "GroupCoordinator.CreateGroup", trace.WithAttributes(
		attribute.String("ride_id", founderRideID),
		attribute.Int("max_capacity", maxCapacity),
	))
	defer span.End()
	if maxCapacity < 1 {
		span.RecordError(domain.ErrInvalidCapacity)
		return nil, domain.ErrInvalidCapacity
	}
	g := &domain.SharedGroup{
		ID:          c.newID(),
		MaxCapacity: maxCapacity,
		Occupancy:   1,
		Status:      domain.GroupSearchingDriver,
		Members:     []string{founderRideID},
	}
	if err := c.repo.CreateGroup(ctx, g); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create group failed")
		c.log.ErrorContext(ctx, "groups - create group - persist failed", logging.Request(founderRideID), logging.Err(err))
		return nil, domain.Dependency("groups - create group", err)
	}
	c.log.InfoContext(ctx, "groups - create group - success", logging.Group(g.ID), logging.Request(founderRideID))
	return g, nil
}

// Join appends rideID to the group. The capacity check and the append are
// one versioned write, so two joins never both take the last slot, even
// from coordinators on different nodes.
func (c *GroupCoordinator) Join(ctx context.Context, groupID, rideID string) (*domain.SharedGroup, error) {
	ctx, span := tracer.Start(ctx, "GroupCoordinator.Join", trace.WithAttributes(
		attribute.String("group_id", groupID),
		attribute.String("ride_id", rideID),
	))
	defer span.End()
	g, err := c.update(ctx, "join", groupID, func(g *domain.SharedGroup) (*domain.GroupPatch, error) {
		switch {
		case g.Inert():
			return nil, domain.ErrGroupInactive
		case g.HasMember(rideID):
			return nil, nil
		case g.Occupancy >= g.MaxCapacity:
			return nil, domain.ErrGroupFull
		}
		occupancy := g.Occupancy + 1
		members := append(append([]string{}, g.Members...), rideID)
		return &domain.GroupPatch{Occupancy: &occupancy, Members: members}, nil
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrDependency) {
			span.SetStatus(codes.Error, "update group failed")
		}
		return nil, err
	}
	c.log.InfoContext(ctx, "groups - join - success", logging.Group(groupID), logging.Request(rideID), slog.Int("occupancy", g.Occupancy))
	return g, nil
}

// Leave removes rideID and frees its slot. The last leave closes the group.
func (c *GroupCoordinator) Leave(ctx context.Context, groupID, rideID string) (*domain.SharedGroup, error) {
	ctx, span := tracer.Start(ctx, "GroupCoordinator.Leave", trace.WithAttributes(
		attribute.String("group_id", groupID),
		attribute.String("ride_id", rideID),
	))
	defer span.End()
	g, err := c.update(ctx, "leave", groupID, func(g *domain.SharedGroup) (*domain.GroupPatch, error) {
		if !g.HasMember(rideID) || g.Occupancy == 0 {
			c.log.ErrorContext(ctx, "groups - leave - invariant violated", logging.Group(groupID), logging.Request(rideID), slog.Int("occupancy", g.Occupancy))
			return nil, fmt.Errorf("ride %s is not a member of group %s: %w", rideID, groupID, domain.ErrGroupInvariant)
		}
		members := make([]string, 0, len(g.Members)-1)
		for _, m := range g.Members {
			if m != rideID {
				members = append(members, m)
			}
		}
		occupancy := g.Occupancy - 1
		patch := &domain.GroupPatch{Occupancy: &occupancy, Members: members}
		if occupancy == 0 {
			closed := domain.GroupClosed
			patch.Status = &closed
		}
		return patch, nil
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrDependency) {
			span.SetStatus(codes.Error, "update group failed")
		}
		return nil, err
	}
	if g.Inert() {
		c.log.InfoContext(ctx, "groups - leave - group closed", logging.Group(groupID))
	}
	return g, nil
}

// Members lists member ride ids in join order.
func (c *GroupCoordinator) Members(ctx context.Context, groupID string) ([]string, error) {
	g, err := c.read(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return g.Members, nil
}

func (c *GroupCoordinator) Snapshot(ctx context.Context, groupID string) (*domain.SharedGroup, error) {
	return c.read(ctx, groupID)
}

// SetStatus stores the aggregate member status. Closed groups stay closed.
func (c *GroupCoordinator) SetStatus(ctx context.Context, groupID string, status domain.GroupStatus) error {
	_, err := c.update(ctx, "set status", groupID, func(g *domain.SharedGroup) (*domain.GroupPatch, error) {
		if g.Inert() || g.Status == status {
			return nil, nil
		}
		return &domain.GroupPatch{Status: &status}, nil
	})
	return err
}
