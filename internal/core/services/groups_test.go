package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PascalSeth/tripsync/internal/core/domain"
)

func assertGroupInvariant(t *testing.T, g *domain.SharedGroup) {
	t.Helper()
	assert.Equal(t, len(g.Members), g.Occupancy)
	assert.LessOrEqual(t, g.Occupancy, g.MaxCapacity)
	assert.GreaterOrEqual(t, g.Occupancy, 0)
}

func TestCreateGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.groups.CreateGroup(ctx, 3, "r1")
	require.NoError(t, err)
	assert.NotEmpty(t, g.ID)
	assert.Equal(t, 1, g.Occupancy)
	assert.Equal(t, []string{"r1"}, g.Members)
	assert.Equal(t, domain.GroupSearchingDriver, g.Status)

	stored, err := f.store.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, g.Members, stored.Members)

	_, err = f.groups.CreateGroup(ctx, 0, "r2")
	assert.ErrorIs(t, err, domain.ErrBadRequest)
}

func TestJoinUntilFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.groups.CreateGroup(ctx, 2, "r1")
	require.NoError(t, err)

	joined, err := f.groups.Join(ctx, g.ID, "r2")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, joined.Members)
	assertGroupInvariant(t, joined)

	_, err = f.groups.Join(ctx, g.ID, "r3")
	assert.ErrorIs(t, err, domain.ErrGroupFull)

	// rejoining is a no-op even when full
	again, err := f.groups.Join(ctx, g.ID, "r2")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Occupancy)

	members, err := f.groups.Members(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, members)
}

func TestJoinUnknownGroup(t *testing.T) {
	f := newFixture(t)
	_, err := f.groups.Join(context.Background(), "missing", "r1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.groups.Join(context.Background(), "", "r1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConcurrentJoinLastSlot(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t)
		ctx := context.Background()
		g, err := f.groups.CreateGroup(ctx, 2, "founder")
		require.NoError(t, err)

		var ok, full atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for _, ride := range []string{"a", "b"} {
			wg.Add(1)
			go func(ride string) {
				defer wg.Done()
				<-start
				_, err := f.groups.Join(ctx, g.ID, ride)
				switch {
				case err == nil:
					ok.Add(1)
				case assert.ErrorIs(t, err, domain.ErrGroupFull):
					full.Add(1)
				}
			}(ride)
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), ok.Load())
		assert.Equal(t, int32(1), full.Load())
		snap, err := f.groups.Snapshot(ctx, g.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, snap.Occupancy)
		assertGroupInvariant(t, snap)
	}
}

func TestConcurrentJoinNeverOverfills(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.groups.CreateGroup(ctx, 4, "founder")
	require.NoError(t, err)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.groups.Join(ctx, g.ID, string(rune('a'+i))); err == nil {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(3), ok.Load())
	stored, err := f.store.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assertGroupInvariant(t, stored)
	assert.Equal(t, 4, stored.Occupancy)
}

func TestLeave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.groups.CreateGroup(ctx, 3, "r1")
	require.NoError(t, err)
	_, err = f.groups.Join(ctx, g.ID, "r2")
	require.NoError(t, err)
	_, err = f.groups.Join(ctx, g.ID, "r3")
	require.NoError(t, err)

	left, err := f.groups.Leave(ctx, g.ID, "r2")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r3"}, left.Members)
	assertGroupInvariant(t, left)

	_, err = f.groups.Leave(ctx, g.ID, "r2")
	assert.ErrorIs(t, err, domain.ErrGroupInvariant)
	snap, _ := f.groups.Snapshot(ctx, g.ID)
	assert.Equal(t, 2, snap.Occupancy)
}

func TestLastLeaveClosesGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.groups.CreateGroup(ctx, 2, "r1")
	require.NoError(t, err)

	closed, err := f.groups.Leave(ctx, g.ID, "r1")
	require.NoError(t, err)
	assert.True(t, closed.Inert())
	assert.Equal(t, domain.GroupClosed, closed.Status)

	_, err = f.groups.Join(ctx, g.ID, "r2")
	assert.ErrorIs(t, err, domain.ErrGroupInactive)

	stored, err := f.store.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Occupancy)
	assert.Empty(t, stored.Members)
	assert.Equal(t, domain.GroupClosed, stored.Status)

	// aggregate updates never reopen a closed group
	require.NoError(t, f.groups.SetStatus(ctx, g.ID, domain.GroupInProgress))
	snap, _ := f.groups.Snapshot(ctx, g.ID)
	assert.Equal(t, domain.GroupClosed, snap.Status)
}

func TestJoinPersistFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.groups.CreateGroup(ctx, 3, "r1")
	require.NoError(t, err)

	f.store.failGroup.Store(true)
	_, err = f.groups.Join(ctx, g.ID, "r2")
	assert.ErrorIs(t, err, domain.ErrDependency)

	f.store.failGroup.Store(false)
	snap, err := f.groups.Snapshot(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, snap.Members)
	assertGroupInvariant(t, snap)
}

func TestGroupsLoadFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateGroup(ctx, &domain.SharedGroup{
		ID: "g-old", MaxCapacity: 2, Occupancy: 1, Members: []string{"r1"}, Status: domain.GroupSearchingDriver,
	}))

	g, err := f.groups.Join(ctx, "g-old", "r2")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, g.Members)
}

func TestSetStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.groups.CreateGroup(ctx, 2, "r1")
	require.NoError(t, err)

	require.NoError(t, f.groups.SetStatus(ctx, g.ID, domain.GroupDriverAssigned))
	stored, _ := f.store.GetGroup(ctx, g.ID)
	assert.Equal(t, domain.GroupDriverAssigned, stored.Status)

	f.store.failGroup.Store(true)
	assert.ErrorIs(t, f.groups.SetStatus(ctx, g.ID, domain.GroupInProgress), domain.ErrDependency)
}

func TestCoordinatorsShareOneStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.groups
	b := NewGroupCoordinator(discardLogger(), f.store)

	g, err := a.CreateGroup(ctx, 3, "r1")
	require.NoError(t, err)
	_, err = b.Join(ctx, g.ID, "r2")
	require.NoError(t, err)
	joined, err := a.Join(ctx, g.ID, "r3")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2", "r3"}, joined.Members)

	stored, err := f.store.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Occupancy)
	assert.Equal(t, []string{"r1", "r2", "r3"}, stored.Members)

	_, err = b.Join(ctx, g.ID, "r4")
	assert.ErrorIs(t, err, domain.ErrGroupFull)
}

func TestCoordinatorsSeeEachOthersClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.groups
	b := NewGroupCoordinator(discardLogger(), f.store)

	g, err := a.CreateGroup(ctx, 2, "r1")
	require.NoError(t, err)
	members, err := a.Members(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, members)

	_, err = b.Leave(ctx, g.ID, "r1")
	require.NoError(t, err)

	_, err = a.Join(ctx, g.ID, "r2")
	assert.ErrorIs(t, err, domain.ErrGroupInactive)
	snap, err := a.Snapshot(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupClosed, snap.Status)
	assert.Zero(t, a.locks.size())
}

func TestCoordinatorsRaceForLastSlot(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t)
		ctx := context.Background()
		coords := []*GroupCoordinator{f.groups, NewGroupCoordinator(discardLogger(), f.store)}
		g, err := coords[0].CreateGroup(ctx, 2, "founder")
		require.NoError(t, err)

		var ok, full atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i, ride := range []string{"a", "b"} {
			wg.Add(1)
			go func(c *GroupCoordinator, ride string) {
				defer wg.Done()
				<-start
				_, err := c.Join(ctx, g.ID, ride)
				switch {
				case err == nil:
					ok.Add(1)
				case assert.ErrorIs(t, err, domain.ErrGroupFull):
					full.Add(1)
				}
			}(coords[i], ride)
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), ok.Load())
		assert.Equal(t, int32(1), full.Load())
		stored, err := f.store.GetGroup(ctx, g.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, stored.Occupancy)
		assertGroupInvariant(t, stored)
	}
}

func TestKeyedMutexReleasesIdleKeys(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("r1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Zero(t, k.size())
}
