package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PascalSeth/tripsync/internal/core/domain"
	"github.com/PascalSeth/tripsync/internal/plugins/memory"
)

var errStoreDown = errors.New("store unavailable")

type published struct {
	channel string
	event   domain.Event
}

// recordingPublisher stands in for the broker and keeps every publish.
type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, event any) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, _ := event.(domain.Event)
	p.events = append(p.events, published{channel: channel, event: ev})
	return 1, nil
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

// channels lists the channels that received an event of type t.
func (p *recordingPublisher) channels(t string) []string {
	var out []string
	for _, e := range p.all() {
		if e.event.Type == t {
			out = append(out, e.channel)
		}
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

// flakyStore is the memory store with switchable write failures.
type flakyStore struct {
	*memory.Store
	failStatus    atomic.Bool
	failAssign    atomic.Bool
	failGroup     atomic.Bool
	failApprovals atomic.Bool
}

func (s *flakyStore) UpdateRequestStatus(ctx context.Context, id string, from, to domain.Status) error {
	if s.failStatus.Load() {
		return errStoreDown
	}
	return s.Store.UpdateRequestStatus(ctx, id, from, to)
}

func (s *flakyStore) AssignProvider(ctx context.Context, id, providerID string, from, to domain.Status) error {
	if s.failAssign.Load() {
		return errStoreDown
	}
	return s.Store.AssignProvider(ctx, id, providerID, from, to)
}

func (s *flakyStore) UpdateGroup(ctx context.Context, id string, patch domain.GroupPatch) error {
	if s.failGroup.Load() {
		return errStoreDown
	}
	return s.Store.UpdateGroup(ctx, id, patch)
}

func (s *flakyStore) GetProviderApprovals(ctx context.Context, providerID string) ([]domain.ProviderCapability, error) {
	if s.failApprovals.Load() {
		return nil, errStoreDown
	}
	return s.Store.GetProviderApprovals(ctx, providerID)
}

type fixture struct {
	store     *flakyStore
	pub       *recordingPublisher
	groups    *GroupCoordinator
	matcher   *Matcher
	lifecycle *LifecycleService
	seq       int
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := discardLogger()
	store := &flakyStore{Store: memory.NewStore()}
	pub := &recordingPublisher{}
	groups := NewGroupCoordinator(log, store)
	matcher := NewMatcher(log, store, store)
	return &fixture{
		store:     store,
		pub:       pub,
		groups:    groups,
		matcher:   matcher,
		lifecycle: NewLifecycleService(log, store, groups, matcher, store, pub),
	}
}

// request stores a request of kind in status and returns its id.
func (f *fixture) request(t *testing.T, id string, kind domain.RequestKind, category, requester string, status domain.Status) string {
	t.Helper()
	f.seq++
	require.NoError(t, f.store.CreateRequest(context.Background(), &domain.Request{
		ID:          id,
		Kind:        kind,
		Category:    category,
		RequesterID: requester,
		Status:      status,
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, f.seq, 0, time.UTC),
	}))
	return id
}

func (f *fixture) ride(t *testing.T, id, requester string) string {
	return f.request(t, id, domain.KindRide, "ECONOMY", requester, domain.StatusRequested)
}

// assign claims id for provider after approving it.
func (f *fixture) assign(t *testing.T, id, provider string) {
	t.Helper()
	r, err := f.store.GetRequest(context.Background(), id)
	require.NoError(t, err)
	f.store.Approve(provider, r.Kind, r.Category)
	_, err = f.lifecycle.Claim(context.Background(), id, provider)
	require.NoError(t, err)
}

func (f *fixture) status(t *testing.T, id string) domain.Status {
	t.Helper()
	r, err := f.store.GetRequest(context.Background(), id)
	require.NoError(t, err)
	return r.Status
}
