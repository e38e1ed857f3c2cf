package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/PascalSeth/tripsync/internal/core/contracts"
	"github.com/PascalSeth/tripsync/internal/core/domain"
	"github.com/PascalSeth/tripsync/pkg/logging"
)

var tracer = otel.Tracer("tripsync-services")

// LifecycleService is the only writer of request status. Every mutation
// runs under the request's lock and is followed by a best-effort broadcast
// to the request's stakeholders.
type LifecycleService struct {
	log       *slog.Logger
	requests  domain.RequestRepository
	groups    *GroupCoordinator
	matcher   *Matcher
	locations contracts.LocationStore
	pub       contracts.Publisher
	locks     *keyedMutex
	newID     func() string
	now       func() time.Time
}

func NewLifecycleService(
	log *slog.Logger,
	requests domain.RequestRepository,
	groups *GroupCoordinator,
	matcher *Matcher,
	locations contracts.LocationStore,
	pub contracts.Publisher,
) *LifecycleService {
	return &LifecycleService{
		log:       log,
		requests:  requests,
		groups:    groups,
		matcher:   matcher,
		locations: locations,
		pub:       pub,
		locks:     newKeyedMutex(),
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

func (s *LifecycleService) load(ctx context.Context, id string) (*domain.Request, error) {
	r, err := s.requests.GetRequest(ctx, id)
	if err != nil {
		return nil, domain.Dependency("lifecycle - get request", err)
	}
	return r, nil
}

// Transition moves a request to newStatus on behalf of requestedBy. On
// InvalidTransition the unchanged request is returned with the error.
func (s *LifecycleService) Transition(ctx context.Context, requestID, requestedBy string, newStatus domain.Status) (*domain.Request, error) {
	ctx, span := tracer.Start(ctx, "LifecycleService.Transition", trace.WithAttributes(
		attribute.String("request_id", requestID),
		attribute.String("requested_by", requestedBy),
		attribute.String("new_status", string(newStatus)),
	))
	defer span.End()
	if requestID == "" {
		return nil, domain.ErrInvalidRequestID
	}

	unlock := s.locks.Lock(requestID)
	defer unlock()

	r, err := s.load(ctx, requestID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := authorize(r, requestedBy, newStatus); err != nil {
		span.RecordError(err)
		s.log.WarnContext(ctx, "lifecycle - transition - rejected", logging.Request(requestID), logging.User(requestedBy), logging.Status(string(newStatus)), logging.Err(err))
		if errors.Is(err, domain.ErrInvalidTransition) {
			return r, err
		}
		return nil, err
	}

	from := r.Status
	if err := s.requests.UpdateRequestStatus(ctx, requestID, from, newStatus); err != nil {
		err = domain.Dependency("lifecycle - update status", err)
		span.RecordError(err)
		if errors.Is(err, domain.ErrStaleWrite) {
			s.log.WarnContext(ctx, "lifecycle - transition - status changed concurrently", logging.Request(requestID), slog.String("from", string(from)), logging.Status(string(newStatus)))
			if cur, lerr := s.load(ctx, requestID); lerr == nil {
				return cur, err
			}
			return nil, err
		}
		span.SetStatus(codes.Error, "update status failed")
		s.log.ErrorContext(ctx, "lifecycle - transition - update status failed", logging.Request(requestID), logging.Err(err))
		return nil, err
	}
	r.Status = newStatus
	r.UpdatedAt = s.now()
	s.log.InfoContext(ctx, "lifecycle - transition - success", logging.Request(requestID), logging.Kind(string(r.Kind)), slog.String("from", string(from)), logging.Status(string(newStatus)))

	notify := r
	if groupID := r.Group(); groupID != "" {
		live := true
		if newStatus == domain.StatusCancelled {
			live = s.releaseSlot(ctx, r)
			// a cancelled ride is no longer news to the rest of its group
			notify = r.Clone()
			notify.GroupID = nil
		}
		if live {
			s.refreshGroupStatus(ctx, groupID)
		}
	}

	s.fanOut(ctx, s.audience(ctx, notify, true), domain.StatusEvent(r))
	span.SetStatus(codes.Ok, "transitioned")
	return r, nil
}

// authorize applies the actor rules and the kind's edge table.
func authorize(r *domain.Request, requestedBy string, to domain.Status) error {
	if to == domain.StatusCancelled {
		if requestedBy != r.RequesterID {
			return fmt.Errorf("only the requester may cancel: %w", domain.ErrNotAuthorized)
		}
		if !domain.IsCancellable(r.Kind, r.Status) {
			return fmt.Errorf("%s %s cannot be cancelled: %w", r.Kind, r.Status, domain.ErrInvalidTransition)
		}
		return nil
	}
	isRequester := requestedBy != "" && requestedBy == r.RequesterID
	isProvider := r.HasProvider() && requestedBy == r.Provider()
	if !isRequester && !isProvider {
		return fmt.Errorf("%s is not a party to request %s: %w", requestedBy, r.ID, domain.ErrNotAuthorized)
	}
	actor, ok := domain.EdgeActor(r.Kind, r.Status, to)
	if !ok {
		return fmt.Errorf("%s %s -> %s: %w", r.Kind, r.Status, to, domain.ErrInvalidTransition)
	}
	if (actor == domain.ActorRequester && !isRequester) || (actor == domain.ActorProvider && !isProvider) {
		return fmt.Errorf("%s -> %s is driven by the %s: %w", r.Status, to, actor, domain.ErrNotAuthorized)
	}
	return nil
}

// releaseSlot takes a cancelled ride out of its group. The link is cleared
// only once the ride is no longer a member, so the two never disagree; a
// failed leave keeps both and the next audience pass evicts the ride. The
// status write has already committed, so failures here are logged. It
// reports whether the group still has members.
func (s *LifecycleService) releaseSlot(ctx context.Context, r *domain.Request) bool {
	groupID := r.Group()
	g, err := s.groups.Leave(ctx, groupID, r.ID)
	if err != nil && !errors.Is(err, domain.ErrGroupInvariant) {
		s.log.ErrorContext(ctx, "lifecycle - release slot - leave failed, link kept", logging.Request(r.ID), logging.Group(groupID), logging.Err(err))
		return true
	}
	if s.unlink(ctx, r.ID, groupID) {
		r.GroupID = nil
	}
	return g == nil || !g.Inert()
}

func (s *LifecycleService) unlink(ctx context.Context, rideID, groupID string) bool {
	if err := s.requests.SetRequestGroup(ctx, rideID, nil); err != nil {
		s.log.ErrorContext(ctx, "lifecycle - release slot - clear group link failed", logging.Request(rideID), logging.Group(groupID), logging.Err(err))
		return false
	}
	return true
}

// evict removes a cancelled member whose own release did not complete.
func (s *LifecycleService) evict(ctx context.Context, groupID string, m *domain.Request) {
	if _, err := s.groups.Leave(ctx, groupID, m.ID); err != nil && !errors.Is(err, domain.ErrGroupInvariant) {
		s.log.WarnContext(ctx, "lifecycle - evict - leave failed", logging.Request(m.ID), logging.Group(groupID), logging.Err(err))
		return
	}
	if m.Group() == groupID && s.unlink(ctx, m.ID, groupID) {
		s.log.InfoContext(ctx, "lifecycle - evict - cancelled member removed", logging.Request(m.ID), logging.Group(groupID))
	}
}

func (s *LifecycleService) refreshGroupStatus(ctx context.Context, groupID string) {
	members, err := s.groups.Members(ctx, groupID)
	if err != nil {
		s.log.WarnContext(ctx, "lifecycle - refresh group - members failed", logging.Group(groupID), logging.Err(err))
		return
	}
	statuses := make([]domain.Status, 0, len(members))
	for _, id := range members {
		m, err := s.requests.GetRequest(ctx, id)
		if err != nil {
			s.log.WarnContext(ctx, "lifecycle - refresh group - member lookup failed", logging.Group(groupID), logging.Request(id), logging.Err(err))
			return
		}
		statuses = append(statuses, m.Status)
	}
	if err := s.groups.SetStatus(ctx, groupID, domain.AggregateGroupStatus(statuses)); err != nil {
		s.log.WarnContext(ctx, "lifecycle - refresh group - set status failed", logging.Group(groupID), logging.Err(err))
	}
}

// audience lists the users that hear about r: its requester, optionally its
// provider, and the requesters of the other current members of its group.
// Cancelled members are skipped and evicted.
func (s *LifecycleService) audience(ctx context.Context, r *domain.Request, withProvider bool) []string {
	users := []string{r.RequesterID}
	if withProvider && r.HasProvider() {
		users = append(users, r.Provider())
	}
	groupID := r.Group()
	if groupID == "" {
		return users
	}
	members, err := s.groups.Members(ctx, groupID)
	if err != nil {
		s.log.WarnContext(ctx, "lifecycle - audience - members failed", logging.Group(groupID), logging.Err(err))
		return users
	}
	for _, id := range members {
		if id == r.ID {
			continue
		}
		m, err := s.requests.GetRequest(ctx, id)
		if err != nil {
			s.log.WarnContext(ctx, "lifecycle - audience - member lookup failed", logging.Group(groupID), logging.Request(id), logging.Err(err))
			continue
		}
		if m.Status == domain.StatusCancelled {
			s.evict(ctx, groupID, m)
			continue
		}
		users = append(users, m.RequesterID)
	}
	return users
}

// fanOut publishes ev once per distinct user channel. Failures are logged;
// the state change they report has already committed.
func (s *LifecycleService) fanOut(ctx context.Context, users []string, ev domain.Event) {
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		ch := domain.UserChannel(u)
		if _, err := s.pub.Publish(ctx, ch, ev); err != nil {
			s.log.WarnContext(ctx, "lifecycle - fan out - publish failed", logging.Channel(ch), logging.EventType(ev.Type), logging.Err(err))
		}
	}
}

// Claim assigns an open request to an eligible provider. The provider and
// the status it implies are one write, so a failed claim leaves the request
// open. Of two concurrent claims exactly one wins; the other gets
// ErrAlreadyAssigned.
func (s *LifecycleService) Claim(ctx context.Context, requestID, providerID string) (*domain.Request, error) {
	ctx, span := tracer.Start(ctx, "LifecycleService.Claim", trace.WithAttributes(
		attribute.String("request_id", requestID),
		attribute.String("provider_id", providerID),
	))
	defer span.End()
	if requestID == "" {
		return nil, domain.ErrInvalidRequestID
	}
	if providerID == "" {
		return nil, domain.ErrNotAuthorized
	}

	unlock := s.locks.Lock(requestID)
	defer unlock()

	r, err := s.load(ctx, requestID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if r.HasProvider() {
		if r.Provider() == providerID {
			return r, nil
		}
		return r, domain.ErrAlreadyAssigned
	}
	if !domain.IsOpen(r.Kind, r.Status) {
		return r, fmt.Errorf("%s %s is not open for assignment: %w", r.Kind, r.Status, domain.ErrInvalidTransition)
	}
	ok, err := s.matcher.IsEligible(ctx, providerID, r)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("provider %s is not approved for %s %s: %w", providerID, r.Kind, r.Category, domain.ErrNotAuthorized)
	}

	from, to := r.Status, r.Status
	if next, advances := domain.ClaimStatus(r.Kind); advances && domain.CanTransition(r.Kind, r.Status, next) {
		to = next
	}
	if err := s.requests.AssignProvider(ctx, requestID, providerID, from, to); err != nil {
		err = domain.Dependency("lifecycle - assign provider", err)
		span.RecordError(err)
		if errors.Is(err, domain.ErrInvalidTransition) {
			if cur, lerr := s.load(ctx, requestID); lerr == nil {
				r = cur
			}
			return r, err
		}
		span.SetStatus(codes.Error, "assign provider failed")
		s.log.ErrorContext(ctx, "lifecycle - claim - assign provider failed", logging.Request(requestID), logging.Provider(providerID), logging.Err(err))
		return nil, err
	}
	r.ProviderID = &providerID
	r.Status = to
	r.UpdatedAt = s.now()
	s.log.InfoContext(ctx, "lifecycle - claim - success", logging.Request(requestID), logging.Provider(providerID), logging.Status(string(r.Status)))

	if groupID := r.Group(); groupID != "" {
		s.refreshGroupStatus(ctx, groupID)
	}
	s.fanOut(ctx, s.audience(ctx, r, true), domain.StatusEvent(r))
	return r, nil
}

// ShareRide opts a ride into sharing: it joins groupID, or founds a new
// group when groupID is empty or names a group that already emptied out.
func (s *LifecycleService) ShareRide(ctx context.Context, rideID, requestedBy, groupID string, maxCapacity int) (*domain.SharedGroup, error) {
	ctx, span := tracer.Start(ctx, "LifecycleService.ShareRide", trace.WithAttributes(
		attribute.String("ride_id", rideID),
		attribute.String("group_id", groupID),
	))
	defer span.End()
	if rideID == "" {
		return nil, domain.ErrInvalidRequestID
	}

	unlock := s.locks.Lock(rideID)
	defer unlock()

	r, err := s.load(ctx, rideID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if r.Kind != domain.KindRide {
		return nil, domain.ErrNotShareable
	}
	if requestedBy != r.RequesterID {
		return nil, fmt.Errorf("only the requester may share a ride: %w", domain.ErrNotAuthorized)
	}
	if current := r.Group(); current != "" {
		if current == groupID {
			return s.groups.Snapshot(ctx, current)
		}
		return nil, fmt.Errorf("ride already in group %s: %w", current, domain.ErrNotShareable)
	}
	if !domain.IsOpen(r.Kind, r.Status) {
		return nil, fmt.Errorf("ride is %s: %w", r.Status, domain.ErrNotShareable)
	}

	var g *domain.SharedGroup
	if groupID == "" {
		g, err = s.groups.CreateGroup(ctx, maxCapacity, rideID)
	} else {
		g, err = s.groups.Join(ctx, groupID, rideID)
		if errors.Is(err, domain.ErrGroupInactive) {
			s.log.InfoContext(ctx, "lifecycle - share ride - group inactive, founding new group", logging.Request(rideID), logging.Group(groupID))
			capacity := maxCapacity
			if capacity < 1 {
				if old, serr := s.groups.Snapshot(ctx, groupID); serr == nil {
					capacity = old.MaxCapacity
				}
			}
			g, err = s.groups.CreateGroup(ctx, capacity, rideID)
		}
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := s.requests.SetRequestGroup(ctx, rideID, &g.ID); err != nil {
		err = domain.Dependency("lifecycle - set request group", err)
		span.RecordError(err)
		s.log.ErrorContext(ctx, "lifecycle - share ride - link failed", logging.Request(rideID), logging.Group(g.ID), logging.Err(err))
		if _, lerr := s.groups.Leave(ctx, g.ID, rideID); lerr != nil {
			s.log.ErrorContext(ctx, "lifecycle - share ride - rollback leave failed", logging.Request(rideID), logging.Group(g.ID), logging.Err(lerr))
		}
		return nil, err
	}
	r.GroupID = &g.ID
	s.refreshGroupStatus(ctx, g.ID)

	ev := domain.Event{Type: domain.TypeRideShared, Data: domain.RideSharedEvent{
		RideID:      rideID,
		GroupID:     g.ID,
		Occupancy:   g.Occupancy,
		MaxCapacity: g.MaxCapacity,
		Members:     g.Members,
	}}
	s.fanOut(ctx, s.audience(ctx, r, false), ev)
	s.log.InfoContext(ctx, "lifecycle - share ride - success", logging.Request(rideID), logging.Group(g.ID), slog.Int("occupancy", g.Occupancy))
	return g, nil
}

// UpdateLocation records the provider's position and, for an active ride it
// is assigned to, relays it to the riders. A ride that already finished gets
// the position recorded but no broadcast and no status change.
func (s *LifecycleService) UpdateLocation(ctx context.Context, providerID, rideID string, loc domain.Location) error {
	ctx, span := tracer.Start(ctx, "LifecycleService.UpdateLocation", trace.WithAttributes(
		attribute.String("provider_id", providerID),
		attribute.String("ride_id", rideID),
	))
	defer span.End()
	if providerID == "" {
		return fmt.Errorf("provider id is required: %w", domain.ErrBadRequest)
	}
	record := domain.ProviderLocation{ProviderID: providerID, RideID: rideID, Location: loc, UpdatedAt: s.now()}

	if rideID == "" {
		s.saveLocation(ctx, record)
		return nil
	}

	unlock := s.locks.Lock(rideID)
	defer unlock()

	r, err := s.load(ctx, rideID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if r.Kind != domain.KindRide {
		return fmt.Errorf("%s is not a ride: %w", rideID, domain.ErrBadRequest)
	}
	if !r.HasProvider() || r.Provider() != providerID {
		return fmt.Errorf("provider %s is not assigned to ride %s: %w", providerID, rideID, domain.ErrNotAuthorized)
	}

	s.saveLocation(ctx, record)
	if domain.IsTerminal(r.Kind, r.Status) {
		s.log.DebugContext(ctx, "lifecycle - update location - ride finished, not relayed", logging.Request(rideID), logging.Status(string(r.Status)))
		return nil
	}

	ev := domain.Event{Type: domain.TypeRideDriverLocation, Data: domain.DriverLocationEvent{
		RideID:   rideID,
		DriverID: providerID,
		Location: loc,
	}}
	s.fanOut(ctx, s.audience(ctx, r, false), ev)
	return nil
}

func (s *LifecycleService) saveLocation(ctx context.Context, loc domain.ProviderLocation) {
	if s.locations == nil {
		return
	}
	if err := s.locations.SaveLocation(ctx, loc); err != nil {
		s.log.WarnContext(ctx, "lifecycle - update location - save failed", logging.Provider(loc.ProviderID), logging.Err(err))
	}
}

// RaiseEmergency opens an emergency request and alerts every listener of
// the global channel.
func (s *LifecycleService) RaiseEmergency(ctx context.Context, userID, serviceType, locationID, description string, loc *domain.Location) (*domain.Request, error) {
	ctx, span := tracer.Start(ctx, "LifecycleService.RaiseEmergency", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.String("service_type", serviceType),
	))
	defer span.End()
	if userID == "" {
		return nil, domain.ErrAuth
	}
	if serviceType == "" {
		return nil, fmt.Errorf("service type is required: %w", domain.ErrBadRequest)
	}

	now := s.now()
	r := &domain.Request{
		ID:          s.newID(),
		Kind:        domain.KindEmergency,
		Category:    serviceType,
		RequesterID: userID,
		Status:      domain.InitialStatus(domain.KindEmergency),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.requests.CreateRequest(ctx, r); err != nil {
		err = domain.Dependency("lifecycle - create emergency", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "create request failed")
		s.log.ErrorContext(ctx, "lifecycle - raise emergency - create failed", logging.User(userID), logging.Err(err))
		return nil, err
	}
	if loc != nil && loc.LocationID == "" {
		l := *loc
		l.LocationID = locationID
		loc = &l
	}
	ev := domain.Event{Type: domain.TypeEmergencyNew, Data: domain.EmergencyNewEvent{
		RequestID:   r.ID,
		UserID:      userID,
		ServiceType: serviceType,
		LocationID:  locationID,
		Location:    loc,
		Description: description,
	}}
	n, err := s.pub.Publish(ctx, domain.GlobalEmergencyChannel, ev)
	if err != nil {
		s.log.WarnContext(ctx, "lifecycle - raise emergency - publish failed", logging.Request(r.ID), logging.Err(err))
	}
	s.log.InfoContext(ctx, "lifecycle - raise emergency - success", logging.Request(r.ID), logging.User(userID), slog.Int("delivered", n))
	return r, nil
}
