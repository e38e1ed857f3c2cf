package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/PascalSeth/tripsync/internal/core/contracts"
	"github.com/PascalSeth/tripsync/internal/core/domain"
	"github.com/PascalSeth/tripsync/pkg/logging"
)

// Dispatcher routes inbound connection frames to the core. Errors are
// replied to the sending connection only and never broadcast.
type Dispatcher struct {
	log       *slog.Logger
	sessions  contracts.Sessions
	lifecycle *LifecycleService
	matcher   *Matcher
}

func NewDispatcher(log *slog.Logger, sessions contracts.Sessions, lifecycle *LifecycleService, matcher *Matcher) *Dispatcher {
	return &Dispatcher{log: log, sessions: sessions, lifecycle: lifecycle, matcher: matcher}
}

// Handle processes one raw frame from connID.
func (d *Dispatcher) Handle(ctx context.Context, connID string, raw []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		d.log.WarnContext(ctx, "dispatcher - handle - malformed frame", logging.Conn(connID), slog.Int("size", len(raw)))
		d.replyError(ctx, connID, "", fmt.Errorf("malformed frame: %w", domain.ErrBadRequest))
		return
	}

	ctx, span := tracer.Start(ctx, "Dispatcher.Handle", trace.WithAttributes(
		attribute.String("conn_id", connID),
		attribute.String("event_type", env.Type),
		attribute.Int("payload_size", len(raw)),
	))
	defer span.End()

	reply, err := d.route(ctx, connID, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.ErrorCode(err))
		d.log.InfoContext(ctx, "dispatcher - handle - event rejected", logging.Conn(connID), logging.EventType(env.Type), logging.Err(err))
		d.replyError(ctx, connID, env.Type, err)
		return
	}
	if reply != nil {
		if err := d.sessions.SendTo(ctx, connID, reply); err != nil {
			d.log.WarnContext(ctx, "dispatcher - handle - reply failed", logging.Conn(connID), logging.EventType(env.Type), logging.Err(err))
		}
	}
}

func (d *Dispatcher) route(ctx context.Context, connID string, env domain.Envelope) (any, error) {
	if env.Type == domain.TypeAuthenticate {
		var in domain.AuthenticatePayload
		if err := decode(env.Data, &in); err != nil {
			return nil, err
		}
		userID, err := d.sessions.Authenticate(ctx, connID, in.Token)
		if err != nil {
			return nil, err
		}
		return domain.Event{Type: domain.TypeAuthenticated, Data: domain.AuthenticatedEvent{UserID: userID}}, nil
	}

	userID, ok := d.sessions.UserID(connID)
	if !ok {
		return nil, fmt.Errorf("%s requires an authenticated connection: %w", env.Type, domain.ErrAuth)
	}

	switch env.Type {
	case domain.TypeLocationUpdate:
		var in domain.LocationUpdatePayload
		if err := decode(env.Data, &in); err != nil {
			return nil, err
		}
		if in.ProviderID == "" {
			in.ProviderID = userID
		}
		if in.ProviderID != userID {
			return nil, fmt.Errorf("location for another provider: %w", domain.ErrNotAuthorized)
		}
		return nil, d.lifecycle.UpdateLocation(ctx, in.ProviderID, in.RideID, in.Location)

	case domain.TypeStatusUpdate:
		var in domain.StatusUpdatePayload
		if err := decode(env.Data, &in); err != nil {
			return nil, err
		}
		_, err := d.lifecycle.Transition(ctx, in.RequestID, userID, in.NewStatus)
		return nil, err

	case domain.TypeEmergencyRaise:
		var in domain.EmergencyRaisePayload
		if err := decode(env.Data, &in); err != nil {
			return nil, err
		}
		_, err := d.lifecycle.RaiseEmergency(ctx, userID, in.ServiceType, in.LocationID, in.Description, in.Location)
		return nil, err

	case domain.TypeRequestClaim:
		var in domain.ClaimPayload
		if err := decode(env.Data, &in); err != nil {
			return nil, err
		}
		r, err := d.lifecycle.Claim(ctx, in.RequestID, userID)
		if err != nil {
			return nil, err
		}
		return domain.Event{Type: domain.TypeRequestClaimed, Data: domain.NewRequestView(r)}, nil

	case domain.TypeRideShare:
		var in domain.RideSharePayload
		if err := decode(env.Data, &in); err != nil {
			return nil, err
		}
		_, err := d.lifecycle.ShareRide(ctx, in.RideID, userID, in.GroupID, in.MaxCapacity)
		return nil, err

	case domain.TypeRequestsAvailable:
		found, err := d.matcher.AvailableRequests(ctx, userID)
		if err != nil {
			return nil, err
		}
		views := make([]domain.RequestView, 0, len(found))
		for i := range found {
			views = append(views, domain.NewRequestView(&found[i]))
		}
		return domain.Event{Type: domain.TypeRequestsAvailable, Data: views}, nil
	}
	return nil, fmt.Errorf("unknown event type %q: %w", env.Type, domain.ErrBadRequest)
}

func (d *Dispatcher) replyError(ctx context.Context, connID, ref string, err error) {
	if serr := d.sessions.SendTo(ctx, connID, domain.NewErrorMessage(ref, err)); serr != nil {
		d.log.DebugContext(ctx, "dispatcher - reply error - send failed", logging.Conn(connID), logging.Err(serr))
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing data: %w", domain.ErrBadRequest)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid data: %v: %w", err, domain.ErrBadRequest)
	}
	return nil
}
