package services

import (
	"context"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/PascalSeth/tripsync/internal/core/domain"
	"github.com/PascalSeth/tripsync/pkg/logging"
)

// Matcher answers which open requests a provider may take. It is read only
// and takes no locks; claims re-validate under the request lock.
type Matcher struct {
	log       *slog.Logger
	requests  domain.RequestRepository
	approvals domain.ApprovalRepository
}

func NewMatcher(log *slog.Logger, requests domain.RequestRepository, approvals domain.ApprovalRepository) *Matcher {
	return &Matcher{log: log, requests: requests, approvals: approvals}
}

// AvailableRequests returns the unassigned open requests in the provider's
// approved categories, oldest first.
func (m *Matcher) AvailableRequests(ctx context.Context, providerID string) ([]domain.Request, error) {
	ctx, span := tracer.Start(ctx, "Matcher.AvailableRequests", trace.WithAttributes(
		attribute.String("provider_id", providerID),
	))
	defer span.End()

	approved, err := m.approved(ctx, providerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get approvals failed")
		return nil, err
	}

	out := []domain.Request{}
	for _, kind := range []domain.RequestKind{domain.KindRide, domain.KindOrder, domain.KindEmergency, domain.KindMove} {
		cats := approved[kind]
		if len(cats) == 0 {
			continue
		}
		names := make([]string, 0, len(cats))
		for c := range cats {
			names = append(names, c)
		}
		sort.Strings(names)

		found, err := m.requests.ListOpenRequests(ctx, kind, names, domain.OpenStatuses(kind))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "list open requests failed")
			m.log.ErrorContext(ctx, "matcher - available requests - list failed", logging.Provider(providerID), logging.Kind(string(kind)), logging.Err(err))
			return nil, domain.Dependency("matcher - list open requests", err)
		}
		for i := range found {
			r := &found[i]
			// the store filter is trusted but not relied on
			if r.Kind != kind || r.HasProvider() || !domain.IsOpen(kind, r.Status) {
				continue
			}
			if _, ok := cats[r.Category]; !ok {
				continue
			}
			out = append(out, *r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	span.SetAttributes(attribute.Int("request_count", len(out)))
	m.log.DebugContext(ctx, "matcher - available requests - success", logging.Provider(providerID), slog.Int("count", len(out)))
	return out, nil
}

// IsEligible reports whether the provider is approved for r's kind and
// category.
func (m *Matcher) IsEligible(ctx context.Context, providerID string, r *domain.Request) (bool, error) {
	approved, err := m.approved(ctx, providerID)
	if err != nil {
		return false, err
	}
	_, ok := approved[r.Kind][r.Category]
	return ok, nil
}

func (m *Matcher) approved(ctx context.Context, providerID string) (map[domain.RequestKind]map[string]struct{}, error) {
	caps, err := m.approvals.GetProviderApprovals(ctx, providerID)
	if err != nil {
		m.log.ErrorContext(ctx, "matcher - approvals - get failed", logging.Provider(providerID), logging.Err(err))
		return nil, domain.Dependency("matcher - get approvals", err)
	}
	out := make(map[domain.RequestKind]map[string]struct{})
	for _, c := range caps {
		if c.ProviderID != "" && c.ProviderID != providerID {
			continue
		}
		if out[c.Kind] == nil {
			out[c.Kind] = make(map[string]struct{})
		}
		out[c.Kind][c.Category] = struct{}{}
	}
	return out, nil
}
