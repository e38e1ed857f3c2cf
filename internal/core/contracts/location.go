package contracts

import (
	"context"

	"github.com/PascalSeth/tripsync/internal/core/domain"
)

// LocationStore bookkeeps the last known location of each provider.
type LocationStore interface {
	SaveLocation(ctx context.Context, loc domain.ProviderLocation) error
	GetLocation(ctx context.Context, providerID string) (*domain.ProviderLocation, error)
}
