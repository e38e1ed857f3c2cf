package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/PascalSeth/tripsync/internal/core/contracts"
	"github.com/PascalSeth/tripsync/pkg/logging"
)

var ErrEmptyEvent = errors.New("relay event is empty or not json")

// LocalDelivery hands an encoded event to the subscribers on this node only.
type LocalDelivery interface {
	DeliverLocal(ctx context.Context, channel string, data []byte) int
}

// RelayWorker consumes events published on other nodes and delivers them
// to the connections held by this node.
type RelayWorker struct {
	log   *slog.Logger
	relay contracts.Relay
	local LocalDelivery
}

func NewRelayWorker(
	log *slog.Logger,
	relay contracts.Relay,
	local LocalDelivery,
) contracts.AsyncWorker {
	return &RelayWorker{
		log:   log,
		relay: relay,
		local: local,
	}
}

func (w *RelayWorker) Run(ctx context.Context) error {
	w.log.InfoContext(ctx, "worker - run - relay listener starting")
	err := w.relay.Listen(ctx, func(ctx context.Context, channel string, data []byte) {
		_ = w.ProcessMessage(ctx, channel, data)
	})
	if err != nil && ctx.Err() == nil {
		w.log.ErrorContext(ctx, "worker - run - relay listener stopped", logging.Err(err))
		return err
	}
	w.log.InfoContext(ctx, "worker - run - relay listener stopped")
	return nil
}

func (w *RelayWorker) ProcessMessage(ctx context.Context, channel string, raw []byte) error {
	if len(raw) == 0 || !json.Valid(raw) {
		w.log.WarnContext(ctx, "worker - process message - wrong payload", logging.Channel(channel))
		return ErrEmptyEvent
	}
	n := w.local.DeliverLocal(ctx, channel, raw)
	w.log.DebugContext(ctx, "worker - process message - delivered", logging.Channel(channel), slog.Int("recipients", n))
	return nil
}
