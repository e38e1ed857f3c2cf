package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/PascalSeth/tripsync/internal/core/contracts"
	"github.com/PascalSeth/tripsync/pkg/logging"
)

// envelope wraps a forwarded event with the node that published it so a
// node never delivers its own events twice.
type envelope struct {
	Node string          `json:"node"`
	Data json.RawMessage `json:"data"`
}

// Relay forwards channel events between nodes over Redis pub/sub. Each
// broker channel maps to one Redis channel under prefix. Delivery is
// at-most-once; nothing is buffered for nodes that are not listening.
type Relay struct {
	log    *slog.Logger
	rdb    *redis.Client
	prefix string
	node   string
}

var _ contracts.Relay = (*Relay)(nil)

func NewRelay(log *slog.Logger, rdb *redis.Client, prefix string) *Relay {
	if prefix == "" {
		prefix = "tripsync:"
	}
	return &Relay{
		log:    log,
		rdb:    rdb,
		prefix: prefix,
		node:   uuid.NewString(),
	}
}

func (r *Relay) NodeID() string {
	return r.node
}

func (r *Relay) Forward(ctx context.Context, channel string, data []byte) error {
	raw, err := encodeEnvelope(r.node, data)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.prefix+channel, raw).Err()
}

func (r *Relay) Listen(
	ctx context.Context,
	deliver func(ctx context.Context, channel string, data []byte),
) error {
	sub := r.rdb.PSubscribe(ctx, r.prefix+"*")
	defer sub.Close()
	// Wait for confirmation that subscription is created
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.log.InfoContext(ctx, "relay - listen - subscribe success", logging.Channel(r.prefix+"*"), logging.Node(r.node))
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			channel, data, ok := r.accept(ctx, msg.Channel, msg.Payload)
			if !ok {
				continue
			}
			deliver(ctx, channel, data)
		}
	}
}

// accept unwraps one pub/sub message; events from this node and malformed
// envelopes are dropped.
func (r *Relay) accept(ctx context.Context, redisChannel, payload string) (string, []byte, bool) {
	channel, ok := strings.CutPrefix(redisChannel, r.prefix)
	if !ok || channel == "" {
		return "", nil, false
	}
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.WarnContext(ctx, "relay - listen - malformed envelope dropped", logging.Channel(channel), logging.Err(err))
		return "", nil, false
	}
	if env.Node == r.node || len(env.Data) == 0 {
		return "", nil, false
	}
	return channel, env.Data, true
}

func encodeEnvelope(node string, data []byte) ([]byte, error) {
	return json.Marshal(envelope{Node: node, Data: json.RawMessage(data)})
}
