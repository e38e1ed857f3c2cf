package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/PascalSeth/tripsync/internal/core/contracts"
	"github.com/PascalSeth/tripsync/pkg/logging"
)

// channel holds the live subscribers of one topic. mu guards the
// subscriber map only, so unsubscribing never waits for an in-flight
// fan-out.
type channel struct {
	name string
	mu   sync.RWMutex
	subs map[string]contracts.Client // conn_id → client
	dead bool
}

func (c *channel) snapshot() []contracts.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]contracts.Client, 0, len(c.subs))
	for _, cl := range c.subs {
		out = append(out, cl)
	}
	return out
}

// Broker is an in-process channel directory with per-channel locking.
// Events published locally are also handed to the relay, when one is set,
// so subscribers on other nodes receive them.
//
// order serialises publishes per channel name, subscribed locally or not.
// Local delivery and the relay forward happen under the same lock, so
// remote nodes see a channel's events in the order local clients do.
type Broker struct {
	log      *slog.Logger
	mu       sync.RWMutex
	channels map[string]*channel
	relay    contracts.Relay
	order    *orderLocks
}

var _ contracts.Publisher = (*Broker)(nil)

func NewBroker(log *slog.Logger) *Broker {
	return &Broker{
		log:      log,
		channels: make(map[string]*channel),
		order:    newOrderLocks(),
	}
}

// UseRelay forwards every local publish to r.
func (b *Broker) UseRelay(r contracts.Relay) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relay = r
}

func (b *Broker) lookup(name string) *channel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.channels[name]
}

func (b *Broker) getOrCreate(name string) *channel {
	if ch := b.lookup(name); ch != nil {
		return ch
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch := b.channels[name]; ch != nil {
		return ch
	}
	ch := &channel{name: name, subs: make(map[string]contracts.Client)}
	b.channels[name] = ch
	return ch
}

// Subscribe adds c to the channel. Subscribing twice is a no-op.
func (b *Broker) Subscribe(c contracts.Client, name string) {
	for {
		ch := b.getOrCreate(name)
		ch.mu.Lock()
		if ch.dead {
			// lost a race with the last unsubscribe; the directory already
			// dropped this channel
			ch.mu.Unlock()
			continue
		}
		ch.subs[c.ConnectionID()] = c
		ch.mu.Unlock()
		return
	}
}

// Unsubscribe removes the connection from the channel. Unknown connections
// and channels are ignored. Empty channels leave the directory.
func (b *Broker) Unsubscribe(connID, name string) {
	ch := b.lookup(name)
	if ch == nil {
		return
	}
	ch.mu.Lock()
	delete(ch.subs, connID)
	empty := len(ch.subs) == 0 && !ch.dead
	if empty {
		ch.dead = true
	}
	ch.mu.Unlock()
	if !empty {
		return
	}
	b.mu.Lock()
	if b.channels[name] == ch {
		delete(b.channels, name)
	}
	b.mu.Unlock()
}

// Publish encodes event once and delivers it to every connection subscribed
// at the moment of the call. Delivery is best effort: slow or closed clients
// miss the event. It returns the number of local connections reached.
func (b *Broker) Publish(ctx context.Context, name string, event any) (int, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("broker: encode event for %s: %w", name, err)
	}
	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()

	unlock := b.order.Lock(name)
	defer unlock()
	n := b.deliver(ctx, name, data)
	if relay != nil {
		if err := relay.Forward(ctx, name, data); err != nil {
			b.log.WarnContext(ctx, "broker - publish - relay forward failed", logging.Channel(name), logging.Err(err))
		}
	}
	return n, nil
}

// DeliverLocal fans pre-encoded data out to the local subscribers of the
// channel without touching the relay.
func (b *Broker) DeliverLocal(ctx context.Context, name string, data []byte) int {
	unlock := b.order.Lock(name)
	defer unlock()
	return b.deliver(ctx, name, data)
}

// deliver must run under the channel's order lock.
func (b *Broker) deliver(ctx context.Context, name string, data []byte) int {
	ch := b.lookup(name)
	if ch == nil {
		return 0
	}
	delivered := 0
	for _, c := range ch.snapshot() {
		if err := c.Send(ctx, data); err != nil {
			b.log.DebugContext(ctx, "broker - deliver - client send failed", logging.Channel(name), logging.Conn(c.ConnectionID()), logging.Err(err))
			continue
		}
		delivered++
	}
	return delivered
}

// Subscribers returns the number of connections currently on the channel.
func (b *Broker) Subscribers(name string) int {
	ch := b.lookup(name)
	if ch == nil {
		return 0
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.subs)
}

// Channels returns the number of live channels in the directory.
func (b *Broker) Channels() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels)
}
