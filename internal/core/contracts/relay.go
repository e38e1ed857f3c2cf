package contracts

import "context"

// Relay carries channel events between nodes so that a publish on one node
// reaches subscribers connected to another.
type Relay interface {
	// Forward hands an already encoded event to the other nodes.
	Forward(ctx context.Context, channel string, data []byte) error
	// Listen blocks, calling deliver for every event forwarded by another
	// node, until ctx is done.
	Listen(ctx context.Context, deliver func(ctx context.Context, channel string, data []byte)) error
}
