package contracts

import (
	"context"
)

// Client represents the minimal interface required for the broker and the
// connection registry to talk to one live transport session.
type Client interface {
	// ConnectionID identifies the session; unique per process.
	ConnectionID() string
	// Send enqueues data without blocking; a full or closed client returns
	// an error and the frame is dropped.
	Send(ctx context.Context, data []byte) error
	Close()
}

// Publisher fans an event out to the current subscribers of a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, event any) (int, error)
}

// TokenVerifier resolves an identity token to a user id.
type TokenVerifier interface {
	ValidateToken(token string) (string, error)
}

// Sessions is the connection registry as seen by the inbound dispatcher.
type Sessions interface {
	Authenticate(ctx context.Context, connID, token string) (string, error)
	// UserID returns the identity bound to the connection, if any.
	UserID(connID string) (string, bool)
	// SendTo replies to one connection only.
	SendTo(ctx context.Context, connID string, event any) error
}
