package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/PascalSeth/tripsync/internal/core/contracts"
	"github.com/PascalSeth/tripsync/internal/core/domain"
	"github.com/PascalSeth/tripsync/pkg/logging"
)

// Subscriptions is the part of the channel broker the registry drives.
type Subscriptions interface {
	Subscribe(c contracts.Client, channel string)
	Unsubscribe(connID, channel string)
}

// Connection is a point-in-time view of one registered session.
type Connection struct {
	ID       string
	UserID   string
	Channels []string
}

func (c Connection) Authenticated() bool { return c.UserID != "" }

type conn struct {
	mu       sync.Mutex
	client   contracts.Client
	userID   string
	channels map[string]struct{}
	gone     bool
}

var _ contracts.Sessions = (*Registry)(nil)

type Registry struct {
	log                *slog.Logger
	subs               Subscriptions
	tokens             contracts.TokenVerifier
	anonymousEmergency bool

	mu    sync.RWMutex
	conns map[string]*conn // conn_id → connection
}

func NewRegistry(log *slog.Logger, subs Subscriptions, tokens contracts.TokenVerifier, anonymousEmergency bool) *Registry {
	return &Registry{
		log:                log,
		subs:               subs,
		tokens:             tokens,
		anonymousEmergency: anonymousEmergency,
		conns:              make(map[string]*conn),
	}
}

func (r *Registry) get(connID string) *conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

// Register records an unauthenticated connection.
func (r *Registry) Register(c contracts.Client) Connection {
	cn := &conn{client: c, channels: make(map[string]struct{})}
	cn.mu.Lock()
	defer cn.mu.Unlock()

	r.mu.Lock()
	r.conns[c.ConnectionID()] = cn
	r.mu.Unlock()

	if r.anonymousEmergency {
		r.join(cn, domain.GlobalEmergencyChannel)
	}
	r.log.Debug("registry - register - connection registered", logging.Conn(c.ConnectionID()))
	return cn.view()
}

// Authenticate binds the connection to the user named by token. A failed
// attempt leaves the connection anonymous.
func (r *Registry) Authenticate(ctx context.Context, connID, token string) (string, error) {
	cn := r.get(connID)
	if cn == nil {
		return "", domain.ErrConnectionNotFound
	}
	userID, verr := r.tokens.ValidateToken(token)

	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.gone {
		return "", domain.ErrConnectionNotFound
	}

	if cn.userID != "" && (verr != nil || cn.userID != userID) {
		r.leave(cn, domain.UserChannel(cn.userID))
		cn.userID = ""
	}
	if verr != nil || userID == "" {
		if !r.anonymousEmergency {
			r.leave(cn, domain.GlobalEmergencyChannel)
		}
		r.log.WarnContext(ctx, "registry - authenticate - token rejected", logging.Conn(connID), logging.Err(verr))
		return "", domain.ErrAuth
	}

	cn.userID = userID
	r.join(cn, domain.UserChannel(userID))
	r.join(cn, domain.GlobalEmergencyChannel)
	r.log.InfoContext(ctx, "registry - authenticate - connection authenticated", logging.Conn(connID), logging.User(userID))
	return userID, nil
}

// Unregister removes the connection from every channel before it is
// forgotten. Later publishes never reach it.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	cn := r.conns[connID]
	delete(r.conns, connID)
	r.mu.Unlock()
	if cn == nil {
		return
	}

	cn.mu.Lock()
	defer cn.mu.Unlock()
	for ch := range cn.channels {
		r.subs.Unsubscribe(connID, ch)
	}
	cn.channels = nil
	cn.gone = true
	r.log.Debug("registry - unregister - connection removed", logging.Conn(connID))
}

func (r *Registry) Subscribe(connID, channel string) error {
	cn := r.get(connID)
	if cn == nil {
		return domain.ErrConnectionNotFound
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.gone {
		return domain.ErrConnectionNotFound
	}
	r.join(cn, channel)
	return nil
}

func (r *Registry) Unsubscribe(connID, channel string) error {
	cn := r.get(connID)
	if cn == nil {
		return domain.ErrConnectionNotFound
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.gone {
		return domain.ErrConnectionNotFound
	}
	r.leave(cn, channel)
	return nil
}

func (r *Registry) Lookup(connID string) (Connection, bool) {
	cn := r.get(connID)
	if cn == nil {
		return Connection{}, false
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.gone {
		return Connection{}, false
	}
	return cn.view(), true
}

// UserID returns the authenticated identity of the connection.
func (r *Registry) UserID(connID string) (string, bool) {
	cn := r.get(connID)
	if cn == nil {
		return "", false
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.gone || cn.userID == "" {
		return "", false
	}
	return cn.userID, true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SendTo writes event to one connection only. Used for replies and errors.
func (r *Registry) SendTo(ctx context.Context, connID string, event any) error {
	cn := r.get(connID)
	if cn == nil {
		return domain.ErrConnectionNotFound
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return cn.client.Send(ctx, data)
}

// join and leave must be called with cn.mu held.
func (r *Registry) join(cn *conn, channel string) {
	if _, ok := cn.channels[channel]; ok {
		return
	}
	cn.channels[channel] = struct{}{}
	r.subs.Subscribe(cn.client, channel)
}

func (r *Registry) leave(cn *conn, channel string) {
	if _, ok := cn.channels[channel]; !ok {
		return
	}
	delete(cn.channels, channel)
	r.subs.Unsubscribe(cn.client.ConnectionID(), channel)
}

func (cn *conn) view() Connection {
	chs := make([]string, 0, len(cn.channels))
	for ch := range cn.channels {
		chs = append(chs, ch)
	}
	return Connection{ID: cn.client.ConnectionID(), UserID: cn.userID, Channels: chs}
}
