package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/PascalSeth/tripsync/pkg/logging"
)

var (
	ErrClientClosed = errors.New("client closed")
	ErrBufferFull   = errors.New("client send buffer full")
)

// RuntimeClient owns the outbound side of one websocket session. Frames are
// queued on a bounded buffer and written by a single goroutine.
type RuntimeClient struct {
	ctx    context.Context
	cancel context.CancelFunc
	ws     *WebSocket
	log    *slog.Logger
	connID string
	out    chan []byte
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func NewClient(parent context.Context, log *slog.Logger, ws *WebSocket, buffer int) *RuntimeClient {
	if buffer <= 0 {
		buffer = 1
	}
	ctx, cancel := context.WithCancel(parent)
	c := &RuntimeClient{
		ctx:    ctx,
		cancel: cancel,
		ws:     ws,
		log:    log,
		connID: uuid.NewString(),
		out:    make(chan []byte, buffer),
	}
	go c.writeLoop()
	return c
}

func (c *RuntimeClient) ConnectionID() string { return c.connID }

// Done is closed once the client shuts down.
func (c *RuntimeClient) Done() <-chan struct{} { return c.ctx.Done() }

// Send never blocks: a slow reader loses the frame instead of stalling the
// publisher.
func (c *RuntimeClient) Send(_ context.Context, data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.out <- data:
		return nil
	default:
		c.log.Warn("ws - send - buffer full, frame dropped", logging.Conn(c.connID))
		return ErrBufferFull
	}
}

func (c *RuntimeClient) Close() {
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		c.closed = true
		close(c.out)
		c.mu.Unlock()
		c.ws.Close()
	})
}

func (c *RuntimeClient) writeLoop() {
	defer c.Close()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data, ok := <-c.out:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(data); err != nil {
				c.log.Debug("ws - write loop - write failed", logging.Conn(c.connID), logging.Err(err))
				return
			}
		}
	}
}
