package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingClient struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func newClient(id string) *recordingClient { return &recordingClient{id: id} }

func (c *recordingClient) ConnectionID() string { return c.id }

func (c *recordingClient) Send(_ context.Context, data []byte) error {
	if c.fail {
		return errors.New("buffer full")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return nil
}

func (c *recordingClient) Close() {}

func (c *recordingClient) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

type fakeRelay struct {
	mu       sync.Mutex
	channels []string
	frames   [][]byte
	err      error
}

func (r *fakeRelay) Forward(_ context.Context, channel string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, channel)
	r.frames = append(r.frames, data)
	return r.err
}

func (r *fakeRelay) forwarded() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.frames...)
}

func (r *fakeRelay) Listen(ctx context.Context, _ func(context.Context, string, []byte)) error {
	<-ctx.Done()
	return nil
}

func newTestBroker() *Broker {
	return NewBroker(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishFansOutToSubscribers(t *testing.T) {
	b := newTestBroker()
	a, c, other := newClient("a"), newClient("c"), newClient("o")
	b.Subscribe(a, "user:1")
	b.Subscribe(c, "user:1")
	b.Subscribe(other, "user:2")

	n, err := b.Publish(context.Background(), "user:1", map[string]string{"type": "ping"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, a.received(), 1)
	assert.Len(t, c.received(), 1)
	assert.Empty(t, other.received())
	assert.JSONEq(t, `{"type":"ping"}`, string(a.received()[0]))
}

func TestPublishToUnknownChannel(t *testing.T) {
	b := newTestBroker()
	n, err := b.Publish(context.Background(), "nobody", map[string]string{"type": "x"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	b := newTestBroker()
	a := newClient("a")
	b.Subscribe(a, "user:1")
	b.Subscribe(a, "user:1")
	assert.Equal(t, 1, b.Subscribers("user:1"))

	n, _ := b.Publish(context.Background(), "user:1", "hi")
	assert.Equal(t, 1, n)
	assert.Len(t, a.received(), 1)
}

func TestUnsubscribeRemovesEmptyChannel(t *testing.T) {
	b := newTestBroker()
	a := newClient("a")
	b.Subscribe(a, "user:1")
	assert.Equal(t, 1, b.Channels())

	b.Unsubscribe("a", "user:1")
	b.Unsubscribe("a", "user:1")
	b.Unsubscribe("ghost", "never")
	assert.Zero(t, b.Channels())
	assert.Zero(t, b.Subscribers("user:1"))

	n, _ := b.Publish(context.Background(), "user:1", "hi")
	assert.Zero(t, n)
	assert.Empty(t, a.received())

	// the channel comes back on the next subscribe
	b.Subscribe(a, "user:1")
	n, _ = b.Publish(context.Background(), "user:1", "again")
	assert.Equal(t, 1, n)
}

func TestFailedSendDoesNotStopFanOut(t *testing.T) {
	b := newTestBroker()
	slow := newClient("slow")
	slow.fail = true
	ok := newClient("ok")
	b.Subscribe(slow, "ch")
	b.Subscribe(ok, "ch")

	n, err := b.Publish(context.Background(), "ch", "x")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, ok.received(), 1)
}

func TestPublishPreservesOrderPerChannel(t *testing.T) {
	b := newTestBroker()
	a := newClient("a")
	b.Subscribe(a, "ch")

	for i := 0; i < 50; i++ {
		_, err := b.Publish(context.Background(), "ch", i)
		require.NoError(t, err)
	}
	frames := a.received()
	require.Len(t, frames, 50)
	for i, f := range frames {
		var got int
		require.NoError(t, json.Unmarshal(f, &got))
		assert.Equal(t, i, got)
	}
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	b := newTestBroker()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newClient("c" + strconv.Itoa(i))
			b.Subscribe(c, "ch")
			_, _ = b.Publish(context.Background(), "ch", i)
			if i%2 == 0 {
				b.Unsubscribe(c.ConnectionID(), "ch")
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, b.Subscribers("ch"))
}

func TestPublishForwardsToRelay(t *testing.T) {
	b := newTestBroker()
	relay := &fakeRelay{err: errors.New("redis down")}
	b.UseRelay(relay)

	a := newClient("a")
	b.Subscribe(a, "user:1")
	n, err := b.Publish(context.Background(), "user:1", "x")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"user:1"}, relay.channels)

	// relayed deliveries stay local
	assert.Equal(t, 1, b.DeliverLocal(context.Background(), "user:1", []byte(`"y"`)))
	assert.Len(t, relay.channels, 1)
}

func TestRelayOrderMatchesLocalOrder(t *testing.T) {
	b := newTestBroker()
	relay := &fakeRelay{}
	b.UseRelay(relay)
	a := newClient("a")
	b.Subscribe(a, "ride:1")

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, _ = b.Publish(context.Background(), "ride:1", w*100+i)
			}
		}(w)
	}
	wg.Wait()

	local := a.received()
	require.Len(t, local, 200)
	assert.Equal(t, local, relay.forwarded())
	assert.Zero(t, b.order.size())
}

func TestPublishWithoutLocalSubscribersStillForwards(t *testing.T) {
	b := newTestBroker()
	relay := &fakeRelay{}
	b.UseRelay(relay)

	for i := 0; i < 3; i++ {
		n, err := b.Publish(context.Background(), "user:remote", i)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	assert.Equal(t, [][]byte{[]byte("0"), []byte("1"), []byte("2")}, relay.forwarded())
	assert.Zero(t, b.Subscribers("user:remote"))
	assert.Zero(t, b.order.size())
}

func TestPublishRejectsUnencodableEvent(t *testing.T) {
	b := newTestBroker()
	_, err := b.Publish(context.Background(), "ch", make(chan int))
	assert.Error(t, err)
}
