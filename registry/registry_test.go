package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgekit/offload/protocol"
)

type fakeConn struct {
	id   string
	mu   sync.Mutex
	sent []interface{}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) events() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]interface{}, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) envelopes() []protocol.Envelope {
	var out []protocol.Envelope
	for _, e := range c.events() {
		if env, ok := e.(protocol.Envelope); ok {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) clientEvents() []protocol.ClientEvent {
	var out []protocol.ClientEvent
	for _, e := range c.events() {
		if ev, ok := e.(protocol.ClientEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRegistry(opts ...Option) *Registry {
	config := DefaultConfig()
	config.AdvertiseURL = "https://registry.test/offload-worker"
	return New(config, nil, opts...)
}

func connect(r *Registry, id string) *fakeConn {
	c := &fakeConn{id: id}
	r.HandleConnect(c)
	return c
}

func TestCreateSendsGreeting(t *testing.T) {
	r := newTestRegistry()

	worker := connect(r, "sock-w")
	r.Join(worker, protocol.WorkerDescriptor{
		ID:       "worker-1",
		Name:     "tablet",
		Features: []string{protocol.FeatureCamera},
	})

	client := connect(r, "sock-c")
	r.Create(client)

	events := client.events()
	require.Len(t, events, 1)
	greeting, ok := events[0].(protocol.Greeting)
	require.True(t, ok, "expected greeting, got %T", events[0])

	assert.Equal(t, protocol.TypeGreeting, greeting.Type)
	assert.Equal(t, "https://registry.test/offload-worker", greeting.QRCode)
	assert.Equal(t, "sock-c", greeting.SocketID)
	require.Len(t, greeting.Workers, 1)
	assert.Equal(t, "worker-1", greeting.Workers[0].ID)
	assert.Equal(t, "tablet", greeting.Workers[0].Info.Name)
}

func TestDuplicateCreateIgnored(t *testing.T) {
	r := newTestRegistry()
	client := connect(r, "sock-c")

	r.Create(client)
	r.Create(client)

	assert.Len(t, client.events(), 1)
	assert.Equal(t, 1, r.ClientCount())
}

func TestJoinReplacesRegistration(t *testing.T) {
	r := newTestRegistry()
	client := connect(r, "sock-c")
	r.Create(client)

	first := connect(r, "sock-1")
	r.Join(first, protocol.WorkerDescriptor{
		ID:       "worker-1",
		Features: []string{protocol.FeatureGyro},
	})

	// Same stable id from a new connection replaces the whole entry.
	second := connect(r, "sock-2")
	r.Join(second, protocol.WorkerDescriptor{
		ID:       "worker-1",
		Features: []string{protocol.FeatureCamera},
	})

	assert.Equal(t, 1, r.WorkerCount())

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	r.Relay(protocol.Envelope{
		Type: protocol.TypeMessage, To: "worker-1", From: "sock-c", Message: payload,
	})

	assert.Empty(t, first.envelopes(), "stale connection must not receive relays")
	require.Len(t, second.envelopes(), 1)
	assert.JSONEq(t, string(payload), string(second.envelopes()[0].Message))
}

func TestRelayBothDirections(t *testing.T) {
	r := newTestRegistry()
	client := connect(r, "sock-c")
	r.Create(client)
	worker := connect(r, "sock-w")
	r.Join(worker, protocol.WorkerDescriptor{ID: "worker-1"})

	toWorker := json.RawMessage(`{"type":"start","feature":"GYRO"}`)
	r.Relay(protocol.Envelope{Type: protocol.TypeMessage, To: "worker-1", From: "sock-c", Message: toWorker})

	require.Len(t, worker.envelopes(), 1)
	got := worker.envelopes()[0]
	assert.Equal(t, "sock-c", got.From)
	assert.Equal(t, string(toWorker), string(got.Message), "payload must be relayed verbatim")

	// The worker answers the client by socket id.
	toClient := json.RawMessage(`{"type":"data","feature":"GYRO","data":[1,2,3]}`)
	r.Relay(protocol.Envelope{Type: protocol.TypeMessage, To: got.From, From: "worker-1", Message: toClient})

	require.Len(t, client.envelopes(), 1)
	assert.Equal(t, string(toClient), string(client.envelopes()[0].Message))
}

func TestRelayUnknownDestinationDropsSilently(t *testing.T) {
	r := newTestRegistry()
	client := connect(r, "sock-c")
	r.Create(client)
	worker := connect(r, "sock-w")
	r.Join(worker, protocol.WorkerDescriptor{ID: "worker-1"})

	r.Relay(protocol.Envelope{
		Type: protocol.TypeMessage, To: "no-such-destination", From: "sock-c",
		Message: json.RawMessage(`{"type":"offer"}`),
	})

	assert.Empty(t, worker.envelopes())
	// The sender gets neither the envelope back nor an error event.
	assert.Len(t, client.events(), 1, "client should only ever have its greeting")
}

func TestRelayToUndeclaredConnectionDropped(t *testing.T) {
	r := newTestRegistry()
	client := connect(r, "sock-c")
	r.Create(client)
	worker := connect(r, "sock-w")
	r.Join(worker, protocol.WorkerDescriptor{ID: "worker-1"})

	// Accepted but never sent create or join.
	bystander := connect(r, "sock-b")

	r.Relay(protocol.Envelope{
		Type: protocol.TypeMessage, To: "sock-b", From: "sock-c",
		Message: json.RawMessage(`{"type":"offer"}`),
	})
	assert.Empty(t, bystander.events(), "undeclared connections are not addressable")

	// A worker's raw socket id is not addressable either, only its
	// stable worker id.
	r.Relay(protocol.Envelope{
		Type: protocol.TypeMessage, To: "sock-w", From: "sock-c",
		Message: json.RawMessage(`{"type":"offer"}`),
	})
	assert.Empty(t, worker.envelopes())
}

// gatedConn blocks the greeting write until released, holding Create open
// so a concurrent Join has to wait its turn.
type gatedConn struct {
	fakeConn
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (c *gatedConn) Send(v interface{}) error {
	if _, ok := v.(protocol.Greeting); ok {
		c.once.Do(func() { close(c.entered) })
		<-c.gate
	}
	return c.fakeConn.Send(v)
}

func TestGreetingPrecedesConcurrentJoinEvent(t *testing.T) {
	r := newTestRegistry()
	client := &gatedConn{
		fakeConn: fakeConn{id: "sock-c"},
		entered:  make(chan struct{}),
		gate:     make(chan struct{}),
	}
	r.HandleConnect(client)
	worker := connect(r, "sock-w")

	created := make(chan struct{})
	go func() {
		r.Create(client)
		close(created)
	}()
	<-client.entered

	joined := make(chan struct{})
	go func() {
		r.Join(worker, protocol.WorkerDescriptor{ID: "worker-1"})
		close(joined)
	}()

	time.Sleep(20 * time.Millisecond)
	close(client.gate)
	<-created
	<-joined

	events := client.events()
	require.NotEmpty(t, events)
	_, ok := events[0].(protocol.Greeting)
	require.True(t, ok, "greeting must arrive before any membership event, got %T", events[0])
}

func TestWorkerDisconnectBroadcastsBye(t *testing.T) {
	r := newTestRegistry()
	client := connect(r, "sock-c")
	r.Create(client)
	worker := connect(r, "sock-w")
	r.Join(worker, protocol.WorkerDescriptor{ID: "worker-1"})

	r.Disconnect("sock-w")

	var byes []protocol.WorkerEvent
	for _, e := range client.events() {
		if ev, ok := e.(protocol.WorkerEvent); ok && ev.Event == protocol.EventBye {
			byes = append(byes, ev)
		}
	}
	require.Len(t, byes, 1)
	assert.Equal(t, "worker-1", byes[0].WorkerID)
	assert.Equal(t, 0, r.WorkerCount())
}

func TestForceQuitAfterGraceWindow(t *testing.T) {
	mock := clock.NewMock()
	r := newTestRegistry(WithClock(mock))

	worker := connect(r, "sock-w")
	r.Join(worker, protocol.WorkerDescriptor{ID: "worker-1"})
	client := connect(r, "sock-c")
	r.Create(client)

	r.Disconnect("sock-c")

	// Bye goes out immediately, forceQuit only after the full window.
	require.Eventually(t, func() bool {
		for _, ev := range worker.clientEvents() {
			if ev.Event == protocol.EventBye {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	mock.Add(4 * time.Second)
	for _, ev := range worker.clientEvents() {
		assert.NotEqual(t, protocol.EventForceQuit, ev.Event, "forceQuit fired before grace window elapsed")
	}

	mock.Add(2 * time.Second)
	require.Eventually(t, func() bool {
		for _, ev := range worker.clientEvents() {
			if ev.Event == protocol.EventForceQuit {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestCreateInsideGraceWindowCancelsForceQuit(t *testing.T) {
	mock := clock.NewMock()
	r := newTestRegistry(WithClock(mock))

	worker := connect(r, "sock-w")
	r.Join(worker, protocol.WorkerDescriptor{ID: "worker-1"})
	client := connect(r, "sock-c")
	r.Create(client)

	r.Disconnect("sock-c")
	mock.Add(3 * time.Second)

	// A new session arrives before the window closes.
	revived := connect(r, "sock-c2")
	r.Create(revived)

	mock.Add(time.Minute)
	for _, ev := range worker.clientEvents() {
		assert.NotEqual(t, protocol.EventForceQuit, ev.Event, "cancelled timer must never fire")
	}
}

type fakeDiscovery struct {
	caps  []protocol.CapabilitySnapshot
	mu    sync.Mutex
	woken []string
}

func (d *fakeDiscovery) Capabilities(ctx context.Context) ([]protocol.CapabilitySnapshot, error) {
	return d.caps, nil
}

func (d *fakeDiscovery) RequestService(ctx context.Context, workerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.woken = append(d.woken, workerID)
	return nil
}

func (d *fakeDiscovery) Close() error { return nil }

func TestCapabilitiesWithoutDiscovery(t *testing.T) {
	r := newTestRegistry()
	client := connect(r, "sock-c")
	r.Create(client)

	r.GetCapabilities(context.Background(), client)

	events := client.events()
	require.Len(t, events, 2)
	caps, ok := events[1].(protocol.CapabilitiesEvent)
	require.True(t, ok)
	assert.Empty(t, caps.Capabilities)
}

func TestCapabilitiesAndWakeWithDiscovery(t *testing.T) {
	disc := &fakeDiscovery{caps: []protocol.CapabilitySnapshot{{
		ID:   "dormant-1",
		Info: protocol.CapabilityInfo{Addr: "192.168.0.7", Name: "tv", Features: []string{protocol.FeatureCompute}},
	}}}
	r := newTestRegistry(WithDiscovery(disc))
	client := connect(r, "sock-c")
	r.Create(client)

	require.Eventually(t, func() bool {
		for _, e := range client.events() {
			if caps, ok := e.(protocol.CapabilitiesEvent); ok {
				return len(caps.Capabilities) == 1 && caps.Capabilities[0].ID == "dormant-1"
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	r.RequestService(context.Background(), "dormant-1")
	disc.mu.Lock()
	defer disc.mu.Unlock()
	assert.Equal(t, []string{"dormant-1"}, disc.woken)
}
