package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/edgekit/offload/internal/discovery"
	"github.com/edgekit/offload/protocol"
)

// Conn is one signaling connection. The server owns the read side; the
// registry only ever writes, and writes are serialized per connection.
type Conn interface {
	ID() string
	Send(v interface{}) error
	Close() error
}

// Config holds registry settings
type Config struct {
	// GraceWindow is how long workers are kept alive after the last
	// client session disconnects before forceQuit is broadcast.
	GraceWindow time.Duration `json:"grace_window"`

	// AdvertiseURL overrides the rendezvous token handed out in
	// greetings. When empty the token is derived from the first
	// non-loopback IPv4 address, preferring wireless interfaces.
	AdvertiseURL string `json:"advertise_url"`

	// Port used when deriving the rendezvous token.
	Port int `json:"port"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		GraceWindow: 5 * time.Second,
		Port:        5443,
	}
}

// Registry is the rendezvous point: it tracks client sessions and worker
// registrations, relays addressed envelopes verbatim, and answers
// capability queries through an optional discovery collaborator.
type Registry struct {
	config    Config
	logger    *slog.Logger
	clock     clock.Clock
	discovery discovery.Discovery
	token     string

	mu        sync.Mutex
	conns     map[string]Conn
	clients   map[string]Conn
	workers   map[string]protocol.WorkerInfo
	quitTimer *clock.Timer
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock injects the clock used for the grace timer.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithDiscovery injects the platform discovery collaborator.
func WithDiscovery(d discovery.Discovery) Option {
	return func(r *Registry) { r.discovery = d }
}

// New creates a Registry.
func New(config Config, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		config:  config,
		logger:  logger.With("component", "registry"),
		clock:   clock.New(),
		conns:   make(map[string]Conn),
		clients: make(map[string]Conn),
		workers: make(map[string]protocol.WorkerInfo),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.token = config.AdvertiseURL
	if r.token == "" {
		r.token = workerURL(config.Port)
	}
	return r
}

// HandleConnect registers a freshly accepted connection. Nothing is sent
// until the peer declares itself with create or join.
func (r *Registry) HandleConnect(conn Conn) {
	r.mu.Lock()
	r.conns[conn.ID()] = conn
	r.mu.Unlock()
	r.logger.Debug("connection accepted", "socket", protocol.ShortID(conn.ID()))
}

// Create registers the connection as a client session and answers with a
// greeting. Any pending force-quit timer is cancelled first, so a client
// arriving inside the grace window keeps the workers alive. A second
// create from the same connection is a no-op.
func (r *Registry) Create(conn Conn) {
	r.mu.Lock()
	if r.quitTimer != nil {
		r.quitTimer.Stop()
		r.quitTimer = nil
	}
	if _, ok := r.clients[conn.ID()]; ok {
		r.mu.Unlock()
		r.logger.Debug("duplicate create ignored", "socket", protocol.ShortID(conn.ID()))
		return
	}
	r.clients[conn.ID()] = conn
	snapshot := make([]protocol.WorkerSnapshot, 0, len(r.workers))
	for id, info := range r.workers {
		snapshot = append(snapshot, protocol.WorkerSnapshot{ID: id, Info: info})
	}
	// The greeting goes out under the lock so a concurrent join cannot
	// broadcast ahead of a snapshot that predates it.
	r.send(conn, protocol.Greeting{
		Type:     protocol.TypeGreeting,
		QRCode:   r.token,
		SocketID: conn.ID(),
		Workers:  snapshot,
	})
	r.mu.Unlock()
	r.logger.Info("client session created", "socket", protocol.ShortID(conn.ID()))

	if r.discovery != nil {
		go r.pushCapabilities(context.Background(), conn)
	}
}

// Join registers or replaces a worker under its stable id and announces it
// to every client session. Re-joining with the same id replaces the whole
// entry, including the task counter.
func (r *Registry) Join(conn Conn, desc protocol.WorkerDescriptor) {
	info := protocol.WorkerInfo{
		SocketID:         conn.ID(),
		Name:             desc.Name,
		Features:         desc.Features,
		MediaDeviceInfos: desc.MediaDeviceInfos,
	}
	r.mu.Lock()
	r.workers[desc.ID] = info
	targets := r.clientConnsLocked()
	r.mu.Unlock()

	event := protocol.WorkerEvent{
		Type:             protocol.TypeWorker,
		Event:            protocol.EventJoin,
		WorkerID:         desc.ID,
		SocketID:         conn.ID(),
		Name:             desc.Name,
		Features:         desc.Features,
		MediaDeviceInfos: desc.MediaDeviceInfos,
	}
	for _, c := range targets {
		r.send(c, event)
	}
	r.logger.Info("worker joined",
		"worker", protocol.ShortID(desc.ID),
		"name", desc.Name,
		"features", desc.Features)
}

// Relay forwards an addressed envelope verbatim. The destination is
// resolved first as a worker id, then as a client socket id; anything
// else, including a connection that never declared itself, drops the
// envelope silently.
func (r *Registry) Relay(env protocol.Envelope) {
	r.mu.Lock()
	var target Conn
	if w, ok := r.workers[env.To]; ok {
		target = r.conns[w.SocketID]
	}
	if target == nil {
		target = r.clients[env.To]
	}
	r.mu.Unlock()

	if target == nil {
		r.logger.Debug("relay dropped, unknown destination",
			"to", protocol.ShortID(env.To),
			"from", protocol.ShortID(env.From))
		return
	}
	r.send(target, env)
}

// GetCapabilities answers with the discovery collaborator's device list,
// or an empty list when no collaborator is configured.
func (r *Registry) GetCapabilities(ctx context.Context, conn Conn) {
	if r.discovery == nil {
		r.send(conn, protocol.CapabilitiesEvent{
			Type:         protocol.TypeCapabilities,
			Capabilities: []protocol.CapabilitySnapshot{},
		})
		return
	}
	r.pushCapabilities(ctx, conn)
}

func (r *Registry) pushCapabilities(ctx context.Context, conn Conn) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	caps, err := r.discovery.Capabilities(ctx)
	if err != nil {
		r.logger.Warn("capability query failed", "error", err)
		caps = nil
	}
	if caps == nil {
		caps = []protocol.CapabilitySnapshot{}
	}
	r.send(conn, protocol.CapabilitiesEvent{
		Type:         protocol.TypeCapabilities,
		Capabilities: caps,
	})
}

// RequestService asks the discovery collaborator to wake a device. The
// response arrives indirectly, as a worker join, so there is nothing to
// send back here.
func (r *Registry) RequestService(ctx context.Context, workerID string) {
	if r.discovery == nil {
		return
	}
	if err := r.discovery.RequestService(ctx, workerID); err != nil {
		r.logger.Warn("wake request failed",
			"worker", protocol.ShortID(workerID),
			"error", err)
	}
}

// Disconnect removes whatever the connection was. Worker departures are
// announced to clients, client departures to workers, and when the last
// client leaves the force-quit grace timer is armed.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	delete(r.conns, connID)

	_, wasClient := r.clients[connID]
	delete(r.clients, connID)

	var goneWorkers []string
	for id, w := range r.workers {
		if w.SocketID == connID {
			goneWorkers = append(goneWorkers, id)
			delete(r.workers, id)
		}
	}

	clientTargets := r.clientConnsLocked()
	workerTargets := r.workerConnsLocked()

	if wasClient && len(r.clients) == 0 {
		if r.quitTimer != nil {
			r.quitTimer.Stop()
		}
		r.quitTimer = r.clock.AfterFunc(r.config.GraceWindow, r.fireForceQuit)
	}
	r.mu.Unlock()

	for _, id := range goneWorkers {
		event := protocol.WorkerEvent{
			Type:     protocol.TypeWorker,
			Event:    protocol.EventBye,
			WorkerID: id,
			SocketID: connID,
		}
		for _, c := range clientTargets {
			r.send(c, event)
		}
		r.logger.Info("worker left", "worker", protocol.ShortID(id))
	}
	if wasClient {
		event := protocol.ClientEvent{
			Type:     protocol.TypeClient,
			Event:    protocol.EventBye,
			SocketID: connID,
		}
		for _, c := range workerTargets {
			r.send(c, event)
		}
		r.logger.Info("client session closed", "socket", protocol.ShortID(connID))
	}
}

func (r *Registry) fireForceQuit() {
	r.mu.Lock()
	if r.quitTimer == nil {
		r.mu.Unlock()
		return
	}
	r.quitTimer = nil
	if len(r.clients) > 0 {
		r.mu.Unlock()
		return
	}
	targets := r.workerConnsLocked()
	r.mu.Unlock()

	event := protocol.ClientEvent{
		Type:  protocol.TypeClient,
		Event: protocol.EventForceQuit,
	}
	for _, c := range targets {
		r.send(c, event)
	}
	r.logger.Info("force quit broadcast", "workers", len(targets))
}

// WorkerCount reports registered workers.
func (r *Registry) WorkerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// ClientCount reports active client sessions.
func (r *Registry) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Token returns the rendezvous token handed out in greetings.
func (r *Registry) Token() string {
	return r.token
}

func (r *Registry) clientConnsLocked() []Conn {
	out := make([]Conn, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

func (r *Registry) workerConnsLocked() []Conn {
	out := make([]Conn, 0, len(r.workers))
	for _, w := range r.workers {
		if c, ok := r.conns[w.SocketID]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) send(conn Conn, v interface{}) {
	if err := conn.Send(v); err != nil {
		r.logger.Debug("send failed", "socket", protocol.ShortID(conn.ID()), "error", err)
	}
}
