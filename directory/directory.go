// Package directory is the client-side view of a registry: the worker
// table, discovered-but-dormant capabilities, peer links and the
// rendezvous token.
package directory

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/edgekit/offload/peerlink"
	"github.com/edgekit/offload/protocol"
	"github.com/edgekit/offload/signaling"
)

// Config holds directory settings
type Config struct {
	Signaling signaling.Config `json:"signaling"`
	Link      peerlink.Config  `json:"link"`

	// DeviceName is shown on worker confirmation prompts.
	DeviceName string `json:"device_name"`

	// WakeTimeout bounds how long a woken dormant device may take to
	// join before the request fails. Zero disables the bound.
	WakeTimeout time.Duration `json:"wake_timeout"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Signaling:   signaling.DefaultConfig(),
		Link:        peerlink.DefaultConfig(),
		WakeTimeout: 10 * time.Second,
	}
}

// Candidate is one selectable target for a feature.
type Candidate struct {
	ID   string
	Name string
	// Registered is true when the worker is already connected to the
	// registry; false means it was discovered and needs waking first.
	Registered bool
}

type pendingWake struct {
	onAccepted func(workerID string)
	onFailed   func(err error)
	timer      *time.Timer
}

func (w *pendingWake) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

type capabilityEntry struct {
	info    protocol.CapabilityInfo
	pending *pendingWake
}

// Directory tracks workers for one client session.
type Directory struct {
	config  Config
	logger  *slog.Logger
	channel *signaling.Channel

	mu           sync.Mutex
	clientID     string
	token        string
	tokenWaiters []chan string
	workers      map[string]protocol.WorkerInfo
	caps         map[string]*capabilityEntry
	links        map[string]*peerlink.Link
}

// New creates a directory. Connect must be called before use.
func New(config Config, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Directory{
		config:  config,
		logger:  logger.With("component", "directory"),
		workers: make(map[string]protocol.WorkerInfo),
		caps:    make(map[string]*capabilityEntry),
		links:   make(map[string]*peerlink.Link),
	}
	d.channel = signaling.New(config.Signaling, logger)
	d.channel.OnMessage(d.handleEvent)
	d.channel.OnConnect(func() {
		if err := d.channel.Send(map[string]string{"type": protocol.TypeCreate}); err != nil {
			d.logger.Warn("create failed", "error", err)
		}
	})
	d.channel.OnDisconnect(func() {
		d.logger.Error("signaling lost for good")
	})
	return d
}

// Connect dials the registry. The address may omit the signaling path.
func (d *Directory) Connect(ctx context.Context, addr string) error {
	return d.channel.Connect(ctx, addr)
}

// SignalingConnected reports whether the registry channel is up.
func (d *Directory) SignalingConnected() bool {
	return d.channel.Connected()
}

// ClientID returns the relay address assigned by the registry. Empty
// until the greeting arrives.
func (d *Directory) ClientID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clientID
}

// AwaitRendezvousToken blocks until the greeting delivers the pairing
// token, or ctx expires.
func (d *Directory) AwaitRendezvousToken(ctx context.Context) (string, error) {
	d.mu.Lock()
	if d.token != "" {
		token := d.token
		d.mu.Unlock()
		return token, nil
	}
	waiter := make(chan string, 1)
	d.tokenWaiters = append(d.tokenWaiters, waiter)
	d.mu.Unlock()

	select {
	case token := <-waiter:
		return token, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// WorkerTable returns a copy of the registered workers.
func (d *Directory) WorkerTable() map[string]protocol.WorkerInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]protocol.WorkerInfo, len(d.workers))
	for id, w := range d.workers {
		out[id] = w
	}
	return out
}

// SupportedWorkers lists every candidate for a feature: discovered
// capabilities plus registered workers the capability list doesn't cover.
func (d *Directory) SupportedWorkers(feature string) []Candidate {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Candidate
	for id, entry := range d.caps {
		if entry.info.HasFeature(feature) {
			_, registered := d.workers[id]
			out = append(out, Candidate{ID: id, Name: entry.info.Name, Registered: registered})
		}
	}
	for id, w := range d.workers {
		if _, covered := d.caps[id]; covered {
			continue
		}
		if w.HasFeature(feature) {
			out = append(out, Candidate{ID: id, Name: w.Name, Registered: true})
		}
	}
	return out
}

// RequestService makes a worker usable: a registered worker is accepted
// immediately, a dormant discovered one is asked to wake through the
// registry and accepted when its join arrives. A wake that outlives
// WakeTimeout fails with CAPABILITY_TIMEOUT. At most one wake is pending
// per worker id; a newer request replaces the older one.
func (d *Directory) RequestService(workerID string, onAccepted func(workerID string), onFailed func(err error)) {
	d.mu.Lock()
	if _, ok := d.workers[workerID]; ok {
		d.mu.Unlock()
		if onAccepted != nil {
			onAccepted(workerID)
		}
		return
	}
	entry, ok := d.caps[workerID]
	if !ok {
		d.mu.Unlock()
		if onFailed != nil {
			onFailed(protocol.ErrWorkerNotFound(workerID))
		}
		return
	}
	if entry.pending != nil {
		d.logger.Debug("replacing pending wake", "worker", protocol.ShortID(workerID))
		entry.pending.stopTimer()
	}
	wake := &pendingWake{onAccepted: onAccepted, onFailed: onFailed}
	if d.config.WakeTimeout > 0 {
		wake.timer = time.AfterFunc(d.config.WakeTimeout, func() {
			d.expireWake(workerID, wake)
		})
	}
	entry.pending = wake
	d.mu.Unlock()

	err := d.channel.Send(protocol.ServiceRequest{
		Type:     protocol.TypeRequestService,
		WorkerID: workerID,
	})
	if err != nil {
		d.mu.Lock()
		if entry.pending == wake {
			entry.pending = nil
		}
		d.mu.Unlock()
		wake.stopTimer()
		if onFailed != nil {
			onFailed(err)
		}
	}
}

// expireWake fails a wake whose device never joined. The pending slot is
// claimed under the lock so a join racing the timer resolves exactly once.
func (d *Directory) expireWake(workerID string, wake *pendingWake) {
	d.mu.Lock()
	entry, ok := d.caps[workerID]
	if !ok || entry.pending != wake {
		d.mu.Unlock()
		return
	}
	entry.pending = nil
	d.mu.Unlock()

	d.logger.Warn("service wake timed out", "worker", protocol.ShortID(workerID))
	if wake.onFailed != nil {
		wake.onFailed(protocol.ErrWakeTimeout(workerID))
	}
}

// GetOrCreatePeerLink returns the live link for a worker, creating one
// when none exists or the previous one closed.
func (d *Directory) GetOrCreatePeerLink(workerID string) (peerlink.Runner, error) {
	link, err := d.getOrCreateLink(workerID)
	if err != nil {
		return nil, err
	}
	return link, nil
}

// PeerLink exposes the concrete link for callers that need the media
// surface (metadata cache, applyConstraints). Nil when no live link
// exists.
func (d *Directory) PeerLink(workerID string) *peerlink.Link {
	d.mu.Lock()
	defer d.mu.Unlock()
	if link, ok := d.links[workerID]; ok && link.State() != peerlink.StateClosed {
		return link
	}
	return nil
}

func (d *Directory) getOrCreateLink(workerID string) (*peerlink.Link, error) {
	d.mu.Lock()
	if link, ok := d.links[workerID]; ok && link.State() != peerlink.StateClosed {
		d.mu.Unlock()
		return link, nil
	}
	clientID := d.clientID
	d.mu.Unlock()

	link, err := peerlink.New(workerID, clientID, d.config.DeviceName, d, d.config.Link, d.logger)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.links[workerID] = link
	d.mu.Unlock()
	return link, nil
}

// Signal implements peerlink.Signaler: negotiation messages travel to the
// worker inside relay envelopes tagged with this client's address.
func (d *Directory) Signal(workerID string, message interface{}) error {
	return d.SendMessage(workerID, message)
}

// SendMessage wraps a payload into an addressed envelope and relays it.
func (d *Directory) SendMessage(to string, message interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	d.mu.Lock()
	from := d.clientID
	d.mu.Unlock()
	return d.channel.Send(protocol.Envelope{
		Type:    protocol.TypeMessage,
		To:      to,
		From:    from,
		Message: payload,
	})
}

// UpdateCapabilities asks the registry for a fresh capability list.
func (d *Directory) UpdateCapabilities() error {
	return d.channel.Send(map[string]string{"type": protocol.TypeGetCapabilities})
}

// IncrementTasks bumps the local in-flight counter for a worker.
func (d *Directory) IncrementTasks(workerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.workers[workerID]; ok {
		w.ComputeTasks++
		d.workers[workerID] = w
	}
}

// DecrementTasks lowers the counter after a task completes.
func (d *Directory) DecrementTasks(workerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.workers[workerID]; ok && w.ComputeTasks > 0 {
		w.ComputeTasks--
		d.workers[workerID] = w
	}
}

// LeastLoadedWorker picks the registered worker with the given feature
// carrying the fewest in-flight tasks.
func (d *Directory) LeastLoadedWorker(feature string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	best := ""
	bestTasks := 0
	for id, w := range d.workers {
		if !w.HasFeature(feature) {
			continue
		}
		if best == "" || w.ComputeTasks < bestTasks {
			best = id
			bestTasks = w.ComputeTasks
		}
	}
	return best, best != ""
}

// Close shuts every link and the signaling channel down.
func (d *Directory) Close() error {
	d.mu.Lock()
	links := make([]*peerlink.Link, 0, len(d.links))
	for _, l := range d.links {
		links = append(links, l)
	}
	d.links = make(map[string]*peerlink.Link)
	d.mu.Unlock()
	for _, l := range links {
		l.Close()
	}
	return d.channel.Close()
}

func (d *Directory) handleEvent(data []byte) {
	switch protocol.PeekType(data) {
	case protocol.TypeGreeting:
		var greeting protocol.Greeting
		if err := json.Unmarshal(data, &greeting); err != nil {
			d.logger.Debug("bad greeting", "error", err)
			return
		}
		d.handleGreeting(greeting)

	case protocol.TypeCapabilities:
		var event protocol.CapabilitiesEvent
		if err := json.Unmarshal(data, &event); err != nil {
			d.logger.Debug("bad capabilities", "error", err)
			return
		}
		d.handleCapabilities(event)

	case protocol.TypeWorker:
		var event protocol.WorkerEvent
		if err := json.Unmarshal(data, &event); err != nil {
			d.logger.Debug("bad worker event", "error", err)
			return
		}
		d.handleWorkerEvent(event)

	case protocol.TypeMessage:
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			d.logger.Debug("bad envelope", "error", err)
			return
		}
		d.mu.Lock()
		link := d.links[env.From]
		d.mu.Unlock()
		if link == nil {
			d.logger.Debug("signal for unknown link dropped",
				"from", protocol.ShortID(env.From))
			return
		}
		link.HandleSignal(env.Message)

	default:
		d.logger.Debug("unknown event dropped")
	}
}

func (d *Directory) handleGreeting(greeting protocol.Greeting) {
	d.mu.Lock()
	d.clientID = greeting.SocketID
	d.token = greeting.QRCode
	waiters := d.tokenWaiters
	d.tokenWaiters = nil
	d.workers = make(map[string]protocol.WorkerInfo, len(greeting.Workers))
	for _, snap := range greeting.Workers {
		d.workers[snap.ID] = snap.Info
	}
	d.mu.Unlock()

	for _, w := range waiters {
		w <- greeting.QRCode
	}
	d.logger.Info("session established",
		"client", protocol.ShortID(greeting.SocketID),
		"workers", len(greeting.Workers))
}

func (d *Directory) handleCapabilities(event protocol.CapabilitiesEvent) {
	d.mu.Lock()
	fresh := make(map[string]*capabilityEntry, len(event.Capabilities))
	for _, snap := range event.Capabilities {
		entry := &capabilityEntry{info: snap.Info}
		if old, ok := d.caps[snap.ID]; ok {
			entry.pending = old.pending
		}
		fresh[snap.ID] = entry
	}
	d.caps = fresh
	d.mu.Unlock()
	d.logger.Debug("capabilities updated", "devices", len(event.Capabilities))
}

func (d *Directory) handleWorkerEvent(event protocol.WorkerEvent) {
	switch event.Event {
	case protocol.EventJoin:
		d.mu.Lock()
		d.workers[event.WorkerID] = protocol.WorkerInfo{
			SocketID:         event.SocketID,
			Name:             event.Name,
			Features:         event.Features,
			MediaDeviceInfos: event.MediaDeviceInfos,
		}
		var wake *pendingWake
		if entry, ok := d.caps[event.WorkerID]; ok && entry.pending != nil {
			wake = entry.pending
			entry.pending = nil
			wake.stopTimer()
		}
		d.mu.Unlock()

		d.logger.Info("worker joined", "worker", protocol.ShortID(event.WorkerID), "name", event.Name)
		if wake != nil && wake.onAccepted != nil {
			wake.onAccepted(event.WorkerID)
		}

	case protocol.EventBye:
		d.mu.Lock()
		delete(d.workers, event.WorkerID)
		link := d.links[event.WorkerID]
		delete(d.links, event.WorkerID)
		d.mu.Unlock()

		d.logger.Info("worker left", "worker", protocol.ShortID(event.WorkerID))
		if link != nil {
			link.Close()
		}

	default:
		d.logger.Debug("unknown worker event", "event", event.Event)
	}
}
