package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/edgekit/offload/protocol"
	"github.com/edgekit/offload/signaling"
)

// Config holds worker node settings
type Config struct {
	Signaling  signaling.Config `json:"signaling"`
	ICEServers []string         `json:"ice_servers"`

	// MediaDevices is announced alongside the join so clients can show
	// concrete device labels before connecting.
	MediaDevices []protocol.MediaDeviceInfo `json:"media_devices"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Signaling: signaling.DefaultConfig(),
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
		},
	}
}

// Node is one worker device: a registry membership plus the peer
// sessions serving its clients.
type Node struct {
	id      string
	name    string
	config  Config
	logger  *slog.Logger
	channel *signaling.Channel
	gate    *Gate

	mu          sync.Mutex
	handlers    map[string]Handler
	peers       map[string]*peer
	onForceQuit func()
	quitFired   bool
}

// NodeOption configures a Node.
type NodeOption func(*Node)

// WithPrompter gates permission-sensitive handlers behind a confirmation
// prompt.
func WithPrompter(p ConfirmationPrompter) NodeOption {
	return func(n *Node) { n.gate = NewGate(p, n.logger) }
}

// NewNode creates a worker node. Handlers must be registered before
// Connect so the join descriptor lists their features.
func NewNode(id, name string, config Config, logger *slog.Logger, opts ...NodeOption) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		id:     id,
		name:   name,
		config: config,
		logger: logger.With("component", "worker",
			"node_id", protocol.ShortID(id)),
		handlers: make(map[string]Handler),
		peers:    make(map[string]*peer),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.gate == nil {
		n.gate = NewGate(nil, n.logger)
	}
	n.channel = signaling.New(config.Signaling, logger)
	n.channel.OnMessage(n.handleEvent)
	n.channel.OnConnect(n.join)
	n.channel.OnDisconnect(func() {
		n.logger.Error("registry unreachable, giving up")
	})
	return n
}

// RegisterHandler adds a handler for each feature it declares. A feature
// registered twice keeps the later handler.
func (n *Node) RegisterHandler(h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, feature := range h.Features() {
		if _, ok := n.handlers[feature]; ok {
			n.logger.Warn("handler replaced", "feature", feature)
		}
		n.handlers[feature] = h
	}
}

// Features lists every feature this node serves, sorted for stable join
// descriptors.
func (n *Node) Features() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.handlers))
	for feature := range n.handlers {
		out = append(out, feature)
	}
	sort.Strings(out)
	return out
}

// OnForceQuit sets the hook fired when the registry tells workers to
// quit after the last client is gone.
func (n *Node) OnForceQuit(f func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onForceQuit = f
}

// OnConfirmationResult feeds a user decision into the confirmation gate.
func (n *Node) OnConfirmationResult(id int64, allowed bool) {
	n.gate.OnConfirmationResult(id, allowed)
}

// Connect joins the registry. The join is replayed on every reconnect.
func (n *Node) Connect(ctx context.Context, addr string) error {
	return n.channel.Connect(ctx, addr)
}

// Close drops every peer session and the registry connection.
func (n *Node) Close() error {
	n.mu.Lock()
	peers := make([]*peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.peers = make(map[string]*peer)
	n.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
	return n.channel.Close()
}

func (n *Node) join() {
	err := n.channel.Send(protocol.JoinRequest{
		Type: protocol.TypeJoin,
		WorkerDescriptor: protocol.WorkerDescriptor{
			ID:               n.id,
			Name:             n.name,
			Features:         n.Features(),
			MediaDeviceInfos: n.config.MediaDevices,
		},
	})
	if err != nil {
		n.logger.Warn("join failed", "error", err)
		return
	}
	n.logger.Info("joined registry", "features", n.Features())
}

func (n *Node) handleEvent(data []byte) {
	switch protocol.PeekType(data) {
	case protocol.TypeClient:
		var event protocol.ClientEvent
		if err := json.Unmarshal(data, &event); err != nil {
			n.logger.Debug("bad client event", "error", err)
			return
		}
		n.handleClientEvent(event)

	case protocol.TypeMessage:
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			n.logger.Debug("bad envelope", "error", err)
			return
		}
		n.handleSignal(env.From, env.Message)

	case protocol.TypeWorker, protocol.TypeCapabilities, protocol.TypeGreeting:
		// Peer worker gossip; nothing for us to do.

	default:
		n.logger.Debug("unknown event dropped")
	}
}

func (n *Node) handleClientEvent(event protocol.ClientEvent) {
	switch event.Event {
	case protocol.EventBye:
		n.mu.Lock()
		p := n.peers[event.SocketID]
		n.mu.Unlock()
		if p != nil {
			n.logger.Info("client left", "client", protocol.ShortID(event.SocketID))
			p.close()
		}

	case protocol.EventForceQuit:
		n.logger.Info("force quit received")
		n.shutdown()

	default:
		n.logger.Debug("unknown client event", "event", event.Event)
	}
}

func (n *Node) handleSignal(clientID string, message json.RawMessage) {
	switch protocol.PeekType(message) {
	case protocol.TypeOffer:
		p := n.peerFor(clientID)
		p.handleOffer(message)

	case protocol.TypeCandidate:
		n.mu.Lock()
		p := n.peers[clientID]
		n.mu.Unlock()
		if p == nil {
			n.logger.Debug("candidate before offer dropped",
				"client", protocol.ShortID(clientID))
			return
		}
		p.handleCandidate(message)

	default:
		n.logger.Debug("unexpected signal dropped",
			"type", protocol.PeekType(message))
	}
}

func (n *Node) peerFor(clientID string) *peer {
	n.mu.Lock()
	if p, ok := n.peers[clientID]; ok {
		n.mu.Unlock()
		return p
	}
	n.mu.Unlock()

	p := newPeer(n, clientID)
	n.mu.Lock()
	n.peers[clientID] = p
	n.mu.Unlock()
	return p
}

func (n *Node) removePeer(clientID string) {
	n.mu.Lock()
	delete(n.peers, clientID)
	n.mu.Unlock()
}

func (n *Node) handlerFor(feature string) Handler {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handlers[feature]
}

// signal relays one negotiation message back to a client.
func (n *Node) signal(clientID string, msg protocol.ChannelMessage) {
	err := n.channel.Send(protocol.Envelope{
		Type:    protocol.TypeMessage,
		To:      clientID,
		From:    n.id,
		Message: protocol.Marshal(msg),
	})
	if err != nil {
		n.logger.Warn("signal send failed", "type", msg.Type, "error", err)
	}
}

func (n *Node) shutdown() {
	n.Close()
	n.mu.Lock()
	hook := n.onForceQuit
	fired := n.quitFired
	n.quitFired = true
	n.mu.Unlock()
	if hook != nil && !fired {
		hook()
	}
}
