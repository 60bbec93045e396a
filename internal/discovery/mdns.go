package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/edgekit/offload/protocol"
)

const (
	serviceTag         = "offload"
	wakeProtocol       = "/offload/wake/1.0.0"
	capabilityProtocol = "/offload/capability/1.0.0"
)

// deviceAnnouncement is what a device answers on the capability stream.
type deviceAnnouncement struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Features []string `json:"features"`
}

// MDNS discovers offload devices on the local network over mDNS and wakes
// them with a stream carrying the registry address to connect back to.
type MDNS struct {
	host      host.Host
	service   mdns.Service
	signalURL string
	logger    *slog.Logger

	mu     sync.Mutex
	nearby map[peer.ID]peer.AddrInfo
	byID   map[string]peer.ID
}

// NewMDNS starts a libp2p host and an mDNS service. signalURL is the
// registry address passed to woken devices.
func NewMDNS(signalURL string, logger *slog.Logger) (*MDNS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h, err := libp2p.New()
	if err != nil {
		return nil, fmt.Errorf("start discovery host: %w", err)
	}
	m := &MDNS{
		host:      h,
		signalURL: signalURL,
		logger:    logger.With("component", "discovery"),
		nearby:    make(map[peer.ID]peer.AddrInfo),
		byID:      make(map[string]peer.ID),
	}
	m.service = mdns.NewMdnsService(h, serviceTag, m)
	if err := m.service.Start(); err != nil {
		h.Close()
		return nil, fmt.Errorf("start mdns: %w", err)
	}
	return m, nil
}

// HandlePeerFound implements the mdns notifee.
func (m *MDNS) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == m.host.ID() {
		return
	}
	m.mu.Lock()
	m.nearby[pi.ID] = pi
	m.mu.Unlock()
	m.logger.Debug("device found", "peer", pi.ID.String())
}

// Capabilities queries every nearby peer for its announcement. Peers that
// fail to answer are dropped from the nearby set.
func (m *MDNS) Capabilities(ctx context.Context) ([]protocol.CapabilitySnapshot, error) {
	m.mu.Lock()
	peers := make([]peer.AddrInfo, 0, len(m.nearby))
	for _, pi := range m.nearby {
		peers = append(peers, pi)
	}
	m.mu.Unlock()

	var out []protocol.CapabilitySnapshot
	for _, pi := range peers {
		ann, err := m.queryPeer(ctx, pi)
		if err != nil {
			m.logger.Debug("capability query failed", "peer", pi.ID.String(), "error", err)
			m.mu.Lock()
			delete(m.nearby, pi.ID)
			m.mu.Unlock()
			continue
		}
		m.mu.Lock()
		m.byID[ann.ID] = pi.ID
		m.mu.Unlock()
		out = append(out, protocol.CapabilitySnapshot{
			ID: ann.ID,
			Info: protocol.CapabilityInfo{
				Addr:     peerAddr(pi),
				Name:     ann.Name,
				Features: ann.Features,
			},
		})
	}
	return out, nil
}

func (m *MDNS) queryPeer(ctx context.Context, pi peer.AddrInfo) (*deviceAnnouncement, error) {
	if err := m.host.Connect(ctx, pi); err != nil {
		return nil, err
	}
	stream, err := m.host.NewStream(ctx, pi.ID, capabilityProtocol)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, err
	}
	var ann deviceAnnouncement
	if err := json.Unmarshal(data, &ann); err != nil {
		return nil, err
	}
	return &ann, nil
}

// RequestService opens a wake stream to the device and hands it the
// registry address. The device is expected to connect and join; nothing
// is read back.
func (m *MDNS) RequestService(ctx context.Context, workerID string) error {
	m.mu.Lock()
	pid, ok := m.byID[workerID]
	pi, known := m.nearby[pid]
	m.mu.Unlock()
	if !ok || !known {
		return protocol.ErrWorkerNotFound(workerID)
	}
	if err := m.host.Connect(ctx, pi); err != nil {
		return fmt.Errorf("connect for wake: %w", err)
	}
	stream, err := m.host.NewStream(ctx, pid, wakeProtocol)
	if err != nil {
		return fmt.Errorf("open wake stream: %w", err)
	}
	defer stream.Close()
	if _, err := stream.Write([]byte(m.signalURL)); err != nil {
		return fmt.Errorf("send wake: %w", err)
	}
	return nil
}

func (m *MDNS) Close() error {
	if m.service != nil {
		m.service.Close()
	}
	return m.host.Close()
}

// peerAddr extracts the first IPv4 address of the peer, falling back to
// the raw multiaddr string.
func peerAddr(pi peer.AddrInfo) string {
	for _, a := range pi.Addrs {
		if ip, err := a.ValueForProtocol(ma.P_IP4); err == nil {
			return ip
		}
	}
	if len(pi.Addrs) > 0 {
		return pi.Addrs[0].String()
	}
	return ""
}

// Announcer makes a dormant device discoverable: it answers capability
// queries and accepts wake streams until closed.
type Announcer struct {
	host    host.Host
	service mdns.Service
}

// Announce starts answering discovery queries for the given identity.
// onWake is invoked with the registry address whenever a wake arrives.
func Announce(id, name string, features []string, onWake func(signalURL string), logger *slog.Logger) (*Announcer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "announcer")

	h, err := libp2p.New()
	if err != nil {
		return nil, fmt.Errorf("start announce host: %w", err)
	}

	announcement := protocol.Marshal(deviceAnnouncement{ID: id, Name: name, Features: features})
	h.SetStreamHandler(capabilityProtocol, func(s network.Stream) {
		defer s.Close()
		if _, err := s.Write(announcement); err != nil {
			log.Debug("announce write failed", "error", err)
		}
	})
	h.SetStreamHandler(wakeProtocol, func(s network.Stream) {
		defer s.Close()
		data, err := io.ReadAll(s)
		if err != nil {
			log.Debug("wake read failed", "error", err)
			return
		}
		log.Info("wake received", "signal_url", string(data))
		if onWake != nil {
			onWake(string(data))
		}
	})

	a := &Announcer{host: h}
	a.service = mdns.NewMdnsService(h, serviceTag, noopNotifee{})
	if err := a.service.Start(); err != nil {
		h.Close()
		return nil, fmt.Errorf("start mdns: %w", err)
	}
	return a, nil
}

func (a *Announcer) Close() error {
	if a.service != nil {
		a.service.Close()
	}
	return a.host.Close()
}

type noopNotifee struct{}

func (noopNotifee) HandlePeerFound(peer.AddrInfo) {}
