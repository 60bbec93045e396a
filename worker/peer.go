package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/edgekit/offload/protocol"
)

// session is one feature actively running for a client.
type session struct {
	handler Handler
	cancel  context.CancelFunc
}

// peer answers one client's offer and serves its jobs over the shared
// data channel.
type peer struct {
	node     *Node
	clientID string
	logger   *slog.Logger

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	send   func([]byte) error
	active map[string]*session
	closed bool
}

func newPeer(n *Node, clientID string) *peer {
	p := &peer{
		node:     n,
		clientID: clientID,
		logger: n.logger.With("component", "peer",
			"client", protocol.ShortID(clientID)),
		active: make(map[string]*session),
	}

	iceServers := make([]webrtc.ICEServer, 0, len(n.config.ICEServers))
	for _, u := range n.config.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		p.logger.Warn("peer connection setup failed", "error", err)
		return p
	}
	p.pc = pc

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		n.signal(clientID, protocol.ChannelMessage{
			Type:      protocol.TypeCandidate,
			Candidate: protocol.Marshal(init),
		})
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.mu.Lock()
		p.send = dc.Send
		p.mu.Unlock()
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			p.handleChannelMessage(msg.Data)
		})
		dc.OnClose(p.close)
		p.logger.Info("data channel attached", "label", dc.Label())
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Debug("connection state", "state", s.String())
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			p.close()
		}
	})
	return p
}

func (p *peer) handleOffer(raw json.RawMessage) {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return
	}

	var msg protocol.ChannelMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		p.logger.Debug("bad offer", "error", err)
		return
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		p.logger.Warn("negotiation abandoned", "stage", "offer", "error", err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		p.logger.Warn("negotiation abandoned", "stage", "answer", "error", err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		p.logger.Warn("negotiation abandoned", "stage", "local", "error", err)
		return
	}
	p.node.signal(p.clientID, protocol.ChannelMessage{
		Type: protocol.TypeAnswer,
		SDP:  answer.SDP,
	})
}

func (p *peer) handleCandidate(raw json.RawMessage) {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return
	}

	var msg protocol.ChannelMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		p.logger.Debug("bad candidate", "error", err)
		return
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Candidate, &init); err != nil {
		p.logger.Debug("bad candidate payload", "error", err)
		return
	}
	if err := pc.AddICECandidate(init); err != nil {
		p.logger.Warn("negotiation abandoned", "stage", "candidate", "error", err)
	}
}

func (p *peer) handleChannelMessage(data []byte) {
	var msg protocol.ChannelMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		p.logger.Debug("bad channel message", "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeStart:
		p.startFeature(StartRequest{
			Feature:    msg.Feature,
			Arguments:  msg.Arguments,
			ClientID:   msg.ClientID,
			DeviceName: msg.DeviceName,
		})

	case protocol.TypeStop:
		p.stopFeature(msg.Feature)

	case protocol.TypeApplyConstraints:
		p.applyConstraints(msg)

	default:
		p.logger.Debug("unknown channel message dropped", "type", msg.Type)
	}
}

func (p *peer) startFeature(req StartRequest) {
	handler := p.node.handlerFor(req.Feature)
	if handler == nil {
		p.sendError(req.Feature, "NotSupportedError",
			protocol.ErrFeatureUnsupported(req.Feature))
		return
	}
	if !handler.NeedsPermission() {
		p.run(handler, req)
		return
	}
	p.node.gate.Request(p.clientID, req.DeviceName, req.Feature, func(allowed bool) {
		if !allowed {
			p.sendError(req.Feature, "NotAllowedError",
				protocol.ErrPermissionDenied(req.Feature))
			return
		}
		p.run(handler, req)
	})
}

// run starts the handler in its own goroutine. A start for a feature that
// is already active restarts it.
func (p *peer) run(handler Handler, req StartRequest) {
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return
	}
	prev := p.active[req.Feature]
	p.active[req.Feature] = &session{handler: handler, cancel: cancel}
	p.mu.Unlock()

	if prev != nil {
		prev.cancel()
		prev.handler.Stop(req.Feature)
	}
	p.logger.Info("feature started", "feature", req.Feature)
	go func() {
		err := handler.Start(ctx, req, &channelEmitter{peer: p})
		if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
			p.sendError(req.Feature, "OperationError", err)
		}
	}()
}

func (p *peer) stopFeature(feature string) {
	p.mu.Lock()
	sess, ok := p.active[feature]
	delete(p.active, feature)
	p.mu.Unlock()
	if !ok {
		p.logger.Debug("stop for idle feature", "feature", feature)
		return
	}
	sess.cancel()
	sess.handler.Stop(feature)
	p.logger.Info("feature stopped", "feature", feature)
}

func (p *peer) applyConstraints(msg protocol.ChannelMessage) {
	handler := p.node.handlerFor(msg.Feature)
	applier, ok := handler.(ConstraintApplier)
	if handler == nil || !ok {
		p.sendMsg(protocol.ChannelMessage{
			Type:    protocol.TypeApplyConstraints,
			Feature: msg.Feature,
			Result:  protocol.ResultError,
			Error: &protocol.ChannelError{
				Name:    "NotSupportedError",
				Message: "constraints not supported",
			},
		})
		return
	}

	meta, err := applier.ApplyConstraints(msg.Feature, msg.Constraints)
	if err != nil {
		p.sendMsg(protocol.ChannelMessage{
			Type:    protocol.TypeApplyConstraints,
			Feature: msg.Feature,
			Result:  protocol.ResultError,
			Error: &protocol.ChannelError{
				Name:    "OverconstrainedError",
				Message: err.Error(),
			},
		})
		return
	}
	p.sendMsg(protocol.ChannelMessage{
		Type:    protocol.TypeApplyConstraints,
		Feature: msg.Feature,
		Result:  protocol.ResultSuccess,
		Data:    protocol.Marshal(meta),
	})
}

func (p *peer) sendError(feature, name string, err error) {
	p.logger.Warn("feature error", "feature", feature, "error", err)
	p.sendMsg(protocol.ChannelMessage{
		Type:    protocol.TypeError,
		Feature: feature,
		Error:   &protocol.ChannelError{Name: name, Message: err.Error()},
	})
}

func (p *peer) sendMsg(msg protocol.ChannelMessage) {
	p.mu.Lock()
	send := p.send
	p.mu.Unlock()
	if send == nil {
		p.logger.Debug("channel not ready, delivery dropped", "type", msg.Type)
		return
	}
	if err := send(protocol.Marshal(msg)); err != nil {
		p.logger.Debug("channel send failed", "type", msg.Type, "error", err)
	}
}

func (p *peer) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sessions := p.active
	p.active = make(map[string]*session)
	pc := p.pc
	p.pc = nil
	p.send = nil
	p.mu.Unlock()

	for feature, sess := range sessions {
		sess.cancel()
		sess.handler.Stop(feature)
	}
	if pc != nil {
		pc.OnICECandidate(nil)
		pc.OnConnectionStateChange(nil)
		pc.Close()
	}
	p.node.removePeer(p.clientID)
	p.logger.Info("peer session closed")
}

// channelEmitter sends handler output back over the data channel.
type channelEmitter struct {
	peer *peer
}

func (e *channelEmitter) Data(feature string, data interface{}) {
	var raw json.RawMessage
	switch v := data.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			e.peer.logger.Warn("payload marshal failed", "feature", feature, "error", err)
			return
		}
		raw = encoded
	}
	e.peer.sendMsg(protocol.ChannelMessage{
		Type:    protocol.TypeData,
		Feature: feature,
		Data:    raw,
	})
}

func (e *channelEmitter) Error(feature string, err error) {
	name := "OperationError"
	var coded *protocol.Error
	if errors.As(err, &coded) {
		name = coded.Code
	}
	e.peer.sendError(feature, name, err)
}
