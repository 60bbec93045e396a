// Package peerlink owns one peer connection per worker and multiplexes
// every job for that worker over a single data channel.
package peerlink

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/edgekit/offload/protocol"
)

// State of a link.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// JobState tracks a job through its lifecycle.
type JobState int

const (
	JobPending JobState = iota
	JobRunning
	JobFailed
	JobStopped
)

// Job is one offloaded request. A link holds at most one running and one
// pending job per feature; starting another replaces the previous one and
// its continuations are never invoked again.
type Job struct {
	Feature   string
	Arguments json.RawMessage

	// OnAccepted fires when the start message has been written to the
	// channel.
	OnAccepted func()
	// OnData receives each data delivery for the feature.
	OnData func(data json.RawMessage)
	// OnError receives a remote error; the job is stopped afterwards.
	OnError func(err error)

	// Payload is opaque caller bookkeeping carried on the job.
	Payload interface{}

	state JobState
}

// Signaler carries negotiation messages to the worker through the
// registry relay.
type Signaler interface {
	Signal(workerID string, message interface{}) error
}

// Runner is the job-facing surface of a link. Callers that only start and
// stop jobs depend on this instead of the concrete Link.
type Runner interface {
	StartJob(job *Job) error
	StopJob(feature string)
	Done() <-chan struct{}
}

// Config holds link settings
type Config struct {
	ICEServers   []string `json:"ice_servers"`
	ChannelLabel string   `json:"channel_label"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
		},
		ChannelLabel: "offload",
	}
}

// Link is the client side of one worker connection: it initiates the
// offer, owns the data channel and dispatches inbound traffic to jobs by
// feature.
type Link struct {
	workerID   string
	clientID   string
	deviceName string
	config     Config
	logger     *slog.Logger
	signaler   Signaler

	mu           sync.Mutex
	state        State
	pc           *webrtc.PeerConnection
	sendData     func([]byte) error
	running      map[string]*Job
	pending      map[string]*Job
	pendingOrder []string
	meta         protocol.MediaMetadata
	applyWaiter  chan error

	done chan struct{}
}

// New creates a link and immediately starts negotiation: the data channel
// and offer are created before any job is accepted, so jobs queued while
// connecting are promoted as soon as the channel opens.
func New(workerID, clientID, deviceName string, signaler Signaler, config Config, logger *slog.Logger) (*Link, error) {
	l := newLink(workerID, clientID, deviceName, signaler, config, logger)

	iceServers := make([]webrtc.ICEServer, 0, len(config.ICEServers))
	for _, u := range config.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, protocol.ErrNegotiationFailed(workerID, err)
	}
	l.pc = pc

	dc, err := pc.CreateDataChannel(config.ChannelLabel, nil)
	if err != nil {
		pc.Close()
		return nil, protocol.ErrNegotiationFailed(workerID, err)
	}
	l.sendData = dc.Send
	dc.OnOpen(l.handleOpen)
	dc.OnClose(l.handleClose)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.handleChannelMessage(msg.Data)
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		l.signal(protocol.ChannelMessage{
			Type:      protocol.TypeCandidate,
			Candidate: protocol.Marshal(init),
		})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.logger.Debug("connection state", "state", s.String())
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			l.handleClose()
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, protocol.ErrNegotiationFailed(workerID, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, protocol.ErrNegotiationFailed(workerID, err)
	}
	l.signal(protocol.ChannelMessage{Type: protocol.TypeOffer, SDP: offer.SDP})

	return l, nil
}

func newLink(workerID, clientID, deviceName string, signaler Signaler, config Config, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		workerID:   workerID,
		clientID:   clientID,
		deviceName: deviceName,
		config:     config,
		logger: logger.With("component", "peerlink",
			"worker", protocol.ShortID(workerID)),
		signaler: signaler,
		state:    StateConnecting,
		running:  make(map[string]*Job),
		pending:  make(map[string]*Job),
		done:     make(chan struct{}),
	}
}

// WorkerID returns the worker this link is bound to.
func (l *Link) WorkerID() string { return l.workerID }

// State returns the current link state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Done is closed when the link closes. Running jobs are abandoned without
// callbacks at that point; callers that need liveness watch this.
func (l *Link) Done() <-chan struct{} { return l.done }

// StartJob accepts a job. On an open link the start message goes out
// right away; while connecting the job is queued and promoted, in
// insertion order, when the channel opens. A job for a feature that is
// already pending or running replaces it.
func (l *Link) StartJob(job *Job) error {
	l.mu.Lock()
	switch l.state {
	case StateClosed:
		l.mu.Unlock()
		return protocol.ErrChannelLost(l.workerID)

	case StateConnecting:
		if prev, ok := l.pending[job.Feature]; ok {
			prev.state = JobStopped
		} else {
			l.pendingOrder = append(l.pendingOrder, job.Feature)
		}
		job.state = JobPending
		l.pending[job.Feature] = job
		l.mu.Unlock()
		return nil

	default: // StateOpen
		if prev, ok := l.running[job.Feature]; ok {
			prev.state = JobStopped
		}
		job.state = JobRunning
		l.running[job.Feature] = job
		l.mu.Unlock()
		l.sendStart(job)
		return nil
	}
}

// StopJob stops whatever job holds the feature. A pending job is simply
// dropped; a running one gets a stop message sent to the worker.
func (l *Link) StopJob(feature string) {
	l.mu.Lock()
	if job, ok := l.pending[feature]; ok {
		job.state = JobStopped
		delete(l.pending, feature)
		l.removePendingOrderLocked(feature)
	}
	job, wasRunning := l.running[feature]
	if wasRunning {
		job.state = JobStopped
		delete(l.running, feature)
	}
	closed := l.state == StateClosed
	l.mu.Unlock()

	if wasRunning && !closed {
		l.sendChannel(protocol.ChannelMessage{Type: protocol.TypeStop, Feature: feature})
	}
}

// ApplyConstraints forwards new constraints for a running media feature
// and waits for the worker's verdict. At most one request may be in
// flight.
func (l *Link) ApplyConstraints(ctx context.Context, feature string, constraints json.RawMessage) error {
	l.mu.Lock()
	if l.state != StateOpen {
		l.mu.Unlock()
		return protocol.ErrChannelLost(l.workerID)
	}
	if l.applyWaiter != nil {
		l.mu.Unlock()
		return protocol.NewError(protocol.ErrCodeConstraintFailed,
			"applyConstraints already in flight")
	}
	waiter := make(chan error, 1)
	l.applyWaiter = waiter
	l.mu.Unlock()

	l.sendChannel(protocol.ChannelMessage{
		Type:        protocol.TypeApplyConstraints,
		Feature:     feature,
		Constraints: constraints,
	})

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		l.mu.Lock()
		if l.applyWaiter == waiter {
			l.applyWaiter = nil
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Metadata returns the cached camera metadata snapshot.
func (l *Link) Metadata() protocol.MediaMetadata {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.meta
}

// HandleSignal feeds one relayed negotiation message (answer or
// candidate) into the link. Failures are logged and the negotiation is
// abandoned; the link will surface as never opening.
func (l *Link) HandleSignal(data []byte) {
	l.mu.Lock()
	pc := l.pc
	l.mu.Unlock()
	if pc == nil {
		return
	}

	var msg protocol.ChannelMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		l.logger.Debug("bad signal", "error", err)
		return
	}
	switch msg.Type {
	case protocol.TypeAnswer:
		desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}
		if err := pc.SetRemoteDescription(desc); err != nil {
			l.logger.Warn("negotiation abandoned", "stage", "answer", "error", err)
		}
	case protocol.TypeCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Candidate, &init); err != nil {
			l.logger.Debug("bad candidate", "error", err)
			return
		}
		if err := pc.AddICECandidate(init); err != nil {
			l.logger.Warn("negotiation abandoned", "stage", "candidate", "error", err)
		}
	default:
		l.logger.Debug("unexpected signal type", "type", msg.Type)
	}
}

// Close tears the link down.
func (l *Link) Close() {
	l.handleClose()
}

func (l *Link) handleOpen() {
	l.mu.Lock()
	if l.state != StateConnecting {
		l.mu.Unlock()
		return
	}
	l.state = StateOpen
	promoted := make([]*Job, 0, len(l.pendingOrder))
	for _, feature := range l.pendingOrder {
		job, ok := l.pending[feature]
		if !ok {
			continue
		}
		job.state = JobRunning
		l.running[feature] = job
		promoted = append(promoted, job)
	}
	l.pending = make(map[string]*Job)
	l.pendingOrder = nil
	l.mu.Unlock()

	l.logger.Info("channel open", "promoted", len(promoted))
	for _, job := range promoted {
		l.sendStart(job)
	}
}

// handleClose moves the link to Closed. Jobs still in the maps are
// discarded without callbacks; callers observe the loss through Done.
func (l *Link) handleClose() {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.state = StateClosed
	l.running = make(map[string]*Job)
	l.pending = make(map[string]*Job)
	l.pendingOrder = nil
	waiter := l.applyWaiter
	l.applyWaiter = nil
	pc := l.pc
	l.pc = nil
	l.sendData = nil
	l.mu.Unlock()

	if waiter != nil {
		waiter <- protocol.ErrChannelLost(l.workerID)
	}
	if pc != nil {
		pc.OnICECandidate(nil)
		pc.OnConnectionStateChange(nil)
		pc.Close()
	}
	close(l.done)
	l.logger.Info("link closed")
}

func (l *Link) handleChannelMessage(data []byte) {
	var msg protocol.ChannelMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		l.logger.Debug("bad channel message", "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeData:
		l.mu.Lock()
		job := l.running[msg.Feature]
		l.mu.Unlock()
		if job == nil {
			l.logger.Debug("data for idle feature dropped", "feature", msg.Feature)
			return
		}
		// Camera metadata sub-messages feed the cache instead of the
		// data callback, but only while the job is live.
		if msg.Feature == protocol.FeatureCamera {
			var meta protocol.MediaMetadata
			if err := json.Unmarshal(msg.Data, &meta); err == nil && meta.IsMetadata() {
				l.cacheMetadata(meta)
				return
			}
		}
		if job.OnData != nil {
			job.OnData(msg.Data)
		}

	case protocol.TypeError:
		l.mu.Lock()
		job := l.running[msg.Feature]
		if job != nil {
			job.state = JobFailed
			delete(l.running, msg.Feature)
		}
		l.mu.Unlock()
		if job == nil {
			l.logger.Debug("error for idle feature dropped", "feature", msg.Feature)
			return
		}
		err := msg.Error
		if err == nil {
			err = &protocol.ChannelError{Message: "remote error"}
		}
		if job.OnError != nil {
			job.OnError(err)
		}

	case protocol.TypeApplyConstraints:
		l.mu.Lock()
		waiter := l.applyWaiter
		l.applyWaiter = nil
		l.mu.Unlock()
		if msg.Result == protocol.ResultSuccess {
			var meta protocol.MediaMetadata
			if err := json.Unmarshal(msg.Data, &meta); err == nil && meta.IsMetadata() {
				l.cacheMetadata(meta)
			}
			if waiter != nil {
				waiter <- nil
			}
			return
		}
		if waiter != nil {
			var cause error
			if msg.Error != nil {
				cause = msg.Error
			}
			waiter <- protocol.WrapError(protocol.ErrCodeConstraintFailed,
				"constraints rejected", cause)
		}

	default:
		l.logger.Debug("unknown channel message dropped", "type", msg.Type)
	}
}

func (l *Link) cacheMetadata(meta protocol.MediaMetadata) {
	l.mu.Lock()
	if len(meta.Capabilities) > 0 {
		l.meta.Capabilities = meta.Capabilities
	}
	if len(meta.Settings) > 0 {
		l.meta.Settings = meta.Settings
	}
	if len(meta.Constraints) > 0 {
		l.meta.Constraints = meta.Constraints
	}
	l.mu.Unlock()
}

func (l *Link) sendStart(job *Job) {
	err := l.sendChannel(protocol.ChannelMessage{
		Type:       protocol.TypeStart,
		Feature:    job.Feature,
		Arguments:  job.Arguments,
		ClientID:   l.clientID,
		DeviceName: l.deviceName,
	})
	if err != nil {
		l.logger.Warn("start send failed", "feature", job.Feature, "error", err)
		return
	}
	if job.OnAccepted != nil {
		job.OnAccepted()
	}
}

func (l *Link) sendChannel(msg protocol.ChannelMessage) error {
	l.mu.Lock()
	send := l.sendData
	l.mu.Unlock()
	if send == nil {
		return protocol.ErrChannelLost(l.workerID)
	}
	return send(protocol.Marshal(msg))
}

func (l *Link) signal(msg protocol.ChannelMessage) {
	if err := l.signaler.Signal(l.workerID, msg); err != nil {
		l.logger.Warn("signal send failed", "type", msg.Type, "error", err)
	}
}

func (l *Link) removePendingOrderLocked(feature string) {
	for i, f := range l.pendingOrder {
		if f == feature {
			l.pendingOrder = append(l.pendingOrder[:i], l.pendingOrder[i+1:]...)
			return
		}
	}
}
