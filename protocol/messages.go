package protocol

import (
	"encoding/json"
	"fmt"
)

// Feature names a worker can declare. The set is fixed by the protocol;
// unknown strings are carried through but never dispatched.
const (
	FeatureCamera    = "CAMERA"
	FeatureMic       = "MIC"
	FeatureCompute   = "COMPUTE"
	FeatureGyro      = "GYRO"
	FeatureHRM       = "HRM"
	FeaturePedometer = "PEDOMETER"
	FeatureGesture   = "GESTURE"
)

// Signaling path segment appended to registry addresses that lack it.
const SignalingPath = "/offload-js"

// Request types sent from a client or worker to the registry.
const (
	TypeCreate          = "create"
	TypeJoin            = "join"
	TypeMessage         = "message"
	TypeGetCapabilities = "getcapabilities"
	TypeRequestService  = "requestService"
)

// Event types sent from the registry to a connection.
const (
	TypeGreeting     = "greeting"
	TypeCapabilities = "capabilities"
	TypeWorker       = "worker"
	TypeClient       = "client"
)

// Membership event names carried inside worker/client events.
const (
	EventJoin      = "join"
	EventBye       = "bye"
	EventForceQuit = "forceQuit"
)

// Data-channel message types. Opaque to the registry; interpreted only by
// the two endpoints of a peer link.
const (
	TypeOffer            = "offer"
	TypeAnswer           = "answer"
	TypeCandidate        = "candidate"
	TypeStart            = "start"
	TypeStop             = "stop"
	TypeData             = "data"
	TypeError            = "error"
	TypeApplyConstraints = "applyConstraints"
)

// ApplyConstraints results.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// MediaDeviceInfo mirrors the platform media endpoint enumeration a worker
// reports alongside its join.
type MediaDeviceInfo struct {
	DeviceID string `json:"deviceId"`
	Kind     string `json:"kind"`
	Label    string `json:"label"`
	GroupID  string `json:"groupId,omitempty"`
}

// WorkerDescriptor is what a worker announces on join.
type WorkerDescriptor struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Features         []string          `json:"features"`
	MediaDeviceInfos []MediaDeviceInfo `json:"mediaDeviceInfos,omitempty"`
}

// HasFeature reports whether the descriptor declares the given feature.
func (d WorkerDescriptor) HasFeature(feature string) bool {
	for _, f := range d.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// WorkerInfo is the registry's view of a registered worker. ComputeTasks is
// the in-flight task counter used for load-aware selection; both the
// registry entry and each client's copy of the table maintain their own.
type WorkerInfo struct {
	SocketID         string            `json:"socketId"`
	Name             string            `json:"name"`
	Features         []string          `json:"features"`
	MediaDeviceInfos []MediaDeviceInfo `json:"mediaDeviceInfos,omitempty"`
	ComputeTasks     int               `json:"compute_tasks"`
}

// HasFeature reports whether the registration declares the given feature.
func (w WorkerInfo) HasFeature(feature string) bool {
	for _, f := range w.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// WorkerSnapshot is one entry of the worker-table snapshot in a greeting.
// It marshals as a two-element [id, info] array.
type WorkerSnapshot struct {
	ID   string
	Info WorkerInfo
}

func (s WorkerSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{s.ID, s.Info})
}

func (s *WorkerSnapshot) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[0], &s.ID); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &s.Info)
}

// CapabilityInfo describes a device discovered out of band by the platform
// discovery collaborator.
type CapabilityInfo struct {
	Addr     string   `json:"ipaddr"`
	Name     string   `json:"name"`
	Features []string `json:"features"`
}

// HasFeature reports whether the capability lists the given feature.
func (c CapabilityInfo) HasFeature(feature string) bool {
	for _, f := range c.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// CapabilitySnapshot is one entry of a capabilities event, marshaled as a
// two-element [id, info] array.
type CapabilitySnapshot struct {
	ID   string
	Info CapabilityInfo
}

func (s CapabilitySnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{s.ID, s.Info})
}

func (s *CapabilitySnapshot) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[0], &s.ID); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &s.Info)
}

// Envelope is the addressed relay unit. The registry resolves To and
// forwards the whole envelope verbatim; Message is never interpreted.
type Envelope struct {
	Type    string          `json:"type"`
	To      string          `json:"to"`
	From    string          `json:"from"`
	Message json.RawMessage `json:"message"`
}

// JoinRequest announces a worker to the registry.
type JoinRequest struct {
	Type string `json:"type"`
	WorkerDescriptor
}

// ServiceRequest asks the registry to wake a discovered device.
type ServiceRequest struct {
	Type     string `json:"type"`
	WorkerID string `json:"workerId"`
}

// Greeting is the registry's response to create. SocketID tells the
// client the address other peers should use to reach it through the relay.
type Greeting struct {
	Type     string           `json:"type"`
	QRCode   string           `json:"qrCode"`
	SocketID string           `json:"socketId"`
	Workers  []WorkerSnapshot `json:"workers"`
}

// CapabilitiesEvent carries the discovery collaborator's device list.
type CapabilitiesEvent struct {
	Type         string               `json:"type"`
	Capabilities []CapabilitySnapshot `json:"capabilities"`
}

// WorkerEvent broadcasts worker membership changes to client sessions.
type WorkerEvent struct {
	Type             string            `json:"type"`
	Event            string            `json:"event"`
	WorkerID         string            `json:"workerId"`
	SocketID         string            `json:"socketId,omitempty"`
	Name             string            `json:"name,omitempty"`
	Features         []string          `json:"features,omitempty"`
	MediaDeviceInfos []MediaDeviceInfo `json:"mediaDeviceInfos,omitempty"`
}

// ClientEvent broadcasts client session changes to workers.
type ClientEvent struct {
	Type     string `json:"type"`
	Event    string `json:"event"`
	SocketID string `json:"socketId"`
}

// ChannelError reconstructs a remote error by name and message.
type ChannelError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *ChannelError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// ChannelMessage is the single multiplexed shape exchanged over a peer
// link's data channel. Which fields are set depends on Type.
type ChannelMessage struct {
	Type    string `json:"type"`
	Feature string `json:"feature,omitempty"`

	// start
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	ClientID   string          `json:"clientId,omitempty"`
	DeviceName string          `json:"deviceName,omitempty"`

	// data / applyConstraints
	Data        json.RawMessage `json:"data,omitempty"`
	Constraints json.RawMessage `json:"constraints,omitempty"`
	Result      string          `json:"result,omitempty"`

	// error
	Error *ChannelError `json:"error,omitempty"`

	// offer / answer
	SDP string `json:"sdp,omitempty"`

	// candidate
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// MediaMetadata is the CAMERA metadata sub-message: a snapshot of the
// remote track's capabilities, settings and active constraints. It is
// cached on the peer link rather than delivered to the job.
type MediaMetadata struct {
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
	Settings     json.RawMessage `json:"settings,omitempty"`
	Constraints  json.RawMessage `json:"constraints,omitempty"`
}

// IsMetadata reports whether the payload looks like a metadata snapshot
// rather than a frame delivery.
func (m MediaMetadata) IsMetadata() bool {
	return len(m.Capabilities) > 0 || len(m.Settings) > 0 || len(m.Constraints) > 0
}

// ComputePayload is the argument shape of a COMPUTE start message: an
// operation from the statically registered catalog plus its input. Code is
// never shipped; operations are identified by name only.
type ComputePayload struct {
	Op      string          `json:"op"`
	Input   json.RawMessage `json:"input,omitempty"`
	Timeout int64           `json:"timeout,omitempty"`
}

// PeekType extracts the type discriminator from a raw message without
// decoding the rest.
func PeekType(data []byte) string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.Type
}

// Marshal is a convenience that panics only on programmer error (all
// protocol types marshal cleanly).
func Marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return data
}
