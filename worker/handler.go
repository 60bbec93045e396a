// Package worker is the device side of the offload system: it joins a
// registry, answers peer offers and runs feature handlers against the
// shared data channel.
package worker

import (
	"context"
	"encoding/json"

	"github.com/edgekit/offload/protocol"
)

// StartRequest carries everything a handler gets from a start message.
type StartRequest struct {
	Feature    string
	Arguments  json.RawMessage
	ClientID   string
	DeviceName string
}

// Emitter sends feature-tagged deliveries back over the data channel.
type Emitter interface {
	// Data marshals and sends one delivery. []byte and json.RawMessage
	// payloads are sent as-is.
	Data(feature string, data interface{})

	// Error reports a failure to the client; the client stops the job
	// on receipt.
	Error(feature string, err error)
}

// Handler implements one or more features on this device.
type Handler interface {
	// Features lists what this handler serves.
	Features() []string

	// NeedsPermission marks the handler's features as gated behind a
	// user confirmation per client.
	NeedsPermission() bool

	// Start runs the feature until ctx is cancelled or the work is
	// done. A returned error is forwarded to the client as an error
	// message.
	Start(ctx context.Context, req StartRequest, emit Emitter) error

	// Stop is called alongside ctx cancellation when a stop message
	// arrives or the session ends.
	Stop(feature string)
}

// ConstraintApplier is implemented by handlers whose features accept
// applyConstraints.
type ConstraintApplier interface {
	ApplyConstraints(feature string, constraints json.RawMessage) (protocol.MediaMetadata, error)
}
