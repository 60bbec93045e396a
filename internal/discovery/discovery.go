// Package discovery locates offload-capable devices that have not yet
// joined the registry and wakes them on demand. The registry treats it as
// an optional collaborator: without one, capability queries answer empty
// and wake requests are no-ops.
package discovery

import (
	"context"

	"github.com/edgekit/offload/protocol"
)

// Discovery enumerates nearby offload devices and wakes them.
type Discovery interface {
	// Capabilities returns the currently known devices.
	Capabilities(ctx context.Context) ([]protocol.CapabilitySnapshot, error)

	// RequestService wakes the device with the given worker id. Success
	// is observed indirectly as a registry join, never returned here.
	RequestService(ctx context.Context, workerID string) error

	Close() error
}

// Noop is the stand-in used when no platform collaborator exists.
type Noop struct{}

func (Noop) Capabilities(ctx context.Context) ([]protocol.CapabilitySnapshot, error) {
	return nil, nil
}

func (Noop) RequestService(ctx context.Context, workerID string) error {
	return nil
}

func (Noop) Close() error { return nil }
