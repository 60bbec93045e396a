package facade

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/edgekit/offload/peerlink"
	"github.com/edgekit/offload/protocol"
)

// ComputeSource is the directory surface the compute façade needs.
type ComputeSource interface {
	LeastLoadedWorker(feature string) (string, bool)
	IncrementTasks(workerID string)
	DecrementTasks(workerID string)
	GetOrCreatePeerLink(workerID string) (peerlink.Runner, error)
}

// Compute runs catalog operations on whichever compute worker carries the
// fewest in-flight tasks. No chooser is involved; selection is
// load-driven.
type Compute struct {
	source ComputeSource
	logger *slog.Logger
}

// NewCompute creates the compute façade.
func NewCompute(source ComputeSource, logger *slog.Logger) *Compute {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compute{
		source: source,
		logger: logger.With("component", "compute"),
	}
}

// Run executes one operation remotely and returns its result. The task
// counter is bumped for the chosen worker and released only when the
// worker answers; a link that dies mid-task leaves the counter raised.
func (c *Compute) Run(ctx context.Context, op string, input json.RawMessage) (json.RawMessage, error) {
	workerID, ok := c.source.LeastLoadedWorker(protocol.FeatureCompute)
	if !ok {
		return nil, protocol.ErrFeatureUnsupported(protocol.FeatureCompute)
	}
	link, err := c.source.GetOrCreatePeerLink(workerID)
	if err != nil {
		return nil, err
	}

	c.source.IncrementTasks(workerID)
	c.logger.Debug("task dispatched", "op", op, "worker", protocol.ShortID(workerID))

	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	job := &peerlink.Job{
		Feature:   protocol.FeatureCompute,
		Arguments: protocol.Marshal(protocol.ComputePayload{Op: op, Input: input}),
		OnData: func(data json.RawMessage) {
			c.source.DecrementTasks(workerID)
			resultCh <- data
		},
		OnError: func(err error) {
			c.source.DecrementTasks(workerID)
			errCh <- err
		},
	}
	if err := link.StartJob(job); err != nil {
		c.source.DecrementTasks(workerID)
		return nil, err
	}

	select {
	case result := <-resultCh:
		link.StopJob(protocol.FeatureCompute)
		return result, nil
	case err := <-errCh:
		return nil, err
	case <-link.Done():
		// The link died with the task in flight. The job is abandoned
		// and the counter stays raised.
		return nil, protocol.ErrChannelLost(workerID)
	case <-ctx.Done():
		link.StopJob(protocol.FeatureCompute)
		c.source.DecrementTasks(workerID)
		return nil, ctx.Err()
	}
}
