// Package facade puts a drop-in front on one feature family: callers
// start jobs, the façade picks the device that runs them.
package facade

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/edgekit/offload/directory"
	"github.com/edgekit/offload/peerlink"
	"github.com/edgekit/offload/protocol"
)

// LocalDeviceID is the synthetic candidate offered when a local runner is
// configured.
const LocalDeviceID = "local"

// Choice is the chooser's verdict. Remember makes it sticky: subsequent
// jobs skip the chooser until ResetChoice.
type Choice struct {
	WorkerID string
	Remember bool
}

// ChooseRequest is what the chooser gets to decide with.
type ChooseRequest struct {
	Feature    string
	Candidates []directory.Candidate
}

// DeviceChooser picks a target device. Implementations are UI-shaped
// collaborators; an error means the user dismissed the selection.
type DeviceChooser interface {
	Choose(ctx context.Context, req ChooseRequest) (Choice, error)
}

// LocalRunner executes jobs on the local device instead of a peer link.
type LocalRunner interface {
	Start(job *peerlink.Job) error
	Stop(feature string)
}

// WorkerSource is the directory surface the façade needs.
type WorkerSource interface {
	SupportedWorkers(feature string) []directory.Candidate
	RequestService(workerID string, onAccepted func(workerID string), onFailed func(err error))
	GetOrCreatePeerLink(workerID string) (peerlink.Runner, error)
	UpdateCapabilities() error
}

// Config holds facade settings
type Config struct {
	// PollInterval is how often the capability list is refreshed while
	// waiting for a usable candidate.
	PollInterval time.Duration `json:"poll_interval"`

	// PollTimeout caps the total wait before selection fails.
	PollTimeout time.Duration `json:"poll_timeout"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		PollTimeout:  10 * time.Second,
	}
}

// jobTarget is whatever currently runs a feature's job.
type jobTarget interface {
	StopJob(feature string)
}

type localTarget struct{ runner LocalRunner }

func (t localTarget) StopJob(feature string) { t.runner.Stop(feature) }

// Facade routes jobs for one feature family.
type Facade struct {
	family  string
	config  Config
	logger  *slog.Logger
	source  WorkerSource
	chooser DeviceChooser
	local   LocalRunner

	mu        sync.Mutex
	sticky    string
	hasSticky bool
	targets   map[string]jobTarget
}

// Option configures a Facade.
type Option func(*Facade)

// WithLocalRunner adds the local device as a candidate.
func WithLocalRunner(r LocalRunner) Option {
	return func(f *Facade) { f.local = r }
}

// New creates a façade for a feature family.
func New(family string, source WorkerSource, chooser DeviceChooser, config Config, logger *slog.Logger, opts ...Option) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Facade{
		family:  family,
		config:  config,
		logger:  logger.With("component", "facade", "family", family),
		source:  source,
		chooser: chooser,
		targets: make(map[string]jobTarget),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// StartJob selects a device and starts the job there. Selection failures
// are returned; failures after routing reach the job's error
// continuation.
func (f *Facade) StartJob(ctx context.Context, job *peerlink.Job) error {
	target, err := f.selectTarget(ctx, job.Feature)
	if err != nil {
		return err
	}

	if target == LocalDeviceID {
		if err := f.local.Start(job); err != nil {
			return err
		}
		f.setTarget(job.Feature, localTarget{runner: f.local})
		f.logger.Debug("job started locally", "feature", job.Feature)
		return nil
	}

	f.source.RequestService(target,
		func(workerID string) {
			link, err := f.source.GetOrCreatePeerLink(workerID)
			if err != nil {
				f.logger.Warn("link setup failed",
					"worker", protocol.ShortID(workerID), "error", err)
				if job.OnError != nil {
					job.OnError(err)
				}
				return
			}
			if err := link.StartJob(job); err != nil {
				if job.OnError != nil {
					job.OnError(err)
				}
				return
			}
			f.setTarget(job.Feature, link)
			f.logger.Debug("job routed",
				"feature", job.Feature, "worker", protocol.ShortID(workerID))
		},
		func(err error) {
			f.logger.Warn("service request failed",
				"worker", protocol.ShortID(target), "error", err)
			if job.OnError != nil {
				job.OnError(err)
			}
		})
	return nil
}

// StopJob forwards to whatever is running the feature, then forgets the
// association.
func (f *Facade) StopJob(feature string) {
	f.mu.Lock()
	target := f.targets[feature]
	delete(f.targets, feature)
	f.mu.Unlock()
	if target != nil {
		target.StopJob(feature)
	}
}

// ResetChoice clears a remembered device so the next job asks again.
func (f *Facade) ResetChoice() {
	f.mu.Lock()
	f.sticky = ""
	f.hasSticky = false
	f.mu.Unlock()
}

func (f *Facade) setTarget(feature string, target jobTarget) {
	f.mu.Lock()
	f.targets[feature] = target
	f.mu.Unlock()
}

func (f *Facade) selectTarget(ctx context.Context, feature string) (string, error) {
	f.mu.Lock()
	if f.hasSticky {
		target := f.sticky
		f.mu.Unlock()
		return target, nil
	}
	f.mu.Unlock()

	candidates, err := f.awaitCandidates(ctx, feature)
	if err != nil {
		return "", err
	}

	choice, err := f.chooser.Choose(ctx, ChooseRequest{Feature: feature, Candidates: candidates})
	if err != nil {
		return "", err
	}
	if choice.Remember {
		f.mu.Lock()
		f.sticky = choice.WorkerID
		f.hasSticky = true
		f.mu.Unlock()
	}
	return choice.WorkerID, nil
}

// awaitCandidates polls the capability list until at least one candidate
// exists or the window closes.
func (f *Facade) awaitCandidates(ctx context.Context, feature string) ([]directory.Candidate, error) {
	deadline := time.Now().Add(f.config.PollTimeout)
	for {
		candidates := f.source.SupportedWorkers(feature)
		if f.local != nil {
			candidates = append(candidates, directory.Candidate{
				ID: LocalDeviceID, Name: "This device", Registered: true,
			})
		}
		if len(candidates) > 0 {
			return candidates, nil
		}
		if time.Now().After(deadline) {
			return nil, protocol.ErrCapabilityTimeout(feature)
		}
		if err := f.source.UpdateCapabilities(); err != nil {
			f.logger.Debug("capability refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.config.PollInterval):
		}
	}
}
