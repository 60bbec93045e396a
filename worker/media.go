package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgekit/offload/protocol"
)

// FrameSource supplies media frames and their metadata. Real capture
// pipelines implement this; SyntheticFrames serves tests and headless
// devices.
type FrameSource interface {
	Metadata() protocol.MediaMetadata
	NextFrame(ctx context.Context) ([]byte, error)
}

// MediaHandler serves CAMERA and MIC: a metadata snapshot first, then
// frames until stopped. Media features are permission-gated.
type MediaHandler struct {
	logger *slog.Logger

	mu      sync.Mutex
	sources map[string]FrameSource
	applied map[string]json.RawMessage
}

// NewMediaHandler creates a handler from per-feature sources. Features
// without a source are simply not declared.
func NewMediaHandler(camera, mic FrameSource, logger *slog.Logger) *MediaHandler {
	if logger == nil {
		logger = slog.Default()
	}
	sources := make(map[string]FrameSource)
	if camera != nil {
		sources[protocol.FeatureCamera] = camera
	}
	if mic != nil {
		sources[protocol.FeatureMic] = mic
	}
	return &MediaHandler{
		logger:  logger.With("component", "media"),
		sources: sources,
		applied: make(map[string]json.RawMessage),
	}
}

func (h *MediaHandler) Features() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.sources))
	for feature := range h.sources {
		out = append(out, feature)
	}
	return out
}

func (h *MediaHandler) NeedsPermission() bool { return true }

func (h *MediaHandler) Start(ctx context.Context, req StartRequest, emit Emitter) error {
	h.mu.Lock()
	source := h.sources[req.Feature]
	h.mu.Unlock()
	if source == nil {
		return protocol.ErrFeatureUnsupported(req.Feature)
	}

	// Metadata goes out before the first frame so the client can cache
	// capabilities and settings up front.
	emit.Data(req.Feature, source.Metadata())

	for {
		frame, err := source.NextFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		emit.Data(req.Feature, map[string]interface{}{"frame": frame})
	}
}

func (h *MediaHandler) Stop(feature string) {}

// ApplyConstraints records the new constraints and answers with the
// updated snapshot.
func (h *MediaHandler) ApplyConstraints(feature string, constraints json.RawMessage) (protocol.MediaMetadata, error) {
	h.mu.Lock()
	source := h.sources[feature]
	h.mu.Unlock()
	if source == nil {
		return protocol.MediaMetadata{}, fmt.Errorf("no %s source", feature)
	}

	h.mu.Lock()
	h.applied[feature] = constraints
	h.mu.Unlock()

	meta := source.Metadata()
	meta.Constraints = constraints
	return meta, nil
}

// SyntheticFrames produces numbered frames at a fixed rate.
type SyntheticFrames struct {
	Interval time.Duration

	mu      sync.Mutex
	counter int
}

// NewSyntheticFrames creates a source emitting a frame per interval.
func NewSyntheticFrames(interval time.Duration) *SyntheticFrames {
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}
	return &SyntheticFrames{Interval: interval}
}

func (s *SyntheticFrames) Metadata() protocol.MediaMetadata {
	return protocol.MediaMetadata{
		Capabilities: json.RawMessage(`{"width":{"max":1920},"height":{"max":1080},"frameRate":{"max":30}}`),
		Settings:     json.RawMessage(`{"width":640,"height":480,"frameRate":30}`),
	}
}

func (s *SyntheticFrames) NextFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.Interval):
	}
	s.mu.Lock()
	s.counter++
	n := s.counter
	s.mu.Unlock()
	return []byte(fmt.Sprintf("frame-%d", n)), nil
}
