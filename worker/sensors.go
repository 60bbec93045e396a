package worker

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/edgekit/offload/protocol"
)

// SampleFunc produces one reading for a feature. tick counts deliveries
// since the job started.
type SampleFunc func(feature string, tick int) interface{}

// SensorHandler streams periodic readings for the motion and health
// sensors. Real hardware plugs in through the sample function; the
// default produces deterministic synthetic values.
type SensorHandler struct {
	interval time.Duration
	sample   SampleFunc
	logger   *slog.Logger
}

// NewSensorHandler creates a sensor handler sampling at the given
// interval. A nil sample function gets the synthetic default.
func NewSensorHandler(interval time.Duration, sample SampleFunc, logger *slog.Logger) *SensorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if sample == nil {
		sample = syntheticSample
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &SensorHandler{
		interval: interval,
		sample:   sample,
		logger:   logger.With("component", "sensors"),
	}
}

func (h *SensorHandler) Features() []string {
	return []string{
		protocol.FeatureGyro,
		protocol.FeatureHRM,
		protocol.FeaturePedometer,
		protocol.FeatureGesture,
	}
}

func (h *SensorHandler) NeedsPermission() bool { return false }

func (h *SensorHandler) Start(ctx context.Context, req StartRequest, emit Emitter) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reading := h.sample(req.Feature, tick)
			if reading != nil {
				emit.Data(req.Feature, reading)
			}
			tick++
		}
	}
}

func (h *SensorHandler) Stop(feature string) {}

// syntheticSample generates plausible readings without hardware.
func syntheticSample(feature string, tick int) interface{} {
	t := float64(tick)
	switch feature {
	case protocol.FeatureGyro:
		return map[string]float64{
			"alpha": math.Sin(t / 10),
			"beta":  math.Cos(t / 10),
			"gamma": math.Sin(t / 20),
		}
	case protocol.FeatureHRM:
		return map[string]interface{}{
			"heartRate": 60 + tick%30,
		}
	case protocol.FeaturePedometer:
		return map[string]interface{}{
			"steps": tick,
		}
	case protocol.FeatureGesture:
		// Gestures are sparse events, not a stream.
		if tick > 0 && tick%50 == 0 {
			return map[string]string{"gesture": "wrist_up"}
		}
		return nil
	}
	return nil
}
