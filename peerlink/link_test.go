package peerlink

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgekit/offload/protocol"
)

type fakeSignaler struct {
	mu   sync.Mutex
	sent []protocol.ChannelMessage
}

func (s *fakeSignaler) Signal(workerID string, message interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := message.(protocol.ChannelMessage); ok {
		s.sent = append(s.sent, msg)
	}
	return nil
}

func (s *fakeSignaler) messages() []protocol.ChannelMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.ChannelMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// channelRecorder stands in for the data channel write side.
type channelRecorder struct {
	mu   sync.Mutex
	sent []protocol.ChannelMessage
}

func (r *channelRecorder) send(data []byte) error {
	var msg protocol.ChannelMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *channelRecorder) messages() []protocol.ChannelMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.ChannelMessage, len(r.sent))
	copy(out, r.sent)
	return out
}

func (r *channelRecorder) ofType(msgType string) []protocol.ChannelMessage {
	var out []protocol.ChannelMessage
	for _, m := range r.messages() {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func newMockLink() (*Link, *channelRecorder) {
	rec := &channelRecorder{}
	l := newLink("worker-1", "client-1", "laptop", &fakeSignaler{}, DefaultConfig(), nil)
	l.sendData = rec.send
	return l, rec
}

func TestJobsQueueUntilChannelOpens(t *testing.T) {
	l, rec := newMockLink()

	accepted := false
	var got []json.RawMessage
	require.NoError(t, l.StartJob(&Job{
		Feature:    protocol.FeatureCamera,
		Arguments:  json.RawMessage(`{"constraints":{"width":640}}`),
		OnAccepted: func() { accepted = true },
		OnData:     func(d json.RawMessage) { got = append(got, d) },
	}))

	assert.Empty(t, rec.messages(), "nothing may be sent before the channel opens")
	assert.False(t, accepted)
	assert.Equal(t, StateConnecting, l.State())

	l.handleOpen()

	starts := rec.ofType(protocol.TypeStart)
	require.Len(t, starts, 1)
	assert.Equal(t, protocol.FeatureCamera, starts[0].Feature)
	assert.Equal(t, "client-1", starts[0].ClientID)
	assert.Equal(t, "laptop", starts[0].DeviceName)
	assert.True(t, accepted)
	assert.Equal(t, StateOpen, l.State())

	// A frame arrives for the now-running job.
	frame := protocol.ChannelMessage{
		Type:    protocol.TypeData,
		Feature: protocol.FeatureCamera,
		Data:    json.RawMessage(`{"frame":"AAAA"}`),
	}
	l.handleChannelMessage(protocol.Marshal(frame))
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"frame":"AAAA"}`, string(got[0]))
}

func TestPendingJobsPromotedInInsertionOrder(t *testing.T) {
	l, rec := newMockLink()

	for _, feature := range []string{protocol.FeatureGyro, protocol.FeatureHRM, protocol.FeaturePedometer} {
		require.NoError(t, l.StartJob(&Job{Feature: feature}))
	}

	// Replacing a queued feature keeps its original position.
	replacedStarted := false
	require.NoError(t, l.StartJob(&Job{
		Feature:    protocol.FeatureHRM,
		Arguments:  json.RawMessage(`{"interval":200}`),
		OnAccepted: func() { replacedStarted = true },
	}))

	l.handleOpen()

	starts := rec.ofType(protocol.TypeStart)
	require.Len(t, starts, 3)
	assert.Equal(t, protocol.FeatureGyro, starts[0].Feature)
	assert.Equal(t, protocol.FeatureHRM, starts[1].Feature)
	assert.Equal(t, protocol.FeaturePedometer, starts[2].Feature)
	assert.JSONEq(t, `{"interval":200}`, string(starts[1].Arguments))
	assert.True(t, replacedStarted)
}

func TestRunningJobReplacedForSameFeature(t *testing.T) {
	l, rec := newMockLink()
	l.handleOpen()

	var firstData, secondData int
	require.NoError(t, l.StartJob(&Job{
		Feature: protocol.FeatureGyro,
		OnData:  func(json.RawMessage) { firstData++ },
	}))
	require.NoError(t, l.StartJob(&Job{
		Feature: protocol.FeatureGyro,
		OnData:  func(json.RawMessage) { secondData++ },
	}))

	require.Len(t, rec.ofType(protocol.TypeStart), 2)

	l.handleChannelMessage(protocol.Marshal(protocol.ChannelMessage{
		Type:    protocol.TypeData,
		Feature: protocol.FeatureGyro,
		Data:    json.RawMessage(`[0.1,0.2,0.3]`),
	}))

	assert.Zero(t, firstData, "replaced job must never see data again")
	assert.Equal(t, 1, secondData)
}

func TestStopPendingJobNeverStarts(t *testing.T) {
	l, rec := newMockLink()

	require.NoError(t, l.StartJob(&Job{Feature: protocol.FeatureMic}))
	require.NoError(t, l.StartJob(&Job{Feature: protocol.FeatureGyro}))
	l.StopJob(protocol.FeatureMic)

	l.handleOpen()

	starts := rec.ofType(protocol.TypeStart)
	require.Len(t, starts, 1)
	assert.Equal(t, protocol.FeatureGyro, starts[0].Feature)
	assert.Empty(t, rec.ofType(protocol.TypeStop), "stopping a pending job sends nothing")
}

func TestStopRunningJobSendsStop(t *testing.T) {
	l, rec := newMockLink()
	l.handleOpen()

	delivered := false
	require.NoError(t, l.StartJob(&Job{
		Feature: protocol.FeatureGyro,
		OnData:  func(json.RawMessage) { delivered = true },
	}))
	l.StopJob(protocol.FeatureGyro)

	stops := rec.ofType(protocol.TypeStop)
	require.Len(t, stops, 1)
	assert.Equal(t, protocol.FeatureGyro, stops[0].Feature)

	// Late data for the stopped feature is dropped.
	l.handleChannelMessage(protocol.Marshal(protocol.ChannelMessage{
		Type: protocol.TypeData, Feature: protocol.FeatureGyro, Data: json.RawMessage(`[1]`),
	}))
	assert.False(t, delivered)
}

func TestRemoteErrorDeliveredThenJobStopped(t *testing.T) {
	l, _ := newMockLink()
	l.handleOpen()

	var gotErr error
	dataCount := 0
	require.NoError(t, l.StartJob(&Job{
		Feature: protocol.FeatureCamera,
		OnData:  func(json.RawMessage) { dataCount++ },
		OnError: func(err error) { gotErr = err },
	}))

	l.handleChannelMessage(protocol.Marshal(protocol.ChannelMessage{
		Type:    protocol.TypeError,
		Feature: protocol.FeatureCamera,
		Error:   &protocol.ChannelError{Name: "NotReadableError", Message: "camera busy"},
	}))

	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "NotReadableError")

	// The feature is idle now; further traffic is dropped.
	l.handleChannelMessage(protocol.Marshal(protocol.ChannelMessage{
		Type: protocol.TypeData, Feature: protocol.FeatureCamera, Data: json.RawMessage(`{}`),
	}))
	assert.Zero(t, dataCount)
}

func TestCameraMetadataCachedNotDelivered(t *testing.T) {
	l, _ := newMockLink()
	l.handleOpen()

	var frames []json.RawMessage
	require.NoError(t, l.StartJob(&Job{
		Feature: protocol.FeatureCamera,
		OnData:  func(d json.RawMessage) { frames = append(frames, d) },
	}))

	l.handleChannelMessage(protocol.Marshal(protocol.ChannelMessage{
		Type:    protocol.TypeData,
		Feature: protocol.FeatureCamera,
		Data:    json.RawMessage(`{"capabilities":{"width":{"max":1920}},"settings":{"width":640}}`),
	}))

	assert.Empty(t, frames, "metadata must not reach the job")
	meta := l.Metadata()
	assert.JSONEq(t, `{"width":{"max":1920}}`, string(meta.Capabilities))
	assert.JSONEq(t, `{"width":640}`, string(meta.Settings))

	l.handleChannelMessage(protocol.Marshal(protocol.ChannelMessage{
		Type:    protocol.TypeData,
		Feature: protocol.FeatureCamera,
		Data:    json.RawMessage(`{"frame":"BBBB"}`),
	}))
	require.Len(t, frames, 1)
}

func TestCameraMetadataDroppedWhenFeatureIdle(t *testing.T) {
	l, _ := newMockLink()
	l.handleOpen()

	// No camera job is running; metadata traffic is dropped like any
	// other stray data, not cached.
	l.handleChannelMessage(protocol.Marshal(protocol.ChannelMessage{
		Type:    protocol.TypeData,
		Feature: protocol.FeatureCamera,
		Data:    json.RawMessage(`{"capabilities":{"width":{"max":1920}},"settings":{"width":640}}`),
	}))

	meta := l.Metadata()
	assert.Empty(t, meta.Capabilities)
	assert.Empty(t, meta.Settings)
}

func TestApplyConstraintsRoundTrip(t *testing.T) {
	l, rec := newMockLink()
	l.handleOpen()

	result := make(chan error, 1)
	go func() {
		result <- l.ApplyConstraints(context.Background(),
			protocol.FeatureCamera, json.RawMessage(`{"width":1280}`))
	}()

	require.Eventually(t, func() bool {
		return len(rec.ofType(protocol.TypeApplyConstraints)) == 1
	}, time.Second, 5*time.Millisecond)

	l.handleChannelMessage(protocol.Marshal(protocol.ChannelMessage{
		Type:   protocol.TypeApplyConstraints,
		Result: protocol.ResultSuccess,
		Data:   json.RawMessage(`{"settings":{"width":1280}}`),
	}))

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("applyConstraints never resolved")
	}
	assert.JSONEq(t, `{"width":1280}`, string(l.Metadata().Settings))
}

func TestApplyConstraintsRejected(t *testing.T) {
	l, rec := newMockLink()
	l.handleOpen()

	result := make(chan error, 1)
	go func() {
		result <- l.ApplyConstraints(context.Background(),
			protocol.FeatureCamera, json.RawMessage(`{"width":99999}`))
	}()

	require.Eventually(t, func() bool {
		return len(rec.ofType(protocol.TypeApplyConstraints)) == 1
	}, time.Second, 5*time.Millisecond)

	l.handleChannelMessage(protocol.Marshal(protocol.ChannelMessage{
		Type:   protocol.TypeApplyConstraints,
		Result: protocol.ResultError,
		Error:  &protocol.ChannelError{Name: "OverconstrainedError", Message: "width"},
	}))

	var err error
	select {
	case err = <-result:
	case <-time.After(time.Second):
		t.Fatal("applyConstraints never resolved")
	}
	require.Error(t, err)
	var coded *protocol.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, protocol.ErrCodeConstraintFailed, coded.Code)
}

func TestCloseAbandonsJobsSilently(t *testing.T) {
	l, _ := newMockLink()
	l.handleOpen()

	dataCount, errCount := 0, 0
	require.NoError(t, l.StartJob(&Job{
		Feature: protocol.FeatureCompute,
		OnData:  func(json.RawMessage) { dataCount++ },
		OnError: func(error) { errCount++ },
	}))

	l.Close()

	select {
	case <-l.Done():
	default:
		t.Fatal("Done must be closed after Close")
	}
	assert.Equal(t, StateClosed, l.State())
	assert.Zero(t, dataCount)
	assert.Zero(t, errCount, "abandoned jobs get no callbacks")

	err := l.StartJob(&Job{Feature: protocol.FeatureCompute})
	var coded *protocol.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, protocol.ErrCodeChannelLost, coded.Code)

	// StopJob after close must not panic or send.
	l.StopJob(protocol.FeatureCompute)
}

func TestNewLinkSendsOfferImmediately(t *testing.T) {
	sig := &fakeSignaler{}
	l, err := New("worker-1", "client-1", "laptop", sig, DefaultConfig(), nil)
	require.NoError(t, err)
	defer l.Close()

	require.Eventually(t, func() bool {
		return len(sig.messages()) > 0
	}, 2*time.Second, 10*time.Millisecond)
	first := sig.messages()[0]
	assert.Equal(t, protocol.TypeOffer, first.Type)
	assert.NotEmpty(t, first.SDP)
	assert.Equal(t, StateConnecting, l.State())
}
