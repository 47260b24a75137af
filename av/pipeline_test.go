package av

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/shipcall/av/audio"
	"github.com/opd-ai/shipcall/av/frame"
	"github.com/opd-ai/shipcall/transport"
)

type sendRecorder struct {
	mu    sync.Mutex
	err   error
	calls int
	sent  [][]byte
}

func (s *sendRecorder) send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, p)
	return nil
}

func newTestPipeline(t *testing.T, native audio.Format, rec *sendRecorder, cfg PipelineConfig) *Pipeline {
	t.Helper()
	conv, err := audio.NewConverter(native)
	require.NoError(t, err)
	cfg.Converter = conv
	if cfg.Jitter == nil {
		cfg.Jitter = audio.NewJitterBuffer(audio.DefaultJitterBudget)
	}
	cfg.Send = rec.send
	p, err := NewPipeline(cfg)
	require.NoError(t, err)
	return p
}

func TestNewPipelineRequiresCollaborators(t *testing.T) {
	_, err := NewPipeline(PipelineConfig{})
	assert.Error(t, err)
}

func TestPipelineCaptureFramesNetworkAudio(t *testing.T) {
	rec := &sendRecorder{}
	p := newTestPipeline(t, audio.NetworkFormat, rec, PipelineConfig{})

	samples := []int16{1, -2, 3, -4, 5}
	p.Capture(samples)

	require.Len(t, rec.sent, 1)
	msg, err := frame.Decode(rec.sent[0])
	require.NoError(t, err)
	assert.Equal(t, frame.KindAudio, msg.Kind)
	assert.Equal(t, samples, msg.Samples())
	assert.Equal(t, uint64(1), p.Stats().FramesSent)
}

func TestPipelineCaptureConvertsNativeFormat(t *testing.T) {
	native := audio.Format{SampleRate: 48000, Channels: 2}
	rec := &sendRecorder{}
	p := newTestPipeline(t, native, rec, PipelineConfig{})

	in := make([]int16, 960*2) // 20 ms stereo
	for i := range in {
		in[i] = 1000
	}
	p.Capture(in)

	require.Len(t, rec.sent, 1)
	msg, err := frame.Decode(rec.sent[0])
	require.NoError(t, err)
	assert.Equal(t, 320, msg.SampleCount())
	for _, s := range msg.Samples() {
		require.Equal(t, int16(1000), s)
	}
}

func TestPipelineCaptureSplitsLargeBuffers(t *testing.T) {
	rec := &sendRecorder{}
	p := newTestPipeline(t, audio.NetworkFormat, rec, PipelineConfig{})

	p.Capture(make([]int16, frame.MaxSamples+10))

	require.Len(t, rec.sent, 2)
	first, err := frame.Decode(rec.sent[0])
	require.NoError(t, err)
	second, err := frame.Decode(rec.sent[1])
	require.NoError(t, err)
	assert.Equal(t, frame.MaxSamples, first.SampleCount())
	assert.Equal(t, 10, second.SampleCount())
}

func TestPipelineQueueFullDropsAndContinues(t *testing.T) {
	rec := &sendRecorder{err: transport.ErrSendQueueFull}
	var failures int
	p := newTestPipeline(t, audio.NetworkFormat, rec, PipelineConfig{
		OnSendError: func(error) { failures++ },
	})

	p.Capture(make([]int16, 160))
	p.Capture(make([]int16, 160))

	assert.Equal(t, 2, rec.calls)
	assert.Equal(t, uint64(2), p.Stats().SendDrops)
	assert.Zero(t, failures)
}

func TestPipelineSendErrorHaltsCapture(t *testing.T) {
	boom := errors.New("broken pipe")
	rec := &sendRecorder{err: boom}
	var got []error
	p := newTestPipeline(t, audio.NetworkFormat, rec, PipelineConfig{
		OnSendError: func(err error) { got = append(got, err) },
	})

	p.Capture(make([]int16, 160))
	p.Capture(make([]int16, 160))

	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], boom)
	assert.Equal(t, 1, rec.calls, "no send after the first failure")
}

func TestPipelineDeliver(t *testing.T) {
	jb := audio.NewJitterBuffer(audio.DefaultJitterBudget)
	var handshakes []time.Time
	p := newTestPipeline(t, audio.NetworkFormat, &sendRecorder{}, PipelineConfig{
		Jitter:      jb,
		OnHandshake: func(start time.Time) { handshakes = append(handshakes, start) },
	})

	start := time.Unix(1700000000, 42)
	p.Deliver(frame.EncodeHandshake(start))
	p.Deliver(frame.EncodeAudio([]int16{7, 8, 9}))
	p.Deliver([]byte{0x01, 0x02, 0x03})

	require.Len(t, handshakes, 1)
	assert.True(t, handshakes[0].Equal(start))
	assert.Equal(t, 6, jb.Len())

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.FramesReceived)
	assert.Equal(t, uint64(1), stats.FramesDiscarded)
}

func TestPipelineRenderDrainsJitterBuffer(t *testing.T) {
	jb := audio.NewJitterBuffer(audio.DefaultJitterBudget)
	p := newTestPipeline(t, audio.NetworkFormat, &sendRecorder{}, PipelineConfig{Jitter: jb})

	p.Deliver(frame.EncodeAudio([]int16{10, 20, 30}))
	out := []int16{-1, -1, -1, -1, -1}
	p.Render(out)

	assert.Equal(t, []int16{10, 20, 30, 0, 0}, out)
	assert.Zero(t, jb.Len())
}

func TestPipelineRenderUpmixesToStereo(t *testing.T) {
	jb := audio.NewJitterBuffer(audio.DefaultJitterBudget)
	p := newTestPipeline(t, audio.Format{SampleRate: audio.NetworkRate, Channels: 2}, &sendRecorder{}, PipelineConfig{Jitter: jb})

	p.Deliver(frame.EncodeAudio([]int16{5, 6}))
	out := make([]int16, 4)
	p.Render(out)

	assert.Equal(t, []int16{5, 5, 6, 6}, out)
}

func TestPipelineStopRevokesSend(t *testing.T) {
	jb := audio.NewJitterBuffer(audio.DefaultJitterBudget)
	rec := &sendRecorder{}
	p := newTestPipeline(t, audio.NetworkFormat, rec, PipelineConfig{Jitter: jb})

	p.Stop()
	jb.Release()
	p.Capture(make([]int16, 160))
	assert.Zero(t, rec.calls)

	p.Deliver(frame.EncodeAudio([]int16{1, 2}))
	out := []int16{9, 9}
	p.Render(out)
	assert.Equal(t, []int16{0, 0}, out, "released buffer renders silence")
}

func TestPipelineConcurrentCaptureRenderStop(t *testing.T) {
	jb := audio.NewJitterBuffer(audio.DefaultJitterBudget)
	rec := &sendRecorder{}
	p := newTestPipeline(t, audio.NetworkFormat, rec, PipelineConfig{Jitter: jb})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			p.Capture(make([]int16, 160))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			p.Deliver(frame.EncodeAudio(make([]int16, 160)))
		}
	}()
	go func() {
		defer wg.Done()
		out := make([]int16, 160)
		for i := 0; i < 200; i++ {
			p.Render(out)
		}
	}()
	wg.Wait()

	p.Stop()
	rec.mu.Lock()
	before := rec.calls
	rec.mu.Unlock()
	p.Capture(make([]int16, 160))
	assert.Equal(t, before, rec.calls)
}
