package av

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/shipcall/av/audio"
	"github.com/opd-ai/shipcall/av/frame"
	"github.com/opd-ai/shipcall/transport"
)

// AudioEndpoint is what an audio device drives. Capture receives
// interleaved native-format microphone samples; Render must fill out with
// interleaved native-format playback samples. Both are called from the
// device's real-time callback and must not block.
type AudioEndpoint interface {
	Capture(samples []int16)
	Render(out []int16)
}

// AudioIO is a capture and playback device.
type AudioIO interface {
	// NativeFormat is the format Capture and Render use.
	NativeFormat() audio.Format
	// Start begins driving ep. It is only called after the host activated
	// the audio session.
	Start(ep AudioEndpoint) error
	// Stop halts the device. It is safe to call when not started.
	Stop() error
}

// PipelineStats counts pipeline traffic.
type PipelineStats struct {
	FramesSent      uint64
	FramesReceived  uint64
	FramesDiscarded uint64
	SendDrops       uint64
}

// PipelineConfig wires a Pipeline.
type PipelineConfig struct {
	Converter *audio.Converter
	Jitter    *audio.JitterBuffer
	// Send hands a payload to the transport without blocking.
	Send func(payload []byte) error
	// OnHandshake receives the start time of an inbound handshake frame.
	OnHandshake func(start time.Time)
	// OnSendError is invoked once, for the first send failure other than a
	// full queue. No send is attempted afterwards.
	OnSendError func(err error)
	Metrics     *Metrics
}

// Pipeline moves audio between a device and a transport. Captured audio is
// converted to the network format and framed; received frames are queued
// in the jitter buffer and converted back on render.
type Pipeline struct {
	conv        *audio.Converter
	jitter      *audio.JitterBuffer
	onHandshake func(time.Time)
	onSendError func(error)
	metrics     *Metrics

	mu   sync.RWMutex
	send func([]byte) error

	halted atomic.Bool

	renderMu  sync.Mutex
	renderBuf []byte

	framesSent      atomic.Uint64
	framesReceived  atomic.Uint64
	framesDiscarded atomic.Uint64
	sendDrops       atomic.Uint64
}

// NewPipeline validates cfg and returns a running pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Converter == nil || cfg.Jitter == nil || cfg.Send == nil {
		return nil, errors.New("pipeline requires converter, jitter buffer and send function")
	}
	p := &Pipeline{
		conv:        cfg.Converter,
		jitter:      cfg.Jitter,
		send:        cfg.Send,
		onHandshake: cfg.OnHandshake,
		onSendError: cfg.OnSendError,
		metrics:     cfg.Metrics,
	}
	return p, nil
}

// Capture implements AudioEndpoint.
func (p *Pipeline) Capture(samples []int16) {
	if p.halted.Load() {
		return
	}
	err := p.capture(samples)
	if err == nil || !p.halted.CompareAndSwap(false, true) {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Pipeline.Capture",
		"error":    err.Error(),
	}).Warn("Audio send failed, halting capture")
	if p.onSendError != nil {
		p.onSendError(err)
	}
}

func (p *Pipeline) capture(samples []int16) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.send == nil {
		return nil
	}

	pcm, err := p.conv.ToNetwork(samples)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Pipeline.capture",
			"samples":  len(samples),
			"error":    err.Error(),
		}).Debug("Dropping unconvertible capture buffer")
		return nil
	}

	for len(pcm) > 0 {
		n := min(len(pcm), frame.MaxSamples)
		payload := frame.EncodeAudio(pcm[:n])
		pcm = pcm[n:]

		if err := p.send(payload); err != nil {
			if errors.Is(err, transport.ErrSendQueueFull) {
				p.sendDrops.Add(1)
				p.metrics.sendDropped()
				continue
			}
			return err
		}
		p.framesSent.Add(1)
		p.metrics.frameSent()
	}
	return nil
}

// Deliver handles one inbound transport payload.
func (p *Pipeline) Deliver(payload []byte) {
	msg, err := frame.Decode(payload)
	if err != nil {
		p.framesDiscarded.Add(1)
		p.metrics.frameDiscarded()
		return
	}
	switch msg.Kind {
	case frame.KindHandshake:
		if p.onHandshake != nil {
			p.onHandshake(msg.StartTime)
		}
	case frame.KindAudio:
		p.jitter.Append(msg.PCM)
		p.framesReceived.Add(1)
		p.metrics.frameReceived()
	}
}

// Render implements AudioEndpoint. Missing audio is rendered as silence.
func (p *Pipeline) Render(out []int16) {
	ch := p.conv.Native().Channels
	frames := len(out) / ch
	if frames == 0 {
		clear(out)
		return
	}
	need := p.conv.NetworkSamplesFor(frames) * frame.BytesPerSample

	p.renderMu.Lock()
	if cap(p.renderBuf) < need {
		p.renderBuf = make([]byte, need)
	}
	buf := p.renderBuf[:need]
	p.jitter.Consume(buf)
	mono := frame.BytesToSamples(buf)
	p.renderMu.Unlock()

	n := copy(out, p.conv.FromNetwork(mono, frames))
	clear(out[n:])
}

// Stop detaches the transport. Later captures are ignored; renders keep
// producing whatever the jitter buffer holds, which is silence once it has
// been released.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.send = nil
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		FramesSent:      p.framesSent.Load(),
		FramesReceived:  p.framesReceived.Load(),
		FramesDiscarded: p.framesDiscarded.Load(),
		SendDrops:       p.sendDrops.Load(),
	}
}
