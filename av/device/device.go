// Package device drives a local microphone and speaker through miniaudio
// and feeds them to an av.AudioEndpoint.
package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	malgo "github.com/gen2brain/malgo"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/shipcall/av"
	"github.com/opd-ai/shipcall/av/audio"
)

// ErrClosed indicates Start on a closed device.
var ErrClosed = errors.New("audio device closed")

// Options selects the device format.
type Options struct {
	SampleRate uint32
	Channels   int
	// Period is the callback interval requested from the backend.
	Period time.Duration
}

// NewOptions returns 48 kHz mono with 20 ms periods.
func NewOptions() *Options {
	return &Options{
		SampleRate: 48000,
		Channels:   1,
		Period:     20 * time.Millisecond,
	}
}

// Device is a full-duplex capture and playback device. It implements
// av.AudioIO. The backend context is created on first Start and kept until
// Close.
type Device struct {
	opts   Options
	format audio.Format

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	dev    *malgo.Device
	closed bool

	// swapped by Start and Stop, read on the callback thread
	ep atomic.Pointer[endpointRef]

	// touched only by the device callback thread while dev is running
	capBuf  []int16
	playBuf []int16
}

type endpointRef struct {
	av.AudioEndpoint
}

// New validates opts. No backend resources are allocated until Start.
func New(opts *Options) (*Device, error) {
	if opts == nil {
		opts = NewOptions()
	}
	format := audio.Format{SampleRate: opts.SampleRate, Channels: opts.Channels}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if opts.Period <= 0 {
		opts.Period = NewOptions().Period
	}
	return &Device{opts: *opts, format: format}, nil
}

// NativeFormat implements av.AudioIO.
func (d *Device) NativeFormat() audio.Format {
	return d.format
}

// Start implements av.AudioIO. Starting a running device replaces its
// endpoint.
func (d *Device) Start(ep av.AudioEndpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if d.dev != nil {
		d.stopLocked()
	}
	if d.ctx == nil {
		ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
			logrus.WithFields(logrus.Fields{
				"function": "malgo",
			}).Debug(message)
		})
		if err != nil {
			return fmt.Errorf("audio context: %w", err)
		}
		d.ctx = ctx
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Duplex)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(d.format.Channels)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(d.format.Channels)
	cfg.SampleRate = d.format.SampleRate
	cfg.PeriodSizeInMilliseconds = uint32(d.opts.Period / time.Millisecond)

	d.ep.Store(&endpointRef{ep})
	dev, err := malgo.InitDevice(d.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: d.process,
	})
	if err != nil {
		d.ep.Store(nil)
		return fmt.Errorf("init duplex device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		d.ep.Store(nil)
		return fmt.Errorf("start duplex device: %w", err)
	}
	d.dev = dev

	logrus.WithFields(logrus.Fields{
		"function": "Device.Start",
		"format":   d.format.String(),
		"period":   d.opts.Period.String(),
	}).Info("Audio device started")
	return nil
}

// Stop implements av.AudioIO.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	return nil
}

func (d *Device) stopLocked() {
	if d.dev == nil {
		return
	}
	if err := d.dev.Stop(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Device.Stop",
			"error":    err.Error(),
		}).Warn("Audio device stop failed")
	}
	d.dev.Uninit()
	d.dev = nil
	d.ep.Store(nil)

	logrus.WithFields(logrus.Fields{
		"function": "Device.Stop",
	}).Info("Audio device stopped")
}

// Close stops the device and releases the backend context.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.stopLocked()
	if d.ctx != nil {
		err := d.ctx.Uninit()
		d.ctx.Free()
		d.ctx = nil
		return err
	}
	return nil
}

// process is the duplex callback: pInput holds captured s16 frames and
// pOutput must be filled with frames to play.
func (d *Device) process(pOutput, pInput []byte, frameCount uint32) {
	ep := d.ep.Load()
	if ep == nil {
		clear(pOutput)
		return
	}

	if len(pInput) > 0 {
		d.capBuf = decodeS16(d.capBuf, pInput)
		ep.Capture(d.capBuf)
	}

	if len(pOutput) > 0 {
		n := int(frameCount) * d.format.Channels
		if cap(d.playBuf) < n {
			d.playBuf = make([]int16, n)
		}
		d.playBuf = d.playBuf[:n]
		ep.Render(d.playBuf)
		encodeS16(pOutput, d.playBuf)
	}
}

// decodeS16 reads little-endian samples from b into dst, reusing its
// storage. A trailing odd byte is ignored.
func decodeS16(dst []int16, b []byte) []int16 {
	n := len(b) / 2
	if cap(dst) < n {
		dst = make([]int16, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return dst
}

// encodeS16 writes samples into out as little-endian s16 and zeroes any
// remainder.
func encodeS16(out []byte, samples []int16) {
	n := min(len(samples), len(out)/2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(samples[i]))
	}
	clear(out[2*n:])
}
