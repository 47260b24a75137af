package audio

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// NetworkRate is the sample rate of PCM carried on the wire.
const NetworkRate = 16000

// NetworkFormat is the canonical wire format: 16 kHz mono signed 16-bit.
var NetworkFormat = Format{SampleRate: NetworkRate, Channels: 1}

var (
	// ErrInvalidFormat indicates an unusable sample rate or channel count.
	ErrInvalidFormat = errors.New("invalid audio format")

	// ErrUnalignedSamples indicates a buffer that is not a whole number of
	// frames for its channel count.
	ErrUnalignedSamples = errors.New("samples not aligned to channel count")
)

// Format describes interleaved signed 16-bit PCM.
type Format struct {
	SampleRate uint32 // Hz
	Channels   int    // 1=mono, 2=stereo
}

// Validate checks that the format can be converted.
func (f Format) Validate() error {
	if f.SampleRate == 0 {
		return fmt.Errorf("sample rate 0: %w", ErrInvalidFormat)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("%d channels (must be 1 or 2): %w", f.Channels, ErrInvalidFormat)
	}
	return nil
}

// String returns a compact description such as "48000Hz/2ch".
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// Downmix averages interleaved stereo frames to mono. Mono input is copied.
func Downmix(in []int16, channels int) []int16 {
	if channels <= 1 {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	frames := len(in) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		for ch := 0; ch < channels; ch++ {
			sum += int32(in[i*channels+ch])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// Upmix duplicates mono samples across channels.
func Upmix(in []int16, channels int) []int16 {
	if channels <= 1 {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	out := make([]int16, len(in)*channels)
	for i, s := range in {
		for ch := 0; ch < channels; ch++ {
			out[i*channels+ch] = s
		}
	}
	return out
}

// Resample converts mono samples between rates with linear interpolation.
// The output length is len(in)*outRate/inRate rounded to nearest.
func Resample(in []int16, inRate, outRate uint32) []int16 {
	if inRate == outRate || inRate == 0 || outRate == 0 {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	outLen := int((uint64(len(in))*uint64(outRate) + uint64(inRate)/2) / uint64(inRate))
	return ResampleTo(in, outLen)
}

// ResampleTo stretches or squeezes mono samples to exactly outLen samples
// using linear interpolation. It keeps no state between calls.
func ResampleTo(in []int16, outLen int) []int16 {
	out := make([]int16, outLen)
	switch {
	case outLen == 0 || len(in) == 0:
		return out
	case len(in) == outLen:
		copy(out, in)
		return out
	case len(in) == 1 || outLen == 1:
		for i := range out {
			out[i] = in[0]
		}
		return out
	}

	step := float64(len(in)-1) / float64(outLen-1)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = int16(math.Round(float64(in[idx])*(1-frac) + float64(in[idx+1])*frac))
	}
	return out
}

// Converter moves audio between a device's native format and NetworkFormat.
// It is stateless and safe for concurrent use.
type Converter struct {
	native Format
}

// NewConverter creates a converter for the given native device format.
//
// Parameters:
//   - native: Device capture/playback format
//
// Returns:
//   - *Converter: New converter instance
//   - error: ErrInvalidFormat for unusable formats
func NewConverter(native Format) (*Converter, error) {
	if err := native.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewConverter",
			"format":   native.String(),
			"error":    err.Error(),
		}).Error("Native format validation failed")
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewConverter",
		"native":   native.String(),
		"network":  NetworkFormat.String(),
	}).Debug("Audio converter created")

	return &Converter{native: native}, nil
}

// Native returns the device format.
func (c *Converter) Native() Format {
	return c.native
}

// ToNetwork converts interleaved native samples to 16 kHz mono.
func (c *Converter) ToNetwork(in []int16) ([]int16, error) {
	if len(in)%c.native.Channels != 0 {
		return nil, fmt.Errorf("%d samples for %d channels: %w", len(in), c.native.Channels, ErrUnalignedSamples)
	}
	mono := Downmix(in, c.native.Channels)
	if c.native.SampleRate == NetworkRate {
		return mono, nil
	}
	return Resample(mono, c.native.SampleRate, NetworkRate), nil
}

// FromNetwork converts 16 kHz mono samples to exactly frames native frames
// (frames*channels interleaved samples).
func (c *Converter) FromNetwork(in []int16, frames int) []int16 {
	mono := in
	if len(in) != frames {
		mono = ResampleTo(in, frames)
	}
	return Upmix(mono, c.native.Channels)
}

// NetworkSamplesFor returns how many network samples cover the given number
// of native frames, rounded up.
func (c *Converter) NetworkSamplesFor(frames int) int {
	if c.native.SampleRate == NetworkRate {
		return frames
	}
	return int((uint64(frames)*NetworkRate + uint64(c.native.SampleRate) - 1) / uint64(c.native.SampleRate))
}
