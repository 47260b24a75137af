// Package frame encodes and decodes the two message kinds carried on a call
// transport: the start handshake and the PCM audio frame.
//
// The kinds are told apart by shape rather than by a type tag. A handshake is
// a fixed 13-byte record:
//
//	"SCHS" | version (1 byte) | call start time (int64 LE Unix nanoseconds)
//
// An audio frame is a 4-byte little-endian sample count N followed by N
// signed 16-bit little-endian mono samples at 16 kHz. Audio frames always
// have an even length, so a handshake can never be mistaken for one.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// HandshakeSize is the encoded length of a handshake record.
	HandshakeSize = 13

	// HandshakeVersion is the only handshake layout understood.
	HandshakeVersion = 1

	// AudioHeaderSize is the length of the sample count prefix.
	AudioHeaderSize = 4

	// BytesPerSample for the network PCM format.
	BytesPerSample = 2

	// MaxSamples bounds a single audio frame (one second at 16 kHz).
	MaxSamples = 16000
)

var handshakeMagic = [4]byte{'S', 'C', 'H', 'S'}

var (
	// ErrUnrecognized is returned for payloads matching neither message
	// shape. Callers discard such payloads.
	ErrUnrecognized = errors.New("unrecognized frame")

	// ErrFrameTooLarge indicates an audio frame above MaxSamples. It wraps
	// ErrUnrecognized so decoders discard it like any other bad payload.
	ErrFrameTooLarge = fmt.Errorf("audio frame too large: %w", ErrUnrecognized)
)

// Kind identifies a decoded message.
type Kind uint8

const (
	// KindHandshake carries the agreed call start time.
	KindHandshake Kind = iota + 1
	// KindAudio carries PCM samples.
	KindAudio
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindAudio:
		return "audio"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Message is a decoded transport payload.
type Message struct {
	Kind Kind

	// StartTime is set for KindHandshake.
	StartTime time.Time

	// PCM holds the little-endian sample bytes of a KindAudio message. It
	// aliases the decoded buffer.
	PCM []byte
}

// SampleCount returns the number of samples carried by an audio message.
func (m Message) SampleCount() int {
	return len(m.PCM) / BytesPerSample
}

// Samples returns the audio payload as int16 samples.
func (m Message) Samples() []int16 {
	return BytesToSamples(m.PCM)
}

// EncodeHandshake builds the handshake record for the given start time.
func EncodeHandshake(start time.Time) []byte {
	buf := make([]byte, HandshakeSize)
	copy(buf[0:4], handshakeMagic[:])
	buf[4] = HandshakeVersion
	binary.LittleEndian.PutUint64(buf[5:13], uint64(start.UnixNano()))
	return buf
}

// EncodeAudio builds an audio frame from network-format samples.
func EncodeAudio(samples []int16) []byte {
	buf := make([]byte, AudioHeaderSize+len(samples)*BytesPerSample)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(samples)))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[AudioHeaderSize+i*BytesPerSample:], uint16(s))
	}
	return buf
}

// Encode serializes a decoded message back to its wire form.
func Encode(m Message) ([]byte, error) {
	switch m.Kind {
	case KindHandshake:
		return EncodeHandshake(m.StartTime), nil
	case KindAudio:
		if len(m.PCM)%BytesPerSample != 0 {
			return nil, fmt.Errorf("odd PCM length %d: %w", len(m.PCM), ErrUnrecognized)
		}
		if m.SampleCount() > MaxSamples {
			return nil, ErrFrameTooLarge
		}
		buf := make([]byte, AudioHeaderSize+len(m.PCM))
		binary.LittleEndian.PutUint32(buf[0:4], uint32(m.SampleCount()))
		copy(buf[AudioHeaderSize:], m.PCM)
		return buf, nil
	default:
		return nil, fmt.Errorf("encode %s: %w", m.Kind, ErrUnrecognized)
	}
}

// Decode classifies and parses a transport payload. The handshake shape is
// tried first; anything matching neither shape yields ErrUnrecognized.
func Decode(data []byte) (Message, error) {
	if start, ok := decodeHandshake(data); ok {
		return Message{Kind: KindHandshake, StartTime: start}, nil
	}

	if len(data) < AudioHeaderSize {
		return Message{}, ErrUnrecognized
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	if count > MaxSamples {
		return Message{}, ErrFrameTooLarge
	}
	if len(data) != AudioHeaderSize+int(count)*BytesPerSample {
		return Message{}, ErrUnrecognized
	}
	return Message{Kind: KindAudio, PCM: data[AudioHeaderSize:]}, nil
}

func decodeHandshake(data []byte) (time.Time, bool) {
	if len(data) != HandshakeSize {
		return time.Time{}, false
	}
	if [4]byte(data[0:4]) != handshakeMagic || data[4] != HandshakeVersion {
		return time.Time{}, false
	}
	nanos := int64(binary.LittleEndian.Uint64(data[5:13]))
	return time.Unix(0, nanos), true
}

// BytesToSamples converts little-endian PCM bytes to samples. A trailing odd
// byte is ignored.
func BytesToSamples(b []byte) []int16 {
	out := make([]int16, len(b)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*BytesPerSample:]))
	}
	return out
}

// SamplesToBytes converts samples to little-endian PCM bytes.
func SamplesToBytes(s []int16) []byte {
	out := make([]byte, len(s)*BytesPerSample)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(v))
	}
	return out
}
