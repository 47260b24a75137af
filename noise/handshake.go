// Package noise secures Direct call transports with the Noise XX pattern
// (Curve25519, ChaChaPoly, SHA256). XX needs no prior knowledge of the peer's
// key, which suits two devices that only learned each other's addresses
// through signaling.
package noise

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrInvalidKey indicates a static key of the wrong size
	ErrInvalidKey = errors.New("invalid static key")
)

// KeySize is the length of Curve25519 keys.
const KeySize = 32

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator sends the first handshake message.
	Initiator HandshakeRole = iota
	// Responder answers the first handshake message.
	Responder
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// GenerateKeypair creates a random Curve25519 static keypair.
func GenerateKeypair() (noise.DHKey, error) {
	priv := make([]byte, KeySize)
	if _, err := rand.Read(priv); err != nil {
		return noise.DHKey{}, fmt.Errorf("failed to read random key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return noise.DHKey{}, fmt.Errorf("failed to derive public key: %w", err)
	}
	return noise.DHKey{Private: priv, Public: pub}, nil
}

// XXHandshake drives one side of a Noise XX exchange. It is not safe for
// concurrent use.
type XXHandshake struct {
	role       HandshakeRole
	state      *noise.HandshakeState
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	complete   bool
}

// NewXXHandshake creates a new XX pattern handshake.
// static is our keypair; role determines who writes the first message.
func NewXXHandshake(static noise.DHKey, role HandshakeRole) (*XXHandshake, error) {
	if len(static.Private) != KeySize || len(static.Public) != KeySize {
		return nil, fmt.Errorf("keypair sizes %d/%d: %w", len(static.Private), len(static.Public), ErrInvalidKey)
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     role == Initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create XX handshake state: %w", err)
	}

	return &XXHandshake{role: role, state: hs}, nil
}

// WriteMessage produces the next handshake message.
func (xx *XXHandshake) WriteMessage(payload []byte) ([]byte, error) {
	if xx.complete {
		return nil, ErrHandshakeComplete
	}
	message, cs1, cs2, err := xx.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("XX handshake write failed: %w", err)
	}
	xx.finish(cs1, cs2)
	return message, nil
}

// ReadMessage consumes the peer's next handshake message and returns its
// payload.
func (xx *XXHandshake) ReadMessage(message []byte) ([]byte, error) {
	if xx.complete {
		return nil, ErrHandshakeComplete
	}
	payload, cs1, cs2, err := xx.state.ReadMessage(nil, message)
	if err != nil {
		return nil, fmt.Errorf("XX handshake read failed: %w", err)
	}
	xx.finish(cs1, cs2)
	return payload, nil
}

// finish records the split cipher states. cs1 protects initiator to
// responder traffic, cs2 the reverse.
func (xx *XXHandshake) finish(cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil {
		return
	}
	if xx.role == Initiator {
		xx.sendCipher, xx.recvCipher = cs1, cs2
	} else {
		xx.sendCipher, xx.recvCipher = cs2, cs1
	}
	xx.complete = true
}

// IsComplete returns whether the XX handshake is complete.
func (xx *XXHandshake) IsComplete() bool {
	return xx.complete
}

// PeerStatic returns the peer's static public key once it is known.
func (xx *XXHandshake) PeerStatic() []byte {
	return xx.state.PeerStatic()
}

// Session returns the transport ciphers after completion.
func (xx *XXHandshake) Session() (*Session, error) {
	if !xx.complete {
		return nil, ErrHandshakeNotComplete
	}
	return &Session{send: xx.sendCipher, recv: xx.recvCipher}, nil
}

// MessageConn is a message-oriented link used to carry handshake messages.
type MessageConn interface {
	WriteMessage(data []byte) error
	ReadMessage() ([]byte, error)
}

// Handshake runs the three XX messages over conn and returns the resulting
// session. The caller bounds it with deadlines on the underlying connection.
func Handshake(conn MessageConn, static noise.DHKey, role HandshakeRole) (*Session, error) {
	xx, err := NewXXHandshake(static, role)
	if err != nil {
		return nil, err
	}

	// -> e ; <- e, ee, s, es ; -> s, se
	steps := []bool{true, false, true}
	if role == Responder {
		steps = []bool{false, true, false}
	}
	for i, write := range steps {
		if write {
			msg, err := xx.WriteMessage(nil)
			if err != nil {
				return nil, err
			}
			if err := conn.WriteMessage(msg); err != nil {
				return nil, fmt.Errorf("handshake message %d: %w", i+1, err)
			}
			continue
		}
		msg, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("handshake message %d: %w", i+1, err)
		}
		if _, err := xx.ReadMessage(msg); err != nil {
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Handshake",
		"role":     role,
	}).Debug("Noise XX handshake complete")

	return xx.Session()
}

// Session encrypts transport messages after a completed handshake. Each
// direction has its own lock so a reader and a writer can run concurrently.
type Session struct {
	sendMu sync.Mutex
	send   *noise.CipherState
	recvMu sync.Mutex
	recv   *noise.CipherState
}

// Encrypt seals one outbound message.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.send.Encrypt(nil, nil, plaintext)
}

// Decrypt opens one inbound message.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	return s.recv.Decrypt(nil, nil, ciphertext)
}
