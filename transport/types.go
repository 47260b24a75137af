package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Transport errors.
var (
	// ErrClosed indicates an operation on a closed transport.
	ErrClosed = errors.New("transport closed")

	// ErrPeerClosed indicates the remote side went away cleanly.
	ErrPeerClosed = errors.New("peer closed transport")

	// ErrSendQueueFull indicates a message was dropped because the writer
	// has fallen behind.
	ErrSendQueueFull = errors.New("send queue full")

	// ErrNotPrepared indicates Connect was called before Prepare.
	ErrNotPrepared = errors.New("transport not prepared")

	// ErrNoReachableAddress indicates every advertised address failed.
	ErrNoReachableAddress = errors.New("no reachable address")

	// ErrInvalidDescriptor indicates missing kind-specific parameters.
	ErrInvalidDescriptor = errors.New("invalid transport descriptor")

	// ErrMessageTooLarge indicates a frame above MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrUnsupportedKind indicates no implementation for a descriptor kind.
	ErrUnsupportedKind = errors.New("unsupported transport kind")

	// ErrPeerMismatch indicates a Direct connection that did not present
	// the call's token.
	ErrPeerMismatch = errors.New("peer did not present the call token")
)

// MaxMessageSize bounds a single transport message.
const MaxMessageSize = 64 * 1024

// Kind selects the transport implementation.
type Kind uint8

const (
	// KindDirect is a device-to-device TCP connection on the local network.
	KindDirect Kind = iota + 1
	// KindRelayed tunnels messages through the coordination server.
	KindRelayed
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindRelayed:
		return "relayed"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// ParseKind parses a wire name produced by String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "direct":
		return KindDirect, nil
	case "relayed", "relay":
		return KindRelayed, nil
	default:
		return 0, fmt.Errorf("%q: %w", s, ErrUnsupportedKind)
	}
}

// MarshalText implements encoding.TextMarshaler. The zero Kind encodes as
// an empty string.
func (k Kind) MarshalText() ([]byte, error) {
	if k == 0 {
		return []byte{}, nil
	}
	if k != KindDirect && k != KindRelayed {
		return nil, fmt.Errorf("%s: %w", k, ErrUnsupportedKind)
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*k = 0
		return nil
	}
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Role is the side of the connection a transport plays.
type Role uint8

const (
	// RoleInitiator dials out and sends the start handshake.
	RoleInitiator Role = iota
	// RoleResponder listens (Direct) or answers the channel (Relayed).
	RoleResponder
)

// String returns the role name used in logs.
func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// Descriptor carries what a transport needs to reach the peer. Direct
// descriptors list candidate addresses and the listening port; relayed
// descriptors name a server channel.
type Descriptor struct {
	Kind      Kind     `json:"kind"`
	Addresses []string `json:"addresses,omitempty"`
	Port      int      `json:"port,omitempty"`
	Channel   string   `json:"channel,omitempty"`
	// Token is issued by a Direct responder; the initiator sends it first
	// so the responder accepts only the peer it advertised to.
	Token string `json:"token,omitempty"`
}

// Validate checks the kind-specific fields needed to connect as initiator.
func (d Descriptor) Validate() error {
	switch d.Kind {
	case KindDirect:
		if len(d.Addresses) == 0 {
			return fmt.Errorf("direct descriptor without addresses: %w", ErrInvalidDescriptor)
		}
		if d.Port <= 0 || d.Port > 65535 {
			return fmt.Errorf("direct descriptor port %d: %w", d.Port, ErrInvalidDescriptor)
		}
	case KindRelayed:
		if d.Channel == "" {
			return fmt.Errorf("relayed descriptor without channel: %w", ErrInvalidDescriptor)
		}
	default:
		return fmt.Errorf("%s: %w", d.Kind, ErrUnsupportedKind)
	}
	return nil
}

// Endpoints returns host:port strings for each Direct address in order.
func (d Descriptor) Endpoints() []string {
	out := make([]string, 0, len(d.Addresses))
	for _, a := range d.Addresses {
		out = append(out, net.JoinHostPort(a, strconv.Itoa(d.Port)))
	}
	return out
}

// String returns a log-friendly summary.
func (d Descriptor) String() string {
	if d.Kind == KindRelayed {
		return "relayed:" + d.Channel
	}
	return d.Kind.String() + ":" + strings.Join(d.Endpoints(), ",")
}

// Handler receives inbound traffic and fatal errors from a connected
// transport. Callbacks run on the transport's receive goroutine.
type Handler interface {
	// HandleMessage is invoked once per inbound message.
	HandleMessage(payload []byte)
	// HandleError is invoked at most once, when the transport fails or the
	// peer goes away. It is never invoked after Close.
	HandleError(err error)
}

// Transport is a message-oriented, bidirectional link to one peer.
type Transport interface {
	// Kind reports which implementation this is.
	Kind() Kind

	// Prepare binds local resources for role and returns the descriptor the
	// peer should use. Responders advertise the result through signaling.
	Prepare(role Role, desc Descriptor) (Descriptor, error)

	// Connect blocks until the link is ready or ctx is done. After a nil
	// return, inbound messages flow to h.
	Connect(ctx context.Context, h Handler) error

	// Send queues payload for delivery without blocking.
	Send(payload []byte) error

	// Close releases sockets and listeners. It is safe to call repeatedly.
	Close() error
}
