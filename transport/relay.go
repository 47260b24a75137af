package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Relay control message types. The server sends them as text frames; audio
// travels in binary frames.
const (
	RelayWaiting  = "waiting"
	RelayPaired   = "paired"
	RelayPeerLeft = "peer_left"
)

// RelayPath is the server route prefix for relay channels.
const RelayPath = "/v1/relay/"

// RelayControl is a text frame exchanged on a relay channel.
type RelayControl struct {
	Type  string `json:"type"`
	Party string `json:"party,omitempty"`
}

// RelayOptions configures Relayed transports.
type RelayOptions struct {
	// ServerURL is the coordination server base (http, https, ws or wss).
	ServerURL string
	// Party identifies this side to the server.
	Party string
	// Header is sent with the websocket upgrade.
	Header http.Header
	// PingPeriod is the keepalive interval; PongWait must exceed it.
	PingPeriod time.Duration
	PongWait   time.Duration
	// WriteTimeout bounds a single message write.
	WriteTimeout time.Duration
	// SendQueue is the number of queued outbound messages.
	SendQueue int
	// Metrics may be nil.
	Metrics *Metrics
}

// NewRelayOptions returns default keepalive settings.
func NewRelayOptions() *RelayOptions {
	return &RelayOptions{
		PingPeriod:   10 * time.Second,
		PongWait:     25 * time.Second,
		WriteTimeout: 2 * time.Second,
		SendQueue:    DefaultSendQueue,
	}
}

// Relay tunnels messages through a coordination server channel. Both sides
// join the same channel; the server forwards binary frames verbatim once
// both have joined.
type Relay struct {
	opts RelayOptions

	mu       sync.Mutex
	channel  string
	role     Role
	prepared bool
	conn     *websocket.Conn
	pump     *pump
	closed   bool
	done     chan struct{}
}

// NewRelay creates an unconnected Relayed transport.
func NewRelay(opts *RelayOptions) *Relay {
	if opts == nil {
		opts = NewRelayOptions()
	}
	return &Relay{opts: *opts, done: make(chan struct{})}
}

// Kind implements Transport.
func (r *Relay) Kind() Kind { return KindRelayed }

// Prepare implements Transport. Both roles use the channel from desc.
func (r *Relay) Prepare(role Role, desc Descriptor) (Descriptor, error) {
	if err := desc.Validate(); err != nil {
		return Descriptor{}, err
	}
	if desc.Kind != KindRelayed {
		return Descriptor{}, fmt.Errorf("%s descriptor for relay: %w", desc.Kind, ErrInvalidDescriptor)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Descriptor{}, ErrClosed
	}
	r.channel = desc.Channel
	r.role = role
	r.prepared = true
	return Descriptor{Kind: KindRelayed, Channel: desc.Channel}, nil
}

// ChannelURL builds the websocket URL for a relay channel.
func ChannelURL(base, channel, party string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("relay server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relay server scheme %q: %w", u.Scheme, ErrInvalidDescriptor)
	}
	u.Path = strings.TrimRight(u.Path, "/") + RelayPath + url.PathEscape(channel)
	q := u.Query()
	q.Set("party", party)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect implements Transport. It returns once the server reports that
// both parties joined the channel.
func (r *Relay) Connect(ctx context.Context, h Handler) error {
	r.mu.Lock()
	channel, prepared, closed := r.channel, r.prepared, r.closed
	r.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !prepared {
		return ErrNotPrepared
	}

	err := r.connect(ctx, channel, h)
	r.opts.Metrics.connected(KindRelayed, err)
	return err
}

func (r *Relay) connect(ctx context.Context, channel string, h Handler) error {
	target, err := ChannelURL(r.opts.ServerURL, channel, r.opts.Party)
	if err != nil {
		return err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, r.opts.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("relay dial %s: %s: %w", channel, resp.Status, err)
		}
		return fmt.Errorf("relay dial %s: %w", channel, err)
	}
	conn.SetReadLimit(MaxMessageSize)

	if err := r.awaitPeer(ctx, conn); err != nil {
		conn.Close()
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		conn.Close()
		return ErrClosed
	}

	conn.SetReadDeadline(time.Now().Add(r.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(r.opts.PongWait))
	})

	r.conn = conn
	mio := &wsIO{conn: conn, writeTimeout: r.opts.WriteTimeout, pongWait: r.opts.PongWait}
	r.pump = newPump(KindRelayed, mio, h, r.opts.SendQueue, r.opts.Metrics)
	r.pump.start()
	go r.keepalive(conn)

	logrus.WithFields(logrus.Fields{
		"function": "Relay.Connect",
		"channel":  channel,
		"role":     r.role.String(),
	}).Info("Relay channel paired")
	return nil
}

// awaitPeer reads control frames until the server reports the channel is
// paired or ctx expires.
func (r *Relay) awaitPeer(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		// unblock ReadMessage
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("relay await peer: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		var ctl RelayControl
		if err := json.Unmarshal(data, &ctl); err != nil {
			continue
		}
		switch ctl.Type {
		case RelayPaired:
			conn.SetReadDeadline(time.Time{})
			return nil
		case RelayPeerLeft:
			return fmt.Errorf("relay await peer: %w", ErrPeerClosed)
		}
	}
}

func (r *Relay) keepalive(conn *websocket.Conn) {
	ticker := time.NewTicker(r.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(r.opts.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Relay.keepalive",
					"error":    err.Error(),
				}).Debug("Ping failed")
				return
			}
		}
	}
}

// Send implements Transport.
func (r *Relay) Send(payload []byte) error {
	r.mu.Lock()
	p := r.pump
	r.mu.Unlock()
	if p == nil {
		return ErrClosed
	}
	return p.send(payload)
}

// Close implements Transport.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.done)

	if r.conn != nil {
		deadline := time.Now().Add(time.Second)
		r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"), deadline)
	}
	if r.pump != nil {
		return r.pump.stop()
	}
	return nil
}

// wsIO carries binary messages over a websocket.
type wsIO struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pongWait     time.Duration
}

func (w *wsIO) writeMessage(data []byte) error {
	if w.writeTimeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsIO) readMessage() ([]byte, error) {
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil, fmt.Errorf("%s: %w", closeErr.Error(), ErrPeerClosed)
			}
			return nil, err
		}
		// any inbound traffic proves the peer path is alive
		w.conn.SetReadDeadline(time.Now().Add(w.pongWait))

		if mt == websocket.BinaryMessage {
			return data, nil
		}
		var ctl RelayControl
		if json.Unmarshal(data, &ctl) == nil && ctl.Type == RelayPeerLeft {
			return nil, ErrPeerClosed
		}
	}
}

func (w *wsIO) close() error { return w.conn.Close() }
