package transport

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	flynn "github.com/flynn/noise"
	"github.com/google/uuid"
	"github.com/opd-ai/shipcall/noise"
	"github.com/sirupsen/logrus"
)

// DirectOptions configures Direct transports.
type DirectOptions struct {
	// ListenHost is the bind host for responders. Empty binds all interfaces.
	ListenHost string
	// ListenPort is the fixed responder port. 0 picks an ephemeral port.
	ListenPort int
	// Advertise overrides the addresses sent to the initiator.
	Advertise []string
	// DialTimeout bounds each candidate address attempt.
	DialTimeout time.Duration
	// WriteTimeout bounds a single message write.
	WriteTimeout time.Duration
	// HandshakeTimeout bounds reading the call token and, when Encrypt is
	// set, the Noise exchange.
	HandshakeTimeout time.Duration
	// SendQueue is the number of queued outbound messages.
	SendQueue int
	// Encrypt wraps the connection in a Noise XX session.
	Encrypt bool
	// StaticKey is used for Noise; generated per transport when nil.
	StaticKey *flynn.DHKey
	// Metrics may be nil.
	Metrics *Metrics
}

// NewDirectOptions returns the defaults used on ship networks.
func NewDirectOptions() *DirectOptions {
	return &DirectOptions{
		ListenPort:       7800,
		DialTimeout:      3 * time.Second,
		WriteTimeout:     2 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		SendQueue:        DefaultSendQueue,
	}
}

// Direct is a device-to-device TCP transport. The responder listens on a
// fixed port and accepts exactly one peer, the first to present the token it
// advertised; the initiator dials the advertised addresses in order and
// keeps the first that answers.
type Direct struct {
	opts DirectOptions

	mu       sync.Mutex
	role     Role
	remote   Descriptor
	token    string
	prepared bool
	listener net.Listener
	conn     net.Conn
	pump     *pump
	closed   bool
}

// NewDirect creates an unconnected Direct transport.
func NewDirect(opts *DirectOptions) *Direct {
	if opts == nil {
		opts = NewDirectOptions()
	}
	return &Direct{opts: *opts}
}

// Kind implements Transport.
func (d *Direct) Kind() Kind { return KindDirect }

// Prepare implements Transport. Responders start listening here so the
// returned descriptor can be advertised before the peer dials.
func (d *Direct) Prepare(role Role, desc Descriptor) (Descriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Descriptor{}, ErrClosed
	}
	d.role = role

	if role == RoleInitiator {
		if err := desc.Validate(); err != nil {
			return Descriptor{}, err
		}
		d.remote = desc
		d.prepared = true
		return desc, nil
	}

	addr := net.JoinHostPort(d.opts.ListenHost, strconv.Itoa(d.opts.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return Descriptor{}, fmt.Errorf("listen %s: %w", addr, err)
	}
	d.listener = ln
	d.prepared = true

	port := ln.Addr().(*net.TCPAddr).Port
	addrs := d.opts.Advertise
	if len(addrs) == 0 {
		addrs = LocalAddresses()
	}

	d.token = uuid.NewString()
	local := Descriptor{Kind: KindDirect, Addresses: addrs, Port: port, Token: d.token}
	logrus.WithFields(logrus.Fields{
		"function":  "Direct.Prepare",
		"listen":    ln.Addr().String(),
		"advertise": local.String(),
	}).Info("Direct transport listening")
	return local, nil
}

// Connect implements Transport.
func (d *Direct) Connect(ctx context.Context, h Handler) error {
	d.mu.Lock()
	role, prepared, closed := d.role, d.prepared, d.closed
	d.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !prepared {
		return ErrNotPrepared
	}

	var conn net.Conn
	var err error
	if role == RoleInitiator {
		conn, err = d.dial(ctx)
		if err == nil {
			err = d.introduce(conn)
		}
	} else {
		conn, err = d.accept(ctx)
	}
	if err == nil {
		err = d.attach(ctx, conn, h)
	}
	d.opts.Metrics.connected(KindDirect, err)
	return err
}

func (d *Direct) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.opts.DialTimeout}
	var lastErr error
	for _, endpoint := range d.remote.Endpoints() {
		conn, err := dialer.DialContext(ctx, "tcp", endpoint)
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"function": "Direct.dial",
				"endpoint": endpoint,
			}).Info("Connected to peer")
			return conn, nil
		}
		lastErr = err
		logrus.WithFields(logrus.Fields{
			"function": "Direct.dial",
			"endpoint": endpoint,
			"error":    err.Error(),
		}).Debug("Candidate address unreachable")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrNoReachableAddress, lastErr)
}

func (d *Direct) accept(ctx context.Context) (net.Conn, error) {
	d.mu.Lock()
	ln, token := d.listener, d.token
	d.mu.Unlock()

	// one peer per call
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("accept: %w", err)
		}
		if err := d.verifyPeer(ctx, conn, token); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Direct.accept",
				"peer":     conn.RemoteAddr().String(),
				"error":    err.Error(),
			}).Warn("Rejected connection")
			conn.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "Direct.accept",
			"peer":     conn.RemoteAddr().String(),
		}).Info("Accepted peer")
		return conn, nil
	}
}

// introduce sends the responder's token as the first frame.
func (d *Direct) introduce(conn net.Conn) error {
	if d.opts.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(d.opts.WriteTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	if err := writeFrame(conn, []byte(d.remote.Token)); err != nil {
		conn.Close()
		return fmt.Errorf("send call token: %w", err)
	}
	return nil
}

// verifyPeer reads the first frame and checks it against token.
func (d *Direct) verifyPeer(ctx context.Context, conn net.Conn, token string) error {
	wait := d.opts.HandshakeTimeout
	if wait <= 0 {
		wait = NewDirectOptions().HandshakeTimeout
	}
	deadline := time.Now().Add(wait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	got, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("read call token: %w", err)
	}
	if subtle.ConstantTimeCompare(got, []byte(token)) != 1 {
		return ErrPeerMismatch
	}
	return nil
}

func (d *Direct) attach(ctx context.Context, conn net.Conn, h Handler) error {
	mio := &tcpIO{conn: conn, writeTimeout: d.opts.WriteTimeout}

	if d.opts.Encrypt {
		session, err := d.secure(ctx, mio)
		if err != nil {
			conn.Close()
			return err
		}
		mio.session = session
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		conn.Close()
		return ErrClosed
	}
	d.conn = conn
	d.pump = newPump(KindDirect, mio, h, d.opts.SendQueue, d.opts.Metrics)
	d.pump.start()
	return nil
}

func (d *Direct) secure(ctx context.Context, mio *tcpIO) (*noise.Session, error) {
	key := d.opts.StaticKey
	if key == nil {
		generated, err := noise.GenerateKeypair()
		if err != nil {
			return nil, err
		}
		key = &generated
	}

	deadline := time.Now().Add(d.opts.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	mio.conn.SetDeadline(deadline)
	defer mio.conn.SetDeadline(time.Time{})

	role := noise.Initiator
	if d.role == RoleResponder {
		role = noise.Responder
	}
	session, err := noise.Handshake(mio, *key, role)
	if err != nil {
		return nil, fmt.Errorf("noise handshake: %w", err)
	}
	return session, nil
}

// Send implements Transport.
func (d *Direct) Send(payload []byte) error {
	d.mu.Lock()
	p := d.pump
	d.mu.Unlock()
	if p == nil {
		return ErrClosed
	}
	return p.send(payload)
}

// Close implements Transport.
func (d *Direct) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	if d.listener != nil {
		d.listener.Close()
	}
	if d.pump != nil {
		return d.pump.stop()
	}
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// LocalAddr returns the listening address of a prepared responder.
func (d *Direct) LocalAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// tcpIO frames messages on a TCP connection, optionally encrypted.
type tcpIO struct {
	conn         net.Conn
	session      *noise.Session
	writeTimeout time.Duration
}

func (t *tcpIO) WriteMessage(data []byte) error { return t.writeRaw(data) }

func (t *tcpIO) ReadMessage() ([]byte, error) { return readFrame(t.conn) }

func (t *tcpIO) writeRaw(data []byte) error {
	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return writeFrame(t.conn, data)
}

func (t *tcpIO) writeMessage(data []byte) error {
	if t.session != nil {
		sealed, err := t.session.Encrypt(data)
		if err != nil {
			return err
		}
		data = sealed
	}
	return t.writeRaw(data)
}

func (t *tcpIO) readMessage() ([]byte, error) {
	data, err := readFrame(t.conn)
	if err != nil || t.session == nil {
		return data, err
	}
	return t.session.Decrypt(data)
}

func (t *tcpIO) close() error { return t.conn.Close() }
