package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// DefaultSendQueue is the number of messages a transport buffers before
// Send starts dropping.
const DefaultSendQueue = 256

// messageIO is one connected message-oriented link.
type messageIO interface {
	writeMessage(data []byte) error
	readMessage() ([]byte, error)
	close() error
}

// pump runs the read and write loops shared by every transport kind.
// Send enqueues without blocking; the writer goroutine owns all writes.
type pump struct {
	kind    Kind
	io      messageIO
	handler Handler
	metrics *Metrics

	sendQ     chan []byte
	done      chan struct{}
	closed    atomic.Bool
	stopOnce  sync.Once
	errOnce   sync.Once
	startOnce sync.Once
}

func newPump(kind Kind, mio messageIO, h Handler, queue int, m *Metrics) *pump {
	if queue <= 0 {
		queue = DefaultSendQueue
	}
	return &pump{
		kind:    kind,
		io:      mio,
		handler: h,
		metrics: m,
		sendQ:   make(chan []byte, queue),
		done:    make(chan struct{}),
	}
}

func (p *pump) start() {
	p.startOnce.Do(func() {
		go p.readLoop()
		go p.writeLoop()
	})
}

func (p *pump) send(payload []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	select {
	case p.sendQ <- payload:
		return nil
	default:
		p.metrics.dropped(p.kind)
		return ErrSendQueueFull
	}
}

// stop closes the link. It does not wait for the loops: the read loop may
// be inside a handler that is itself waiting on the caller.
func (p *pump) stop() error {
	var err error
	p.stopOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
		err = p.io.close()
	})
	return err
}

func (p *pump) fail(err error) {
	if p.closed.Load() {
		return
	}
	p.errOnce.Do(func() {
		logrus.WithFields(logrus.Fields{
			"function": "pump.fail",
			"kind":     p.kind.String(),
			"error":    err.Error(),
		}).Warn("Transport failed")
		p.handler.HandleError(err)
	})
}

func (p *pump) readLoop() {
	for {
		msg, err := p.io.readMessage()
		if err != nil {
			if isPeerGone(err) {
				err = fmt.Errorf("%s read: %w", p.kind, ErrPeerClosed)
			} else {
				err = fmt.Errorf("%s read: %w", p.kind, err)
			}
			p.fail(err)
			return
		}
		if p.closed.Load() {
			return
		}
		p.metrics.received(p.kind, len(msg))
		p.handler.HandleMessage(msg)
	}
}

func (p *pump) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.sendQ:
			if err := p.io.writeMessage(msg); err != nil {
				p.fail(fmt.Errorf("%s write: %w", p.kind, err))
				return
			}
			p.metrics.sent(p.kind, len(msg))
		}
	}
}

// isPeerGone reports errors that mean the remote end closed the link.
func isPeerGone(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrPeerClosed)
}
