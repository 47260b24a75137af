package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/shipcall/transport"
)

const relayWriteTimeout = 2 * time.Second

// relayPeer is one websocket joined to a channel.
type relayPeer struct {
	party string
	conn  *websocket.Conn

	writeMu sync.Mutex
}

func (p *relayPeer) write(mt int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	return p.conn.WriteMessage(mt, data)
}

func (p *relayPeer) control(typ, party string) error {
	data, err := json.Marshal(transport.RelayControl{Type: typ, Party: party})
	if err != nil {
		return err
	}
	return p.write(websocket.TextMessage, data)
}

// relayChannel holds at most two peers, keyed by party.
type relayChannel struct {
	peers map[string]*relayPeer
}

func (c *relayChannel) other(party string) *relayPeer {
	for id, p := range c.peers {
		if id != party {
			return p
		}
	}
	return nil
}

// RelayHub pairs the two parties of a relayed call and forwards binary
// frames between them without looking at them.
type RelayHub struct {
	mu       sync.Mutex
	channels map[string]*relayChannel
	metrics  *Metrics
}

// NewRelayHub creates an empty hub. metrics may be nil.
func NewRelayHub(metrics *Metrics) *RelayHub {
	return &RelayHub{channels: make(map[string]*relayChannel), metrics: metrics}
}

// join adds a peer and reports whether the channel became paired. It
// returns false for ok when the party already holds a seat or the channel
// is full.
func (h *RelayHub) join(channel string, peer *relayPeer) (partner *relayPeer, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, exists := h.channels[channel]
	if !exists {
		ch = &relayChannel{peers: make(map[string]*relayPeer, 2)}
		h.channels[channel] = ch
		h.metrics.relayChannels(1)
	}
	if _, dup := ch.peers[peer.party]; dup || len(ch.peers) >= 2 {
		return nil, false
	}
	ch.peers[peer.party] = peer
	return ch.other(peer.party), true
}

// leave removes a peer and returns its partner, if any.
func (h *RelayHub) leave(channel string, peer *relayPeer) *relayPeer {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[channel]
	if !ok || ch.peers[peer.party] != peer {
		return nil
	}
	delete(ch.peers, peer.party)
	partner := ch.other(peer.party)
	if len(ch.peers) == 0 {
		delete(h.channels, channel)
		h.metrics.relayChannels(-1)
	}
	return partner
}

func (h *RelayHub) partner(channel, party string) *relayPeer {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[channel]
	if !ok {
		return nil
	}
	return ch.other(party)
}

// Serve runs one peer connection until it closes. It owns conn.
func (h *RelayHub) Serve(channel, party string, conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(transport.MaxMessageSize)

	peer := &relayPeer{party: party, conn: conn}
	partner, ok := h.join(channel, peer)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "RelayHub.Serve",
			"channel":  channel,
			"party":    party,
		}).Warn("Relay seat unavailable")
		peer.write(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "seat taken"))
		return
	}

	if partner == nil {
		peer.control(transport.RelayWaiting, "")
	} else {
		partner.control(transport.RelayPaired, party)
		peer.control(transport.RelayPaired, partner.party)
		logrus.WithFields(logrus.Fields{
			"function": "RelayHub.Serve",
			"channel":  channel,
			"parties":  []string{partner.party, party},
		}).Info("Relay channel paired")
	}

	defer func() {
		if other := h.leave(channel, peer); other != nil {
			other.control(transport.RelayPeerLeft, party)
		}
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "RelayHub.Serve",
				"channel":  channel,
				"party":    party,
				"error":    err.Error(),
			}).Debug("Relay peer left")
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		other := h.partner(channel, party)
		if other == nil {
			// not paired yet
			h.metrics.relayDropped()
			continue
		}
		if err := other.write(websocket.BinaryMessage, data); err != nil {
			other.conn.Close()
			continue
		}
		h.metrics.relayForwarded(len(data))
	}
}

// CloseChannel tells every peer of channel the call is over and closes
// their connections.
func (h *RelayHub) CloseChannel(channel string) {
	h.mu.Lock()
	ch, ok := h.channels[channel]
	var peers []*relayPeer
	if ok {
		for _, p := range ch.peers {
			peers = append(peers, p)
		}
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.control(transport.RelayPeerLeft, "")
		p.conn.Close()
	}
}

// Len returns the number of open channels.
func (h *RelayHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}
