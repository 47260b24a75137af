package signaling

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Poller fetches feed events on a fixed interval for phones that cannot
// hold a websocket open. It asks for everything after the last delivered
// sequence number, so several events between two ticks all arrive.
type Poller struct {
	client   *HTTPClient
	interval time.Duration
}

// NewPoller creates a poller bound to client's party and cursor.
func NewPoller(client *HTTPClient, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{client: client, interval: interval}
}

// Poll performs one fetch and returns events after the client cursor. It
// does not advance the cursor; delivery through Run does.
func (p *Poller) Poll(ctx context.Context) ([]Event, error) {
	var resp PollResponse
	path := PathPoll + "?" + p.client.feedQuery()
	if err := p.client.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Run polls until ctx is done, passing each event to deliver in order.
func (p *Poller) Run(ctx context.Context, deliver func(Event)) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		events, err := p.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "Poller.Run",
				"error":    err.Error(),
			}).Warn("Event poll failed")
		}
		for _, ev := range events {
			deliver(ev)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
