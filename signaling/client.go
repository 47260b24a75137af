package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/shipcall/transport"
)

// Event delivery modes.
const (
	ModeWebsocket = "websocket"
	ModePoll      = "poll"
)

// ClientOptions configures an HTTPClient.
type ClientOptions struct {
	// BaseURL of the coordination server, e.g. http://bridge:8080.
	BaseURL string
	// Self identifies this phone.
	Self Party
	// HTTP is the client used for requests. It must not set a Timeout
	// shorter than the initiate long poll.
	HTTP *http.Client
	// RequestTimeout bounds notify requests whose ctx has no deadline.
	RequestTimeout time.Duration
	// EventMode is ModeWebsocket or ModePoll.
	EventMode string
	// PollInterval is the poll period in ModePoll; it is the latency bound
	// for remote events.
	PollInterval time.Duration
	// ReconnectDelay is the wait between feed reconnects.
	ReconnectDelay time.Duration
}

// NewClientOptions returns defaults for a phone on the ship network.
func NewClientOptions() *ClientOptions {
	return &ClientOptions{
		HTTP:           &http.Client{},
		RequestTimeout: 5 * time.Second,
		EventMode:      ModeWebsocket,
		PollInterval:   time.Second,
		ReconnectDelay: 2 * time.Second,
	}
}

// HTTPClient implements Client against the coordination server's JSON API.
type HTTPClient struct {
	opts ClientOptions
	base *url.URL

	mu     sync.Mutex
	cursor uint64
	epoch  string
	synced bool
}

// NewHTTPClient validates opts and creates a client.
func NewHTTPClient(opts *ClientOptions) (*HTTPClient, error) {
	if opts == nil {
		opts = NewClientOptions()
	}
	if opts.Self.ID == "" {
		return nil, errors.New("signaling client needs a party id")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("invalid signaling base url %q", opts.BaseURL)
	}
	o := *opts
	if o.HTTP == nil {
		o.HTTP = &http.Client{}
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 2 * time.Second
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewHTTPClient",
		"base_url": base.String(),
		"party":    o.Self.ID,
		"mode":     o.EventMode,
	}).Info("Signaling client created")

	return &HTTPClient{opts: o, base: base}, nil
}

// Self returns the local party.
func (c *HTTPClient) Self() Party {
	return c.opts.Self
}

// Initiate implements Client.
func (c *HTTPClient) Initiate(ctx context.Context, remote Party, callID string, kind transport.Kind) (transport.Descriptor, error) {
	req := InitiateRequest{CallID: callID, Caller: c.opts.Self, Callee: remote.ID, Kind: kind}

	var resp InitiateResponse
	if err := c.do(ctx, http.MethodPost, PathCalls, req, &resp); err != nil {
		return transport.Descriptor{}, fmt.Errorf("initiate %s: %w", callID, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Initiate",
		"call_id":  callID,
		"outcome":  resp.Outcome,
	}).Info("Initiate resolved")

	switch resp.Outcome {
	case OutcomeAnswered:
		if resp.Transport == nil {
			return transport.Descriptor{}, ErrMissingTransport
		}
		return *resp.Transport, nil
	case OutcomeDeclined:
		return transport.Descriptor{}, ErrDeclined
	case OutcomeEnded:
		return transport.Descriptor{}, ErrRemoteEnded
	default:
		return transport.Descriptor{}, fmt.Errorf("unknown outcome %q: %w", resp.Outcome, ErrRequestFailed)
	}
}

// NotifyAnswered implements Client.
func (c *HTTPClient) NotifyAnswered(ctx context.Context, callID string, local transport.Descriptor) error {
	return c.notify(ctx, callID, "answer", &local)
}

// NotifyDeclined implements Client.
func (c *HTTPClient) NotifyDeclined(ctx context.Context, callID string) error {
	return c.notify(ctx, callID, "decline", nil)
}

// NotifyEnded implements Client.
func (c *HTTPClient) NotifyEnded(ctx context.Context, callID string) error {
	return c.notify(ctx, callID, "end", nil)
}

func (c *HTTPClient) notify(ctx context.Context, callID, action string, desc *transport.Descriptor) error {
	if _, ok := ctx.Deadline(); !ok && c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	path := PathCalls + "/" + url.PathEscape(callID) + "/" + action
	body := PartyRequest{Party: c.opts.Self.ID, Transport: desc}
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("%s %s: %w", action, callID, err)
	}
	return nil
}

// do sends a JSON request and decodes a JSON response into out.
func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.opts.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return statusError(resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(code int, msg string) error {
	var base error
	switch code {
	case http.StatusNotFound:
		base = ErrCallNotFound
	case http.StatusConflict:
		base = ErrConflict
	default:
		base = ErrRequestFailed
	}
	return fmt.Errorf("%w: %d %s", base, code, msg)
}

// Sync moves the cursor to the server's latest event for this party
// without delivering anything, so a phone coming online does not act on
// invites for calls that finished while it was away.
func (c *HTTPClient) Sync(ctx context.Context) error {
	q := url.Values{}
	q.Set("party", c.opts.Self.ID)

	var resp PollResponse
	if err := c.do(ctx, http.MethodGet, PathPoll+"?"+q.Encode(), nil, &resp); err != nil {
		return fmt.Errorf("sync feed: %w", err)
	}

	c.mu.Lock()
	c.cursor = resp.Cursor
	c.epoch = resp.Epoch
	c.synced = true
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Sync",
		"party":    c.opts.Self.ID,
		"cursor":   resp.Cursor,
		"epoch":    resp.Epoch,
	}).Debug("Event feed synced")
	return nil
}

// Synced reports whether Sync has succeeded at least once.
func (c *HTTPClient) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Subscribe implements Client using the configured event mode. It resumes
// after the cursor, so call Sync first to skip the retained backlog. It
// returns ctx.Err() when ctx is done.
func (c *HTTPClient) Subscribe(ctx context.Context, fn func(Event)) error {
	deliver := c.dedup(fn)
	if c.opts.EventMode == ModePoll {
		return NewPoller(c, c.opts.PollInterval).Run(ctx, deliver)
	}
	for {
		err := c.streamEvents(ctx, deliver)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logrus.WithFields(logrus.Fields{
			"function": "Subscribe",
			"error":    fmt.Sprint(err),
			"retry_in": c.opts.ReconnectDelay.String(),
		}).Warn("Event feed disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

// AwaitSync retries Sync every ReconnectDelay until it succeeds or ctx is
// done. It returns at once when the client has already synced.
func (c *HTTPClient) AwaitSync(ctx context.Context) error {
	for !c.Synced() {
		err := c.Sync(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logrus.WithFields(logrus.Fields{
			"function": "AwaitSync",
			"error":    err.Error(),
			"retry_in": c.opts.ReconnectDelay.String(),
		}).Warn("Event feed sync failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
	return nil
}

// dedup drops events at or below the cursor and advances it. An event from
// a new server epoch restarts the cursor, since numbering started over.
func (c *HTTPClient) dedup(fn func(Event)) func(Event) {
	return func(ev Event) {
		c.mu.Lock()
		if ev.Epoch != "" && ev.Epoch != c.epoch {
			if c.epoch != "" {
				logrus.WithFields(logrus.Fields{
					"function": "dedup",
					"party":    c.opts.Self.ID,
					"old":      c.epoch,
					"new":      ev.Epoch,
				}).Info("Server epoch changed, restarting cursor")
			}
			c.epoch = ev.Epoch
			c.cursor = 0
		}
		if ev.Seq <= c.cursor {
			c.mu.Unlock()
			return
		}
		c.cursor = ev.Seq
		c.mu.Unlock()
		fn(ev)
	}
}

// Cursor returns the last delivered sequence number.
func (c *HTTPClient) Cursor() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Epoch returns the server epoch the cursor belongs to.
func (c *HTTPClient) Epoch() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// feedQuery identifies this party and resumes after the cursor. The epoch
// lets the server tell a cursor from an earlier process.
func (c *HTTPClient) feedQuery() string {
	c.mu.Lock()
	cursor, epoch := c.cursor, c.epoch
	c.mu.Unlock()

	q := url.Values{}
	q.Set("party", c.opts.Self.ID)
	q.Set("after", strconv.FormatUint(cursor, 10))
	if epoch != "" {
		q.Set("epoch", epoch)
	}
	return q.Encode()
}

func (c *HTTPClient) streamEvents(ctx context.Context, deliver func(Event)) error {
	target := c.base.String() + PathEvents + "?" + c.feedQuery()
	target = "ws" + strings.TrimPrefix(target, "http")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	logrus.WithFields(logrus.Fields{
		"function": "streamEvents",
		"party":    c.opts.Self.ID,
		"after":    c.Cursor(),
	}).Debug("Event feed connected")

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		deliver(ev)
	}
}
