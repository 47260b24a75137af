// Package server is the coordination server phones talk to: it brokers
// call setup, pushes per-party event feeds and relays audio for calls that
// cannot go device to device.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/shipcall/signaling"
)

var errMissingParty = fmt.Errorf("party query parameter is required: %w", ErrBadRequest)

// Options configures a Server.
type Options struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string
	// MaxRingTime bounds an initiate long poll; the call is ended after it.
	MaxRingTime time.Duration
	// EventLog is the number of events kept per party for replay.
	EventLog int
	// FeedPingPeriod is the websocket keepalive interval for event feeds.
	FeedPingPeriod time.Duration
	// Registry receives server collectors and backs /metrics. A nil
	// Registry gets a private one.
	Registry *prometheus.Registry
}

// NewOptions returns defaults suitable for a ship network.
func NewOptions() *Options {
	return &Options{
		ListenAddr:     ":8080",
		MaxRingTime:    60 * time.Second,
		EventLog:       DefaultEventLog,
		FeedPingPeriod: 20 * time.Second,
	}
}

// Server wires the call registry, event bus and relay hub behind gin
// routes.
type Server struct {
	opts     Options
	calls    *Registry
	bus      *EventBus
	hub      *RelayHub
	metrics  *Metrics
	router   *gin.Engine
	upgrader websocket.Upgrader
}

// New builds a Server and its routes.
//
// Parameters:
//   - opts: server options; nil uses NewOptions
//
// Returns:
//   - *Server: ready to Run or to mount via Handler
func New(opts *Options) *Server {
	if opts == nil {
		opts = NewOptions()
	}
	o := *opts
	if o.MaxRingTime <= 0 {
		o.MaxRingTime = 60 * time.Second
	}
	if o.FeedPingPeriod <= 0 {
		o.FeedPingPeriod = 20 * time.Second
	}
	if o.Registry == nil {
		o.Registry = prometheus.NewRegistry()
	}

	metrics := NewMetrics(o.Registry)
	s := &Server{
		opts:    o,
		calls:   NewRegistry(metrics),
		bus:     NewEventBus(o.EventLog, metrics),
		hub:     NewRelayHub(metrics),
		metrics: metrics,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			// phones are not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(s.metrics), gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.POST("/calls", s.handleInitiate)
	v1.POST("/calls/:id/answer", s.handleAnswer)
	v1.POST("/calls/:id/decline", s.handleDecline)
	v1.POST("/calls/:id/end", s.handleEnd)
	v1.GET("/events", requireParty(), s.handleFeed)
	v1.GET("/events/poll", requireParty(), s.handlePoll)
	v1.GET("/relay/:channel", requireParty(), s.handleRelay)
	return r
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry returns the live call registry.
func (s *Server) Registry() *Registry {
	return s.calls
}

// Events returns the event bus.
func (s *Server) Events() *EventBus {
	return s.bus
}

// Run serves on ListenAddr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "Server.Run",
			"addr":     s.opts.ListenAddr,
		}).Info("Coordination server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"calls":          s.calls.Len(),
		"relay_channels": s.hub.Len(),
	})
}

// handleInitiate creates the call, rings the callee and holds the request
// open until the call is answered, declined or ended.
func (s *Server) handleInitiate(c *gin.Context) {
	var req signaling.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	rec, err := s.calls.Create(req)
	if err != nil {
		abortError(c, err)
		return
	}

	s.bus.Publish(rec.Callee, signaling.Event{
		Type:      signaling.EventInvite,
		CallID:    rec.ID,
		From:      rec.Caller,
		Transport: rec.Hint(),
	})

	timer := time.NewTimer(s.opts.MaxRingTime)
	defer timer.Stop()

	select {
	case <-rec.Done():
	case <-c.Request.Context().Done():
		// caller gave up
		s.end(rec.ID, rec.Caller.ID)
		return
	case <-timer.C:
		logrus.WithFields(logrus.Fields{
			"function": "handleInitiate",
			"call_id":  rec.ID,
		}).Info("Ring time exceeded")
		s.end(rec.ID, rec.Caller.ID)
		<-rec.Done()
	}
	c.JSON(http.StatusOK, rec.Result())
}

func (s *Server) handleAnswer(c *gin.Context) {
	var req signaling.PartyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	rec, err := s.calls.Answer(c.Param("id"), req.Party, req.Transport)
	if err != nil {
		abortError(c, err)
		return
	}
	s.bus.Publish(rec.Caller.ID, signaling.Event{
		Type:      signaling.EventAnswered,
		CallID:    rec.ID,
		From:      signaling.Party{ID: rec.Callee},
		Transport: req.Transport,
	})
	c.JSON(http.StatusOK, gin.H{"state": rec.State()})
}

func (s *Server) handleDecline(c *gin.Context) {
	var req signaling.PartyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	rec, err := s.calls.Decline(c.Param("id"), req.Party)
	if err != nil {
		abortError(c, err)
		return
	}
	s.bus.Publish(rec.Caller.ID, signaling.Event{
		Type:   signaling.EventDeclined,
		CallID: rec.ID,
		From:   signaling.Party{ID: rec.Callee},
	})
	if rec.Channel != "" {
		s.hub.CloseChannel(rec.Channel)
	}
	c.JSON(http.StatusOK, gin.H{"state": rec.State()})
}

func (s *Server) handleEnd(c *gin.Context) {
	var req signaling.PartyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	rec, err := s.end(c.Param("id"), req.Party)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": rec.State()})
}

// end finishes a call for party, tells the other side and tears down any
// relay channel.
func (s *Server) end(id, party string) (*Record, error) {
	rec, err := s.calls.End(id, party)
	if err != nil {
		return nil, err
	}
	from := rec.Caller
	if party != rec.Caller.ID {
		from = signaling.Party{ID: party}
	}
	s.bus.Publish(rec.Other(party), signaling.Event{
		Type:   signaling.EventEnded,
		CallID: rec.ID,
		From:   from,
	})
	if rec.Channel != "" {
		s.hub.CloseChannel(rec.Channel)
	}
	return rec, nil
}

// cursorParam reads the client's resume point. A cursor from another epoch
// belongs to an earlier server process and restarts from the beginning.
func (s *Server) cursorParam(c *gin.Context) (uint64, error) {
	if epoch := c.Query("epoch"); epoch != "" && epoch != s.bus.Epoch() {
		return 0, nil
	}
	raw := c.Query("after")
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return after, nil
}

func (s *Server) handlePoll(c *gin.Context) {
	after, err := s.cursorParam(c)
	if err != nil {
		abortError(c, err)
		return
	}
	events, cursor := s.bus.After(c.Query("party"), after)
	c.JSON(http.StatusOK, signaling.PollResponse{Events: events, Cursor: cursor, Epoch: s.bus.Epoch()})
}

// handleFeed upgrades to a websocket, replays events after the cursor and
// pushes new ones as they are published.
func (s *Server) handleFeed(c *gin.Context) {
	after, err := s.cursorParam(c)
	if err != nil {
		abortError(c, err)
		return
	}
	party := c.Query("party")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already replied
		return
	}
	defer conn.Close()

	replay, events, cancel := s.bus.Subscribe(party, after)
	defer cancel()

	// the reader only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, ev := range replay {
		if err := s.writeEvent(conn, ev); err != nil {
			return
		}
	}

	ping := time.NewTicker(s.opts.FeedPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				// fell behind; the client reconnects from its cursor
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "slow consumer"),
					time.Now().Add(time.Second))
				return
			}
			if err := s.writeEvent(conn, ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(relayWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev signaling.Event) error {
	conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	return conn.WriteJSON(ev)
}

func (s *Server) handleRelay(c *gin.Context) {
	channel, party := c.Param("channel"), c.Query("party")
	if !s.calls.ChannelAllowed(channel, party) {
		abortError(c, ErrNotParticipant)
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	s.hub.Serve(channel, party, conn)
}

// abortError maps registry errors onto HTTP statuses.
func abortError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrCallNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrCallExists), errors.Is(err, ErrBadTransition):
		status = http.StatusConflict
	case errors.Is(err, ErrNotParticipant):
		status = http.StatusForbidden
	case errors.Is(err, ErrBadRequest):
		status = http.StatusBadRequest
	}
	c.AbortWithStatusJSON(status, signaling.ErrorResponse{Error: err.Error()})
}
