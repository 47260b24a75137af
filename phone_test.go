package shipcall

import (
	"context"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/shipcall/av"
	"github.com/opd-ai/shipcall/av/audio"
	"github.com/opd-ai/shipcall/config"
	"github.com/opd-ai/shipcall/server"
	"github.com/opd-ai/shipcall/signaling"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// memAudio stands in for a sound card at the network format.
type memAudio struct {
	mu sync.Mutex
	ep av.AudioEndpoint
}

func (a *memAudio) NativeFormat() audio.Format { return audio.NetworkFormat }

func (a *memAudio) Start(ep av.AudioEndpoint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ep = ep
	return nil
}

func (a *memAudio) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ep = nil
	return nil
}

func (a *memAudio) endpoint() av.AudioEndpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ep
}

// answeringHost picks up every incoming call and activates audio.
type answeringHost struct {
	mu     sync.Mutex
	phone  *Phone
	ended  []av.EndReason
	rings  int
	placed int
}

func (h *answeringHost) ReportOutgoing(string, string) {
	h.mu.Lock()
	h.placed++
	h.mu.Unlock()
}

func (h *answeringHost) ReportIncoming(callID, _ string) {
	h.mu.Lock()
	h.rings++
	p := h.phone
	h.mu.Unlock()
	_ = p.Manager().AudioSessionActivated()
	_ = p.Manager().UserAnswered(callID)
}

func (h *answeringHost) ReportEnded(_ string, r av.EndReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended = append(h.ended, r)
}

func (h *answeringHost) ringCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rings
}

func (h *answeringHost) endings() []av.EndReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.ended)
}

type testPhone struct {
	*Phone
	host  *answeringHost
	audio *memAudio
}

func newTestPhone(t *testing.T, serverURL, id, kind, mode string, encrypt bool) *testPhone {
	t.Helper()
	cfg := config.Default()
	cfg.Phone.ID = id
	cfg.Phone.ServerURL = serverURL
	cfg.Phone.EventMode = mode
	cfg.Phone.PollInterval = config.Duration{Duration: 50 * time.Millisecond}
	cfg.Call.Transport = kind
	cfg.Direct.Port = 0
	cfg.Direct.Advertise = []string{"127.0.0.1"}
	cfg.Direct.Encrypt = encrypt
	cfg.Audio.Enabled = false

	tp := &testPhone{host: &answeringHost{}, audio: &memAudio{}}
	p, err := NewPhone(&Options{
		Config:     cfg,
		Host:       tp.host,
		AudioIO:    tp.audio,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	tp.Phone = p
	tp.host.phone = p

	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop() })
	return tp
}

func TestNewPhoneValidation(t *testing.T) {
	_, err := NewPhone(nil)
	assert.Error(t, err)

	cfg := config.Default()
	_, err = NewPhone(&Options{Config: cfg})
	assert.ErrorIs(t, err, ErrMissingIdentity)

	cfg.Phone.ID = "bridge"
	cfg.Call.Transport = "smoke-signal"
	_, err = NewPhone(&Options{Config: cfg})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestPhoneStartStop(t *testing.T) {
	cfg := config.Default()
	cfg.Phone.ID = "bridge"
	cfg.Audio.Enabled = false
	p, err := NewPhone(&Options{Config: cfg})
	require.NoError(t, err)

	assert.ErrorIs(t, p.Stop(), ErrNotStarted)
	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, p.Stop())
	assert.Equal(t, "bridge", p.Self().ID)
}

func TestTwoPhonesTalkThroughServer(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name    string
		kind    string
		encrypt bool
		mode    string
	}{
		{"direct", "direct", false, "websocket"},
		{"direct_noise", "direct", true, "websocket"},
		{"relayed", "relayed", false, "websocket"},
		{"direct_polling", "direct", false, "poll"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := server.New(server.NewOptions())
			ts := httptest.NewServer(srv.Handler())
			t.Cleanup(ts.Close)

			bridge := newTestPhone(t, ts.URL, "bridge", tt.kind, tt.mode, tt.encrypt)
			galley := newTestPhone(t, ts.URL, "galley", tt.kind, tt.mode, tt.encrypt)

			call, err := bridge.Call("galley")
			require.NoError(t, err)
			require.NoError(t, bridge.Manager().AudioSessionActivated())

			require.Eventually(t, func() bool { return call.State() == av.StateActive }, waitFor, tick)
			var answered *av.Call
			require.Eventually(t, func() bool {
				answered = galley.Manager().ActiveCall()
				return answered != nil && answered.State() == av.StateActive
			}, waitFor, tick)

			assert.Equal(t, call.ID(), answered.ID())
			require.Eventually(t, func() bool {
				return answered.StartTime().Equal(call.StartTime())
			}, waitFor, tick, "responder adopts the handshake start time")

			// bridge speaks, galley hears
			require.Eventually(t, func() bool { return bridge.audio.endpoint() != nil && galley.audio.endpoint() != nil }, waitFor, tick)
			bridge.audio.endpoint().Capture([]int16{100, -200, 300})
			require.Eventually(t, func() bool {
				out := make([]int16, 3)
				galley.audio.endpoint().Render(out)
				return slices.Equal(out, []int16{100, -200, 300})
			}, waitFor, tick)

			require.NoError(t, bridge.Manager().HangUp())
			require.Eventually(t, func() bool { return answered.State() == av.StateEnded }, waitFor, tick)
			assert.Equal(t, av.ReasonLocalEnded, call.EndReason())
			assert.Equal(t, av.ReasonRemoteEnded, answered.EndReason())

			require.Eventually(t, func() bool { return len(galley.host.endings()) == 1 }, waitFor, tick)
			assert.Equal(t, []av.EndReason{av.ReasonRemoteEnded}, galley.host.endings())
		})
	}
}

func TestPhoneIgnoresCallsFinishedBeforeStart(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := server.New(server.NewOptions())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	// a call that rang and ended while galley was offline
	srv.Events().Publish("galley", signaling.Event{
		Type:   signaling.EventInvite,
		CallID: "missed",
		From:   signaling.Party{ID: "bridge"},
	})
	srv.Events().Publish("galley", signaling.Event{Type: signaling.EventEnded, CallID: "missed"})

	galley := newTestPhone(t, ts.URL, "galley", "direct", "websocket", false)
	bridge := newTestPhone(t, ts.URL, "bridge", "direct", "websocket", false)

	call, err := bridge.Call("galley")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return call.State() == av.StateActive }, waitFor, tick)

	assert.Equal(t, 1, galley.host.ringCount())
	assert.Empty(t, galley.host.endings())
	assert.Equal(t, call.ID(), galley.Manager().ActiveCall().ID())
}

func TestDeclinedCall(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := server.New(server.NewOptions())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	caller := newTestPhone(t, ts.URL, "bridge", "direct", "websocket", false)

	cfg := config.Default()
	cfg.Phone.ID = "galley"
	cfg.Phone.ServerURL = ts.URL
	cfg.Audio.Enabled = false
	declining := &decliningHost{}
	callee, err := NewPhone(&Options{Config: cfg, Host: declining})
	require.NoError(t, err)
	declining.phone = callee
	require.NoError(t, callee.Start(context.Background()))
	t.Cleanup(func() { _ = callee.Stop() })

	call, err := caller.Call("galley")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return call.State() == av.StateEnded }, waitFor, tick)
	assert.Equal(t, av.ReasonDeclined, call.EndReason())
	assert.ErrorIs(t, caller.Manager().LastError(), av.ErrDeclined)
}

type decliningHost struct {
	av.NopHost
	phone *Phone
}

func (h *decliningHost) ReportIncoming(callID, _ string) {
	_ = h.phone.Manager().UserDeclined(callID)
}
