package av

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/shipcall/av/audio"
	"github.com/opd-ai/shipcall/signaling"
	"github.com/opd-ai/shipcall/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fixedTime struct{ t time.Time }

func (f fixedTime) Now() time.Time                { return f.t }
func (f fixedTime) Since(time.Time) time.Duration { return 0 }

type fakeSignaling struct {
	mu            sync.Mutex
	initiateDesc  transport.Descriptor
	initiateErr   error
	initiateBlock bool
	answerErr     error
	answerBlock   bool

	initiated []string
	answered  []transport.Descriptor
	declined  []string
	ended     []string
}

func (f *fakeSignaling) Initiate(ctx context.Context, _ signaling.Party, callID string, _ transport.Kind) (transport.Descriptor, error) {
	f.mu.Lock()
	f.initiated = append(f.initiated, callID)
	block, desc, err := f.initiateBlock, f.initiateDesc, f.initiateErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return transport.Descriptor{}, ctx.Err()
	}
	return desc, err
}

func (f *fakeSignaling) NotifyAnswered(ctx context.Context, _ string, local transport.Descriptor) error {
	f.mu.Lock()
	f.answered = append(f.answered, local)
	block, err := f.answerBlock, f.answerErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeSignaling) NotifyDeclined(_ context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declined = append(f.declined, callID)
	return nil
}

func (f *fakeSignaling) NotifyEnded(_ context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, callID)
	return nil
}

func (f *fakeSignaling) counts() (answered, declined, ended int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.answered), len(f.declined), len(f.ended)
}

type fakeTransport struct {
	kind transport.Kind

	mu         sync.Mutex
	role       transport.Role
	prepared   transport.Descriptor
	local      transport.Descriptor
	handler    transport.Handler
	connectErr error
	block      bool
	sendErr    error
	sendCalls  int
	sent       [][]byte
	closed     bool
}

func (f *fakeTransport) Kind() transport.Kind { return f.kind }

func (f *fakeTransport) Prepare(role transport.Role, desc transport.Descriptor) (transport.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.role = role
	f.prepared = desc
	if f.local.Kind != 0 {
		return f.local, nil
	}
	return desc, nil
}

func (f *fakeTransport) Connect(ctx context.Context, h transport.Handler) error {
	f.mu.Lock()
	f.handler = h
	block, err := f.block, f.connectErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeTransport) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.closed {
		return transport.ErrClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeTransport) sends() (calls int, sent [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls, append([][]byte(nil), f.sent...)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) currentHandler() transport.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeTransport
	// configure adjusts each new transport before it is returned
	configure func(*fakeTransport)
}

func (f *fakeFactory) New(kind transport.Kind) (transport.Transport, error) {
	tr := &fakeTransport{kind: kind}
	if f.configure != nil {
		f.configure(tr)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, tr)
	return tr, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) only(t *testing.T) *fakeTransport {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.created, 1)
	return f.created[0]
}

type hostReport struct {
	kind   string
	callID string
	name   string
	reason EndReason
}

type fakeHost struct {
	mu      sync.Mutex
	reports []hostReport
}

func (h *fakeHost) ReportOutgoing(callID, name string) { h.add(hostReport{kind: "outgoing", callID: callID, name: name}) }
func (h *fakeHost) ReportIncoming(callID, name string) { h.add(hostReport{kind: "incoming", callID: callID, name: name}) }
func (h *fakeHost) ReportEnded(callID string, r EndReason) {
	h.add(hostReport{kind: "ended", callID: callID, reason: r})
}

func (h *fakeHost) add(r hostReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, r)
}

func (h *fakeHost) all() []hostReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hostReport(nil), h.reports...)
}

type fakeAudio struct {
	format audio.Format

	mu       sync.Mutex
	endpoint AudioEndpoint
	starts   int
	stops    int
}

func (f *fakeAudio) NativeFormat() audio.Format { return f.format }

func (f *fakeAudio) Start(ep AudioEndpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoint = ep
	f.starts++
	return nil
}

func (f *fakeAudio) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeAudio) running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts > f.stops
}

func (f *fakeAudio) current() AudioEndpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endpoint
}

type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *stateRecorder) record(c StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *stateRecorder) states() []CallState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallState, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.To)
	}
	return out
}

type testRig struct {
	m     *Manager
	sig   *fakeSignaling
	fac   *fakeFactory
	host  *fakeHost
	audio *fakeAudio
	rec   *stateRecorder
}

func newRig(t *testing.T, sig *fakeSignaling, fac *fakeFactory, opts *Options) *testRig {
	t.Helper()
	if sig == nil {
		sig = &fakeSignaling{}
	}
	if fac == nil {
		fac = &fakeFactory{}
	}
	r := &testRig{
		sig:   sig,
		fac:   fac,
		host:  &fakeHost{},
		audio: &fakeAudio{format: audio.Format{SampleRate: 48000, Channels: 1}},
		rec:   &stateRecorder{},
	}
	m, err := NewManager(sig, fac, r.host, r.audio, opts)
	require.NoError(t, err)
	m.SetStateCallback(r.rec.record)
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		if m.IsRunning() {
			_ = m.Stop()
		}
	})
	r.m = m
	return r
}

// session returns the manager's current session for white-box checks.
func (r *testRig) session() *session {
	r.m.stateMu.RLock()
	defer r.m.stateMu.RUnlock()
	return r.m.sess
}

func (r *testRig) waitState(t *testing.T, c *Call, want CallState) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, waitFor, tick,
		"call state %s, want %s", c.State(), want)
}
