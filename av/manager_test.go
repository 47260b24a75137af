package av

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/shipcall/av/frame"
	"github.com/opd-ai/shipcall/signaling"
	"github.com/opd-ai/shipcall/transport"
)

var bridge = signaling.Party{ID: "bridge", DisplayName: "Bridge"}

func directDescriptor() transport.Descriptor {
	return transport.Descriptor{Kind: transport.KindDirect, Addresses: []string{"10.0.0.5"}, Port: 80}
}

// activeOutgoing places a call that the fakes accept and connect at once.
func activeOutgoing(t *testing.T, opts *Options) (*testRig, *Call, *fakeTransport) {
	t.Helper()
	r := newRig(t, &fakeSignaling{initiateDesc: directDescriptor()}, nil, opts)
	c, err := r.m.RequestCall(bridge)
	require.NoError(t, err)
	r.waitState(t, c, StateActive)
	return r, c, r.fac.only(t)
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(nil, &fakeFactory{}, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewManager(&fakeSignaling{}, nil, nil, nil, nil)
	assert.Error(t, err)

	m, err := NewManager(&fakeSignaling{}, &fakeFactory{}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultInitiateTimeout, m.opts.InitiateTimeout)
	assert.Equal(t, transport.KindDirect, m.opts.Kind)
	assert.IsType(t, NopHost{}, m.host)
}

func TestManagerLifecycle(t *testing.T) {
	m, err := NewManager(&fakeSignaling{}, &fakeFactory{}, nil, nil, nil)
	require.NoError(t, err)

	_, err = m.RequestCall(bridge)
	assert.ErrorIs(t, err, ErrEngineNotRunning)
	assert.ErrorIs(t, m.Stop(), ErrEngineNotRunning)

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	assert.ErrorIs(t, m.Start(), ErrEngineAlreadyRunning)
	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
	assert.ErrorIs(t, m.HangUp(), ErrEngineNotRunning)
}

// Initiator requests a call, signaling returns a direct descriptor for
// 10.0.0.5:80, the transport connects, a handshake carrying T0 is sent and
// the call runs Requesting, Connecting, Active with start time T0.
func TestOutgoingDirectCallBecomesActive(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r, c, tr := activeOutgoing(t, &Options{TimeProvider: fixedTime{t0}})

	assert.Equal(t, transport.RoleInitiator, tr.role)
	assert.Equal(t, []string{"10.0.0.5:80"}, tr.prepared.Endpoints())
	assert.Equal(t, transport.KindDirect, c.TransportKind())

	_, sent := tr.sends()
	require.NotEmpty(t, sent)
	assert.Equal(t, frame.EncodeHandshake(t0), sent[0])
	assert.True(t, c.StartTime().Equal(t0))
	assert.Equal(t, t0, c.StreamingAt())

	require.Eventually(t, func() bool { return len(r.rec.states()) == 3 }, waitFor, tick)
	assert.Equal(t, []CallState{StateRequesting, StateConnecting, StateActive}, r.rec.states())

	assert.Same(t, c, r.m.ActiveCall())
	reports := r.host.all()
	require.NotEmpty(t, reports)
	assert.Equal(t, hostReport{kind: "outgoing", callID: c.ID(), name: "Bridge"}, reports[0])
}

// Responder in Ringing receives userDeclined: the decline is sent once,
// the call ends Declined and no transport is ever opened.
func TestIncomingDeclineNeverOpensTransport(t *testing.T) {
	r := newRig(t, nil, nil, nil)
	require.NoError(t, r.m.ReceiveIncomingInvite(bridge, "call-1", transport.Descriptor{}))
	c := r.m.ActiveCall()
	require.NotNil(t, c)
	assert.Equal(t, StateRinging, c.State())

	require.NoError(t, r.m.UserDeclined("call-1"))
	require.NoError(t, r.m.Stop())

	assert.Equal(t, StateEnded, c.State())
	assert.Equal(t, ReasonDeclined, c.EndReason())
	_, declined, ended := r.sig.counts()
	assert.Equal(t, 1, declined)
	assert.Zero(t, ended)
	assert.Zero(t, r.fac.count())

	assert.Equal(t, []hostReport{
		{kind: "incoming", callID: "call-1", name: "Bridge"},
		{kind: "ended", callID: "call-1", reason: ReasonDeclined},
	}, r.host.all())
}

// The transport reports a send error while Active: the call fails, the
// jitter buffer is released and nothing more is sent.
func TestTransportErrorWhileActiveFailsCall(t *testing.T) {
	r, c, tr := activeOutgoing(t, nil)
	require.NoError(t, r.m.AudioSessionActivated())
	require.Eventually(t, r.audio.running, waitFor, tick)
	s := r.session()
	require.NotNil(t, s)

	tr.currentHandler().HandleError(fmt.Errorf("direct write: %w", errors.New("broken pipe")))
	r.waitState(t, c, StateEnded)

	assert.Equal(t, ReasonFailed, c.EndReason())
	assert.ErrorIs(t, r.m.LastError(), ErrTransportFailure)
	assert.True(t, s.jitter.Released())
	assert.True(t, tr.isClosed())
	assert.False(t, r.audio.running())

	calls, _ := tr.sends()
	r.audio.current().Capture(make([]int16, 480))
	after, _ := tr.sends()
	assert.Equal(t, calls, after, "no send after teardown")
	assert.Nil(t, r.m.ActiveCall())
	assert.Same(t, c, r.m.LastCall())
}

func TestCaptureSendErrorFailsCall(t *testing.T) {
	r, c, tr := activeOutgoing(t, nil)
	require.NoError(t, r.m.AudioSessionActivated())
	require.Eventually(t, r.audio.running, waitFor, tick)

	tr.setSendErr(errors.New("connection reset"))
	ep := r.audio.current()
	ep.Capture(make([]int16, 960))
	r.waitState(t, c, StateEnded)

	assert.Equal(t, ReasonFailed, c.EndReason())
	calls, _ := tr.sends()
	ep.Capture(make([]int16, 960))
	after, _ := tr.sends()
	assert.Equal(t, calls, after)
}

func TestRequestWhileInCallFails(t *testing.T) {
	r := newRig(t, &fakeSignaling{initiateBlock: true}, nil, nil)
	first, err := r.m.RequestCall(bridge)
	require.NoError(t, err)

	second, err := r.m.RequestCall(signaling.Party{ID: "engine-room"})
	assert.ErrorIs(t, err, ErrAlreadyInCall)
	assert.Nil(t, second)

	require.NoError(t, r.m.ReceiveIncomingInvite(signaling.Party{ID: "galley"}, "other", transport.Descriptor{}))
	assert.Same(t, first, r.m.ActiveCall())
	assert.Equal(t, StateRequesting, first.State())
}

func TestDuplicateInviteIgnored(t *testing.T) {
	r := newRig(t, nil, nil, nil)
	require.NoError(t, r.m.ReceiveIncomingInvite(bridge, "call-1", transport.Descriptor{}))
	c := r.m.ActiveCall()
	require.NoError(t, r.m.ReceiveIncomingInvite(bridge, "call-1", transport.Descriptor{}))
	assert.Same(t, c, r.m.ActiveCall())

	require.NoError(t, r.m.Decline())
	require.NoError(t, r.m.ReceiveIncomingInvite(bridge, "call-1", transport.Descriptor{}))
	assert.Nil(t, r.m.ActiveCall(), "replayed invite for an ended call")
}

func TestOutgoingOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		reason  EndReason
		lastErr error
		notify  bool
	}{
		{"declined", fmt.Errorf("initiate: %w", signaling.ErrDeclined), ReasonDeclined, ErrDeclined, false},
		{"remote_ended", signaling.ErrRemoteEnded, ReasonRemoteEnded, nil, false},
		{"server_error", fmt.Errorf("%w: 500", signaling.ErrRequestFailed), ReasonFailed, ErrSignalingFailure, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, &fakeSignaling{initiateErr: tt.err}, nil, nil)
			c, err := r.m.RequestCall(bridge)
			require.NoError(t, err)
			r.waitState(t, c, StateEnded)
			require.NoError(t, r.m.Stop())

			assert.Equal(t, tt.reason, c.EndReason())
			if tt.lastErr == nil {
				assert.NoError(t, r.m.LastError())
			} else {
				assert.ErrorIs(t, r.m.LastError(), tt.lastErr)
			}
			_, _, ended := r.sig.counts()
			assert.Equal(t, tt.notify, ended == 1)
			assert.Zero(t, r.fac.count())
		})
	}
}

func TestSetupTimeouts(t *testing.T) {
	short := 30 * time.Millisecond

	t.Run("initiate", func(t *testing.T) {
		r := newRig(t, &fakeSignaling{initiateBlock: true}, nil, &Options{InitiateTimeout: short})
		c, err := r.m.RequestCall(bridge)
		require.NoError(t, err)
		r.waitState(t, c, StateEnded)
		assert.Equal(t, ReasonTimedOut, c.EndReason())
		assert.ErrorIs(t, r.m.LastError(), ErrTimedOut)
	})

	t.Run("connect", func(t *testing.T) {
		fac := &fakeFactory{configure: func(tr *fakeTransport) { tr.block = true }}
		r := newRig(t, &fakeSignaling{initiateDesc: directDescriptor()}, fac, &Options{ConnectTimeout: short})
		c, err := r.m.RequestCall(bridge)
		require.NoError(t, err)
		r.waitState(t, c, StateEnded)
		assert.Equal(t, ReasonTimedOut, c.EndReason())
		assert.True(t, fac.only(t).isClosed())
	})

	t.Run("answer", func(t *testing.T) {
		fac := &fakeFactory{configure: func(tr *fakeTransport) { tr.block = true }}
		r := newRig(t, &fakeSignaling{answerBlock: true}, fac, &Options{AnswerTimeout: short})
		require.NoError(t, r.m.ReceiveIncomingInvite(bridge, "call-1", transport.Descriptor{}))
		c := r.m.ActiveCall()
		require.NoError(t, r.m.UserAnswered("call-1"))
		r.waitState(t, c, StateEnded)
		assert.Equal(t, ReasonTimedOut, c.EndReason())
	})
}

func TestIncomingRelayedAnswer(t *testing.T) {
	t1 := time.Unix(1760000000, 500)
	r := newRig(t, nil, nil, &Options{Kind: transport.KindRelayed})
	hints := transport.Descriptor{Kind: transport.KindRelayed, Channel: "chan-9"}
	require.NoError(t, r.m.ReceiveIncomingInvite(bridge, "call-7", hints))
	c := r.m.ActiveCall()

	require.NoError(t, r.m.UserAnswered("call-7"))
	r.waitState(t, c, StateActive)

	tr := r.fac.only(t)
	assert.Equal(t, transport.RoleResponder, tr.role)
	assert.Equal(t, hints, tr.prepared)
	require.Eventually(t, func() bool { a, _, _ := r.sig.counts(); return a == 1 }, waitFor, tick)
	assert.Equal(t, hints, r.sig.answered[0])

	h := tr.currentHandler()
	h.HandleMessage(frame.EncodeHandshake(t1))
	require.Eventually(t, func() bool { return c.StartTime().Equal(t1) }, waitFor, tick)

	h.HandleMessage(frame.EncodeAudio([]int16{1, 2, 3, 4}))
	assert.Equal(t, 8, r.session().jitter.Len())

	_, sent := tr.sends()
	assert.Empty(t, sent, "responder sends no handshake")
}

func TestIncomingDirectAnswerAdvertisesListener(t *testing.T) {
	local := transport.Descriptor{Kind: transport.KindDirect, Addresses: []string{"10.0.0.9"}, Port: 7800}
	fac := &fakeFactory{configure: func(tr *fakeTransport) { tr.local = local }}
	r := newRig(t, nil, fac, nil)
	require.NoError(t, r.m.ReceiveIncomingInvite(bridge, "call-2", transport.Descriptor{Kind: transport.KindDirect}))
	c := r.m.ActiveCall()

	require.NoError(t, r.m.Answer())
	r.waitState(t, c, StateActive)
	require.Eventually(t, func() bool { a, _, _ := r.sig.counts(); return a == 1 }, waitFor, tick)

	r.sig.mu.Lock()
	defer r.sig.mu.Unlock()
	assert.Equal(t, local, r.sig.answered[0])
	assert.Equal(t, transport.Descriptor{Kind: transport.KindDirect}, r.fac.only(t).prepared)
}

func TestAnswerOnlyFromRinging(t *testing.T) {
	r := newRig(t, &fakeSignaling{initiateBlock: true}, nil, nil)
	assert.ErrorIs(t, r.m.Answer(), ErrNoActiveCall)

	_, err := r.m.RequestCall(bridge)
	require.NoError(t, err)
	assert.ErrorIs(t, r.m.Answer(), ErrInvalidTransition)
}

func TestRemoteEndWhileActive(t *testing.T) {
	t.Run("feed_event", func(t *testing.T) {
		r, c, _ := activeOutgoing(t, nil)
		r.m.HandleSignalingEvent(signaling.Event{Type: signaling.EventEnded, CallID: "someone-else"})
		r.m.HandleSignalingEvent(signaling.Event{Type: signaling.EventEnded, CallID: c.ID()})
		r.waitState(t, c, StateEnded)
		require.NoError(t, r.m.Stop())

		assert.Equal(t, ReasonRemoteEnded, c.EndReason())
		assert.NoError(t, r.m.LastError())
		_, declined, ended := r.sig.counts()
		assert.Zero(t, declined+ended, "remote end is not echoed back")
	})

	t.Run("peer_closed", func(t *testing.T) {
		r, c, tr := activeOutgoing(t, nil)
		tr.currentHandler().HandleError(fmt.Errorf("direct read: %w", transport.ErrPeerClosed))
		r.waitState(t, c, StateEnded)
		assert.Equal(t, ReasonRemoteEnded, c.EndReason())
	})
}

func TestHangUpNotifiesEnd(t *testing.T) {
	r, c, tr := activeOutgoing(t, nil)
	require.NoError(t, r.m.UserHungUp(c.ID()))
	require.NoError(t, r.m.Stop())

	assert.Equal(t, ReasonLocalEnded, c.EndReason())
	assert.True(t, tr.isClosed())
	_, declined, ended := r.sig.counts()
	assert.Zero(t, declined)
	assert.Equal(t, 1, ended)

	assert.False(t, c.EndedAt().IsZero())
}

func TestEndedCallAcceptsNoFurtherActions(t *testing.T) {
	r, c, _ := activeOutgoing(t, nil)
	require.NoError(t, r.m.HangUp())

	assert.ErrorIs(t, r.m.HangUp(), ErrNoActiveCall)
	assert.ErrorIs(t, r.m.UserHungUp(c.ID()), ErrUnknownCall)
	r.m.HandleSignalingEvent(signaling.Event{Type: signaling.EventEnded, CallID: c.ID()})
	require.NoError(t, r.m.Stop())
	assert.Equal(t, ReasonLocalEnded, c.EndReason())
}

func TestHostActionForUnknownCall(t *testing.T) {
	r := newRig(t, nil, nil, nil)
	assert.ErrorIs(t, r.m.UserAnswered("ghost"), ErrUnknownCall)

	require.NoError(t, r.m.ReceiveIncomingInvite(bridge, "call-1", transport.Descriptor{}))
	assert.ErrorIs(t, r.m.UserDeclined("call-2"), ErrUnknownCall)
	assert.Equal(t, StateRinging, r.m.ActiveCall().State())
}

func TestAudioFollowsSessionActivation(t *testing.T) {
	r, _, _ := activeOutgoing(t, nil)
	assert.False(t, r.audio.running(), "audio waits for the host")

	require.NoError(t, r.m.AudioSessionActivated())
	assert.True(t, r.audio.running())
	require.NoError(t, r.m.AudioSessionDeactivated())
	assert.False(t, r.audio.running())
}

func TestStopHangsUpActiveCall(t *testing.T) {
	r, c, _ := activeOutgoing(t, nil)
	require.NoError(t, r.m.Stop())

	assert.Equal(t, ReasonLocalEnded, c.EndReason())
	_, _, ended := r.sig.counts()
	assert.Equal(t, 1, ended)

	reports := r.host.all()
	require.NotEmpty(t, reports)
	assert.Equal(t, hostReport{kind: "ended", callID: c.ID(), reason: ReasonLocalEnded}, reports[len(reports)-1])
}
