package server

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/shipcall/signaling"
	"github.com/opd-ai/shipcall/transport"
)

type sink struct {
	msgs chan []byte
	errs chan error
}

func newSink() *sink {
	return &sink{msgs: make(chan []byte, 16), errs: make(chan error, 1)}
}

func (s *sink) HandleMessage(p []byte) { s.msgs <- append([]byte(nil), p...) }
func (s *sink) HandleError(err error)  { s.errs <- err }

func (s *sink) next(t *testing.T) []byte {
	t.Helper()
	select {
	case m := <-s.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message relayed")
		return nil
	}
}

func (s *sink) nextErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.errs:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
		return nil
	}
}

func relayFor(ts *httptest.Server, party string) *transport.Relay {
	opts := transport.NewRelayOptions()
	opts.ServerURL = ts.URL
	opts.Party = party
	return transport.NewRelay(opts)
}

// pairRelays joins alice and bob to the relayed call's channel.
func pairRelays(t *testing.T, s *Server, ts *httptest.Server) (*transport.Relay, *sink, *transport.Relay, *sink) {
	t.Helper()
	rec, err := s.Registry().Create(inviteRequest("r1", transport.KindRelayed))
	require.NoError(t, err)
	desc := *rec.Hint()

	alice, bob := relayFor(ts, "alice"), relayFor(ts, "bob")
	_, err = alice.Prepare(transport.RoleInitiator, desc)
	require.NoError(t, err)
	_, err = bob.Prepare(transport.RoleResponder, desc)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	as, bs := newSink(), newSink()
	bobErr := make(chan error, 1)
	go func() { bobErr <- bob.Connect(ctx, bs) }()
	require.NoError(t, alice.Connect(ctx, as))
	require.NoError(t, <-bobErr)

	t.Cleanup(func() {
		alice.Close()
		bob.Close()
	})
	return alice, as, bob, bs
}

func TestRelayForwardsBothWays(t *testing.T) {
	s, ts := newTestServer(t, nil)
	alice, as, bob, bs := pairRelays(t, s, ts)

	require.NoError(t, alice.Send([]byte("from alice")))
	assert.Equal(t, []byte("from alice"), bs.next(t))

	require.NoError(t, bob.Send([]byte("from bob")))
	assert.Equal(t, []byte("from bob"), as.next(t))

	for i := 0; i < 10; i++ {
		require.NoError(t, alice.Send([]byte{byte(i)}))
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, []byte{byte(i)}, bs.next(t))
	}
	assert.Equal(t, 1, s.hub.Len())
}

func TestRelayPeerLeaves(t *testing.T) {
	s, ts := newTestServer(t, nil)
	alice, _, _, bs := pairRelays(t, s, ts)

	require.NoError(t, alice.Close())
	assert.ErrorIs(t, bs.nextErr(t), transport.ErrPeerClosed)
}

func TestRelayChannelClosedWhenCallEnds(t *testing.T) {
	s, ts := newTestServer(t, nil)
	_, as, _, bs := pairRelays(t, s, ts)

	bobClient := newClient(t, ts, "bob", signaling.ModePoll)
	require.NoError(t, bobClient.NotifyEnded(context.Background(), "r1"))

	assert.ErrorIs(t, as.nextErr(t), transport.ErrPeerClosed)
	assert.ErrorIs(t, bs.nextErr(t), transport.ErrPeerClosed)
	assert.Eventually(t, func() bool { return s.hub.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRelayRejectsStranger(t *testing.T) {
	s, ts := newTestServer(t, nil)
	rec, err := s.Registry().Create(inviteRequest("r2", transport.KindRelayed))
	require.NoError(t, err)

	mallory := relayFor(ts, "mallory")
	_, err = mallory.Prepare(transport.RoleInitiator, *rec.Hint())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, mallory.Connect(ctx, newSink()))
	assert.Equal(t, 0, s.hub.Len())
}

func TestRelaySeatTaken(t *testing.T) {
	s, ts := newTestServer(t, nil)
	pairRelays(t, s, ts)

	again := relayFor(ts, "alice")
	_, err := again.Prepare(transport.RoleInitiator, transport.Descriptor{Kind: transport.KindRelayed, Channel: channelOf(t, s, "r1")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, again.Connect(ctx, newSink()))
}

func channelOf(t *testing.T, s *Server, id string) string {
	t.Helper()
	rec, err := s.Registry().Get(id)
	require.NoError(t, err)
	return rec.Channel
}
