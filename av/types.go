package av

import (
	"strconv"
	"sync"
	"time"

	"github.com/opd-ai/shipcall/signaling"
	"github.com/opd-ai/shipcall/transport"
)

// CallState is the lifecycle position of a call.
type CallState uint8

const (
	// StateIdle means no call exists.
	StateIdle CallState = iota
	// StateRequesting means an outgoing call is waiting on signaling.
	StateRequesting
	// StateRinging means an incoming call is waiting for the user.
	StateRinging
	// StateConnecting means the call was accepted and the transport is
	// being opened.
	StateConnecting
	// StateActive means audio is flowing.
	StateActive
	// StateEnded is terminal; EndReason says why.
	StateEnded
)

// String returns the state name used in logs and metrics.
func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// EndReason explains an Ended call.
type EndReason uint8

const (
	// ReasonNone is used for calls that have not ended.
	ReasonNone EndReason = iota
	// ReasonRemoteEnded means the other party hung up or went away.
	ReasonRemoteEnded
	// ReasonLocalEnded means the local user hung up.
	ReasonLocalEnded
	// ReasonDeclined means the call was refused before it was answered.
	ReasonDeclined
	// ReasonFailed means signaling or transport failed.
	ReasonFailed
	// ReasonTimedOut means a setup phase exceeded its deadline.
	ReasonTimedOut
)

// String returns the reason name used in logs and metrics.
func (r EndReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonRemoteEnded:
		return "remote_ended"
	case ReasonLocalEnded:
		return "local_ended"
	case ReasonDeclined:
		return "declined"
	case ReasonFailed:
		return "failed"
	case ReasonTimedOut:
		return "timed_out"
	default:
		return "reason(" + strconv.Itoa(int(r)) + ")"
	}
}

// Direction says who placed the call.
type Direction uint8

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

func (d Direction) String() string {
	if d == DirectionIncoming {
		return "incoming"
	}
	return "outgoing"
}

// TimeProvider abstracts time operations for deterministic testing.
// Implementations must be safe for concurrent use.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since the given time.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Call is one phone call. The Manager owns and mutates it; the exported
// getters are safe from any goroutine.
type Call struct {
	id        string
	remote    signaling.Party
	direction Direction

	mu        sync.RWMutex
	state     CallState
	reason    EndReason
	kind      transport.Kind
	created   time.Time
	answered  time.Time
	streaming time.Time
	ended     time.Time
	startTime time.Time
	err       error
}

func newCall(id string, remote signaling.Party, dir Direction, now time.Time) *Call {
	return &Call{id: id, remote: remote, direction: dir, state: StateIdle, created: now}
}

// ID returns the process-unique call id shared with the remote party.
func (c *Call) ID() string { return c.id }

// Remote returns the other party.
func (c *Call) Remote() signaling.Party { return c.remote }

// Direction returns whether the call was placed or received.
func (c *Call) Direction() Direction { return c.direction }

// State returns the current state.
func (c *Call) State() CallState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// EndReason returns why the call ended, or ReasonNone.
func (c *Call) EndReason() EndReason {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason
}

// TransportKind returns the transport used, once known.
func (c *Call) TransportKind() transport.Kind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.kind
}

// CreatedAt returns when the call object was created.
func (c *Call) CreatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.created
}

// AnsweredAt returns when the call was accepted, or zero.
func (c *Call) AnsweredAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.answered
}

// StreamingAt returns when audio started flowing, or zero.
func (c *Call) StreamingAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streaming
}

// EndedAt returns when the call ended, or zero.
func (c *Call) EndedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ended
}

// StartTime returns the call start time both parties agreed on through
// the handshake frame, or zero before it is known.
func (c *Call) StartTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startTime
}

// Err returns the error that ended the call, if any.
func (c *Call) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Call) setState(s CallState, r EndReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	c.reason = r
}

func (c *Call) setKind(k transport.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kind = k
}

func (c *Call) markAnswered(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answered = t
}

func (c *Call) markStreaming(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streaming = t
}

func (c *Call) setStartTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startTime = t
}

func (c *Call) markEnded(t time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = t
	c.err = err
}

// StateChange describes one committed transition.
type StateChange struct {
	Call   *Call
	From   CallState
	To     CallState
	Reason EndReason
	Err    error
}
