package av

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/shipcall/av/audio"
	"github.com/opd-ai/shipcall/av/frame"
	"github.com/opd-ai/shipcall/signaling"
	"github.com/opd-ai/shipcall/transport"
)

// Default phase deadlines.
const (
	DefaultInitiateTimeout = 45 * time.Second
	DefaultAnswerTimeout   = 10 * time.Second
	DefaultConnectTimeout  = 10 * time.Second
	DefaultNotifyTimeout   = 5 * time.Second
)

// opsQueue bounds operations waiting for the control loop.
const opsQueue = 64

// SignalingClient is the subset of signaling.Client the Manager drives.
type SignalingClient interface {
	Initiate(ctx context.Context, remote signaling.Party, callID string, kind transport.Kind) (transport.Descriptor, error)
	NotifyAnswered(ctx context.Context, callID string, local transport.Descriptor) error
	NotifyDeclined(ctx context.Context, callID string) error
	NotifyEnded(ctx context.Context, callID string) error
}

// TransportFactory creates an unprepared transport of the given kind.
type TransportFactory interface {
	New(kind transport.Kind) (transport.Transport, error)
}

// Options configures a Manager.
type Options struct {
	// Kind is requested for outgoing calls.
	Kind transport.Kind

	InitiateTimeout time.Duration
	AnswerTimeout   time.Duration
	ConnectTimeout  time.Duration
	// NotifyTimeout bounds best-effort decline and end notifications.
	NotifyTimeout time.Duration

	JitterBudget time.Duration

	Metrics      *Metrics
	TimeProvider TimeProvider

	// NewCallID returns a fresh call id. Defaults to random UUIDs.
	NewCallID func() string
}

// NewOptions returns Options with default deadlines and direct transport.
func NewOptions() *Options {
	return &Options{
		Kind:            transport.KindDirect,
		InitiateTimeout: DefaultInitiateTimeout,
		AnswerTimeout:   DefaultAnswerTimeout,
		ConnectTimeout:  DefaultConnectTimeout,
		NotifyTimeout:   DefaultNotifyTimeout,
		JitterBudget:    audio.DefaultJitterBudget,
		TimeProvider:    DefaultTimeProvider{},
		NewCallID:       uuid.NewString,
	}
}

func (o *Options) withDefaults() Options {
	out := *NewOptions()
	if o == nil {
		return out
	}
	if o.Kind != 0 {
		out.Kind = o.Kind
	}
	if o.InitiateTimeout > 0 {
		out.InitiateTimeout = o.InitiateTimeout
	}
	if o.AnswerTimeout > 0 {
		out.AnswerTimeout = o.AnswerTimeout
	}
	if o.ConnectTimeout > 0 {
		out.ConnectTimeout = o.ConnectTimeout
	}
	if o.NotifyTimeout > 0 {
		out.NotifyTimeout = o.NotifyTimeout
	}
	if o.JitterBudget > 0 {
		out.JitterBudget = o.JitterBudget
	}
	if o.TimeProvider != nil {
		out.TimeProvider = o.TimeProvider
	}
	if o.NewCallID != nil {
		out.NewCallID = o.NewCallID
	}
	out.Metrics = o.Metrics
	return out
}

// session is the Manager's private per-call state. Only the control loop
// touches it.
type session struct {
	call   *Call
	role   transport.Role
	hints  transport.Descriptor
	ctx    context.Context
	cancel context.CancelFunc

	tr       transport.Transport
	jitter   *audio.JitterBuffer
	pipeline *Pipeline

	audioRunning bool
	torn         bool
}

// Manager runs at most one call at a time. All call state is owned by a
// single control loop goroutine; public methods post work to it and wait.
// Signaling and transport completions post back asynchronously, so a
// result that arrives after its call ended is a no-op.
//
// Host and state callbacks run on a separate ordered notifier goroutine.
// They may call Manager methods but must not call Stop.
type Manager struct {
	sig     SignalingClient
	factory TransportFactory
	host    Host
	audioIO AudioIO
	opts    Options
	tp      TimeProvider
	metrics *Metrics

	mu       sync.Mutex
	running  bool
	ops      chan func()
	done     chan struct{}
	notes    *notifier
	stateFn  func(StateChange)
	loopWG   sync.WaitGroup
	notifyWG sync.WaitGroup

	// written only by the control loop; readers outside it take stateMu
	stateMu  sync.RWMutex
	sess     *session
	lastCall *Call
	lastErr  error

	audioActive bool
}

// NewManager creates a call manager.
//
// Parameters:
//   - sig: Signaling client used to place, answer, decline and end calls
//   - factory: Creates transports for negotiated descriptors
//   - host: Platform call UI; nil selects NopHost
//   - audioIO: Capture and playback device; nil runs calls without audio I/O
//   - opts: Deadlines and collaborators; nil selects NewOptions()
//
// Returns:
//   - *Manager: The new manager, not yet started
//   - error: When sig or factory is nil
func NewManager(sig SignalingClient, factory TransportFactory, host Host, audioIO AudioIO, opts *Options) (*Manager, error) {
	if sig == nil {
		return nil, errors.New("signaling client cannot be nil")
	}
	if factory == nil {
		return nil, errors.New("transport factory cannot be nil")
	}
	if host == nil {
		host = NopHost{}
	}
	o := opts.withDefaults()

	logrus.WithFields(logrus.Fields{
		"function":         "NewManager",
		"kind":             o.Kind.String(),
		"initiate_timeout": o.InitiateTimeout.String(),
		"answer_timeout":   o.AnswerTimeout.String(),
		"connect_timeout":  o.ConnectTimeout.String(),
		"audio_io":         audioIO != nil,
	}).Info("Creating call manager")

	return &Manager{
		sig:     sig,
		factory: factory,
		host:    host,
		audioIO: audioIO,
		opts:    o,
		tp:      o.TimeProvider,
		metrics: o.Metrics,
	}, nil
}

// Start launches the control loop.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrEngineAlreadyRunning
	}
	m.ops = make(chan func(), opsQueue)
	m.done = make(chan struct{})
	m.notes = newNotifier()
	m.running = true

	m.loopWG.Add(1)
	go m.run(m.ops, m.done)

	logrus.WithFields(logrus.Fields{
		"function": "Manager.Start",
	}).Info("Call manager started")
	return nil
}

// Stop hangs up any call, stops the control loop and waits for pending
// notifications and best-effort signaling to finish.
func (m *Manager) Stop() error {
	if !m.IsRunning() {
		return ErrEngineNotRunning
	}
	_ = m.call(func() error {
		if m.sess != nil {
			return m.end(m.sess, EventLocalHangUp, nil)
		}
		return nil
	})

	m.mu.Lock()
	m.running = false
	close(m.done)
	m.mu.Unlock()
	m.loopWG.Wait()

	// an operation queued behind the hang-up may have started a call
	if m.sess != nil {
		_ = m.end(m.sess, EventLocalHangUp, nil)
	}
	m.notifyWG.Wait()
	m.notes.close()

	logrus.WithFields(logrus.Fields{
		"function": "Manager.Stop",
	}).Info("Call manager stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) run(ops <-chan func(), done <-chan struct{}) {
	defer m.loopWG.Done()
	for {
		select {
		case fn := <-ops:
			fn()
		case <-done:
			return
		}
	}
}

// post queues fn on the control loop. It reports false when the manager is
// not running.
func (m *Manager) post(fn func()) bool {
	m.mu.Lock()
	ops, done, running := m.ops, m.done, m.running
	m.mu.Unlock()
	if !running {
		return false
	}
	select {
	case ops <- fn:
		return true
	case <-done:
		return false
	}
}

// call runs fn on the control loop and returns its result.
func (m *Manager) call(fn func() error) error {
	errc := make(chan error, 1)
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if !m.post(func() { errc <- fn() }) {
		return ErrEngineNotRunning
	}
	select {
	case err := <-errc:
		return err
	case <-done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrEngineNotRunning
		}
	}
}

// SetStateCallback registers fn for every committed transition. It runs
// on the notifier goroutine.
func (m *Manager) SetStateCallback(fn func(StateChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateFn = fn
}

// ActiveCall returns the current call, or nil.
func (m *Manager) ActiveCall() *Call {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.sess == nil {
		return nil
	}
	return m.sess.call
}

// LastCall returns the most recently ended call, or nil.
func (m *Manager) LastCall() *Call {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.lastCall
}

// LastError returns the error that ended the most recent call. It is
// cleared when a new call starts.
func (m *Manager) LastError() error {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.lastErr
}

// RequestCall places an outgoing call to remote. It returns as soon as the
// call is in Requesting; progress is reported through the state callback.
func (m *Manager) RequestCall(remote signaling.Party) (*Call, error) {
	var c *Call
	err := m.call(func() error {
		if m.sess != nil {
			logrus.WithFields(logrus.Fields{
				"function": "RequestCall",
				"remote":   remote.ID,
				"current":  m.sess.call.ID(),
			}).Warn("Rejecting call request while another call exists")
			return ErrAlreadyInCall
		}
		s := m.newSession(newCall(m.opts.NewCallID(), remote, DirectionOutgoing, m.tp.Now()), transport.RoleInitiator, transport.Descriptor{})
		if err := m.begin(s, EventRequest); err != nil {
			return err
		}
		c = s.call

		id, name := c.ID(), remote.Name()
		m.notes.push(func() { m.host.ReportOutgoing(id, name) })
		go m.initiate(s)
		return nil
	})
	return c, err
}

// ReceiveIncomingInvite starts ringing for an incoming call. An invite
// that arrives while a call exists is logged and ignored, as is a repeat
// of the current or last call's invite.
func (m *Manager) ReceiveIncomingInvite(remote signaling.Party, callID string, hints transport.Descriptor) error {
	return m.call(func() error {
		if m.sess != nil {
			if m.sess.call.ID() != callID {
				logrus.WithFields(logrus.Fields{
					"function": "ReceiveIncomingInvite",
					"call_id":  callID,
					"remote":   remote.ID,
					"current":  m.sess.call.ID(),
				}).Info("Ignoring invite while busy")
			}
			return nil
		}
		if m.lastCall != nil && m.lastCall.ID() == callID {
			return nil
		}

		s := m.newSession(newCall(callID, remote, DirectionIncoming, m.tp.Now()), transport.RoleResponder, hints)
		if err := m.begin(s, EventInvite); err != nil {
			return err
		}
		name := remote.Name()
		m.notes.push(func() { m.host.ReportIncoming(callID, name) })
		return nil
	})
}

// HandleSignalingEvent applies one feed event. It is the delivery function
// passed to signaling.Client.Subscribe.
func (m *Manager) HandleSignalingEvent(ev signaling.Event) {
	logrus.WithFields(logrus.Fields{
		"function": "HandleSignalingEvent",
		"type":     string(ev.Type),
		"call_id":  ev.CallID,
		"seq":      ev.Seq,
	}).Debug("Signaling event")

	switch ev.Type {
	case signaling.EventInvite:
		var hints transport.Descriptor
		if ev.Transport != nil {
			hints = *ev.Transport
		}
		if err := m.ReceiveIncomingInvite(ev.From, ev.CallID, hints); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "HandleSignalingEvent",
				"call_id":  ev.CallID,
				"error":    err.Error(),
			}).Warn("Invite not handled")
		}
	case signaling.EventDeclined:
		m.post(func() { m.remoteEvent(ev.CallID, EventRemoteDeclined, ErrDeclined) })
	case signaling.EventEnded:
		m.post(func() { m.remoteEvent(ev.CallID, EventRemoteEnded, nil) })
	case signaling.EventAnswered:
		// the initiate response carries the answer
	}
}

func (m *Manager) remoteEvent(callID string, ev Event, cause error) {
	s := m.sess
	if s == nil || s.call.ID() != callID {
		return
	}
	_ = m.end(s, ev, cause)
}

// Answer accepts the ringing call.
func (m *Manager) Answer() error {
	return m.call(func() error {
		if m.sess == nil {
			return ErrNoActiveCall
		}
		return m.answer(m.sess)
	})
}

// Decline refuses or cancels the current call.
func (m *Manager) Decline() error {
	return m.localEnd("", EventLocalDecline)
}

// HangUp ends the current call.
func (m *Manager) HangUp() error {
	return m.localEnd("", EventLocalHangUp)
}

// UserAnswered is the host's report that the user answered callID.
func (m *Manager) UserAnswered(callID string) error {
	return m.call(func() error {
		s, err := m.sessionFor("UserAnswered", callID)
		if err != nil {
			return err
		}
		return m.answer(s)
	})
}

// UserDeclined is the host's report that the user declined callID.
func (m *Manager) UserDeclined(callID string) error {
	return m.localEnd(callID, EventLocalDecline)
}

// UserHungUp is the host's report that the user ended callID.
func (m *Manager) UserHungUp(callID string) error {
	return m.localEnd(callID, EventLocalHangUp)
}

// AudioSessionActivated is the host's report that the platform audio
// session may be used. Audio I/O runs while a call is Active and the
// session is activated.
func (m *Manager) AudioSessionActivated() error {
	return m.call(func() error {
		m.audioActive = true
		if s := m.sess; s != nil && s.call.State() == StateActive {
			m.startAudio(s)
		}
		return nil
	})
}

// AudioSessionDeactivated stops audio I/O.
func (m *Manager) AudioSessionDeactivated() error {
	return m.call(func() error {
		m.audioActive = false
		if m.sess != nil {
			m.stopAudio(m.sess)
		}
		return nil
	})
}

func (m *Manager) localEnd(callID string, ev Event) error {
	return m.call(func() error {
		if callID == "" {
			if m.sess == nil {
				return ErrNoActiveCall
			}
			return m.end(m.sess, ev, nil)
		}
		s, err := m.sessionFor(ev.String(), callID)
		if err != nil {
			return err
		}
		return m.end(s, ev, nil)
	})
}

func (m *Manager) sessionFor(op, callID string) (*session, error) {
	if m.sess == nil || m.sess.call.ID() != callID {
		logrus.WithFields(logrus.Fields{
			"function": op,
			"call_id":  callID,
		}).Warn("Host action for unknown call ignored")
		return nil, fmt.Errorf("%s: %w", callID, ErrUnknownCall)
	}
	return m.sess, nil
}

func (m *Manager) newSession(c *Call, role transport.Role, hints transport.Descriptor) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{call: c, role: role, hints: hints, ctx: ctx, cancel: cancel}
}

// begin installs s as the current session and applies its first event.
func (m *Manager) begin(s *session, ev Event) error {
	to, _, err := Transition(StateIdle, ev)
	if err != nil {
		s.cancel()
		return err
	}
	m.stateMu.Lock()
	m.sess = s
	m.lastErr = nil
	m.stateMu.Unlock()

	s.call.setState(to, ReasonNone)
	m.metrics.started(s.call.Direction())
	m.committed(s.call, StateIdle, to, ReasonNone, nil)

	logrus.WithFields(logrus.Fields{
		"function":  "begin",
		"call_id":   s.call.ID(),
		"remote":    s.call.Remote().ID,
		"direction": s.call.Direction().String(),
	}).Info("Call created")
	return nil
}

// fire applies a non-terminal event to s.
func (m *Manager) fire(s *session, ev Event) error {
	from := s.call.State()
	to, reason, err := Transition(from, ev)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "fire",
			"call_id":  s.call.ID(),
			"event":    ev.String(),
			"state":    from.String(),
		}).Debug("Event not applicable")
		return err
	}
	s.call.setState(to, reason)
	m.committed(s.call, from, to, reason, nil)
	return nil
}

// end applies a terminal event, then tears s down and tells the remote
// side when the end was not its doing.
func (m *Manager) end(s *session, ev Event, cause error) error {
	from := s.call.State()
	to, reason, err := Transition(from, ev)
	if err != nil {
		return err
	}
	s.call.markEnded(m.tp.Now(), cause)
	s.call.setState(to, reason)

	fields := logrus.Fields{
		"function": "end",
		"call_id":  s.call.ID(),
		"from":     from.String(),
		"reason":   reason.String(),
	}
	if cause != nil {
		fields["error"] = cause.Error()
		logrus.WithFields(fields).Warn("Call ended")
	} else {
		logrus.WithFields(fields).Info("Call ended")
	}

	m.teardown(s, cause)
	m.committed(s.call, from, to, reason, cause)

	id := s.call.ID()
	m.notes.push(func() { m.host.ReportEnded(id, reason) })

	switch ev {
	case EventLocalDecline, EventLocalHangUp:
		if from == StateRinging {
			m.notifyRemote(id, "decline", m.sig.NotifyDeclined)
		} else {
			m.notifyRemote(id, "end", m.sig.NotifyEnded)
		}
	case EventFailure, EventTimeout:
		m.notifyRemote(id, "end", m.sig.NotifyEnded)
	}
	return nil
}

// teardown releases everything s holds. It runs once per session.
func (m *Manager) teardown(s *session, cause error) {
	if s.torn {
		return
	}
	s.torn = true
	s.cancel()

	if s.pipeline != nil {
		s.pipeline.Stop()
	}
	m.stopAudio(s)
	if s.tr != nil {
		if err := s.tr.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "teardown",
				"call_id":  s.call.ID(),
				"error":    err.Error(),
			}).Debug("Transport close error")
		}
	}
	if s.jitter != nil {
		s.jitter.Release()
	}

	m.stateMu.Lock()
	if m.sess == s {
		m.sess = nil
	}
	m.lastCall = s.call
	m.lastErr = cause
	m.stateMu.Unlock()

	var streamed time.Duration
	if st := s.call.StreamingAt(); !st.IsZero() {
		streamed = s.call.EndedAt().Sub(st)
	}
	m.metrics.ended(s.call.EndReason(), streamed)
}

// committed records and publishes one transition.
func (m *Manager) committed(c *Call, from, to CallState, reason EndReason, err error) {
	m.metrics.transition(from, to)

	m.mu.Lock()
	fn := m.stateFn
	m.mu.Unlock()
	if fn == nil {
		return
	}
	change := StateChange{Call: c, From: from, To: to, Reason: reason, Err: err}
	m.notes.push(func() { fn(change) })
}

func (m *Manager) notifyRemote(callID, action string, fn func(context.Context, string) error) {
	m.notifyWG.Add(1)
	go func() {
		defer m.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.NotifyTimeout)
		defer cancel()
		if err := fn(ctx, callID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "notifyRemote",
				"call_id":  callID,
				"action":   action,
				"error":    err.Error(),
			}).Warn("Best-effort signaling notification failed")
		}
	}()
}

func (m *Manager) initiate(s *session) {
	ctx, cancel := context.WithTimeout(s.ctx, m.opts.InitiateTimeout)
	defer cancel()
	desc, err := m.sig.Initiate(ctx, s.call.Remote(), s.call.ID(), m.opts.Kind)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	m.post(func() { m.onInitiated(s, desc, err, timedOut) })
}

func (m *Manager) onInitiated(s *session, desc transport.Descriptor, err error, timedOut bool) {
	if m.sess != s {
		return
	}
	switch {
	case err == nil:
		if m.fire(s, EventAccepted) != nil {
			return
		}
		s.call.markAnswered(m.tp.Now())
		if _, err := m.openTransport(s, desc); err != nil {
			_ = m.end(s, EventFailure, fmt.Errorf("%w: %w", ErrTransportFailure, err))
			return
		}
		m.connect(s)
	case timedOut:
		_ = m.end(s, EventTimeout, fmt.Errorf("initiate: %w", ErrTimedOut))
	case errors.Is(err, signaling.ErrDeclined):
		_ = m.end(s, EventRemoteDeclined, ErrDeclined)
	case errors.Is(err, signaling.ErrRemoteEnded):
		_ = m.end(s, EventRemoteEnded, nil)
	default:
		_ = m.end(s, EventFailure, fmt.Errorf("%w: %w", ErrSignalingFailure, err))
	}
}

func (m *Manager) answer(s *session) error {
	if err := m.fire(s, EventAnswer); err != nil {
		return err
	}
	s.call.markAnswered(m.tp.Now())

	want := s.hints
	if want.Kind == 0 {
		want.Kind = m.opts.Kind
	}
	if want.Kind == transport.KindDirect {
		want = transport.Descriptor{Kind: transport.KindDirect}
	}
	local, err := m.openTransport(s, want)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrTransportFailure, err)
		_ = m.end(s, EventFailure, err)
		return err
	}
	m.connect(s)

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, m.opts.AnswerTimeout)
		defer cancel()
		err := m.sig.NotifyAnswered(ctx, s.call.ID(), local)
		if err == nil {
			return
		}
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		m.post(func() { m.onAnswerFailed(s, err, timedOut) })
	}()
	return nil
}

func (m *Manager) onAnswerFailed(s *session, err error, timedOut bool) {
	if m.sess != s || s.call.State() != StateConnecting {
		return
	}
	if timedOut {
		_ = m.end(s, EventTimeout, fmt.Errorf("answer: %w", ErrTimedOut))
		return
	}
	_ = m.end(s, EventFailure, fmt.Errorf("%w: %w", ErrSignalingFailure, err))
}

// openTransport creates and prepares the session transport and the audio
// path that will ride on it.
func (m *Manager) openTransport(s *session, desc transport.Descriptor) (transport.Descriptor, error) {
	tr, err := m.factory.New(desc.Kind)
	if err != nil {
		return transport.Descriptor{}, err
	}
	s.tr = tr
	s.call.setKind(desc.Kind)

	local, err := tr.Prepare(s.role, desc)
	if err != nil {
		return transport.Descriptor{}, err
	}

	native := audio.NetworkFormat
	if m.audioIO != nil {
		native = m.audioIO.NativeFormat()
	}
	conv, err := audio.NewConverter(native)
	if err != nil {
		return transport.Descriptor{}, err
	}

	s.jitter = audio.NewJitterBuffer(m.opts.JitterBudget)
	s.pipeline, err = NewPipeline(PipelineConfig{
		Converter: conv,
		Jitter:    s.jitter,
		Send:      tr.Send,
		OnHandshake: func(start time.Time) {
			m.post(func() { m.onHandshake(s, start) })
		},
		OnSendError: func(err error) {
			m.post(func() { m.onTransportError(s, err) })
		},
		Metrics: m.metrics,
	})
	if err != nil {
		return transport.Descriptor{}, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "openTransport",
		"call_id":  s.call.ID(),
		"role":     s.role.String(),
		"local":    local.String(),
	}).Debug("Transport prepared")
	return local, nil
}

func (m *Manager) connect(s *session) {
	tr := s.tr
	h := &callHandler{m: m, s: s}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, m.opts.ConnectTimeout)
		defer cancel()
		err := tr.Connect(ctx, h)
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		m.post(func() { m.onConnected(s, err, timedOut) })
	}()
}

func (m *Manager) onConnected(s *session, err error, timedOut bool) {
	if m.sess != s {
		return
	}
	if err != nil {
		switch {
		case timedOut:
			_ = m.end(s, EventTimeout, fmt.Errorf("connect: %w", ErrTimedOut))
		case errors.Is(err, transport.ErrPeerClosed):
			_ = m.end(s, EventRemoteEnded, nil)
		default:
			_ = m.end(s, EventFailure, fmt.Errorf("%w: %w", ErrTransportFailure, err))
		}
		return
	}

	if s.role == transport.RoleInitiator {
		start := m.tp.Now()
		if err := s.tr.Send(frame.EncodeHandshake(start)); err != nil {
			_ = m.end(s, EventFailure, fmt.Errorf("%w: handshake: %w", ErrTransportFailure, err))
			return
		}
		s.call.setStartTime(start)
	}

	s.call.markStreaming(m.tp.Now())
	if m.fire(s, EventTransportReady) != nil {
		return
	}
	if m.audioActive {
		m.startAudio(s)
	}

	logrus.WithFields(logrus.Fields{
		"function": "onConnected",
		"call_id":  s.call.ID(),
		"kind":     s.call.TransportKind().String(),
		"role":     s.role.String(),
	}).Info("Call active")
}

func (m *Manager) onHandshake(s *session, start time.Time) {
	if m.sess != s {
		return
	}
	if s.role != transport.RoleResponder || !s.call.StartTime().IsZero() {
		logrus.WithFields(logrus.Fields{
			"function": "onHandshake",
			"call_id":  s.call.ID(),
		}).Debug("Ignoring unexpected handshake")
		return
	}
	s.call.setStartTime(start)
}

func (m *Manager) onTransportError(s *session, err error) {
	if m.sess != s {
		return
	}
	if errors.Is(err, transport.ErrPeerClosed) {
		_ = m.end(s, EventRemoteEnded, nil)
		return
	}
	_ = m.end(s, EventFailure, fmt.Errorf("%w: %w", ErrTransportFailure, err))
}

func (m *Manager) startAudio(s *session) {
	if m.audioIO == nil || s.audioRunning || s.pipeline == nil {
		return
	}
	if err := m.audioIO.Start(s.pipeline); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "startAudio",
			"call_id":  s.call.ID(),
			"error":    err.Error(),
		}).Error("Audio device failed to start")
		return
	}
	s.audioRunning = true
}

func (m *Manager) stopAudio(s *session) {
	if m.audioIO == nil || !s.audioRunning {
		return
	}
	s.audioRunning = false
	if err := m.audioIO.Stop(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "stopAudio",
			"call_id":  s.call.ID(),
			"error":    err.Error(),
		}).Warn("Audio device failed to stop")
	}
}

// callHandler connects a transport to its session. Audio goes straight to
// the pipeline from the receive goroutine; errors hop to the control loop.
type callHandler struct {
	m *Manager
	s *session
}

func (h *callHandler) HandleMessage(payload []byte) {
	h.s.pipeline.Deliver(payload)
}

func (h *callHandler) HandleError(err error) {
	h.m.post(func() { h.m.onTransportError(h.s, err) })
}
