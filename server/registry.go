package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/shipcall/signaling"
	"github.com/opd-ai/shipcall/transport"
)

// Registry errors.
var (
	// ErrCallExists indicates an initiate request reused a live call id.
	ErrCallExists = errors.New("call id already in use")

	// ErrCallNotFound indicates an unknown or finished call.
	ErrCallNotFound = errors.New("call not found")

	// ErrNotParticipant indicates a party acting on someone else's call.
	ErrNotParticipant = errors.New("party is not a participant of the call")

	// ErrBadTransition indicates an action the call's state does not allow.
	ErrBadTransition = errors.New("action not allowed in call state")

	// ErrBadRequest indicates malformed request fields.
	ErrBadRequest = errors.New("bad request")
)

// Call record states.
const (
	StateInvited  = "invited"
	StateAnswered = "answered"
	StateDeclined = "declined"
	StateEnded    = "ended"
)

// Call record events.
const (
	actionAnswer  = "answer"
	actionDecline = "decline"
	actionEnd     = "end"
)

// Record is the server's view of one call.
type Record struct {
	ID      string
	Caller  signaling.Party
	Callee  string
	Kind    transport.Kind
	Channel string
	Created time.Time

	machine *fsm.FSM
	done    chan struct{}
	once    sync.Once

	// set before done is closed
	outcome signaling.Outcome
	answer  *transport.Descriptor
}

// State returns the record's current lifecycle state.
func (r *Record) State() string {
	return r.machine.Current()
}

// Done is closed when the initiate long poll can complete.
func (r *Record) Done() <-chan struct{} {
	return r.done
}

// Result returns the outcome and, for answered calls, the callee descriptor.
// It is meaningful only after Done is closed.
func (r *Record) Result() signaling.InitiateResponse {
	return signaling.InitiateResponse{Outcome: r.outcome, Transport: r.answer}
}

// Hint returns the descriptor sent to the callee with the invite.
func (r *Record) Hint() *transport.Descriptor {
	if r.Kind == transport.KindRelayed {
		return &transport.Descriptor{Kind: transport.KindRelayed, Channel: r.Channel}
	}
	return &transport.Descriptor{Kind: r.Kind}
}

// Other returns the party opposite to party.
func (r *Record) Other(party string) string {
	if party == r.Caller.ID {
		return r.Callee
	}
	return r.Caller.ID
}

func (r *Record) resolve(outcome signaling.Outcome, answer *transport.Descriptor) {
	r.once.Do(func() {
		r.outcome = outcome
		r.answer = answer
		close(r.done)
	})
}

// Registry tracks live calls. A record is removed once it is declined or
// ended.
type Registry struct {
	mu       sync.Mutex
	calls    map[string]*Record
	channels map[string]*Record
	metrics  *Metrics
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(metrics *Metrics) *Registry {
	return &Registry{
		calls:    make(map[string]*Record),
		channels: make(map[string]*Record),
		metrics:  metrics,
	}
}

// Create registers a new call in the invited state. Relayed calls get a
// fresh relay channel.
func (g *Registry) Create(req signaling.InitiateRequest) (*Record, error) {
	if req.CallID == "" || req.Caller.ID == "" || req.Callee == "" {
		return nil, fmt.Errorf("call id, caller and callee are required: %w", ErrBadRequest)
	}
	if req.Caller.ID == req.Callee {
		return nil, fmt.Errorf("caller cannot call itself: %w", ErrBadRequest)
	}
	if req.Kind != transport.KindDirect && req.Kind != transport.KindRelayed {
		return nil, fmt.Errorf("kind %s: %w", req.Kind, ErrBadRequest)
	}

	rec := &Record{
		ID:      req.CallID,
		Caller:  req.Caller,
		Callee:  req.Callee,
		Kind:    req.Kind,
		Created: time.Now(),
		done:    make(chan struct{}),
	}
	if req.Kind == transport.KindRelayed {
		rec.Channel = uuid.NewString()
	}
	rec.machine = fsm.NewFSM(
		StateInvited,
		fsm.Events{
			{Name: actionAnswer, Src: []string{StateInvited}, Dst: StateAnswered},
			{Name: actionDecline, Src: []string{StateInvited}, Dst: StateDeclined},
			{Name: actionEnd, Src: []string{StateInvited, StateAnswered}, Dst: StateEnded},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				g.metrics.transition(e.Src, e.Dst)
			},
		},
	)

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.calls[rec.ID]; ok {
		return nil, fmt.Errorf("%s: %w", rec.ID, ErrCallExists)
	}
	g.calls[rec.ID] = rec
	if rec.Channel != "" {
		g.channels[rec.Channel] = rec
	}
	g.metrics.callCreated(rec.Kind)

	logrus.WithFields(logrus.Fields{
		"function": "Registry.Create",
		"call_id":  rec.ID,
		"caller":   rec.Caller.ID,
		"callee":   rec.Callee,
		"kind":     rec.Kind.String(),
	}).Info("Call invited")
	return rec, nil
}

// Get returns a live record.
func (g *Registry) Get(id string) (*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.calls[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrCallNotFound)
	}
	return rec, nil
}

// Len returns the number of live records.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// Answer moves an invited call to answered. Only the callee may answer, and
// the descriptor must match the call's transport kind.
func (g *Registry) Answer(id, party string, desc *transport.Descriptor) (*Record, error) {
	if desc == nil {
		return nil, fmt.Errorf("answer without transport descriptor: %w", ErrBadRequest)
	}
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("answer descriptor: %v: %w", err, ErrBadRequest)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	rec, err := g.lookup(id, party, true)
	if err != nil {
		return nil, err
	}
	if desc.Kind != rec.Kind {
		return nil, fmt.Errorf("answer kind %s for %s call: %w", desc.Kind, rec.Kind, ErrBadRequest)
	}
	if rec.Kind == transport.KindRelayed && desc.Channel != rec.Channel {
		return nil, fmt.Errorf("answer channel mismatch: %w", ErrBadRequest)
	}
	if err := g.fire(rec, actionAnswer); err != nil {
		return nil, err
	}

	answer := *desc
	rec.resolve(signaling.OutcomeAnswered, &answer)
	return rec, nil
}

// Decline refuses an invited call on behalf of the callee.
func (g *Registry) Decline(id, party string) (*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, err := g.lookup(id, party, true)
	if err != nil {
		return nil, err
	}
	if err := g.fire(rec, actionDecline); err != nil {
		return nil, err
	}
	rec.resolve(signaling.OutcomeDeclined, nil)
	g.remove(rec, signaling.OutcomeDeclined)
	return rec, nil
}

// End finishes the call on behalf of either participant.
func (g *Registry) End(id, party string) (*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, err := g.lookup(id, party, false)
	if err != nil {
		return nil, err
	}
	if err := g.fire(rec, actionEnd); err != nil {
		return nil, err
	}
	rec.resolve(signaling.OutcomeEnded, nil)
	g.remove(rec, signaling.OutcomeEnded)
	return rec, nil
}

// ChannelAllowed reports whether party may join the relay channel.
func (g *Registry) ChannelAllowed(channel, party string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.channels[channel]
	if !ok {
		return false
	}
	return party == rec.Caller.ID || party == rec.Callee
}

func (g *Registry) lookup(id, party string, calleeOnly bool) (*Record, error) {
	rec, ok := g.calls[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrCallNotFound)
	}
	if party != rec.Callee && (calleeOnly || party != rec.Caller.ID) {
		return nil, fmt.Errorf("%s on %s: %w", party, id, ErrNotParticipant)
	}
	return rec, nil
}

func (g *Registry) fire(rec *Record, action string) error {
	if rec.machine.Cannot(action) {
		return fmt.Errorf("%s in state %s: %w", action, rec.machine.Current(), ErrBadTransition)
	}
	if err := rec.machine.Event(context.Background(), action); err != nil {
		return fmt.Errorf("%s: %v: %w", action, err, ErrBadTransition)
	}
	return nil
}

func (g *Registry) remove(rec *Record, outcome signaling.Outcome) {
	delete(g.calls, rec.ID)
	if rec.Channel != "" {
		delete(g.channels, rec.Channel)
	}
	g.metrics.callFinished(outcome, time.Since(rec.Created))

	logrus.WithFields(logrus.Fields{
		"function": "Registry.remove",
		"call_id":  rec.ID,
		"outcome":  string(outcome),
	}).Info("Call finished")
}
