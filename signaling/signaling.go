// Package signaling carries out-of-band call setup between phones and the
// coordination server: initiate, answer, decline and end requests, plus the
// event feed that tells a phone about remote actions.
package signaling

import (
	"context"
	"errors"
	"time"

	"github.com/opd-ai/shipcall/transport"
)

// Route paths served by the coordination server.
const (
	PathCalls  = "/v1/calls"
	PathEvents = "/v1/events"
	PathPoll   = "/v1/events/poll"
)

// Signaling errors.
var (
	// ErrDeclined indicates the callee refused the call.
	ErrDeclined = errors.New("call declined by remote party")

	// ErrRemoteEnded indicates the other party ended the call before it
	// was answered.
	ErrRemoteEnded = errors.New("call ended by remote party")

	// ErrRequestFailed indicates a non-success HTTP response.
	ErrRequestFailed = errors.New("signaling request failed")

	// ErrCallNotFound indicates the server does not know the call id.
	ErrCallNotFound = errors.New("call not found")

	// ErrConflict indicates the request does not fit the call's state.
	ErrConflict = errors.New("call state conflict")

	// ErrMissingTransport indicates an answered call without a descriptor.
	ErrMissingTransport = errors.New("answer carried no transport descriptor")
)

// Party identifies a phone.
type Party struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Name returns the display name, falling back to the id.
func (p Party) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.ID
}

// EventType names a feed event.
type EventType string

// Feed event types.
const (
	EventInvite   EventType = "invite"
	EventAnswered EventType = "answered"
	EventDeclined EventType = "declined"
	EventEnded    EventType = "ended"
)

// Event is one entry of a party's feed. Seq increases by one per event for
// a given party, so a client resuming from a cursor sees every event. Epoch
// changes when the server restarts and its numbering starts over.
type Event struct {
	Seq       uint64                `json:"seq"`
	Epoch     string                `json:"epoch,omitempty"`
	Type      EventType             `json:"type"`
	CallID    string                `json:"call_id"`
	From      Party                 `json:"from"`
	Transport *transport.Descriptor `json:"transport,omitempty"`
	At        time.Time             `json:"at"`
}

// Outcome is how a pending initiate request resolved.
type Outcome string

// Initiate outcomes.
const (
	OutcomeAnswered Outcome = "answered"
	OutcomeDeclined Outcome = "declined"
	OutcomeEnded    Outcome = "ended"
)

// InitiateRequest asks the server to ring Callee.
type InitiateRequest struct {
	CallID string         `json:"call_id"`
	Caller Party          `json:"caller"`
	Callee string         `json:"callee"`
	Kind   transport.Kind `json:"kind"`
}

// InitiateResponse completes an initiate long poll.
type InitiateResponse struct {
	Outcome   Outcome               `json:"outcome"`
	Transport *transport.Descriptor `json:"transport,omitempty"`
}

// PartyRequest is the body of answer, decline and end requests.
type PartyRequest struct {
	Party     string                `json:"party"`
	Transport *transport.Descriptor `json:"transport,omitempty"`
}

// PollResponse returns feed events after a cursor.
type PollResponse struct {
	Events []Event `json:"events"`
	Cursor uint64  `json:"cursor"`
	Epoch  string  `json:"epoch"`
}

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Client is the phone side of signaling.
type Client interface {
	// Initiate rings remote and blocks until the call is answered, declined
	// or ended. On answer it returns the callee's transport descriptor.
	Initiate(ctx context.Context, remote Party, callID string, kind transport.Kind) (transport.Descriptor, error)

	// NotifyAnswered tells the caller where to reach us.
	NotifyAnswered(ctx context.Context, callID string, local transport.Descriptor) error

	// NotifyDeclined refuses an incoming call.
	NotifyDeclined(ctx context.Context, callID string) error

	// NotifyEnded hangs up a call in any state.
	NotifyEnded(ctx context.Context, callID string) error

	// Subscribe delivers feed events to fn until ctx is done. Events are
	// delivered in order and at most once.
	Subscribe(ctx context.Context, fn func(Event)) error
}
