package av

import (
	"fmt"
	"strconv"
)

// Event is an input to the call state machine.
type Event uint8

const (
	// EventRequest places an outgoing call.
	EventRequest Event = iota + 1
	// EventInvite receives an incoming call.
	EventInvite
	// EventAccepted means signaling returned the callee's descriptor.
	EventAccepted
	// EventAnswer means the local user answered.
	EventAnswer
	// EventTransportReady means the transport connected.
	EventTransportReady
	// EventLocalDecline means the local user refused or cancelled.
	EventLocalDecline
	// EventLocalHangUp means the local user hung up.
	EventLocalHangUp
	// EventRemoteDeclined means the callee refused.
	EventRemoteDeclined
	// EventRemoteEnded means the other party hung up or went away.
	EventRemoteEnded
	// EventFailure means signaling or transport failed.
	EventFailure
	// EventTimeout means a setup deadline passed.
	EventTimeout
)

var eventNames = [...]string{
	EventRequest:        "request",
	EventInvite:         "invite",
	EventAccepted:       "accepted",
	EventAnswer:         "answer",
	EventTransportReady: "transport_ready",
	EventLocalDecline:   "local_decline",
	EventLocalHangUp:    "local_hang_up",
	EventRemoteDeclined: "remote_declined",
	EventRemoteEnded:    "remote_ended",
	EventFailure:        "failure",
	EventTimeout:        "timeout",
}

func (e Event) String() string {
	if int(e) < len(eventNames) && eventNames[e] != "" {
		return eventNames[e]
	}
	return "event(" + strconv.Itoa(int(e)) + ")"
}

// Transition computes the state that follows from applying ev in state
// from. It has no side effects. EndReason is ReasonNone unless the result
// is StateEnded. Ended accepts no events.
func Transition(from CallState, ev Event) (CallState, EndReason, error) {
	switch ev {
	case EventRequest:
		if from == StateIdle {
			return StateRequesting, ReasonNone, nil
		}
	case EventInvite:
		if from == StateIdle {
			return StateRinging, ReasonNone, nil
		}
	case EventAccepted:
		if from == StateRequesting {
			return StateConnecting, ReasonNone, nil
		}
	case EventAnswer:
		if from == StateRinging {
			return StateConnecting, ReasonNone, nil
		}
	case EventTransportReady:
		if from == StateConnecting {
			return StateActive, ReasonNone, nil
		}
	case EventLocalDecline, EventLocalHangUp:
		switch from {
		case StateRinging:
			return StateEnded, ReasonDeclined, nil
		case StateRequesting, StateConnecting, StateActive:
			return StateEnded, ReasonLocalEnded, nil
		}
	case EventRemoteDeclined, EventRemoteEnded, EventFailure, EventTimeout:
		if from != StateIdle && from != StateEnded {
			return StateEnded, remoteReason(ev), nil
		}
	}
	return from, ReasonNone, fmt.Errorf("%s in state %s: %w", ev, from, ErrInvalidTransition)
}

func remoteReason(ev Event) EndReason {
	switch ev {
	case EventRemoteDeclined:
		return ReasonDeclined
	case EventRemoteEnded:
		return ReasonRemoteEnded
	case EventTimeout:
		return ReasonTimedOut
	default:
		return ReasonFailed
	}
}
