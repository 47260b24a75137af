// Package av is the voice-call engine: the call state machine, the Manager
// that drives signaling and transports through it, and the Pipeline that
// moves audio between a device and the network.
//
// # State machine
//
// Transition is a pure function from a state and an event to the next
// state. The Manager applies it and runs side effects only after a
// transition is committed:
//
//	Idle -> Requesting -> Connecting -> Active
//	Idle -> Ringing    -> Connecting -> Active
//	any live state -> Ended(reason)
//
// Ended accepts no further events.
//
// # Manager
//
// A Manager owns at most one call. It is constructed with its
// collaborators and has no package-level state:
//
//	m, err := av.NewManager(sigClient, &transport.Factory{...}, host, device, av.NewOptions())
//	m.Start()
//	defer m.Stop()
//
//	go sigClient.Subscribe(ctx, m.HandleSignalingEvent)
//	call, err := m.RequestCall(signaling.Party{ID: "bridge"})
//
// The host UI learns about calls through Host and reports user actions
// back with UserAnswered, UserDeclined, UserHungUp and the audio session
// callbacks.
//
// # Pipeline
//
// Pipeline implements AudioEndpoint. Capture converts device audio to
// 16 kHz mono, frames it and sends it without blocking. Deliver queues
// received audio in a jitter buffer that Render drains, rendering silence
// on underrun.
package av
