// Package transport carries call audio between two devices. Two
// implementations satisfy the same message-oriented contract:
//
//	type Transport interface {
//	    Kind() Kind
//	    Prepare(role Role, desc Descriptor) (Descriptor, error)
//	    Connect(ctx context.Context, h Handler) error
//	    Send(payload []byte) error
//	    Close() error
//	}
//
// # Direct
//
// Direct is plain TCP on the local network. The responder listens on a fixed
// port and advertises its LAN addresses through signaling:
//
//	d := transport.NewDirect(transport.NewDirectOptions())
//	local, err := d.Prepare(transport.RoleResponder, hints)
//	// send local to the caller, then
//	err = d.Connect(ctx, handler)
//
// The initiator dials each advertised address in order and keeps the first
// that answers. There is no relay fallback: if none answer, Connect fails.
// Messages are length-prefixed; with DirectOptions.Encrypt the link is
// wrapped in a Noise XX session.
//
// # Relayed
//
// Relay joins a websocket channel on the coordination server. The server
// pairs the two parties and forwards binary frames verbatim:
//
//	r := transport.NewRelay(&transport.RelayOptions{ServerURL: "http://hub:8080", Party: "bridge"})
//	_, err := r.Prepare(transport.RoleInitiator, desc)
//	err = r.Connect(ctx, handler)
//
// # Delivery
//
// Send never blocks: messages go to a bounded queue drained by a writer
// goroutine, and a full queue drops the message with ErrSendQueueFull. A
// write or read failure is reported once through Handler.HandleError; a peer
// that disconnects is reported as ErrPeerClosed.
package transport
