// Package shipcall is a peer-to-peer voice-call engine for phones on a
// shared local network, with a small coordination server for setup.
//
// A Phone bundles everything a host application needs: the signaling
// client, the Direct and Relayed transports, the local audio device and
// the call manager.
//
//	cfg, err := config.Load("phone.yaml")
//	phone, err := shipcall.NewPhone(&shipcall.Options{Config: cfg, Host: ui})
//	if err := phone.Start(ctx); err != nil {
//	    return err
//	}
//	defer phone.Stop()
//
//	call, err := phone.Call("engine-room")
//
// The host UI implements av.Host to ring and show calls, and reports user
// actions through phone.Manager().UserAnswered and friends.
//
// # Packages
//
//   - av: call state machine, manager and audio pipeline
//   - av/audio: format conversion and jitter buffer
//   - av/frame: handshake and audio frame encoding
//   - av/device: miniaudio capture and playback
//   - transport: Direct (TCP) and Relayed (websocket) links
//   - noise: optional Noise XX encryption for Direct links
//   - signaling: HTTP client for the coordination server
//   - server: the coordination server itself
//   - config: YAML settings and logging setup
package shipcall
