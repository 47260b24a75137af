// Package audio holds the PCM plumbing of a call: format conversion between
// a device's native format and the 16 kHz mono wire format, and the jitter
// buffer that sits between the network receive loop and the render callback.
//
// # Converter
//
// Capture buffers arrive in the device format (often 44.1 or 48 kHz stereo).
// Converter.ToNetwork downmixes and resamples them with linear interpolation:
//
//	conv, err := audio.NewConverter(audio.Format{SampleRate: 48000, Channels: 2})
//	mono16k, err := conv.ToNetwork(captured)
//
// On playback the renderer asks for a fixed number of native frames and
// Converter.FromNetwork stretches the available network samples to fit:
//
//	need := conv.NetworkSamplesFor(frames)
//	out := conv.FromNetwork(samples[:need], frames)
//
// The converter keeps no state, so it is safe to share between the capture
// and render callbacks.
//
// # JitterBuffer
//
// JitterBuffer is a mutex-guarded byte queue. The receive path appends PCM
// bytes; the render path consumes them:
//
//	jb := audio.NewJitterBuffer(audio.DefaultJitterBudget)
//	jb.Append(pcm)              // network goroutine
//	n := jb.Consume(renderBuf) // audio callback, never blocks
//
// A shortfall is filled with silence. A backlog larger than the budget
// (250 ms by default) is thrown away on the next Consume so latency cannot
// build up.
package audio
