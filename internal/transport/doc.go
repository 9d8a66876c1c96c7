// Package transport owns the serial link: device open/reopen, the link state
// machine and delimiter framed reads and writes.
//
// Ownership boundary:
// - physical port lifecycle and reconnect backoff
// - Disconnected/Connecting/Connected/Degraded transitions
// - one frame per ReadFrame call, whole frames per WriteFrame call
//
// ReadFrame has a single consumer; WriteFrame may be called concurrently.
package transport
