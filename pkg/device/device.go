// Package device abstracts the console's audio endpoints: the user's
// microphone (capture) and the assistant audio player (playback). The
// browser owns the actual hardware; the gateway's console session implements
// Device by bridging control messages over the console WebSocket, and tests
// substitute the in-memory implementation from the mock subpackage.
package device

// Offset reports how much of a playback track the user had actually heard
// when playback was interrupted. It is the ground truth for truncating the
// model's memory of its own reply.
type Offset struct {
	// TrackID is the conversation item whose audio was playing.
	TrackID string

	// Samples is the number of played PCM16 samples at the model sample rate.
	Samples int
}

// Device is the console's audio I/O. All methods must be safe for concurrent
// use and return quickly; implementations bridging to a browser must not
// block on the network round trip.
type Device interface {
	// StartCapture begins forwarding microphone audio into the session.
	// Calling it while capturing is a no-op.
	StartCapture() error

	// StopCapture pauses microphone forwarding. Calling it while paused is
	// a no-op.
	StopCapture() error

	// Play queues one frame of PCM16 assistant audio at the model sample
	// rate for playback under the given track. Tracks correspond to
	// conversation items; the first frame of a new track makes it the
	// current track.
	Play(trackID string, pcm []byte) error

	// Interrupt halts playback, discards queued audio, and reports the
	// played offset of the current track. ok is false when nothing is
	// playing; playback state is untouched in that case.
	Interrupt() (off Offset, ok bool)
}
