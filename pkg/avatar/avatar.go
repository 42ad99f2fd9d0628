// Package avatar models the browser-side embodied-avatar connection that
// consumes the assistant's audio. The avatar vendor's SDK owns the actual
// WebRTC session; this package abstracts the two handles the audio pipeline
// needs — the peer connection and its audio data channel — behind interfaces
// so the pipeline can be driven and tested without a WebRTC stack. A concrete
// pion/webrtc implementation can be added later as another [Peer].
package avatar

// ICEState is the ICE connection state of the avatar peer connection,
// mirroring the browser's iceConnectionState values.
type ICEState string

const (
	ICENew          ICEState = "new"
	ICEChecking     ICEState = "checking"
	ICEConnected    ICEState = "connected"
	ICECompleted    ICEState = "completed"
	ICEDisconnected ICEState = "disconnected"
	ICEFailed       ICEState = "failed"
	ICEClosed       ICEState = "closed"
)

// ChannelState is the readiness state of the avatar audio data channel,
// mirroring the browser's RTCDataChannel readyState values.
type ChannelState string

const (
	ChannelConnecting ChannelState = "connecting"
	ChannelOpen       ChannelState = "open"
	ChannelClosing    ChannelState = "closing"
	ChannelClosed     ChannelState = "closed"
)

// PeerConnection is the subset of the avatar peer connection the audio
// pipeline observes.
type PeerConnection interface {
	// ICEConnectionState returns the current ICE connection state.
	ICEConnectionState() ICEState
}

// DataChannel is the avatar's audio data channel. Send delivers one frame of
// raw PCM16 mono audio at the transport's sample rate.
type DataChannel interface {
	// ReadyState returns the current data channel state.
	ReadyState() ChannelState

	// Send transmits one audio frame to the avatar.
	Send(frame []byte) error
}

// Ready reports whether the avatar connection can accept audio at this
// instant: the ICE connection is established and the data channel is open.
// Either handle being absent means not ready. The result is a point-in-time
// poll; callers must not cache it across frames, since both states change
// asynchronously during session setup and teardown.
func Ready(pc PeerConnection, dc DataChannel) bool {
	if pc == nil || dc == nil {
		return false
	}
	return pc.ICEConnectionState() == ICEConnected && dc.ReadyState() == ChannelOpen
}
