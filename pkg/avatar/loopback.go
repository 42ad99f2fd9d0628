package avatar

import (
	"context"
	"errors"
	"sync"
)

// Compile-time interface assertions.
var (
	_ Peer           = (*Loopback)(nil)
	_ PeerConnection = (*Loopback)(nil)
	_ DataChannel    = (*Loopback)(nil)
)

// Loopback is an in-process [Peer] whose connection handles it also
// implements itself. It starts in the connected/open state so audio flows
// immediately, records sent frames for inspection, and lets callers flip the
// ICE and channel states to simulate setup races and teardown.
//
// Loopback backs the "loopback" avatar mode in development configs and the
// package tests. It is safe for concurrent use.
type Loopback struct {
	mu      sync.Mutex
	ice     ICEState
	channel ChannelState
	frames  [][]byte
	sent    int64
	closed  bool

	// keep bounds the recorded frame history; older frames are discarded.
	keep int
}

// NewLoopback creates a Loopback that reports ready immediately.
func NewLoopback() *Loopback {
	return &Loopback{
		ice:     ICEConnected,
		channel: ChannelOpen,
		keep:    64,
	}
}

// Connect implements [Peer]. The loopback is its own peer connection and
// data channel.
func (l *Loopback) Connect(_ context.Context) (PeerConnection, DataChannel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, nil, ErrClosed
	}
	return l, l, nil
}

// ICEConnectionState implements [PeerConnection].
func (l *Loopback) ICEConnectionState() ICEState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ice
}

// ReadyState implements [DataChannel].
func (l *Loopback) ReadyState() ChannelState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channel
}

// Send implements [DataChannel]. The frame is copied into the recorded
// history. Sending fails when the channel is not open.
func (l *Loopback) Send(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.channel != ChannelOpen {
		return errors.New("avatar: loopback channel not open")
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	l.frames = append(l.frames, buf)
	if len(l.frames) > l.keep {
		l.frames = append([][]byte(nil), l.frames[len(l.frames)-l.keep:]...)
	}
	l.sent++
	return nil
}

// Close implements [Peer]. Both handles report closed states afterwards.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.ice = ICEClosed
	l.channel = ChannelClosed
	return nil
}

// SetICEState overrides the reported ICE connection state.
func (l *Loopback) SetICEState(s ICEState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ice = s
}

// SetChannelState overrides the reported data channel state.
func (l *Loopback) SetChannelState(s ChannelState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channel = s
}

// Frames returns a copy of the recorded frame history, oldest first.
func (l *Loopback) Frames() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.frames))
	copy(out, l.frames)
	return out
}

// SentFrames returns the total number of frames accepted by Send.
func (l *Loopback) SentFrames() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent
}
