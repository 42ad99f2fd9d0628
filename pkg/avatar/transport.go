package avatar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Sentinel errors returned by [Transport].
var (
	// ErrNotReady indicates the peer connection or data channel cannot
	// accept audio right now.
	ErrNotReady = errors.New("avatar: transport not ready")

	// ErrClosed indicates the transport has been closed.
	ErrClosed = errors.New("avatar: transport closed")
)

// Peer establishes the avatar session and hands out the connection handles.
// Implementations wrap the avatar vendor's SDK; [Loopback] provides an
// in-process implementation for development and tests.
type Peer interface {
	// Connect performs session setup and returns the peer connection and
	// audio data channel. The returned handles may become ready after
	// Connect returns; callers poll readiness per frame via [Ready].
	Connect(ctx context.Context) (PeerConnection, DataChannel, error)

	// Close tears down the avatar session.
	Close() error
}

// Option configures a [Transport].
type Option func(*Transport)

// WithSampleRate sets the sample rate in Hz the avatar consumes audio at.
// Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(t *Transport) {
		t.sampleRate = rate
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(t *Transport) {
		t.log = log
	}
}

// Transport owns one avatar session and exposes the two operations the audio
// pipeline needs: a point-in-time readiness poll and a frame send. It is safe
// for concurrent use.
type Transport struct {
	peer       Peer
	sampleRate int
	log        *slog.Logger

	mu     sync.Mutex
	pc     PeerConnection
	dc     DataChannel
	closed bool
}

// NewTransport creates a Transport over the given peer with options applied.
// Call [Transport.Start] before sending audio.
func NewTransport(peer Peer, opts ...Option) *Transport {
	t := &Transport{
		peer:       peer,
		sampleRate: 16000,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Start connects the avatar session. It must be called once before
// [Transport.SendAudio]; the transport may still report not ready for a
// while afterwards, until ICE negotiation completes and the data channel
// opens.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.pc != nil {
		return errors.New("avatar: transport already started")
	}
	pc, dc, err := t.peer.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connecting avatar peer: %w", err)
	}
	t.pc = pc
	t.dc = dc
	t.log.Debug("avatar transport started", "sample_rate", t.sampleRate)
	return nil
}

// Ready reports whether the transport can accept audio at this instant.
// It returns false before Start and after Close. The result must be
// re-polled for every frame.
func (t *Transport) Ready() bool {
	t.mu.Lock()
	pc, dc, closed := t.pc, t.dc, t.closed
	t.mu.Unlock()
	if closed {
		return false
	}
	return Ready(pc, dc)
}

// SampleRate returns the sample rate in Hz the avatar consumes audio at.
func (t *Transport) SampleRate() int {
	return t.sampleRate
}

// SendAudio transmits one frame of PCM16 mono audio at [Transport.SampleRate].
// It returns [ErrNotReady] if the connection cannot accept audio right now
// and [ErrClosed] after Close. Frames rejected here are the caller's to
// buffer or drop; the transport never queues.
func (t *Transport) SendAudio(frame []byte) error {
	t.mu.Lock()
	pc, dc, closed := t.pc, t.dc, t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !Ready(pc, dc) {
		return ErrNotReady
	}
	if err := dc.Send(frame); err != nil {
		return fmt.Errorf("sending avatar audio: %w", err)
	}
	return nil
}

// Close tears down the avatar session. It is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.pc = nil
	t.dc = nil
	return t.peer.Close()
}
