// Package pipeline implements the model-to-avatar audio delta pipeline. Each
// audio delta emitted by the realtime model is resampled from the model rate
// to the avatar rate and then either forwarded immediately over the avatar
// data channel or, while the channel is not yet ready, held in a FIFO buffer
// that is flushed in arrival order as soon as delivery becomes possible.
package pipeline

import (
	"errors"
	"sync"
	"time"
)

// Default backlog bounds applied when a [Feed] is created without
// [WithBufferLimits]. 512 frames of typical realtime delta sizing is well
// under a minute of audio.
const (
	DefaultMaxFrames = 512
	DefaultMaxAge    = 30 * time.Second
)

// DeltaBuffer holds resampled audio frames that could not be delivered to the
// avatar because its data channel was not ready. Frames are drained in
// insertion order once the channel opens.
//
// The buffer enforces an optional maximum frame count and maximum age. A zero
// value disables the respective bound. Expired or overflowing frames are
// evicted on every [DeltaBuffer.Enqueue] and at the start of every
// [DeltaBuffer.DrainAndSend].
//
// All methods are safe for concurrent use.
type DeltaBuffer struct {
	mu        sync.Mutex
	frames    []bufferedFrame
	maxFrames int
	maxAge    time.Duration
}

// bufferedFrame is a single pending avatar frame with its enqueue time.
type bufferedFrame struct {
	pcm      []byte
	queuedAt time.Time
}

// NewDeltaBuffer creates a buffer that retains at most maxFrames frames and
// evicts frames older than maxAge. Zero disables the respective bound.
func NewDeltaBuffer(maxFrames int, maxAge time.Duration) *DeltaBuffer {
	return &DeltaBuffer{
		maxFrames: maxFrames,
		maxAge:    maxAge,
	}
}

// Enqueue appends a frame to the buffer, taking ownership of the slice, and
// returns the number of older frames evicted to satisfy the configured
// bounds. The frame just enqueued is never among the evicted.
func (b *DeltaBuffer) Enqueue(pcm []byte) (evicted int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.frames = append(b.frames, bufferedFrame{pcm: pcm, queuedAt: time.Now()})
	return b.evict()
}

// DrainAndSend pops frames in insertion order and hands each to send until
// the buffer is empty. Expired frames are evicted first and reported via
// evicted. A frame whose send fails is dropped, not re-queued; the drain
// continues with the next frame and all send errors are joined into err.
//
// Frames enqueued concurrently while the drain is running are included in the
// same drain if they arrive before it observes an empty buffer, and are left
// for the next drain otherwise. No frame is ever delivered twice.
func (b *DeltaBuffer) DrainAndSend(send func(pcm []byte) error) (evicted int, err error) {
	b.mu.Lock()
	evicted = b.evict()
	b.mu.Unlock()

	var errs []error
	for {
		b.mu.Lock()
		if len(b.frames) == 0 {
			b.frames = nil
			b.mu.Unlock()
			break
		}
		f := b.frames[0]
		b.frames = b.frames[1:]
		b.mu.Unlock()

		// Send outside the lock so a slow channel never blocks Enqueue.
		if sendErr := send(f.pcm); sendErr != nil {
			errs = append(errs, sendErr)
		}
	}
	return evicted, errors.Join(errs...)
}

// Clear discards all pending frames and returns how many were dropped. It is
// the authoritative reaction to a conversation interruption: frames buffered
// before the interruption must never reach the avatar afterwards, even when
// a drain is in flight.
func (b *DeltaBuffer) Clear() (dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped = len(b.frames)
	b.frames = nil
	return dropped
}

// Len returns the number of frames currently pending.
func (b *DeltaBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// evict removes frames that are too old or exceed maxFrames and returns the
// number removed. Must be called with b.mu held.
//
// Surviving frames are copied to a fresh backing array so evicted PCM does
// not stay pinned for the lifetime of the session.
func (b *DeltaBuffer) evict() int {
	start := 0
	if b.maxAge > 0 {
		cutoff := time.Now().Add(-b.maxAge)
		for start < len(b.frames) && b.frames[start].queuedAt.Before(cutoff) {
			start++
		}
	}

	keep := b.frames[start:]

	// Evict by size — keep only the most recent maxFrames frames.
	if b.maxFrames > 0 && len(keep) > b.maxFrames {
		keep = keep[len(keep)-b.maxFrames:]
	}

	removed := len(b.frames) - len(keep)
	if removed > 0 {
		fresh := make([]bufferedFrame, len(keep))
		copy(fresh, keep)
		b.frames = fresh
	}
	return removed
}
