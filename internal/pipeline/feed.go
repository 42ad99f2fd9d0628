package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/pkg/audio"
	"github.com/parlancehq/parlance/pkg/realtime"
)

// Sender delivers audio frames to the avatar leg. [avatar.Transport]
// implements it.
//
// Ready must report the point-in-time delivery state; the feed polls it for
// every delta and never caches the answer.
type Sender interface {
	Ready() bool
	SendAudio(frame []byte) error
}

// Feed drives model audio deltas towards the avatar. For every delta it
// resamples the PCM to the avatar rate, then checks the channel gate: when
// the avatar is ready it flushes any backlog in insertion order and sends the
// new frame directly; when it is not, the frame joins the backlog.
//
// A frame whose send fails is dropped. The feed never retries sends on its
// own — the next delta triggers the next delivery attempt.
type Feed struct {
	sender  Sender
	buf     *DeltaBuffer
	srcRate int
	dstRate int
	log     *slog.Logger
	metrics *observe.Metrics
}

// FeedOption customises a [Feed].
type FeedOption func(*Feed)

// WithRates sets the model (source) and avatar (destination) sample rates.
// Defaults are 24000 and 16000 Hz, the OpenAI realtime output rate and the
// usual avatar ingest rate.
func WithRates(srcRate, dstRate int) FeedOption {
	return func(f *Feed) {
		f.srcRate = srcRate
		f.dstRate = dstRate
	}
}

// WithBufferLimits bounds the backlog held while the avatar channel is not
// ready. Zero disables the respective bound. Defaults: 512 frames, 30s.
func WithBufferLimits(maxFrames int, maxAge time.Duration) FeedOption {
	return func(f *Feed) {
		f.buf = NewDeltaBuffer(maxFrames, maxAge)
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) FeedOption {
	return func(f *Feed) {
		f.log = log
	}
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) FeedOption {
	return func(f *Feed) {
		f.metrics = m
	}
}

// NewFeed creates a feed that delivers resampled model audio to sender.
func NewFeed(sender Sender, opts ...FeedOption) *Feed {
	f := &Feed{
		sender:  sender,
		buf:     NewDeltaBuffer(DefaultMaxFrames, DefaultMaxAge),
		srcRate: realtime.ModelSampleRate,
		dstRate: 16000,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	return f
}

// Process handles one model audio delta. Empty deltas are ignored. The
// returned error joins all send failures encountered; the affected frames
// have already been dropped and will not be retried.
func (f *Feed) Process(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	f.metrics.RecordAudioDelta(ctx, len(pcm))

	frame := audio.ResampleBytes(pcm, f.srcRate, f.dstRate)

	if !f.sender.Ready() {
		evicted := f.buf.Enqueue(frame)
		f.metrics.AddPendingFrames(ctx, 1-evicted)
		f.metrics.RecordBufferEvictions(ctx, evicted)
		if evicted > 0 {
			f.log.WarnContext(ctx, "delta buffer full, evicted oldest frames",
				"evicted", evicted, "pending", f.buf.Len())
		}
		return nil
	}

	var errs []error
	if err := f.drain(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := f.sender.SendAudio(frame); err != nil {
		f.metrics.RecordSendFailure(ctx)
		errs = append(errs, fmt.Errorf("send frame: %w", err))
	} else {
		f.metrics.RecordFrameSent(ctx)
	}
	return errors.Join(errs...)
}

// Flush drains the backlog to the avatar if the channel is ready. Call it
// when the avatar transport reports readiness without a new delta in hand,
// e.g. right after the data channel opens.
func (f *Feed) Flush(ctx context.Context) error {
	if !f.sender.Ready() {
		return nil
	}
	return f.drain(ctx)
}

// Clear discards the backlog and returns how many frames were dropped. Call
// it on conversation interruption; a concurrently running drain stops at the
// cleared buffer and the dropped frames are never delivered.
func (f *Feed) Clear(ctx context.Context) int {
	dropped := f.buf.Clear()
	f.metrics.AddPendingFrames(ctx, -dropped)
	if dropped > 0 {
		f.log.DebugContext(ctx, "cleared pending avatar frames", "dropped", dropped)
	}
	return dropped
}

// Pending returns the number of frames currently waiting for delivery.
func (f *Feed) Pending() int {
	return f.buf.Len()
}

// drain flushes the backlog through the sender, keeping the pending-frame
// accounting exact: every frame leaving the buffer decrements the gauge,
// whether it was sent, failed, or evicted for age.
func (f *Feed) drain(ctx context.Context) error {
	evicted, err := f.buf.DrainAndSend(func(frame []byte) error {
		f.metrics.AddPendingFrames(ctx, -1)
		if sendErr := f.sender.SendAudio(frame); sendErr != nil {
			f.metrics.RecordSendFailure(ctx)
			return fmt.Errorf("send buffered frame: %w", sendErr)
		}
		f.metrics.RecordFrameSent(ctx)
		return nil
	})
	f.metrics.AddPendingFrames(ctx, -evicted)
	f.metrics.RecordBufferEvictions(ctx, evicted)
	return err
}
