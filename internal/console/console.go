// Package console drives one voice-assistant console session: it owns the
// realtime model session, feeds the model's audio deltas through the
// resample-gate-buffer pipeline to the avatar transport, mirrors playback to
// the local device, arbitrates turn taking between the user and the model,
// and projects the conversation for rendering.
//
// A Console is the systems-language rendition of the browser page's event
// wiring: one goroutine owns the session's event stream and dispatches every
// event in order, so pipeline state is never mutated concurrently by two
// handlers.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/internal/pipeline"
	"github.com/parlancehq/parlance/pkg/audio"
	"github.com/parlancehq/parlance/pkg/device"
	"github.com/parlancehq/parlance/pkg/realtime"
)

// ErrClosed is returned by console operations after Close.
var ErrClosed = errors.New("console: closed")

// flushInterval is how often the run loop re-polls avatar readiness to flush
// a backlog that accumulated while the data channel was still opening. Deltas
// trigger their own flush; the ticker only covers the gap when the model has
// gone quiet with frames still pending.
const flushInterval = 250 * time.Millisecond

// Config wires a [Console].
type Config struct {
	// Session is the connected realtime model session. The console consumes
	// its event stream and closes it on Close.
	Session realtime.Session

	// Avatar receives the resampled model audio. Typically an
	// [avatar.Transport]; the console polls its readiness per delta.
	Avatar pipeline.Sender

	// Device plays model audio locally and captures the microphone.
	Device device.Device

	// Clips receives WAV clips of completed assistant items. Nil disables
	// clip encoding.
	Clips ClipSink

	// FeedOptions tune the delta pipeline (rates, buffer bounds).
	FeedOptions []pipeline.FeedOption

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnTurnState, when set, is invoked after every turn state change.
	OnTurnState func(from, to string)

	// OnItems, when set, receives the full conversation item list after
	// every change.
	OnItems func(items []realtime.Item)

	// OnClip, when set, is invoked when an item's playback clip is stored.
	OnClip func(itemID string)

	// OnError, when set, receives non-fatal session error events.
	OnError func(msg string)
}

// Console owns one console session end to end. Create it with [New], drive it
// with [Console.Run], and tear it down with [Console.Close].
//
// All exported methods are safe for concurrent use.
type Console struct {
	sess    realtime.Session
	feed    *pipeline.Feed
	turns   *TurnController
	proj    *Projector
	dev     device.Device
	log     *slog.Logger
	metrics *observe.Metrics
	onError func(msg string)

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New assembles a console over a connected session. The turn-detection mode
// is queried from the session exactly once, here: server VAD and push-to-talk
// are mutually exclusive capture disciplines, and the controller must know
// which one it is running before the first event arrives.
func New(cfg Config) *Console {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	feedOpts := append([]pipeline.FeedOption{
		pipeline.WithLogger(log),
		pipeline.WithMetrics(metrics),
	}, cfg.FeedOptions...)
	feed := pipeline.NewFeed(cfg.Avatar, feedOpts...)

	c := &Console{
		sess:    cfg.Session,
		feed:    feed,
		dev:     cfg.Device,
		log:     log,
		metrics: metrics,
		onError: cfg.OnError,
		done:    make(chan struct{}),
	}

	c.turns = NewTurnController(TurnConfig{
		Mode:     cfg.Session.TurnDetection(),
		Device:   cfg.Device,
		Session:  cfg.Session,
		Backlog:  feed,
		Logger:   log,
		Metrics:  metrics,
		OnChange: cfg.OnTurnState,
	})

	c.proj = NewProjector(ProjectorConfig{
		Clips:    cfg.Clips,
		Logger:   log,
		Metrics:  metrics,
		OnUpdate: cfg.OnItems,
		OnClip:   cfg.OnClip,
	})

	return c
}

// Run consumes the session's event stream until it closes or ctx is
// cancelled. It must be called exactly once. The returned error is the
// session's terminal error, nil on a clean shutdown or cancellation.
//
// Every event is handled to completion before the next one is read, which is
// what makes the pipeline's ordering guarantees hold: a drain triggered by one
// delta finishes before the next delta — or an interruption — is observed.
func (c *Console) Run(ctx context.Context) error {
	if err := c.turns.Start(ctx); err != nil {
		return fmt.Errorf("console: start turn controller: %w", err)
	}

	events := c.sess.Events()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-c.done:
			// Close was called; drain the receive loop's remaining events so
			// it can exit, then report the session error if any.
			go audio.Drain(events)
			return c.sess.Err()

		case <-ticker.C:
			if c.feed.Pending() > 0 {
				if err := c.feed.Flush(ctx); err != nil {
					c.log.WarnContext(ctx, "backlog flush failed", "error", err)
				}
			}

		case ev, ok := <-events:
			if !ok {
				return c.sess.Err()
			}
			c.handleEvent(ctx, ev)
		}
	}
}

// handleEvent dispatches one session event. Handler failures are logged and
// never abort the loop: a dropped frame or a refused transition degrades one
// turn, not the session.
func (c *Console) handleEvent(ctx context.Context, ev realtime.Event) {
	switch ev.Type {
	case realtime.EventAudioDelta:
		c.handleAudioDelta(ctx, ev)

	case realtime.EventInterrupted:
		if err := c.turns.Interrupted(ctx); err != nil {
			c.log.WarnContext(ctx, "interruption handling failed", "error", err)
		}

	case realtime.EventResponseDone:
		if err := c.turns.ModelDone(ctx); err != nil {
			c.log.WarnContext(ctx, "model done handling failed", "error", err)
		}

	case realtime.EventError:
		c.log.WarnContext(ctx, "session error event", "message", ev.Text)
		if c.onError != nil {
			c.onError(ev.Text)
		}

	default:
		c.proj.Apply(ctx, ev)
	}
}

// handleAudioDelta is the per-delta hot path: mark the model as speaking,
// mirror the delta to local playback, fold it into the conversation view, and
// push it down the avatar pipeline, which resamples and then either sends or
// buffers depending on the readiness gate.
func (c *Console) handleAudioDelta(ctx context.Context, ev realtime.Event) {
	if err := c.turns.ModelStarted(ctx); err != nil {
		c.log.WarnContext(ctx, "model start handling failed", "error", err)
	}

	if err := c.dev.Play(ev.ItemID, ev.Audio); err != nil {
		c.log.WarnContext(ctx, "local playback failed",
			"item_id", ev.ItemID, "error", err)
	}

	c.proj.Apply(ctx, ev)

	if err := c.feed.Process(ctx, ev.Audio); err != nil {
		c.log.WarnContext(ctx, "avatar delivery failed",
			"item_id", ev.ItemID, "error", err)
	}
}

// AppendMicAudio forwards one chunk of PCM16 microphone audio at
// [realtime.ModelSampleRate] to the model.
func (c *Console) AppendMicAudio(pcm []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if len(pcm) == 0 {
		return nil
	}
	return c.sess.AppendInputAudio(pcm)
}

// PressTalk forwards the user's push-to-talk press to the turn controller.
func (c *Console) PressTalk(ctx context.Context) error {
	return c.turns.PressTalk(ctx)
}

// ReleaseTalk forwards the user's push-to-talk release to the turn controller.
func (c *Console) ReleaseTalk(ctx context.Context) error {
	return c.turns.ReleaseTalk(ctx)
}

// SetTurnDetection switches the session and the turn controller to a new turn
// detection mode mid-session. The session is reconfigured first so the server
// stops (or starts) committing turns before the local capture discipline
// changes.
func (c *Console) SetTurnDetection(ctx context.Context, mode realtime.TurnDetectionMode) error {
	if !mode.IsValid() {
		return fmt.Errorf("console: invalid turn detection mode %q", mode)
	}
	if mode == c.turns.Mode() {
		return nil
	}

	cfg := realtime.SessionConfig{}
	if mode == realtime.TurnDetectionServerVAD {
		cfg.TurnDetection = &realtime.TurnDetection{Mode: mode}
	}
	if err := c.sess.UpdateSession(cfg); err != nil {
		return fmt.Errorf("console: update session: %w", err)
	}
	return c.turns.SetMode(ctx, mode)
}

// TurnState returns the current turn state.
func (c *Console) TurnState() string { return c.turns.State() }

// TurnDetection returns the turn detection mode currently in effect.
func (c *Console) TurnDetection() realtime.TurnDetectionMode { return c.turns.Mode() }

// Items returns the current conversation items in order.
func (c *Console) Items() []realtime.Item { return c.proj.Items() }

// Item returns the conversation item with the given ID.
func (c *Console) Item(id string) (realtime.Item, bool) { return c.proj.Item(id) }

// Pending returns the number of avatar frames waiting for an open channel.
func (c *Console) Pending() int { return c.feed.Pending() }

// Close ends the console session: the model session is closed, which makes
// Run return, and in-flight clip encodes are waited out. Idempotent.
func (c *Console) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.sess.Close()
		c.proj.Wait()
	})
	return c.closeErr
}
