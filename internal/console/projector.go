package console

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/pkg/audio"
	"github.com/parlancehq/parlance/pkg/realtime"
)

// ClipSink stores encoded playback clips addressed by conversation item ID.
// It is satisfied by the server's clip store.
type ClipSink interface {
	StoreClip(itemID string, wav []byte)
}

// ProjectorConfig wires a [Projector].
type ProjectorConfig struct {
	// Clips receives the WAV clip of every item that completed with audio.
	// A nil sink disables clip encoding.
	Clips ClipSink

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnUpdate, when set, receives the full item list after every change.
	OnUpdate func(items []realtime.Item)

	// OnClip, when set, is called once an item's playback clip is stored.
	OnClip func(itemID string)
}

// Projector maintains the conversation view the UI renders. Every session
// event is folded into the item list; whenever the list changes the full list
// is re-read and delivered, never a partial diff. Items that complete with
// audio additionally get a WAV playback clip, encoded in the background so a
// slow encode never delays item updates.
//
// The encode step attaches a clip and nothing else: an item's text and
// transcript are owned by the session events alone. A failed encode leaves
// the item intact, just without a clip.
type Projector struct {
	conv     *realtime.Conversation
	clips    ClipSink
	log      *slog.Logger
	metrics  *observe.Metrics
	onUpdate func(items []realtime.Item)
	onClip   func(itemID string)

	group errgroup.Group

	mu      sync.Mutex
	encoded map[string]bool
}

// NewProjector creates a projector over an empty conversation.
func NewProjector(cfg ProjectorConfig) *Projector {
	p := &Projector{
		conv:     realtime.NewConversation(),
		clips:    cfg.Clips,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		onUpdate: cfg.OnUpdate,
		onClip:   cfg.OnClip,
		encoded:  make(map[string]bool),
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Apply folds one session event into the conversation view.
func (p *Projector) Apply(ctx context.Context, ev realtime.Event) {
	if !p.conv.Apply(ev) {
		return
	}
	if p.onUpdate != nil {
		p.onUpdate(p.conv.Items())
	}

	if ev.Type != realtime.EventItemCompleted || p.clips == nil {
		return
	}
	item, ok := p.conv.Item(ev.ItemID)
	if !ok || len(item.Audio) == 0 {
		return
	}
	p.encodeClip(ctx, item)
}

// Items returns the current conversation items in order.
func (p *Projector) Items() []realtime.Item {
	return p.conv.Items()
}

// Item returns the item with the given ID.
func (p *Projector) Item(id string) (realtime.Item, bool) {
	return p.conv.Item(id)
}

// Wait blocks until all in-flight clip encodes have finished.
func (p *Projector) Wait() {
	_ = p.group.Wait()
}

// encodeClip encodes the item's accumulated model audio to WAV in the
// background. Each item is encoded at most once.
func (p *Projector) encodeClip(ctx context.Context, item realtime.Item) {
	p.mu.Lock()
	if p.encoded[item.ID] {
		p.mu.Unlock()
		return
	}
	p.encoded[item.ID] = true
	p.mu.Unlock()

	p.group.Go(func() error {
		start := time.Now()
		wav, err := audio.EncodeWAV(item.Audio, realtime.ModelSampleRate, 1)
		if err != nil {
			p.metrics.RecordClipEncode(ctx, time.Since(start).Seconds(), "error")
			p.log.WarnContext(ctx, "clip encode failed",
				"item_id", item.ID, "audio_bytes", len(item.Audio), "error", err)
			return nil
		}
		p.clips.StoreClip(item.ID, wav)
		p.metrics.RecordClipEncode(ctx, time.Since(start).Seconds(), "ok")
		if p.onClip != nil {
			p.onClip(item.ID)
		}
		return nil
	})
}
