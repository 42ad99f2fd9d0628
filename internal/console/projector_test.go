package console_test

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/parlancehq/parlance/internal/console"
	"github.com/parlancehq/parlance/pkg/audio"
	"github.com/parlancehq/parlance/pkg/realtime"
)

// fakeClipSink records stored clips by item ID.
type fakeClipSink struct {
	mu     sync.Mutex
	clips  map[string][]byte
	stores int
}

func newFakeClipSink() *fakeClipSink {
	return &fakeClipSink{clips: make(map[string][]byte)}
}

func (s *fakeClipSink) StoreClip(itemID string, wav []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(wav))
	copy(buf, wav)
	s.clips[itemID] = buf
	s.stores++
}

func (s *fakeClipSink) clip(itemID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wav, ok := s.clips[itemID]
	return wav, ok
}

func (s *fakeClipSink) storeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stores
}

func TestProjector_EncodesClipOnCompletion(t *testing.T) {
	t.Parallel()
	sink := newFakeClipSink()
	var (
		mu      sync.Mutex
		clipped []string
	)
	p := console.NewProjector(console.ProjectorConfig{
		Clips: sink,
		OnClip: func(itemID string) {
			mu.Lock()
			clipped = append(clipped, itemID)
			mu.Unlock()
		},
	})
	ctx := context.Background()

	pcm := audio.SamplesToBytes([]int16{100, -100, 200, -200})
	p.Apply(ctx, realtime.Event{Type: realtime.EventItemCreated, ItemID: "a1", Role: realtime.RoleAssistant})
	p.Apply(ctx, realtime.Event{Type: realtime.EventAudioDelta, ItemID: "a1", Audio: pcm})
	p.Apply(ctx, realtime.Event{Type: realtime.EventItemCompleted, ItemID: "a1"})
	p.Wait()

	wav, ok := sink.clip("a1")
	if !ok {
		t.Fatal("no clip stored for the completed item")
	}
	want, err := audio.EncodeWAV(pcm, realtime.ModelSampleRate, 1)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if !bytes.Equal(wav, want) {
		t.Error("stored clip differs from the encoded item audio")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(clipped) != 1 || clipped[0] != "a1" {
		t.Errorf("clip notifications = %v, want [a1]", clipped)
	}
}

func TestProjector_ClipNeverRewritesTextOrTranscript(t *testing.T) {
	t.Parallel()
	sink := newFakeClipSink()
	p := console.NewProjector(console.ProjectorConfig{Clips: sink})
	ctx := context.Background()

	p.Apply(ctx, realtime.Event{Type: realtime.EventItemCreated, ItemID: "a1", Role: realtime.RoleAssistant})
	p.Apply(ctx, realtime.Event{Type: realtime.EventTextDelta, ItemID: "a1", Text: "The answer is 42."})
	p.Apply(ctx, realtime.Event{Type: realtime.EventTranscriptDelta, ItemID: "a1", Text: "The answer is forty-two."})
	p.Apply(ctx, realtime.Event{Type: realtime.EventAudioDelta, ItemID: "a1",
		Audio: audio.SamplesToBytes([]int16{1, 2, 3, 4})})
	p.Apply(ctx, realtime.Event{Type: realtime.EventItemCompleted, ItemID: "a1"})
	p.Wait()

	item, ok := p.Item("a1")
	if !ok {
		t.Fatal("item missing after completion")
	}
	if item.Text != "The answer is 42." {
		t.Errorf("text = %q, want the accumulated deltas", item.Text)
	}
	if item.Transcript != "The answer is forty-two." {
		t.Errorf("transcript = %q, want the accumulated deltas", item.Transcript)
	}
	if _, ok := sink.clip("a1"); !ok {
		t.Error("clip was not stored")
	}
}

func TestProjector_NoAudioNoClip(t *testing.T) {
	t.Parallel()
	sink := newFakeClipSink()
	clipped := make(chan string, 1)
	p := console.NewProjector(console.ProjectorConfig{
		Clips:  sink,
		OnClip: func(itemID string) { clipped <- itemID },
	})
	ctx := context.Background()

	p.Apply(ctx, realtime.Event{Type: realtime.EventItemCreated, ItemID: "a1", Role: realtime.RoleAssistant})
	p.Apply(ctx, realtime.Event{Type: realtime.EventTextDelta, ItemID: "a1", Text: "text only"})
	p.Apply(ctx, realtime.Event{Type: realtime.EventItemCompleted, ItemID: "a1"})
	p.Wait()

	if got := sink.storeCalls(); got != 0 {
		t.Errorf("clip stores = %d, want 0 for a text-only item", got)
	}
	select {
	case id := <-clipped:
		t.Errorf("unexpected clip notification for %q", id)
	default:
	}
}

func TestProjector_EncodesEachItemOnce(t *testing.T) {
	t.Parallel()
	sink := newFakeClipSink()
	p := console.NewProjector(console.ProjectorConfig{Clips: sink})
	ctx := context.Background()

	p.Apply(ctx, realtime.Event{Type: realtime.EventItemCreated, ItemID: "a1", Role: realtime.RoleAssistant})
	p.Apply(ctx, realtime.Event{Type: realtime.EventAudioDelta, ItemID: "a1",
		Audio: audio.SamplesToBytes([]int16{5, 6})})
	p.Apply(ctx, realtime.Event{Type: realtime.EventItemCompleted, ItemID: "a1"})
	p.Apply(ctx, realtime.Event{Type: realtime.EventItemCompleted, ItemID: "a1"})
	p.Wait()

	if got := sink.storeCalls(); got != 1 {
		t.Errorf("clip stores = %d, want 1 for a twice-completed item", got)
	}
}

func TestProjector_FailedEncodeLeavesItemIntact(t *testing.T) {
	t.Parallel()
	sink := newFakeClipSink()
	p := console.NewProjector(console.ProjectorConfig{Clips: sink})
	ctx := context.Background()

	// An odd byte count is not valid PCM16, so the encode fails.
	p.Apply(ctx, realtime.Event{Type: realtime.EventItemCreated, ItemID: "a1", Role: realtime.RoleAssistant})
	p.Apply(ctx, realtime.Event{Type: realtime.EventTextDelta, ItemID: "a1", Text: "still here"})
	p.Apply(ctx, realtime.Event{Type: realtime.EventAudioDelta, ItemID: "a1", Audio: []byte{1, 2, 3}})
	p.Apply(ctx, realtime.Event{Type: realtime.EventItemCompleted, ItemID: "a1"})
	p.Wait()

	if got := sink.storeCalls(); got != 0 {
		t.Errorf("clip stores = %d, want 0 after a failed encode", got)
	}
	item, ok := p.Item("a1")
	if !ok {
		t.Fatal("item missing after failed encode")
	}
	if item.Text != "still here" {
		t.Errorf("text = %q, want %q", item.Text, "still here")
	}
	if item.Status != realtime.ItemCompleted {
		t.Errorf("status = %q, want %q", item.Status, realtime.ItemCompleted)
	}
}

func TestProjector_NilSinkSkipsEncoding(t *testing.T) {
	t.Parallel()
	p := console.NewProjector(console.ProjectorConfig{})
	ctx := context.Background()

	p.Apply(ctx, realtime.Event{Type: realtime.EventItemCreated, ItemID: "a1", Role: realtime.RoleAssistant})
	p.Apply(ctx, realtime.Event{Type: realtime.EventAudioDelta, ItemID: "a1",
		Audio: audio.SamplesToBytes([]int16{9, 9})})
	p.Apply(ctx, realtime.Event{Type: realtime.EventItemCompleted, ItemID: "a1"})
	p.Wait()

	item, ok := p.Item("a1")
	if !ok {
		t.Fatal("item missing")
	}
	if item.Status != realtime.ItemCompleted {
		t.Errorf("status = %q, want %q", item.Status, realtime.ItemCompleted)
	}
}

func TestProjector_QuietEventsDontNotify(t *testing.T) {
	t.Parallel()
	var (
		mu      sync.Mutex
		updates int
	)
	p := console.NewProjector(console.ProjectorConfig{
		OnUpdate: func([]realtime.Item) {
			mu.Lock()
			updates++
			mu.Unlock()
		},
	})
	ctx := context.Background()

	p.Apply(ctx, realtime.Event{Type: realtime.EventInterrupted})
	p.Apply(ctx, realtime.Event{Type: realtime.EventResponseDone})
	p.Apply(ctx, realtime.Event{Type: realtime.EventItemCompleted, ItemID: "ghost"})

	mu.Lock()
	defer mu.Unlock()
	if updates != 0 {
		t.Errorf("update callbacks = %d, want 0 for non-mutating events", updates)
	}
}

func TestProjector_TruncationCutsProjectedAudio(t *testing.T) {
	t.Parallel()
	p := console.NewProjector(console.ProjectorConfig{})
	ctx := context.Background()

	// 48 samples at 24 kHz is 2 ms of audio.
	samples := make([]int16, 48)
	for i := range samples {
		samples[i] = int16(i)
	}
	p.Apply(ctx, realtime.Event{Type: realtime.EventItemCreated, ItemID: "a1", Role: realtime.RoleAssistant})
	p.Apply(ctx, realtime.Event{Type: realtime.EventAudioDelta, ItemID: "a1",
		Audio: audio.SamplesToBytes(samples)})
	p.Apply(ctx, realtime.Event{Type: realtime.EventItemTruncated, ItemID: "a1", AudioEndMS: 1})

	item, ok := p.Item("a1")
	if !ok {
		t.Fatal("item missing after truncation")
	}
	// 1 ms at 24 kHz is 24 samples, 48 bytes.
	if got := len(item.Audio); got != 48 {
		t.Errorf("audio bytes = %d, want 48 after truncation", got)
	}
	if item.Status != realtime.ItemIncomplete {
		t.Errorf("status = %q, want %q", item.Status, realtime.ItemIncomplete)
	}
}
