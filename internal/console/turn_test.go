package console_test

import (
	"context"
	"sync"
	"testing"

	"github.com/parlancehq/parlance/internal/console"
	"github.com/parlancehq/parlance/pkg/device"
	"github.com/parlancehq/parlance/pkg/device/mock"
	"github.com/parlancehq/parlance/pkg/realtime"
)

type cancelCall struct {
	trackID string
	samples int
}

// fakeResponder records response control calls.
type fakeResponder struct {
	mu        sync.Mutex
	creates   int
	cancels   []cancelCall
	createErr error
	cancelErr error
}

func (r *fakeResponder) CreateResponse() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	return r.createErr
}

func (r *fakeResponder) CancelResponse(trackID string, sampleOffset int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels = append(r.cancels, cancelCall{trackID: trackID, samples: sampleOffset})
	return r.cancelErr
}

func (r *fakeResponder) cancelCalls() []cancelCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]cancelCall, len(r.cancels))
	copy(out, r.cancels)
	return out
}

func (r *fakeResponder) createCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creates
}

// fakeBacklog counts Clear calls.
type fakeBacklog struct {
	mu     sync.Mutex
	clears int
}

func (b *fakeBacklog) Clear(context.Context) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clears++
	return 0
}

func (b *fakeBacklog) clearCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clears
}

func newTurn(mode realtime.TurnDetectionMode, dev *mock.Device) (*console.TurnController, *fakeResponder, *fakeBacklog) {
	resp := &fakeResponder{}
	backlog := &fakeBacklog{}
	tc := console.NewTurnController(console.TurnConfig{
		Mode:    mode,
		Device:  dev,
		Session: resp,
		Backlog: backlog,
	})
	return tc, resp, backlog
}

func TestTurnController_StartsIdle(t *testing.T) {
	t.Parallel()
	tc, _, _ := newTurn(realtime.TurnDetectionNone, &mock.Device{})

	if got := tc.State(); got != console.StateIdle {
		t.Errorf("State() = %q, want %q", got, console.StateIdle)
	}
	if got := tc.Mode(); got != realtime.TurnDetectionNone {
		t.Errorf("Mode() = %q, want %q", got, realtime.TurnDetectionNone)
	}
}

func TestTurnController_PressStartsCapture(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{}
	tc, resp, _ := newTurn(realtime.TurnDetectionNone, dev)
	ctx := context.Background()

	if err := tc.PressTalk(ctx); err != nil {
		t.Fatalf("PressTalk: %v", err)
	}

	if got := tc.State(); got != console.StateRecording {
		t.Errorf("State() = %q, want %q", got, console.StateRecording)
	}
	if dev.CallCountStartCapture != 1 {
		t.Errorf("StartCapture calls = %d, want 1", dev.CallCountStartCapture)
	}
	if !dev.Capturing {
		t.Error("device is not capturing after press")
	}
	if n := len(resp.cancelCalls()); n != 0 {
		t.Errorf("cancellations = %d, want 0 (nothing was playing)", n)
	}
}

func TestTurnController_DoublePressIgnored(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{}
	tc, _, _ := newTurn(realtime.TurnDetectionNone, dev)
	ctx := context.Background()

	_ = tc.PressTalk(ctx)
	if err := tc.PressTalk(ctx); err != nil {
		t.Fatalf("second PressTalk: %v", err)
	}

	if dev.CallCountStartCapture != 1 {
		t.Errorf("StartCapture calls = %d, want 1 (double press must be a no-op)", dev.CallCountStartCapture)
	}
	if got := tc.State(); got != console.StateRecording {
		t.Errorf("State() = %q, want %q", got, console.StateRecording)
	}
}

func TestTurnController_ReleaseRequestsResponse(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{}
	tc, resp, _ := newTurn(realtime.TurnDetectionNone, dev)
	ctx := context.Background()

	_ = tc.PressTalk(ctx)
	if err := tc.ReleaseTalk(ctx); err != nil {
		t.Fatalf("ReleaseTalk: %v", err)
	}

	if got := tc.State(); got != console.StateIdle {
		t.Errorf("State() = %q, want %q", got, console.StateIdle)
	}
	if dev.Capturing {
		t.Error("device still capturing after release")
	}
	if got := resp.createCalls(); got != 1 {
		t.Errorf("CreateResponse calls = %d, want 1", got)
	}
}

func TestTurnController_ReleaseWithoutPressIgnored(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{}
	tc, resp, _ := newTurn(realtime.TurnDetectionNone, dev)

	if err := tc.ReleaseTalk(context.Background()); err != nil {
		t.Fatalf("ReleaseTalk: %v", err)
	}
	if got := resp.createCalls(); got != 0 {
		t.Errorf("CreateResponse calls = %d, want 0", got)
	}
	if got := tc.State(); got != console.StateIdle {
		t.Errorf("State() = %q, want %q", got, console.StateIdle)
	}
}

func TestTurnController_BargeInCancelsAtPlayedOffset(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{
		InterruptOffset: device.Offset{TrackID: "t1", Samples: 240},
		InterruptOK:     true,
	}
	tc, resp, backlog := newTurn(realtime.TurnDetectionNone, dev)
	ctx := context.Background()

	if err := tc.ModelStarted(ctx); err != nil {
		t.Fatalf("ModelStarted: %v", err)
	}
	if err := tc.PressTalk(ctx); err != nil {
		t.Fatalf("PressTalk: %v", err)
	}

	cancels := resp.cancelCalls()
	if len(cancels) != 1 {
		t.Fatalf("cancellations = %d, want exactly 1", len(cancels))
	}
	if cancels[0].trackID != "t1" || cancels[0].samples != 240 {
		t.Errorf("cancelled (%q, %d), want (%q, %d)",
			cancels[0].trackID, cancels[0].samples, "t1", 240)
	}
	if got := backlog.clearCalls(); got != 1 {
		t.Errorf("backlog clears = %d, want 1", got)
	}
	if got := tc.State(); got != console.StateRecording {
		t.Errorf("State() = %q, want %q", got, console.StateRecording)
	}
	if !dev.Capturing {
		t.Error("device is not capturing after barge-in")
	}
}

func TestTurnController_BargeInNothingPlaying(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{InterruptOK: false}
	tc, resp, _ := newTurn(realtime.TurnDetectionNone, dev)
	ctx := context.Background()

	_ = tc.ModelStarted(ctx)
	if err := tc.PressTalk(ctx); err != nil {
		t.Fatalf("PressTalk: %v", err)
	}

	if n := len(resp.cancelCalls()); n != 0 {
		t.Errorf("cancellations = %d, want 0 when nothing is playing", n)
	}
	if got := tc.State(); got != console.StateRecording {
		t.Errorf("State() = %q, want %q", got, console.StateRecording)
	}
}

func TestTurnController_ServerVADRejectsManualControl(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{}
	tc, resp, _ := newTurn(realtime.TurnDetectionServerVAD, dev)
	ctx := context.Background()

	if err := tc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if dev.CallCountStartCapture != 1 {
		t.Fatalf("StartCapture calls = %d, want 1 (continuous capture)", dev.CallCountStartCapture)
	}

	if err := tc.PressTalk(ctx); err != console.ErrServerVAD {
		t.Errorf("PressTalk error = %v, want ErrServerVAD", err)
	}
	if err := tc.ReleaseTalk(ctx); err != console.ErrServerVAD {
		t.Errorf("ReleaseTalk error = %v, want ErrServerVAD", err)
	}
	if got := tc.State(); got != console.StateIdle {
		t.Errorf("State() = %q, want %q", got, console.StateIdle)
	}
	if got := resp.createCalls(); got != 0 {
		t.Errorf("CreateResponse calls = %d, want 0", got)
	}
}

func TestTurnController_ManualModeSkipsContinuousCapture(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{}
	tc, _, _ := newTurn(realtime.TurnDetectionNone, dev)

	if err := tc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if dev.CallCountStartCapture != 0 {
		t.Errorf("StartCapture calls = %d, want 0 in manual mode", dev.CallCountStartCapture)
	}
}

func TestTurnController_ModelStartStopsCapture(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{}
	tc, _, _ := newTurn(realtime.TurnDetectionNone, dev)
	ctx := context.Background()

	_ = tc.PressTalk(ctx)
	if err := tc.ModelStarted(ctx); err != nil {
		t.Fatalf("ModelStarted: %v", err)
	}

	if got := tc.State(); got != console.StateModelSpeaking {
		t.Errorf("State() = %q, want %q", got, console.StateModelSpeaking)
	}
	if dev.Capturing {
		t.Error("device still capturing while the model speaks")
	}
	if dev.CallCountStopCapture != 1 {
		t.Errorf("StopCapture calls = %d, want 1", dev.CallCountStopCapture)
	}
}

func TestTurnController_ModelStartedTwiceIsOneTransition(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{}
	var changes int
	tc := console.NewTurnController(console.TurnConfig{
		Mode:     realtime.TurnDetectionNone,
		Device:   dev,
		Session:  &fakeResponder{},
		Backlog:  &fakeBacklog{},
		OnChange: func(from, to string) { changes++ },
	})
	ctx := context.Background()

	_ = tc.ModelStarted(ctx)
	_ = tc.ModelStarted(ctx)

	if changes != 1 {
		t.Errorf("state changes = %d, want 1", changes)
	}
	if got := tc.State(); got != console.StateModelSpeaking {
		t.Errorf("State() = %q, want %q", got, console.StateModelSpeaking)
	}
}

func TestTurnController_ModelDoneReturnsIdle(t *testing.T) {
	t.Parallel()
	tc, _, _ := newTurn(realtime.TurnDetectionNone, &mock.Device{})
	ctx := context.Background()

	_ = tc.ModelStarted(ctx)
	if err := tc.ModelDone(ctx); err != nil {
		t.Fatalf("ModelDone: %v", err)
	}
	if got := tc.State(); got != console.StateIdle {
		t.Errorf("State() = %q, want %q", got, console.StateIdle)
	}
}

func TestTurnController_ModelDoneAfterBargeInKeepsRecording(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{
		InterruptOffset: device.Offset{TrackID: "t2", Samples: 960},
		InterruptOK:     true,
	}
	tc, _, _ := newTurn(realtime.TurnDetectionNone, dev)
	ctx := context.Background()

	_ = tc.ModelStarted(ctx)
	_ = tc.PressTalk(ctx)

	// The cancelled response still reports done; the user's recording must
	// survive it.
	if err := tc.ModelDone(ctx); err != nil {
		t.Fatalf("ModelDone: %v", err)
	}
	if got := tc.State(); got != console.StateRecording {
		t.Errorf("State() = %q, want %q", got, console.StateRecording)
	}
}

func TestTurnController_InterruptedCancelsAndClears(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{
		InterruptOffset: device.Offset{TrackID: "t7", Samples: 480},
		InterruptOK:     true,
	}
	tc, resp, backlog := newTurn(realtime.TurnDetectionServerVAD, dev)
	ctx := context.Background()

	_ = tc.ModelStarted(ctx)
	if err := tc.Interrupted(ctx); err != nil {
		t.Fatalf("Interrupted: %v", err)
	}

	if got := backlog.clearCalls(); got != 1 {
		t.Errorf("backlog clears = %d, want 1", got)
	}
	cancels := resp.cancelCalls()
	if len(cancels) != 1 {
		t.Fatalf("cancellations = %d, want 1", len(cancels))
	}
	if cancels[0].trackID != "t7" || cancels[0].samples != 480 {
		t.Errorf("cancelled (%q, %d), want (%q, %d)",
			cancels[0].trackID, cancels[0].samples, "t7", 480)
	}
	if got := tc.State(); got != console.StateIdle {
		t.Errorf("State() = %q, want %q", got, console.StateIdle)
	}
}

func TestTurnController_InterruptedWhileIdleIsQuiet(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{InterruptOK: false}
	tc, resp, backlog := newTurn(realtime.TurnDetectionServerVAD, dev)

	if err := tc.Interrupted(context.Background()); err != nil {
		t.Fatalf("Interrupted: %v", err)
	}

	// The buffer drop stays authoritative even without a state change.
	if got := backlog.clearCalls(); got != 1 {
		t.Errorf("backlog clears = %d, want 1", got)
	}
	if n := len(resp.cancelCalls()); n != 0 {
		t.Errorf("cancellations = %d, want 0", n)
	}
	if got := tc.State(); got != console.StateIdle {
		t.Errorf("State() = %q, want %q", got, console.StateIdle)
	}
}

func TestTurnController_SetModeSwitchesCapture(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{}
	tc, _, _ := newTurn(realtime.TurnDetectionNone, dev)
	ctx := context.Background()

	if err := tc.SetMode(ctx, realtime.TurnDetectionServerVAD); err != nil {
		t.Fatalf("SetMode(vad): %v", err)
	}
	if !dev.Capturing {
		t.Error("continuous capture did not start after switching to server vad")
	}
	if err := tc.PressTalk(ctx); err != console.ErrServerVAD {
		t.Errorf("PressTalk error = %v, want ErrServerVAD", err)
	}

	if err := tc.SetMode(ctx, realtime.TurnDetectionNone); err != nil {
		t.Fatalf("SetMode(none): %v", err)
	}
	if dev.Capturing {
		t.Error("capture still running after switching to manual mode")
	}
	if err := tc.PressTalk(ctx); err != nil {
		t.Errorf("PressTalk after switch to manual: %v", err)
	}
}

func TestTurnController_SetModeReleasesHeldTalk(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{}
	tc, _, _ := newTurn(realtime.TurnDetectionNone, dev)
	ctx := context.Background()

	_ = tc.PressTalk(ctx)
	if err := tc.SetMode(ctx, realtime.TurnDetectionServerVAD); err != nil {
		t.Fatalf("SetMode: %v", err)
	}

	if got := tc.State(); got != console.StateIdle {
		t.Errorf("State() = %q, want %q (held press must not survive the switch)", got, console.StateIdle)
	}
	if got := tc.Mode(); got != realtime.TurnDetectionServerVAD {
		t.Errorf("Mode() = %q, want %q", got, realtime.TurnDetectionServerVAD)
	}
}

func TestTurnController_NotifiesStateChanges(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{}
	type change struct{ from, to string }
	var changes []change
	tc := console.NewTurnController(console.TurnConfig{
		Mode:     realtime.TurnDetectionNone,
		Device:   dev,
		Session:  &fakeResponder{},
		Backlog:  &fakeBacklog{},
		OnChange: func(from, to string) { changes = append(changes, change{from, to}) },
	})
	ctx := context.Background()

	_ = tc.PressTalk(ctx)
	_ = tc.ReleaseTalk(ctx)

	want := []change{
		{console.StateIdle, console.StateRecording},
		{console.StateRecording, console.StateIdle},
	}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d = %v, want %v", i, changes[i], want[i])
		}
	}
}

func TestTurnController_RecordingNeverOverlapsSpeaking(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{
		InterruptOffset: device.Offset{TrackID: "t3", Samples: 120},
		InterruptOK:     true,
	}
	tc, _, _ := newTurn(realtime.TurnDetectionNone, dev)
	ctx := context.Background()

	check := func(step string) {
		t.Helper()
		state := tc.State()
		if state == console.StateModelSpeaking && dev.Capturing {
			t.Errorf("%s: capturing while the model speaks", step)
		}
		if dev.Capturing && state != console.StateRecording {
			t.Errorf("%s: capturing in state %q", step, state)
		}
	}

	_ = tc.PressTalk(ctx)
	check("after press")
	_ = tc.ModelStarted(ctx)
	check("after model start")
	_ = tc.PressTalk(ctx)
	check("after barge-in")
	_ = tc.ModelStarted(ctx)
	check("after second model start")
	_ = tc.ModelDone(ctx)
	check("after model done")
}
