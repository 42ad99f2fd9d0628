package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"

	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/pkg/device"
	"github.com/parlancehq/parlance/pkg/realtime"
)

// Turn states as reported to clients.
const (
	StateIdle          = "idle"
	StateRecording     = "recording"
	StateModelSpeaking = "model_speaking"
)

// State machine event names.
const (
	eventPress      = "press"
	eventRelease    = "release"
	eventModelStart = "model_start"
	eventModelDone  = "model_done"
	eventInterrupt  = "interrupt"
)

// ErrServerVAD is returned by PressTalk and ReleaseTalk while server-side
// voice activity detection owns the turn taking.
var ErrServerVAD = errors.New("console: turn taking is managed by server vad")

// Responder is the slice of [realtime.Session] the turn controller drives.
type Responder interface {
	CreateResponse() error
	CancelResponse(trackID string, sampleOffset int) error
}

// Backlog drops avatar-bound audio that has not been delivered yet. It is
// satisfied by [pipeline.Feed].
type Backlog interface {
	Clear(ctx context.Context) int
}

// TurnConfig wires a [TurnController].
type TurnConfig struct {
	// Mode selects who detects the end of user speech. With server VAD the
	// microphone runs continuously and press/release are rejected; in manual
	// mode the user pushes to talk.
	Mode realtime.TurnDetectionMode

	// Device plays model audio and captures the user microphone.
	Device device.Device

	// Session receives response control commands.
	Session Responder

	// Backlog is cleared whenever the conversation is interrupted.
	Backlog Backlog

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnChange, when set, is invoked after every state change with the old
	// and new state. It runs outside the controller lock and may call back
	// into the controller.
	OnChange func(from, to string)
}

// TurnController tracks whose turn it is — the user's or the model's — and
// runs the device and session choreography on every change: starting and
// stopping capture, halting playback on barge-in, and cancelling superseded
// responses at the exact sample the user last heard.
//
// Exactly one state is active at any time, so recording and model playback
// are never live simultaneously.
type TurnController struct {
	dev      device.Device
	sess     Responder
	backlog  Backlog
	log      *slog.Logger
	metrics  *observe.Metrics
	onChange func(from, to string)

	mu      sync.Mutex
	mode    realtime.TurnDetectionMode
	machine *fsm.FSM
}

// NewTurnController creates a controller in the idle state.
func NewTurnController(cfg TurnConfig) *TurnController {
	t := &TurnController{
		dev:      cfg.Device,
		sess:     cfg.Session,
		backlog:  cfg.Backlog,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		onChange: cfg.OnChange,
		mode:     cfg.Mode,
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	t.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventPress, Src: []string{StateIdle, StateModelSpeaking}, Dst: StateRecording},
			{Name: eventRelease, Src: []string{StateRecording}, Dst: StateIdle},
			{Name: eventModelStart, Src: []string{StateIdle, StateRecording}, Dst: StateModelSpeaking},
			{Name: eventModelDone, Src: []string{StateModelSpeaking}, Dst: StateIdle},
			{Name: eventInterrupt, Src: []string{StateModelSpeaking}, Dst: StateIdle},
		},
		fsm.Callbacks{},
	)
	return t
}

// Start prepares the device for the configured mode. With server VAD the
// microphone starts immediately and runs for the whole session.
func (t *TurnController) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mode != realtime.TurnDetectionServerVAD {
		return nil
	}
	if err := t.dev.StartCapture(); err != nil {
		return fmt.Errorf("start continuous capture: %w", err)
	}
	t.log.DebugContext(ctx, "continuous capture started")
	return nil
}

// PressTalk handles the user pressing the talk control. From idle it starts
// capture; during model playback it is a barge-in: playback halts, the
// superseded response is cancelled at the played offset, undelivered avatar
// audio is dropped, and capture starts. Presses in any other state are
// ignored. Returns [ErrServerVAD] while server VAD is active.
func (t *TurnController) PressTalk(ctx context.Context) error {
	from, err := t.press(ctx)
	if from != "" {
		t.notify(ctx, from, StateRecording)
	}
	return err
}

// press is the locked portion of PressTalk. It returns the state the
// controller left, or "" when no transition happened.
func (t *TurnController) press(ctx context.Context) (from string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mode == realtime.TurnDetectionServerVAD {
		return "", ErrServerVAD
	}

	from = t.machine.Current()
	if err := t.machine.Event(ctx, eventPress); err != nil {
		t.log.DebugContext(ctx, "press ignored", "state", from)
		return "", nil
	}

	if from == StateModelSpeaking {
		t.bargeIn(ctx, "user")
	}
	if err := t.dev.StartCapture(); err != nil {
		return from, fmt.Errorf("start capture: %w", err)
	}
	return from, nil
}

// ReleaseTalk handles the user releasing the talk control: capture pauses
// and the model is asked to respond to what was recorded. Releases outside
// of recording are ignored. Returns [ErrServerVAD] while server VAD is
// active.
func (t *TurnController) ReleaseTalk(ctx context.Context) error {
	from, err := t.release(ctx)
	if from != "" {
		t.notify(ctx, from, StateIdle)
	}
	return err
}

func (t *TurnController) release(ctx context.Context) (from string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mode == realtime.TurnDetectionServerVAD {
		return "", ErrServerVAD
	}

	from = t.machine.Current()
	if err := t.machine.Event(ctx, eventRelease); err != nil {
		t.log.DebugContext(ctx, "release ignored", "state", from)
		return "", nil
	}

	var errs []error
	if err := t.dev.StopCapture(); err != nil {
		errs = append(errs, fmt.Errorf("stop capture: %w", err))
	}
	if err := t.sess.CreateResponse(); err != nil {
		errs = append(errs, fmt.Errorf("create response: %w", err))
	}
	return from, errors.Join(errs...)
}

// ModelStarted moves the controller into the speaking state when the model
// begins streaming audio. A push-to-talk capture that is somehow still open
// stops first: the microphone never records while the model speaks in manual
// mode.
func (t *TurnController) ModelStarted(ctx context.Context) error {
	from, err := t.modelStart(ctx)
	if from != "" {
		t.notify(ctx, from, StateModelSpeaking)
	}
	return err
}

func (t *TurnController) modelStart(ctx context.Context) (from string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	from = t.machine.Current()
	if from == StateModelSpeaking {
		return "", nil
	}
	if err := t.machine.Event(ctx, eventModelStart); err != nil {
		t.log.DebugContext(ctx, "model start ignored", "state", from)
		return "", nil
	}
	if from == StateRecording {
		if err := t.dev.StopCapture(); err != nil {
			return from, fmt.Errorf("stop capture: %w", err)
		}
	}
	return from, nil
}

// ModelDone returns the controller to idle when the model finished its
// response. A done signal arriving after a barge-in already moved the turn
// elsewhere is ignored, so a cancelled response can never yank the state out
// from under the user's recording.
func (t *TurnController) ModelDone(ctx context.Context) error {
	t.mu.Lock()
	from := t.machine.Current()
	if err := t.machine.Event(ctx, eventModelDone); err != nil {
		t.mu.Unlock()
		t.log.DebugContext(ctx, "model done ignored", "state", from)
		return nil
	}
	t.mu.Unlock()

	t.notify(ctx, from, StateIdle)
	return nil
}

// Interrupted handles a server-side interruption, i.e. server VAD noticed
// the user speaking over the model. Undelivered avatar audio is dropped,
// playback halts, and the superseded response is cancelled at the played
// offset. The drop happens regardless of the current turn state, so a
// racing buffer drain can never deliver frames from before the interruption.
func (t *TurnController) Interrupted(ctx context.Context) error {
	from := t.interrupted(ctx)
	if from != "" {
		t.notify(ctx, from, StateIdle)
	}
	return nil
}

func (t *TurnController) interrupted(ctx context.Context) (from string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.bargeIn(ctx, "server")

	from = t.machine.Current()
	if err := t.machine.Event(ctx, eventInterrupt); err != nil {
		return ""
	}
	return from
}

// bargeIn halts playback and cancels the in-flight response using the exact
// playback position the device reports. With idle playback there is nothing
// to cancel. Must be called with t.mu held.
func (t *TurnController) bargeIn(ctx context.Context, source string) {
	dropped := t.backlog.Clear(ctx)

	off, ok := t.dev.Interrupt()
	if !ok {
		t.log.DebugContext(ctx, "interruption with idle playback", "dropped_frames", dropped)
		return
	}
	t.metrics.RecordInterruption(ctx, source)
	if err := t.sess.CancelResponse(off.TrackID, off.Samples); err != nil {
		t.log.WarnContext(ctx, "cancel response failed",
			"track_id", off.TrackID, "sample_offset", off.Samples, "error", err)
		return
	}
	t.metrics.RecordCancellation(ctx)
	t.log.InfoContext(ctx, "response cancelled",
		"track_id", off.TrackID,
		"sample_offset", off.Samples,
		"dropped_frames", dropped,
		"source", source)
}

// SetMode switches turn detection mid-session. Moving to server VAD starts
// continuous capture and releases a held talk button; moving to manual stops
// capture until the next press.
func (t *TurnController) SetMode(ctx context.Context, mode realtime.TurnDetectionMode) error {
	from, to, err := t.setMode(ctx, mode)
	if from != "" {
		t.notify(ctx, from, to)
	}
	return err
}

func (t *TurnController) setMode(ctx context.Context, mode realtime.TurnDetectionMode) (from, to string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if mode == t.mode {
		return "", "", nil
	}
	t.mode = mode

	switch mode {
	case realtime.TurnDetectionServerVAD:
		if t.machine.Current() == StateRecording {
			t.machine.SetState(StateIdle)
			from, to = StateRecording, StateIdle
		}
		if err := t.dev.StartCapture(); err != nil {
			return from, to, fmt.Errorf("start continuous capture: %w", err)
		}
	default:
		if err := t.dev.StopCapture(); err != nil {
			return from, to, fmt.Errorf("stop capture: %w", err)
		}
	}
	t.log.InfoContext(ctx, "turn detection changed", "mode", string(mode))
	return from, to, nil
}

// State returns the current turn state.
func (t *TurnController) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.machine.Current()
}

// Mode returns the turn detection mode currently in effect.
func (t *TurnController) Mode() realtime.TurnDetectionMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// notify reports a state change to metrics and the optional listener.
func (t *TurnController) notify(ctx context.Context, from, to string) {
	t.metrics.RecordTurnTransition(ctx, from, to)
	if t.onChange != nil {
		t.onChange(from, to)
	}
}
