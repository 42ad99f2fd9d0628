package server

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/smallnest/ringbuffer"

	"github.com/parlancehq/parlance/internal/console"
	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/pkg/device"
	"github.com/parlancehq/parlance/pkg/realtime"
)

const (
	// writeTimeout bounds every write to the console socket.
	writeTimeout = 5 * time.Second

	// pongWait is how long the read side tolerates silence before the
	// connection is considered dead. Pings go out at pingPeriod.
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// maxMessageSize bounds inbound frames. The largest legitimate frame is
	// a mic chunk of a few hundred milliseconds.
	maxMessageSize = 1 << 20

	// outboundDepth is the outbound queue size. A client that falls this far
	// behind starts losing frames rather than stalling the session.
	outboundDepth = 256

	// micRingCapacity holds roughly five seconds of PCM16 at the model rate.
	// Older audio is shed first when the model connection stalls.
	micRingCapacity = 256 << 10

	micSizePrefix = 4
)

// Compile-time interface assertion.
var _ device.Device = (*consoleSession)(nil)

// trackProgress accounts for one playback track on the client.
type trackProgress struct {
	sentSamples int
	playedMS    int
}

// consoleSession is the server half of one connected browser console. It owns
// the WebSocket, relays control messages to the [console.Console], and
// doubles as the console's [device.Device]: playback frames go out tagged
// with their track ID, the client reports playback marks back, and Interrupt
// answers from the latest mark.
//
// All writes to the socket funnel through a single writer goroutine
// ([consoleSession.writePump]); every other goroutine only enqueues.
type consoleSession struct {
	id      string
	conn    *websocket.Conn
	log     *slog.Logger
	metrics *observe.Metrics

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	capturing atomic.Bool

	micMu     sync.Mutex
	mic       *ringbuffer.RingBuffer
	micSignal chan struct{}

	mu      sync.Mutex
	tracks  map[string]*trackProgress
	current string
}

func newConsoleSession(id string, conn *websocket.Conn, log *slog.Logger, metrics *observe.Metrics) *consoleSession {
	return &consoleSession{
		id:        id,
		conn:      conn,
		log:       log,
		metrics:   metrics,
		outbound:  make(chan []byte, outboundDepth),
		done:      make(chan struct{}),
		mic:       ringbuffer.New(micRingCapacity).SetBlocking(false),
		micSignal: make(chan struct{}, 1),
		tracks:    make(map[string]*trackProgress),
	}
}

// close tears the session down: the raw connection is closed, which unblocks
// the read pump, and the done channel stops all enqueues. Idempotent.
func (s *consoleSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// ── Outbound ─────────────────────────────────────────────────────────────────

// send marshals and enqueues one message for the writer goroutine. A full
// queue drops the message: a stalled client degrades its own playback, never
// the model session.
func (s *consoleSession) send(msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("marshal outbound message", "type", msg.Type, "error", err)
		return
	}
	select {
	case <-s.done:
	case s.outbound <- data:
	default:
		s.log.Warn("outbound queue full, dropping message", "type", msg.Type)
	}
}

func (s *consoleSession) sendSessionReady(mode string) {
	s.send(serverMessage{Type: msgSessionReady, SessionID: s.id, TurnDetection: mode})
}

func (s *consoleSession) sendTurnState(_, to string) {
	s.send(serverMessage{Type: msgTurnState, State: to})
}

func (s *consoleSession) sendItems(items []realtime.Item, clips *ClipStore) {
	payload := make([]itemPayload, 0, len(items))
	for _, it := range items {
		p := itemPayload{
			ID:         it.ID,
			Role:       string(it.Role),
			Status:     string(it.Status),
			Text:       it.Text,
			Transcript: it.Transcript,
			HasAudio:   len(it.Audio) > 0,
		}
		if clips != nil && clips.Has(it.ID) {
			p.ClipURL = ClipPath(it.ID)
		}
		payload = append(payload, p)
	}
	s.send(serverMessage{Type: msgItemUpdate, Items: payload})
}

func (s *consoleSession) sendClipReady(itemID string) {
	s.send(serverMessage{Type: msgClipReady, ItemID: itemID, URL: ClipPath(itemID)})
}

func (s *consoleSession) sendError(msg string) {
	s.send(serverMessage{Type: msgError, Message: msg})
}

// writePump is the single writer: it drains the outbound queue, keeps the
// connection alive with pings, and sends the close frame on shutdown.
func (s *consoleSession) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(writeTimeout)
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return nil

		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return fmt.Errorf("server: ping console: %w", err)
			}

		case data := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("server: write to console: %w", err)
			}
		}
	}
}

// ── Inbound ──────────────────────────────────────────────────────────────────

// readPump consumes the socket until it closes: binary frames are mic audio,
// text frames are control messages. It returns nil on a clean client
// disconnect or session teardown.
func (s *consoleSession) readPump(ctx context.Context, c *console.Console) error {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return fmt.Errorf("server: read from console: %w", err)
			}
			return nil
		}

		switch kind {
		case websocket.BinaryMessage:
			s.enqueueMic(data)
		case websocket.TextMessage:
			s.handleControl(ctx, c, data)
		}
	}
}

// handleControl dispatches one client control message. Handler errors go back
// to the client as error messages; they never end the session.
func (s *consoleSession) handleControl(ctx context.Context, c *console.Console, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError("malformed message")
		return
	}

	switch msg.Type {
	case msgPressTalk:
		if err := c.PressTalk(ctx); err != nil {
			s.sendError(err.Error())
		}

	case msgReleaseTalk:
		if err := c.ReleaseTalk(ctx); err != nil {
			s.sendError(err.Error())
		}

	case msgSetTurnDetection:
		mode := realtime.TurnDetectionMode(msg.Mode)
		if err := c.SetTurnDetection(ctx, mode); err != nil {
			s.sendError(err.Error())
			return
		}
		s.sendSessionReady(string(c.TurnDetection()))

	case msgPlaybackMark:
		s.recordMark(msg.TrackID, msg.PlayedMS, msg.Done)

	default:
		s.sendError(fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// ── Microphone ingress ───────────────────────────────────────────────────────

// enqueueMic stores one mic chunk in the ring, shedding oldest frames when
// full, and wakes the pump. Chunks arriving while capture is off are dropped;
// the capture flag is the turn controller's, not the client's.
func (s *consoleSession) enqueueMic(frame []byte) {
	if len(frame) == 0 || !s.capturing.Load() {
		return
	}
	need := len(frame) + micSizePrefix
	if need > micRingCapacity {
		s.log.Warn("mic chunk exceeds ring capacity, dropped", "bytes", len(frame))
		return
	}

	s.micMu.Lock()
	evicted := 0
	for s.mic.Free() < need {
		if !s.skipOldestMicLocked() {
			s.mic.Reset()
			break
		}
		evicted++
	}
	var prefix [micSizePrefix]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(frame)))
	_, _ = s.mic.Write(prefix[:])
	_, _ = s.mic.Write(frame)
	s.micMu.Unlock()

	if evicted > 0 {
		s.metrics.RecordBufferEvictions(context.Background(), evicted)
		s.log.Debug("mic ring full, shed oldest chunks", "evicted", evicted)
	}

	select {
	case s.micSignal <- struct{}{}:
	default:
	}
}

// dequeueMic pops the oldest mic chunk from the ring.
func (s *consoleSession) dequeueMic() ([]byte, bool) {
	s.micMu.Lock()
	defer s.micMu.Unlock()

	if s.mic.IsEmpty() {
		return nil, false
	}
	var prefix [micSizePrefix]byte
	if n, err := s.mic.Read(prefix[:]); err != nil || n != micSizePrefix {
		s.mic.Reset()
		return nil, false
	}
	size := int(binary.LittleEndian.Uint32(prefix[:]))
	if size <= 0 || size > micRingCapacity {
		s.mic.Reset()
		return nil, false
	}
	frame := make([]byte, size)
	if n, err := s.mic.Read(frame); err != nil || n != size {
		s.mic.Reset()
		return nil, false
	}
	return frame, true
}

// skipOldestMicLocked discards the oldest chunk. Caller holds micMu.
func (s *consoleSession) skipOldestMicLocked() bool {
	if s.mic.IsEmpty() {
		return false
	}
	var prefix [micSizePrefix]byte
	if n, err := s.mic.Read(prefix[:]); err != nil || n != micSizePrefix {
		return false
	}
	size := int(binary.LittleEndian.Uint32(prefix[:]))
	if size <= 0 || size > micRingCapacity {
		return false
	}
	skip := make([]byte, size)
	if n, err := s.mic.Read(skip); err != nil || n != size {
		return false
	}
	return true
}

// micPump forwards ring contents to the model session. It decouples the
// socket read loop from model writes so a slow upstream never backpressures
// the browser connection.
func (s *consoleSession) micPump(ctx context.Context, c *console.Console) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.micSignal:
			for {
				frame, ok := s.dequeueMic()
				if !ok {
					break
				}
				if err := c.AppendMicAudio(frame); err != nil {
					if errors.Is(err, console.ErrClosed) {
						return nil
					}
					s.log.WarnContext(ctx, "mic forward failed", "error", err)
				}
			}
		}
	}
}

// ── device.Device ────────────────────────────────────────────────────────────

// StartCapture opens the mic gate. Implements [device.Device].
func (s *consoleSession) StartCapture() error {
	s.capturing.Store(true)
	return nil
}

// StopCapture closes the mic gate and discards anything still queued, so a
// released turn never leaks trailing audio into the next one. Implements
// [device.Device].
func (s *consoleSession) StopCapture() error {
	s.capturing.Store(false)
	s.micMu.Lock()
	s.mic.Reset()
	s.micMu.Unlock()
	return nil
}

// Play ships one playback frame to the client and advances the sent-sample
// account for its track. Implements [device.Device].
func (s *consoleSession) Play(trackID string, pcm []byte) error {
	if trackID == "" || len(pcm) == 0 {
		return nil
	}
	s.mu.Lock()
	t := s.tracks[trackID]
	if t == nil {
		t = &trackProgress{}
		s.tracks[trackID] = t
	}
	t.sentSamples += len(pcm) / 2
	s.current = trackID
	s.mu.Unlock()

	s.send(serverMessage{
		Type:    msgAudioDelta,
		TrackID: trackID,
		Audio:   base64.StdEncoding.EncodeToString(pcm),
	})
	return nil
}

// recordMark stores the client's playback progress for a track. A done mark
// retires the track: its progress entry is dropped so long-lived connections
// do not accumulate one per assistant response.
func (s *consoleSession) recordMark(trackID string, playedMS int, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tracks[trackID]
	if t == nil {
		return
	}
	if playedMS < 0 {
		playedMS = 0
	}
	t.playedMS = playedMS
	if done {
		delete(s.tracks, trackID)
		if s.current == trackID {
			s.current = ""
		}
	}
}

// Interrupt stops client playback and reports how far the listener actually
// got: the latest playback mark converted to samples, clamped to what was
// sent. False when nothing is playing. Implements [device.Device].
func (s *consoleSession) Interrupt() (device.Offset, bool) {
	s.mu.Lock()
	trackID := s.current
	var samples int
	if trackID != "" {
		if t := s.tracks[trackID]; t != nil {
			samples = t.playedMS * realtime.ModelSampleRate / 1000
			if samples > t.sentSamples {
				samples = t.sentSamples
			}
		}
		delete(s.tracks, trackID)
		s.current = ""
	}
	s.mu.Unlock()

	if trackID == "" {
		return device.Offset{}, false
	}
	s.send(serverMessage{Type: msgPlaybackClear})
	return device.Offset{TrackID: trackID, Samples: samples}, true
}
