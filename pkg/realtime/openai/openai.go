// Package openai implements the realtime.Client interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio travels as base64-encoded PCM16 chunks; conversation item lifecycle,
// transcripts, and interruption signals are surfaced as realtime.Event values.
// Mid-session updates (instructions, voice, turn detection) are fully
// supported via session.update, and barge-in maps to the response.cancel +
// conversation.item.truncate pair.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/parlancehq/parlance/pkg/realtime"
)

// Compile-time assertions that Client and session satisfy the realtime interfaces.
var _ realtime.Client = (*Client)(nil)
var _ realtime.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// transcriptionModel transcribes user input audio server-side.
	transcriptionModel = "whisper-1"

	// maxInboundMessage replaces the library's 32KiB default read limit.
	// Audio delta events carry base64 PCM16 and routinely exceed it.
	maxInboundMessage = 64 * 1024 * 1024
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the default OpenAI model used when the session config names
// none.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client implements realtime.Client for OpenAI's Realtime API.
type Client struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Client with the given API key and options.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect establishes a new OpenAI Realtime session with the given
// configuration. The returned Session is ready to accept audio immediately
// after the initial session.update message is sent.
func (c *Client) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	model := cfg.Model
	if model == "" {
		model = c.model
	}
	wsURL := fmt.Sprintf("%s?model=%s", c.baseURL, model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(maxInboundMessage)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		events:   make(chan realtime.Event, 64),
		turnMode: turnModeOf(cfg),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	if err := sess.writeJSON(sessionUpdateMessage{
		Type:    "session.update",
		EventID: uuid.NewString(),
		Session: sessionParamsOf(cfg),
	}); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	EventID string        `json:"event_id,omitempty"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities         []string             `json:"modalities,omitempty"`
	Voice              string               `json:"voice,omitempty"`
	Instructions       string               `json:"instructions,omitempty"`
	InputAudioFormat   string               `json:"input_audio_format"`
	OutputAudioFormat  string               `json:"output_audio_format"`
	InputTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`

	// TurnDetection deliberately has no omitempty: nil must marshal as a
	// literal null, which is how the API disables server VAD.
	TurnDetection *turnDetectionParams `json:"turn_detection"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetectionParams struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

type appendAudioMessage struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Audio   string `json:"audio"` // base64-encoded PCM16
}

type responseControlMessage struct {
	Type    string `json:"type"` // response.create, response.cancel or input_audio_buffer.commit
	EventID string `json:"event_id,omitempty"`
}

type truncateItemMessage struct {
	Type         string `json:"type"`
	EventID      string `json:"event_id,omitempty"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int    `json:"audio_end_ms"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta /
	// response.text.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// delta and truncation events reference their item directly
	ItemID     string `json:"item_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
	AudioEndMS int    `json:"audio_end_ms,omitempty"`

	// conversation.item.created / conversation.item.deleted /
	// response.output_item.done carry the full item
	Item *serverItem `json:"item,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

type serverItem struct {
	ID      string              `json:"id"`
	Type    string              `json:"type"`
	Role    string              `json:"role,omitempty"`
	Status  string              `json:"status,omitempty"`
	Content []serverContentPart `json:"content,omitempty"`
}

type serverContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan realtime.Event

	mu       sync.Mutex
	turnMode realtime.TurnDetectionMode
	errVal   error
	closed   bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
// coder/websocket serialises concurrent writers internally.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel: it closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "conversation.item.created":
		if evt.Item == nil || evt.Item.ID == "" {
			return
		}
		s.emit(realtime.Event{
			Type:   realtime.EventItemCreated,
			ItemID: evt.Item.ID,
			Role:   roleOf(evt.Item.Role),
		})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		s.emit(realtime.Event{
			Type:       realtime.EventAudioDelta,
			ItemID:     evt.ItemID,
			ResponseID: evt.ResponseID,
			Audio:      audioData,
		})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.emit(realtime.Event{
			Type:   realtime.EventTranscriptDelta,
			ItemID: evt.ItemID,
			Text:   evt.Delta,
		})

	case "response.text.delta":
		if evt.Delta == "" {
			return
		}
		s.emit(realtime.Event{
			Type:   realtime.EventTextDelta,
			ItemID: evt.ItemID,
			Text:   evt.Delta,
		})

	case "response.output_item.done":
		if evt.Item == nil || evt.Item.ID == "" {
			return
		}
		// Truncated items report status incomplete; the truncation event
		// already settled their state and their final content must not
		// resurrect it.
		if evt.Item.Status == "incomplete" {
			return
		}
		text, transcript := joinContent(evt.Item.Content)
		s.emit(realtime.Event{
			Type:       realtime.EventItemCompleted,
			ItemID:     evt.Item.ID,
			Text:       text,
			Transcript: transcript,
		})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(realtime.Event{
			Type:       realtime.EventInputTranscript,
			ItemID:     evt.ItemID,
			Transcript: evt.Transcript,
		})

	case "conversation.item.truncated":
		s.emit(realtime.Event{
			Type:       realtime.EventItemTruncated,
			ItemID:     evt.ItemID,
			AudioEndMS: evt.AudioEndMS,
		})

	case "conversation.item.deleted":
		s.emit(realtime.Event{
			Type:   realtime.EventItemDeleted,
			ItemID: evt.ItemID,
		})

	case "input_audio_buffer.speech_started":
		s.emit(realtime.Event{Type: realtime.EventInterrupted})

	case "response.done":
		s.emit(realtime.Event{
			Type:       realtime.EventResponseDone,
			ResponseID: evt.ResponseID,
		})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(realtime.Event{Type: realtime.EventError, Text: msg})
	}
}

func (s *session) emit(ev realtime.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
}

// ── Session methods ────────────────────────────────────────────────────────────

// AppendInputAudio streams one chunk of raw PCM16 microphone audio to the model.
func (s *session) AppendInputAudio(pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(appendAudioMessage{
		Type:    "input_audio_buffer.append",
		EventID: uuid.NewString(),
		Audio:   base64.StdEncoding.EncodeToString(pcm),
	})
}

// CreateResponse asks the model to reply to the buffered input audio. In
// manual turn detection mode the input buffer is committed first; with server
// VAD the server commits on its own and an explicit commit would error.
func (s *session) CreateResponse() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	manual := s.turnMode == realtime.TurnDetectionNone
	s.mu.Unlock()

	if manual {
		if err := s.writeJSON(responseControlMessage{
			Type:    "input_audio_buffer.commit",
			EventID: uuid.NewString(),
		}); err != nil {
			return err
		}
	}
	return s.writeJSON(responseControlMessage{
		Type:    "response.create",
		EventID: uuid.NewString(),
	})
}

// CancelResponse aborts the in-flight response and truncates the interrupted
// item to the audio the user actually heard, converting the device's sample
// offset to milliseconds at the model rate.
func (s *session) CancelResponse(trackID string, sampleOffset int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	s.mu.Unlock()

	if err := s.writeJSON(responseControlMessage{
		Type:    "response.cancel",
		EventID: uuid.NewString(),
	}); err != nil {
		return err
	}
	if trackID == "" {
		return nil
	}
	return s.writeJSON(truncateItemMessage{
		Type:         "conversation.item.truncate",
		EventID:      uuid.NewString(),
		ItemID:       trackID,
		ContentIndex: 0,
		AudioEndMS:   sampleOffset * 1000 / realtime.ModelSampleRate,
	})
}

// UpdateSession applies a new configuration by sending a session.update event.
func (s *session) UpdateSession(cfg realtime.SessionConfig) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	s.mu.Unlock()

	if err := s.writeJSON(sessionUpdateMessage{
		Type:    "session.update",
		EventID: uuid.NewString(),
		Session: sessionParamsOf(cfg),
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.turnMode = turnModeOf(cfg)
	s.mu.Unlock()
	return nil
}

// TurnDetection returns the turn detection mode currently in effect.
func (s *session) TurnDetection() realtime.TurnDetectionMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnMode
}

// Events returns the channel on which session events arrive.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

// ── Config translation ─────────────────────────────────────────────────────────

// sessionParamsOf converts a provider-agnostic session config to OpenAI
// session.update parameters.
func sessionParamsOf(cfg realtime.SessionConfig) sessionParams {
	params := sessionParams{
		Modalities:        []string{"text", "audio"},
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.Voice != "" {
		params.Voice = cfg.Voice
	}
	if cfg.Instructions != "" {
		params.Instructions = cfg.Instructions
	}
	if cfg.Transcription {
		params.InputTranscription = &transcriptionParams{Model: transcriptionModel}
	}
	if td := cfg.TurnDetection; td != nil && td.Mode == realtime.TurnDetectionServerVAD {
		params.TurnDetection = &turnDetectionParams{
			Type:              "server_vad",
			Threshold:         td.Threshold,
			PrefixPaddingMS:   td.PrefixPaddingMS,
			SilenceDurationMS: td.SilenceDurationMS,
		}
	}
	return params
}

// turnModeOf derives the effective turn detection mode from a session config.
func turnModeOf(cfg realtime.SessionConfig) realtime.TurnDetectionMode {
	if cfg.TurnDetection != nil && cfg.TurnDetection.Mode == realtime.TurnDetectionServerVAD {
		return realtime.TurnDetectionServerVAD
	}
	return realtime.TurnDetectionNone
}

// roleOf maps a wire role string to a realtime.Role.
func roleOf(role string) realtime.Role {
	switch role {
	case "assistant":
		return realtime.RoleAssistant
	case "system":
		return realtime.RoleSystem
	default:
		return realtime.RoleUser
	}
}

// joinContent concatenates the text and transcript parts of an item's content.
func joinContent(parts []serverContentPart) (text, transcript string) {
	for _, p := range parts {
		text += p.Text
		transcript += p.Transcript
	}
	return text, transcript
}
