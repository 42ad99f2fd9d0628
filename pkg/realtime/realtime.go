// Package realtime defines the provider-agnostic surface for speech-to-speech
// realtime voice backends.
//
// A realtime session is a single, stateful, bidirectional connection: the
// client streams raw microphone audio up and receives the model's reply as a
// stream of events — audio deltas, text deltas, transcripts, and conversation
// item lifecycle changes. Sessions are long-lived (seconds to minutes) and
// support mid-session reconfiguration such as switching turn detection.
//
// All implementations must be safe for concurrent use.
package realtime

import "context"

// ModelSampleRate is the PCM16 sample rate in Hz that realtime models consume
// and produce. Input audio must be resampled to this rate before
// [Session.AppendInputAudio]; audio deltas arrive at this rate.
const ModelSampleRate = 24000

// TurnDetectionMode selects who decides when the user's turn ends.
type TurnDetectionMode string

const (
	// TurnDetectionServerVAD lets the server detect speech boundaries with
	// voice activity detection. The client streams microphone audio
	// continuously and the server commits turns and triggers responses.
	TurnDetectionServerVAD TurnDetectionMode = "server_vad"

	// TurnDetectionNone disables server-side detection. The client marks
	// turn boundaries explicitly (push-to-talk) and requests each response.
	TurnDetectionNone TurnDetectionMode = "none"
)

// IsValid reports whether m is a known turn detection mode.
func (m TurnDetectionMode) IsValid() bool {
	switch m {
	case TurnDetectionServerVAD, TurnDetectionNone:
		return true
	}
	return false
}

// TurnDetection tunes server-side voice activity detection. The zero value of
// each threshold field means "provider default".
type TurnDetection struct {
	// Mode selects the detection strategy.
	Mode TurnDetectionMode

	// Threshold is the VAD activation threshold in [0,1]. Higher values
	// require louder speech to open a turn.
	Threshold float64

	// PrefixPaddingMS is how much audio before detected speech onset is
	// included in the turn, in milliseconds.
	PrefixPaddingMS int

	// SilenceDurationMS is how long the user must stay silent before the
	// server closes the turn, in milliseconds.
	SilenceDurationMS int
}

// SessionConfig is the initial configuration for a realtime session and the
// payload for mid-session updates.
type SessionConfig struct {
	// Model names the realtime model to connect to.
	Model string

	// Voice selects the synthesised output voice.
	Voice string

	// Instructions is the system-level prompt for the assistant.
	Instructions string

	// Transcription enables server-side transcription of user input audio.
	Transcription bool

	// TurnDetection configures server-side turn detection. Nil disables it
	// entirely, which providers interpret as manual (push-to-talk) mode.
	TurnDetection *TurnDetection
}

// Role identifies the author of a conversation item.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ItemStatus is the lifecycle state of a conversation item.
type ItemStatus string

const (
	// ItemInProgress marks an item whose content is still streaming.
	ItemInProgress ItemStatus = "in_progress"

	// ItemCompleted marks an item whose content is final.
	ItemCompleted ItemStatus = "completed"

	// ItemIncomplete marks an item that ended early, for example after a
	// truncation triggered by barge-in.
	ItemIncomplete ItemStatus = "incomplete"
)

// Item is one entry of the conversation: a user utterance, an assistant
// reply, or an injected system message. Assistant items accumulate raw PCM16
// audio at [ModelSampleRate] alongside their text.
type Item struct {
	// ID is the provider-assigned item identifier. Assistant item IDs double
	// as playback track IDs when cancelling a response mid-play.
	ID string

	// Role is the item author.
	Role Role

	// Status is the item lifecycle state.
	Status ItemStatus

	// Text is the assistant's generated text, accumulated from deltas.
	Text string

	// Transcript is the spoken-audio transcript: for user items the
	// server-side transcription of input audio, for assistant items the
	// transcript of synthesised speech.
	Transcript string

	// Audio is the raw PCM16 mono audio at [ModelSampleRate], accumulated
	// from deltas. Empty for user items; input audio is not echoed back.
	Audio []byte
}

// EventType discriminates the variants of [Event].
type EventType string

const (
	// EventItemCreated announces a new conversation item.
	EventItemCreated EventType = "item_created"

	// EventAudioDelta carries one chunk of synthesised assistant audio.
	EventAudioDelta EventType = "audio_delta"

	// EventTextDelta carries a chunk of generated assistant text.
	EventTextDelta EventType = "text_delta"

	// EventTranscriptDelta carries a chunk of the assistant speech transcript.
	EventTranscriptDelta EventType = "transcript_delta"

	// EventItemCompleted marks an item's content as final. Text and
	// Transcript carry the authoritative final values when non-empty.
	EventItemCompleted EventType = "item_completed"

	// EventInputTranscript delivers the completed transcription of a user
	// input item.
	EventInputTranscript EventType = "input_transcript"

	// EventItemTruncated confirms a truncation: the item's audio past
	// AudioEndMS was discarded server-side.
	EventItemTruncated EventType = "item_truncated"

	// EventItemDeleted announces an item's removal from the conversation.
	EventItemDeleted EventType = "item_deleted"

	// EventInterrupted signals that the user started speaking while the
	// assistant may be mid-reply. In server VAD mode providers emit this on
	// detected speech onset; it is the trigger for barge-in handling.
	EventInterrupted EventType = "interrupted"

	// EventResponseDone marks the end of a model response turn.
	EventResponseDone EventType = "response_done"

	// EventError carries a provider error. The session stays usable unless
	// [Session.Events] closes afterwards.
	EventError EventType = "error"
)

// Event is one occurrence on a realtime session. It is a flat tagged union:
// Type selects the variant and determines which remaining fields are set.
type Event struct {
	// Type selects the event variant.
	Type EventType

	// ItemID is the conversation item this event concerns, when any.
	ItemID string

	// ResponseID is the model response this event belongs to, when any.
	ResponseID string

	// Role is the item author, set on EventItemCreated.
	Role Role

	// Audio is decoded PCM16 mono at [ModelSampleRate], set on
	// EventAudioDelta.
	Audio []byte

	// Text is the delta or final text, transcript chunk, or error message,
	// depending on Type.
	Text string

	// Transcript is the final transcript on EventItemCompleted and
	// EventInputTranscript.
	Transcript string

	// AudioEndMS is the confirmed truncation point in milliseconds of audio,
	// set on EventItemTruncated.
	AudioEndMS int
}

// Session is an open realtime connection. It is an interface so tests can
// supply fakes without a live provider.
//
// The session is the hot path of the voice pipeline — every method must
// return quickly. Inbound traffic is channel-based so a single consumer
// goroutine can own all session state. All methods must be safe for
// concurrent use. Callers must call Close when done.
type Session interface {
	// AppendInputAudio streams one chunk of raw PCM16 mono microphone audio
	// at [ModelSampleRate] to the server. In server VAD mode this is the
	// only input operation needed; in manual mode pair it with
	// CreateResponse.
	AppendInputAudio(pcm []byte) error

	// CreateResponse asks the model to reply to the buffered input. Only
	// meaningful in manual turn detection mode; in server VAD mode the
	// server creates responses on its own.
	CreateResponse() error

	// CancelResponse aborts the in-flight model response and truncates the
	// conversation item identified by trackID to sampleOffset samples of
	// played audio, so the model's memory matches what the user actually
	// heard. Callers must pass exactly the playback position reported by
	// the audio device at interruption time.
	CancelResponse(trackID string, sampleOffset int) error

	// UpdateSession applies a new configuration mid-session. Providers
	// apply it on a best-effort basis for in-flight turns.
	UpdateSession(cfg SessionConfig) error

	// TurnDetection returns the turn detection mode currently in effect.
	TurnDetection() TurnDetectionMode

	// Events returns the channel of session events. The channel is closed
	// when the session ends or a fatal error occurs; check Err afterwards.
	// Consumers must drain promptly to avoid stalling the receive loop.
	Events() <-chan Event

	// Err returns the error that closed the Events channel prematurely, or
	// nil after a clean shutdown.
	Err() error

	// Close terminates the session and closes the Events channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Client is the abstraction over a realtime backend.
//
// Implementations must be safe for concurrent use; a gateway process opens
// one session per connected console.
type Client interface {
	// Connect establishes a new realtime session with the given
	// configuration. The returned Session is ready immediately; the caller
	// owns it and must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
