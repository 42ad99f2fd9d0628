package server

// Client to server message types.
const (
	msgPressTalk        = "press_talk"
	msgReleaseTalk      = "release_talk"
	msgSetTurnDetection = "set_turn_detection"
	msgPlaybackMark     = "playback_mark"
)

// Server to client message types.
const (
	msgSessionReady  = "session_ready"
	msgTurnState     = "turn_state"
	msgAudioDelta    = "audio_delta"
	msgPlaybackClear = "playback_clear"
	msgItemUpdate    = "item_update"
	msgClipReady     = "clip_ready"
	msgError         = "error"
)

// clientMessage is the envelope for every client to server text frame. Type
// selects the variant; fields that do not belong to the variant stay zero.
// Microphone audio travels as binary frames, never through this envelope.
type clientMessage struct {
	Type string `json:"type"`

	// Mode is the requested turn detection mode on set_turn_detection.
	Mode string `json:"mode,omitempty"`

	// TrackID, PlayedMS and Done report playback progress on playback_mark.
	// Done marks the track as fully played out.
	TrackID  string `json:"track_id,omitempty"`
	PlayedMS int    `json:"played_ms,omitempty"`
	Done     bool   `json:"done,omitempty"`
}

// itemPayload is the wire shape of one conversation item. Raw audio never
// rides along; completed audio is fetched separately as a WAV clip.
type itemPayload struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	Status     string `json:"status"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	HasAudio   bool   `json:"has_audio,omitempty"`
	ClipURL    string `json:"clip_url,omitempty"`
}

// serverMessage is the envelope for every server to client text frame.
type serverMessage struct {
	Type string `json:"type"`

	// SessionID and TurnDetection describe the session on session_ready.
	SessionID     string `json:"session_id,omitempty"`
	TurnDetection string `json:"turn_detection,omitempty"`

	// State is the new turn state on turn_state.
	State string `json:"state,omitempty"`

	// TrackID and Audio carry one playback frame on audio_delta. Audio is
	// base64 PCM16 mono at the model sample rate.
	TrackID string `json:"track_id,omitempty"`
	Audio   string `json:"audio,omitempty"`

	// Items is the full conversation list on item_update.
	Items []itemPayload `json:"items,omitempty"`

	// ItemID and URL locate a stored playback clip on clip_ready.
	ItemID string `json:"item_id,omitempty"`
	URL    string `json:"url,omitempty"`

	// Message is the human-readable description on error.
	Message string `json:"message,omitempty"`
}
