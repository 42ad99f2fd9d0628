package config

// ConfigDiff describes what changed between two loaded configs. It groups
// changes by how the running service can react: log level applies live,
// session defaults apply to newly opened consoles, and the remaining bounds
// need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when any field shaping new realtime sessions
	// changed: model, voice, instructions, transcription, or turn detection.
	SessionChanged bool

	// PipelineChanged is true when the delta-buffer bounds changed.
	PipelineChanged bool

	// ClipsChanged is true when the clip store bound changed.
	ClipsChanged bool
}

// Any reports whether the diff records any change at all.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.SessionChanged || d.PipelineChanged || d.ClipsChanged
}

// Diff compares old and new configs and returns what changed. Changes to the
// listen address, TLS, or provider selection are deliberately not tracked;
// those always require a restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	or, nr := old.Realtime, new.Realtime
	if or.Model != nr.Model ||
		or.Voice != nr.Voice ||
		or.Instructions != nr.Instructions ||
		or.Transcription != nr.Transcription ||
		or.TurnDetection != nr.TurnDetection {
		d.SessionChanged = true
	}

	if old.Pipeline != new.Pipeline {
		d.PipelineChanged = true
	}
	if old.Clips != new.Clips {
		d.ClipsChanged = true
	}

	return d
}
