package config

import (
	"reflect"
	"slices"
)

// Changes describes what differs between two configs, restricted to the
// fields the server applies without a restart. Anything else (listen
// addresses, TLS, session limits, the correction stage) needs a restart and
// is not tracked here.
type Changes struct {
	// LogLevelChanged reports a new log level to apply to the running
	// handler.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged reports new per-session defaults. They apply to sessions
	// created after the reload; live sessions keep what they resolved at
	// session start.
	VoiceChanged bool

	// RoutesChanged reports a new logical-model routing table (default model
	// or the models map). New handshakes resolve against the new table.
	RoutesChanged bool
}

// Any reports whether the diff carries anything to apply.
func (c Changes) Any() bool {
	return c.LogLevelChanged || c.VoiceChanged || c.RoutesChanged
}

// Diff compares old and new configs and returns the hot-reloadable changes.
func Diff(old, new *Config) Changes {
	var c Changes

	if old.Server.LogLevel != new.Server.LogLevel {
		c.LogLevelChanged = true
		c.NewLogLevel = new.Server.LogLevel
	}

	if !voiceEqual(old.Voice, new.Voice) {
		c.VoiceChanged = true
	}

	if old.LLM.DefaultModel != new.LLM.DefaultModel ||
		!reflect.DeepEqual(old.LLM.Models, new.LLM.Models) {
		c.RoutesChanged = true
	}

	return c
}

// voiceEqual compares voice defaults by value. Vocabulary and the
// placeholder pointer get element-wise treatment (nil and empty vocabulary
// count as equal), then are zeroed so the DeepEqual covers only the plain
// fields.
func voiceEqual(a, b VoiceDefaults) bool {
	if !slices.Equal(a.Vocabulary, b.Vocabulary) {
		return false
	}
	if !placeholderEqual(a.ToolCallPlaceholder, b.ToolCallPlaceholder) {
		return false
	}
	a.Vocabulary, b.Vocabulary = nil, nil
	a.ToolCallPlaceholder, b.ToolCallPlaceholder = nil, nil
	return reflect.DeepEqual(a, b)
}

func placeholderEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
