package gateway

// Server-to-client messages. One JSON object per text frame; synthesized
// audio travels as binary frames of 24 kHz s16le mono PCM.

// sessionInfoMsg is the first frame of every connection.
type sessionInfoMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// statusMsg reports a session state transition.
type statusMsg struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

// textMsg carries transcription and llm_text messages. A non-final
// transcription is an advisory partial; the final llm_text of a turn carries
// the complete assistant reply.
type textMsg struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// toolCallMsg surfaces a model tool invocation for client-side execution.
type toolCallMsg struct {
	Type         string `json:"type"`
	ToolCallID   string `json:"tool_call_id"`
	FunctionName string `json:"function_name"`
	Arguments    string `json:"arguments"`
}

// ttsStartMsg precedes the audio frames of one synthesized phrase.
type ttsStartMsg struct {
	Type        string `json:"type"`
	PhraseIndex int    `json:"phrase_index"`
}

// ttsDoneMsg follows the audio frames of one synthesized phrase. Duration is
// seconds of emitted audio.
type ttsDoneMsg struct {
	Type        string  `json:"type"`
	PhraseIndex int     `json:"phrase_index"`
	Duration    float64 `json:"duration"`
}

// errorMsg reports a recoverable failure. The session stays open unless a
// close frame follows.
type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// closedMsg is the best-effort goodbye sent before the server closes the
// socket.
type closedMsg struct {
	Type string `json:"type"`
}

// clientFrame is any JSON text frame received from the client. Type selects
// the action; the remaining fields belong to config frames, where only the
// fields present in the JSON take effect. Durations are seconds.
type clientFrame struct {
	Type string `json:"type"`

	STTModel             *string  `json:"stt_model"`
	TTSModel             *string  `json:"tts_model"`
	TTSVoice             *string  `json:"tts_voice"`
	LLMModel             *string  `json:"llm_model"`
	Language             *string  `json:"language"`
	Speed                *float64 `json:"speed"`
	SentenceBoundaryOnly *bool    `json:"sentence_boundary_only"`
	BargeInEnabled       *bool    `json:"barge_in_enabled"`
	BargeInNoiseFilter   *bool    `json:"barge_in_noise_filter"`
	BargeInMinChunks     *int     `json:"barge_in_min_chunks"`
	TurnDetection        *bool    `json:"turn_detection_enabled"`
	BaseSilence          *float64 `json:"base_silence_duration"`
	ThinkingSilence      *float64 `json:"thinking_silence_duration"`
	MaxSilence           *float64 `json:"max_silence_duration"`
}
