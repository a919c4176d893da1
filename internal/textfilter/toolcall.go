package textfilter

import "encoding/json"

// toolCallKeys marks a top-level JSON object as a probable inline tool call.
// Models that were trained on function-calling sometimes emit the call as
// literal JSON in the content stream instead of the dedicated channel; such
// objects must never reach TTS.
var toolCallKeys = map[string]struct{}{
	"name":          {},
	"function":      {},
	"arguments":     {},
	"tool_call":     {},
	"tool_calls":    {},
	"function_call": {},
	"type":          {},
	"id":            {},
	"parameters":    {},
}

// ToolCallFilter scans a token stream for top-level JSON objects and arrays.
// Completed values that look like tool calls are recorded and withheld from
// the output; everything else passes through unchanged, including JSON that
// fails to parse or carries none of the tool-call keys.
//
// Single-use, single goroutine, one instance per response.
type ToolCallFilter struct {
	scanning     bool
	inString     bool
	escaped      bool
	braceDepth   int
	bracketDepth int
	jsonBuf      []byte
	detected     []string
}

// NewToolCallFilter returns a filter with no buffered state.
func NewToolCallFilter() *ToolCallFilter {
	return &ToolCallFilter{}
}

// Process scans token character by character and returns the text that may
// be emitted. A candidate JSON value is buffered from its opening brace or
// bracket until the matching close, then either recorded as a tool call or
// released verbatim.
func (f *ToolCallFilter) Process(token string) string {
	out := make([]byte, 0, len(token))
	for i := 0; i < len(token); i++ {
		c := token[i]

		if !f.scanning {
			if c == '{' || c == '[' {
				f.begin(c)
				continue
			}
			out = append(out, c)
			continue
		}

		f.jsonBuf = append(f.jsonBuf, c)

		if f.inString {
			switch {
			case f.escaped:
				f.escaped = false
			case c == '\\':
				f.escaped = true
			case c == '"':
				f.inString = false
			}
			continue
		}

		switch c {
		case '"':
			f.inString = true
		case '{':
			f.braceDepth++
		case '}':
			f.braceDepth--
		case '[':
			f.bracketDepth++
		case ']':
			f.bracketDepth--
		}

		if f.braceDepth == 0 && f.bracketDepth == 0 {
			out = append(out, f.finish()...)
		}
	}
	return string(out)
}

// Flush releases any incomplete candidate as plain text. A stream that ends
// mid-JSON was never a well-formed tool call.
func (f *ToolCallFilter) Flush() string {
	rest := string(f.jsonBuf)
	f.reset()
	return rest
}

// Detected returns the raw JSON of every withheld tool call, in stream order.
func (f *ToolCallFilter) Detected() []string {
	return f.detected
}

func (f *ToolCallFilter) begin(open byte) {
	f.scanning = true
	f.jsonBuf = append(f.jsonBuf[:0], open)
	if open == '{' {
		f.braceDepth = 1
	} else {
		f.bracketDepth = 1
	}
}

// finish classifies the completed candidate. It returns the bytes to emit:
// empty for a recorded tool call, the buffered JSON otherwise.
func (f *ToolCallFilter) finish() []byte {
	raw := string(f.jsonBuf)
	f.reset()
	if looksLikeToolCall(raw) {
		f.detected = append(f.detected, raw)
		return nil
	}
	return []byte(raw)
}

func (f *ToolCallFilter) reset() {
	f.scanning = false
	f.inString = false
	f.escaped = false
	f.braceDepth = 0
	f.bracketDepth = 0
	f.jsonBuf = f.jsonBuf[:0]
}

// looksLikeToolCall parses raw and checks the top-level keys against
// toolCallKeys. Arrays are judged by their first element.
func looksLikeToolCall(raw string) bool {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return false
	}
	switch v := value.(type) {
	case map[string]any:
		return hasToolCallKey(v)
	case []any:
		if len(v) == 0 {
			return false
		}
		obj, ok := v[0].(map[string]any)
		return ok && hasToolCallKey(obj)
	default:
		return false
	}
}

func hasToolCallKey(obj map[string]any) bool {
	for key := range obj {
		if _, ok := toolCallKeys[key]; ok {
			return true
		}
	}
	return false
}
