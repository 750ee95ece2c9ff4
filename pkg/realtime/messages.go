package realtime

import "encoding/json"

// ── Client → bridge messages ──────────────────────────────────────────────────

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16LE mono at TransportRate
}

type commitAudioMessage struct {
	Type string `json:"type"`
}

type cancelResponseMessage struct {
	Type string `json:"type"`
}

type createItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type createResponseMessage struct {
	Type string `json:"type"`
}

// ── Bridge → client events ────────────────────────────────────────────────────

// ErrorDetail is the nested error object carried by "error" events and by
// transcription failures:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ResponseStatus describes the terminal state of one assistant response as
// reported by a "response.done" event. A failed response embeds the failure
// reason, which for rate limits is only available as human-readable text.
type ResponseStatus struct {
	Status        string `json:"status"`
	StatusDetails *struct {
		Type  string       `json:"type"`
		Error *ErrorDetail `json:"error,omitempty"`
	} `json:"status_details,omitempty"`
}

// ServerEvent is the union of all inbound bridge event shapes. Only the
// fields relevant to the event's Type are populated; everything else is the
// zero value. Unknown Type values are delivered as-is so the router can log
// and ignore them.
type ServerEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// response.done
	Response *ResponseStatus `json:"response,omitempty"`

	// context_update and display_update payloads are decoded lazily by the
	// dialogue layer; the transport does not interpret them.
	Data json.RawMessage `json:"data,omitempty"`

	// error / conversation.item.input_audio_transcription.failed
	Error *ErrorDetail `json:"error,omitempty"`

	// session.created greeting, and the failure text of bridge-originated
	// "error" events (proxied upstream errors use Error instead)
	Message string `json:"message,omitempty"`
}
