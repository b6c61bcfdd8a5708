package anthropic

import "encoding/json"

// SSE event names, in the order they appear in a well-formed stream.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
)

// Content block types.
const (
	BlockText                = "text"
	BlockThinking            = "thinking"
	BlockToolUse             = "tool_use"
	BlockServerToolUse       = "server_tool_use"
	BlockWebSearchToolResult = "web_search_tool_result"
)

// SSEEvent is one formatted event: the event name plus its JSON payload.
type SSEEvent struct {
	Event string
	Data  json.RawMessage
}

// ContentBlockStart is the content_block_start payload.
type ContentBlockStart struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

// StartBlock describes the freshly opened block. Input is present (as {}) for
// tool_use blocks, Content for web_search_tool_result blocks.
type StartBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
}

// Delta is the content_block_delta inner delta.
type Delta struct {
	Type        string  `json:"type"`
	Text        string  `json:"text,omitempty"`
	Thinking    *string `json:"thinking,omitempty"`
	PartialJSON *string `json:"partial_json,omitempty"`
}

// Delta types.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
)

// MessageDelta is the message_delta payload.
type MessageDelta struct {
	Type  string            `json:"type"`
	Delta MessageDeltaInner `json:"delta"`
	Usage Usage             `json:"usage"`
}

// MessageDeltaInner carries the final stop reason.
type MessageDeltaInner struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// NewSSEEvent marshals payload and tags it with the event name. Payloads are
// all value types defined in this package; marshaling cannot fail.
func NewSSEEvent(name string, payload any) SSEEvent {
	return SSEEvent{Event: name, Data: mustJSON(payload)}
}

// PingEvent is the keep-alive event body.
func PingEvent() SSEEvent {
	return SSEEvent{Event: EventPing, Data: json.RawMessage(`{"type": "ping"}`)}
}

// MessageStartEvent wraps a response message skeleton.
func MessageStartEvent(msg ResponseMessage) SSEEvent {
	return NewSSEEvent(EventMessageStart, map[string]any{
		"type":    EventMessageStart,
		"message": msg,
	})
}

// BlockStartEvent opens a content block at index.
func BlockStartEvent(index int, block StartBlock) SSEEvent {
	return NewSSEEvent(EventContentBlockStart, map[string]any{
		"type":          EventContentBlockStart,
		"index":         index,
		"content_block": block,
	})
}

// BlockDeltaEvent emits a delta on an open block.
func BlockDeltaEvent(index int, delta Delta) SSEEvent {
	return NewSSEEvent(EventContentBlockDelta, map[string]any{
		"type":  EventContentBlockDelta,
		"index": index,
		"delta": delta,
	})
}

// TextDelta builds a text_delta.
func TextDelta(text string) Delta {
	return Delta{Type: DeltaText, Text: text}
}

// ThinkingDelta builds a thinking_delta; empty strings are still emitted
// explicitly (the closing handshake sends one).
func ThinkingDelta(thinking string) Delta {
	return Delta{Type: DeltaThinking, Thinking: &thinking}
}

// InputJSONDelta builds an input_json_delta.
func InputJSONDelta(partial string) Delta {
	return Delta{Type: DeltaInputJSON, PartialJSON: &partial}
}

// BlockStopEvent closes the block at index.
func BlockStopEvent(index int) SSEEvent {
	return NewSSEEvent(EventContentBlockStop, map[string]any{
		"type":  EventContentBlockStop,
		"index": index,
	})
}

// MessageDeltaEvent carries the stop reason and final usage.
func MessageDeltaEvent(stopReason string, usage Usage) SSEEvent {
	return NewSSEEvent(EventMessageDelta, MessageDelta{
		Type:  EventMessageDelta,
		Delta: MessageDeltaInner{StopReason: stopReason},
		Usage: usage,
	})
}

// MessageStopEvent terminates the stream.
func MessageStopEvent() SSEEvent {
	return SSEEvent{Event: EventMessageStop, Data: json.RawMessage(`{"type": "message_stop"}`)}
}
