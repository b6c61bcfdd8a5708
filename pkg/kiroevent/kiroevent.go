// Package kiroevent provides a typed view of decoded upstream frames.
package kiroevent

import (
	"encoding/json"
	"log"

	"github.com/kirogw/kirogw/pkg/eventstream"
)

// Event type names carried in the :event-type header.
const (
	EventAssistantResponse = "assistantResponseEvent"
	EventToolUse           = "toolUseEvent"
	EventContextUsage      = "contextUsageEvent"
	EventMetering          = "meteringEvent"
)

// Exception types that influence the response stop_reason.
const (
	ExceptionContentLengthExceeded = "ContentLengthExceededException"
)

// Event is a tagged union; exactly one field is non-nil (or Unknown is set).
type Event struct {
	Assistant    *AssistantResponseEvent
	ToolUse      *ToolUseEvent
	ContextUsage *ContextUsageEvent
	Metering     *MeteringEvent
	Exception    *ExceptionEvent
	Error        *ErrorEvent
	Unknown      string // unrecognized :event-type, payload dropped
}

// AssistantResponseEvent carries a chunk of assistant text.
type AssistantResponseEvent struct {
	Content string `json:"content"`
}

// ToolUseEvent carries one increment of a tool invocation. Input is a partial
// JSON string that accumulates across events; Stop marks the final chunk.
type ToolUseEvent struct {
	Name      string `json:"name"`
	ToolUseID string `json:"toolUseId"`
	Input     string `json:"input"`
	Stop      bool   `json:"stop"`
}

// ContextUsageEvent reports how much of the model context window is consumed.
type ContextUsageEvent struct {
	ContextUsagePercentage float64 `json:"contextUsagePercentage"`
}

// MeteringEvent is passed through opaque.
type MeteringEvent struct {
	Raw json.RawMessage
}

// ExceptionEvent represents an upstream exception frame.
type ExceptionEvent struct {
	ExceptionType string
	Message       string
}

// ErrorEvent represents an upstream error frame.
type ErrorEvent struct {
	ErrorCode string
	Message   string
}

// FromFrame classifies a decoded frame by its :message-type and :event-type
// headers. Frames with unparseable payloads or unknown event types come back
// as Unknown; upstream adds event types without notice and the stream must
// keep flowing.
func FromFrame(frame *eventstream.Frame) Event {
	msgType := frame.Header(eventstream.HeaderMessageType)
	switch msgType {
	case "exception":
		return Event{Exception: &ExceptionEvent{
			ExceptionType: frame.Header(eventstream.HeaderExceptionType),
			Message:       string(frame.Payload),
		}}
	case "error":
		return Event{Error: &ErrorEvent{
			ErrorCode: frame.Header(eventstream.HeaderErrorCode),
			Message:   string(frame.Payload),
		}}
	case "event":
		// fallthrough to event dispatch below
	default:
		return Event{Unknown: msgType}
	}

	eventType := frame.Header(eventstream.HeaderEventType)
	switch eventType {
	case EventAssistantResponse:
		var ev AssistantResponseEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			log.Printf("[kiroevent] bad assistantResponseEvent payload: %v", err)
			return Event{Unknown: eventType}
		}
		return Event{Assistant: &ev}
	case EventToolUse:
		var ev ToolUseEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			log.Printf("[kiroevent] bad toolUseEvent payload: %v", err)
			return Event{Unknown: eventType}
		}
		return Event{ToolUse: &ev}
	case EventContextUsage:
		var ev ContextUsageEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			log.Printf("[kiroevent] bad contextUsageEvent payload: %v", err)
			return Event{Unknown: eventType}
		}
		return Event{ContextUsage: &ev}
	case EventMetering:
		return Event{Metering: &MeteringEvent{Raw: append(json.RawMessage(nil), frame.Payload...)}}
	default:
		return Event{Unknown: eventType}
	}
}
