// Package anthropic defines the Messages API wire types this gateway accepts
// and emits.
package anthropic

import "encoding/json"

// MessagesRequest is the inbound POST /v1/messages body.
type MessagesRequest struct {
	Model     string          `json:"model"`
	Messages  []Message       `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Stream    bool            `json:"stream,omitempty"`
	System    json.RawMessage `json:"system,omitempty"` // string or []SystemMessage
	Tools     []Tool          `json:"tools,omitempty"`
	Thinking  *ThinkingConfig `json:"thinking,omitempty"`
	Metadata  *Metadata       `json:"metadata,omitempty"`
}

// Metadata carries optional caller-supplied identifiers.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// ThinkingConfig mirrors the extended-thinking request option.
type ThinkingConfig struct {
	Type         string `json:"type"` // "enabled", "adaptive", "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// SystemMessage is one entry of an array-form system prompt.
type SystemMessage struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text"`
}

// Message is one conversation turn. Content is either a JSON string or an
// array of ContentBlock.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentBlock is a typed content element in a message or a response.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use / server_tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"` // string or []blocks

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// ImageSource is the base64 image payload of an image block.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// Tool is a tool definition in the inbound request.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// CountTokensRequest is the POST /v1/messages/count_tokens body; also the
// payload forwarded to a remote counting service.
type CountTokensRequest struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages"`
	System   json.RawMessage `json:"system,omitempty"`
	Tools    []Tool          `json:"tools,omitempty"`
}

// CountTokensResponse is the count_tokens reply.
type CountTokensResponse struct {
	InputTokens int64 `json:"input_tokens"`
}

// ---------- response side ----------

// Usage reports token accounting on message_start/message_delta and
// non-streaming responses.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ResponseMessage is the non-streaming response body and the message object
// inside message_start.
type ResponseMessage struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"` // "message"
	Role         string           `json:"role"` // "assistant"
	Content      []map[string]any `json:"content"`
	Model        string           `json:"model"`
	StopReason   *string          `json:"stop_reason"`
	StopSequence *string          `json:"stop_sequence"`
	Usage        Usage            `json:"usage"`
}

// Stop reasons emitted by the streaming engine.
const (
	StopEndTurn               = "end_turn"
	StopToolUse               = "tool_use"
	StopMaxTokens             = "max_tokens"
	StopContextWindowExceeded = "model_context_window_exceeded"
)

// ErrorResponse is the error envelope for every non-2xx reply.
type ErrorResponse struct {
	Type  string   `json:"type"` // "error"
	Error APIError `json:"error"`
}

// APIError is the inner error object.
type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Error type strings used in ErrorResponse.
const (
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypeAuthentication = "authentication_error"
	ErrTypeNotFound       = "not_found"
	ErrTypeRateLimit      = "rate_limit_error"
	ErrTypeAPIError       = "api_error"
	ErrTypeOverloaded     = "overloaded_error"
	ErrTypeInternal       = "internal_error"
)

// NewErrorResponse builds the standard error envelope.
func NewErrorResponse(errType, message string) ErrorResponse {
	return ErrorResponse{Type: "error", Error: APIError{Type: errType, Message: message}}
}
