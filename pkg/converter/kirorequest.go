package converter

import "encoding/json"

// Upstream conversation wire model, camelCase JSON throughout.

// KiroRequest is the POST body for generateAssistantResponse.
type KiroRequest struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

// ConversationState holds the full conversation being continued.
type ConversationState struct {
	AgentContinuationID string           `json:"agentContinuationId,omitempty"`
	AgentTaskType       string           `json:"agentTaskType,omitempty"`
	ChatTriggerType     string           `json:"chatTriggerType,omitempty"`
	ConversationID      string           `json:"conversationId"`
	CurrentMessage      CurrentMessage   `json:"currentMessage"`
	History             []HistoryMessage `json:"history"`
}

// CurrentMessage wraps the user turn being answered.
type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

// UserInputMessage is a user turn with its tool context.
type UserInputMessage struct {
	Content                 string                  `json:"content"`
	ModelID                 string                  `json:"modelId"`
	Origin                  string                  `json:"origin,omitempty"`
	Images                  []KiroImage             `json:"images,omitempty"`
	UserInputMessageContext UserInputMessageContext `json:"userInputMessageContext"`
}

// UserInputMessageContext carries tool definitions and tool results.
type UserInputMessageContext struct {
	ToolResults []ToolResult `json:"toolResults,omitempty"`
	Tools       []Tool       `json:"tools,omitempty"`
}

// HistoryMessage is one history entry; exactly one of the two fields is set.
type HistoryMessage struct {
	UserInputMessage         *UserInputMessage `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantMessage `json:"assistantResponseMessage,omitempty"`
}

// AssistantMessage is an assistant turn in history. ToolUses must be absent
// (not empty) when there are none; upstream rejects empty arrays.
type AssistantMessage struct {
	Content  string         `json:"content"`
	ToolUses []ToolUseEntry `json:"toolUses,omitempty"`
}

// ToolUseEntry records a tool invocation made by the assistant.
type ToolUseEntry struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// Tool wraps a tool definition.
type Tool struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

// ToolSpecification names a tool and its schema.
type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema wraps the raw JSON schema.
type InputSchema struct {
	JSON json.RawMessage `json:"json"`
}

// ToolResult answers a tool invocation.
type ToolResult struct {
	ToolUseID string              `json:"toolUseId"`
	Content   []ToolResultContent `json:"content"`
	Status    string              `json:"status,omitempty"`
	IsError   bool                `json:"isError,omitempty"`
}

// ToolResultContent is one text chunk of a tool result.
type ToolResultContent struct {
	Text string `json:"text"`
}

// NewToolResult builds a single-text tool result with its status field set.
func NewToolResult(toolUseID, text string, isError bool) ToolResult {
	status := "success"
	if isError {
		status = "error"
	}
	return ToolResult{
		ToolUseID: toolUseID,
		Content:   []ToolResultContent{{Text: text}},
		Status:    status,
		IsError:   isError,
	}
}

// KiroImage is an inline base64 image.
type KiroImage struct {
	Format string          `json:"format"`
	Source KiroImageSource `json:"source"`
}

// KiroImageSource holds the base64 bytes.
type KiroImageSource struct {
	Bytes string `json:"bytes"`
}
