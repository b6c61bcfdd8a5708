// Package converter translates Anthropic Messages API requests into the
// upstream conversation schema, repairing tool_use/tool_result pairing along
// the way.
package converter

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/kirogw/kirogw/pkg/anthropic"
	"github.com/kirogw/kirogw/pkg/tokencount"
)

// Description suffix appended to the Write tool, instructing chunked output.
const writeToolDescriptionSuffix = "- IMPORTANT: If the content to write exceeds 150 lines, you MUST only write the first 50 lines using this tool, then use `Edit` tool to append the remaining content in chunks of no more than 50 lines each. If needed, leave a unique placeholder to help append content. Do NOT attempt to write all content at once."

// Description suffix appended to the Edit tool.
const editToolDescriptionSuffix = "- IMPORTANT: If the `new_string` content exceeds 50 lines, you MUST split it into multiple Edit calls, each replacing no more than 50 lines at a time. If used to append content, leave a unique placeholder to help append content. On the final chunk, do NOT include the placeholder."

// Policy paragraph appended to every system prompt so the model cooperates
// with the chunked Write/Edit descriptions.
const systemChunkedPolicy = "When the Write or Edit tool has content size limits, always comply silently. " +
	"Never suggest bypassing these limits via alternative tools. " +
	"Never ask the user whether to switch approaches. " +
	"Complete all chunked operations without commentary."

// Policy paragraph injected for -agentic model aliases.
const agenticSystemPrompt = "You are operating in agentic mode. Work autonomously through multi-step tasks " +
	"without pausing for confirmation between steps. " +
	"When the Write or Edit tool has content size limits, always comply silently. " +
	"Never suggest bypassing these limits via alternative tools. " +
	"Never ask the user whether to switch approaches. " +
	"Complete all chunked operations without commentary."

const maxToolDescriptionChars = 10000

// Errors the converter surfaces as invalid_request_error.
type ConversionError struct {
	msg string
}

func (e *ConversionError) Error() string { return e.msg }

func conversionErrorf(format string, args ...any) error {
	return &ConversionError{msg: fmt.Sprintf(format, args...)}
}

// Options controls conversion behavior.
type Options struct {
	ThinkingSuffix string // defaults to "-thinking"
	ProfileArn     string
}

// Result is the converted request plus the resolved model options.
type Result struct {
	Request      KiroRequest
	ModelOptions ModelOptions
}

// Convert translates an inbound request. The caller's model name may carry
// thinking/agentic suffixes; they are resolved here before mapping.
func Convert(req *anthropic.MessagesRequest, opts Options) (*Result, error) {
	modelOpts := resolveModelOptions(req, opts.ThinkingSuffix)

	modelID := MapModel(modelOpts.Model)
	if modelID == "" {
		return nil, conversionErrorf("Model not supported: %s", req.Model)
	}
	if len(req.Messages) == 0 {
		return nil, conversionErrorf("Message list is empty")
	}

	conversationID := ""
	if req.Metadata != nil && req.Metadata.UserID != "" {
		conversationID = extractSessionID(req.Metadata.UserID)
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	// The last message becomes currentMessage unless it is an assistant turn.
	last := req.Messages[len(req.Messages)-1]
	currentText, currentImages, currentResults := processMessageContent(last.Content)
	if last.Role == "assistant" {
		currentText, currentImages, currentResults = "", nil, nil
	}

	tools := convertTools(req.Tools)
	history := buildHistory(req, modelOpts, modelID)

	validResults, orphanedUses := validateToolPairing(history, currentResults)
	removeOrphanedToolUses(history, orphanedUses)

	// Tools referenced by surviving history must have definitions; upstream
	// matches names case-insensitively.
	existing := make(map[string]bool, len(tools))
	for _, t := range tools {
		existing[strings.ToLower(t.ToolSpecification.Name)] = true
	}
	for _, name := range collectHistoryToolNames(history) {
		if !existing[strings.ToLower(name)] {
			tools = append(tools, placeholderTool(name))
		}
	}
	tools = CompressTools(tools)

	userInput := UserInputMessage{
		Content: currentText,
		ModelID: modelID,
		Origin:  "AI_EDITOR",
		Images:  currentImages,
		UserInputMessageContext: UserInputMessageContext{
			Tools:       tools,
			ToolResults: validResults,
		},
	}

	state := ConversationState{
		AgentContinuationID: uuid.NewString(),
		AgentTaskType:       "vibe",
		ChatTriggerType:     "MANUAL",
		ConversationID:      conversationID,
		CurrentMessage:      CurrentMessage{UserInputMessage: userInput},
		History:             history,
	}

	return &Result{
		Request:      KiroRequest{ConversationState: state, ProfileArn: opts.ProfileArn},
		ModelOptions: modelOpts,
	}, nil
}

// resolveModelOptions merges the alias suffixes with an explicit thinking
// config on the request; the explicit config wins on budget.
func resolveModelOptions(req *anthropic.MessagesRequest, thinkingSuffix string) ModelOptions {
	opts := ParseModelAlias(req.Model, thinkingSuffix)
	if req.Thinking != nil && opts.Thinking == ThinkingOff {
		switch req.Thinking.Type {
		case "enabled":
			opts.Thinking = ThinkingEnabled
			opts.ThinkingBudget = req.Thinking.BudgetTokens
			if opts.ThinkingBudget == 0 {
				opts.ThinkingBudget = DefaultThinkingBudget
			}
		case "adaptive":
			opts.Thinking = ThinkingAdaptive
			opts.ThinkingEffort = "high"
		}
	}
	return opts
}

// thinkingPrefix is prepended to the system prompt when thinking is on.
func thinkingPrefix(opts ModelOptions) string {
	switch opts.Thinking {
	case ThinkingEnabled:
		budget := opts.ThinkingBudget
		if budget == 0 {
			budget = DefaultThinkingBudget
		}
		return fmt.Sprintf("<thinking_mode>enabled</thinking_mode><max_thinking_length>%d</max_thinking_length>", budget)
	case ThinkingAdaptive:
		effort := opts.ThinkingEffort
		if effort == "" {
			effort = "high"
		}
		return fmt.Sprintf("<thinking_mode>adaptive</thinking_mode><thinking_effort>%s</thinking_effort>", effort)
	}
	return ""
}

func hasThinkingTags(content string) bool {
	return strings.Contains(content, "<thinking_mode>") || strings.Contains(content, "<max_thinking_length>")
}

// extractSessionID pulls a session UUID out of metadata.user_id, e.g.
// "user_abc_account__session_0b4445e1-f5be-49e1-87ce-62bbc28ad705".
func extractSessionID(userID string) string {
	pos := strings.Index(userID, "session_")
	if pos < 0 {
		return ""
	}
	rest := userID[pos+len("session_"):]
	if len(rest) < 36 {
		return ""
	}
	candidate := rest[:36]
	if strings.Count(candidate, "-") != 4 {
		return ""
	}
	return candidate
}

// buildHistory assembles the alternating user/assistant history: the system
// pair first, then the inbound turns with consecutive user messages merged.
func buildHistory(req *anthropic.MessagesRequest, modelOpts ModelOptions, modelID string) []HistoryMessage {
	var history []HistoryMessage

	prefix := thinkingPrefix(modelOpts)
	systemText := strings.Join(tokencount.SystemTexts(req.System), "\n")
	if modelOpts.Agentic {
		if systemText == "" {
			systemText = agenticSystemPrompt
		} else {
			systemText = systemText + "\n\n" + agenticSystemPrompt
		}
	}

	switch {
	case systemText != "":
		systemText = systemText + "\n" + systemChunkedPolicy
		if prefix != "" && !hasThinkingTags(systemText) {
			systemText = prefix + "\n" + systemText
		}
		history = append(history,
			HistoryMessage{UserInputMessage: &UserInputMessage{Content: systemText, ModelID: modelID}},
			HistoryMessage{AssistantResponseMessage: &AssistantMessage{Content: "I will follow these instructions."}})
	case prefix != "":
		history = append(history,
			HistoryMessage{UserInputMessage: &UserInputMessage{Content: prefix, ModelID: modelID}},
			HistoryMessage{AssistantResponseMessage: &AssistantMessage{Content: "I will follow these instructions."}})
	}

	end := len(req.Messages) - 1
	if last := req.Messages[len(req.Messages)-1]; last.Role == "assistant" {
		end = len(req.Messages)
	}

	var userBuffer []anthropic.Message
	for i := 0; i < end; i++ {
		msg := req.Messages[i]
		switch msg.Role {
		case "user":
			userBuffer = append(userBuffer, msg)
		case "assistant":
			if len(userBuffer) == 0 {
				continue
			}
			history = append(history,
				HistoryMessage{UserInputMessage: mergeUserMessages(userBuffer, modelID)},
				HistoryMessage{AssistantResponseMessage: convertAssistantMessage(msg)})
			userBuffer = nil
		}
	}
	if len(userBuffer) > 0 {
		history = append(history,
			HistoryMessage{UserInputMessage: mergeUserMessages(userBuffer, modelID)},
			HistoryMessage{AssistantResponseMessage: &AssistantMessage{Content: "OK"}})
	}
	return history
}

func mergeUserMessages(messages []anthropic.Message, modelID string) *UserInputMessage {
	var parts []string
	var images []KiroImage
	var results []ToolResult
	for _, msg := range messages {
		text, imgs, trs := processMessageContent(msg.Content)
		if text != "" {
			parts = append(parts, text)
		}
		images = append(images, imgs...)
		results = append(results, trs...)
	}
	return &UserInputMessage{
		Content:                 strings.Join(parts, "\n"),
		ModelID:                 modelID,
		Images:                  images,
		UserInputMessageContext: UserInputMessageContext{ToolResults: results},
	}
}

// convertAssistantMessage folds an assistant turn into the stored form:
// thinking becomes an in-band <thinking> tag, and upstream requires non-empty
// content, so a tool-use-only turn stores a single space.
func convertAssistantMessage(msg anthropic.Message) *AssistantMessage {
	var thinking, text strings.Builder
	var toolUses []ToolUseEntry

	var s string
	if err := json.Unmarshal(msg.Content, &s); err == nil {
		text.WriteString(s)
	} else {
		var blocks []anthropic.ContentBlock
		if err := json.Unmarshal(msg.Content, &blocks); err == nil {
			for _, b := range blocks {
				switch b.Type {
				case anthropic.BlockThinking:
					thinking.WriteString(b.Thinking)
				case anthropic.BlockText:
					text.WriteString(b.Text)
				case anthropic.BlockToolUse:
					if b.ID != "" && b.Name != "" {
						input := b.Input
						if len(input) == 0 {
							input = json.RawMessage(`{}`)
						}
						toolUses = append(toolUses, ToolUseEntry{ToolUseID: b.ID, Name: b.Name, Input: input})
					}
				}
			}
		}
	}

	var content string
	switch {
	case thinking.Len() > 0 && text.Len() > 0:
		content = fmt.Sprintf("<thinking>%s</thinking>\n\n%s", thinking.String(), text.String())
	case thinking.Len() > 0:
		content = fmt.Sprintf("<thinking>%s</thinking>", thinking.String())
	case text.Len() == 0 && len(toolUses) > 0:
		content = " "
	default:
		content = text.String()
	}

	return &AssistantMessage{Content: content, ToolUses: toolUses}
}

// processMessageContent extracts text, images and tool results from a message
// content value (either a string or an array of blocks).
func processMessageContent(content json.RawMessage) (string, []KiroImage, []ToolResult) {
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s, nil, nil
	}
	var blocks []anthropic.ContentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return "", nil, nil
	}

	var parts []string
	var images []KiroImage
	var results []ToolResult
	for _, b := range blocks {
		switch b.Type {
		case anthropic.BlockText:
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "image":
			if b.Source != nil {
				if format := imageFormat(b.Source.MediaType); format != "" {
					images = append(images, KiroImage{Format: format, Source: KiroImageSource{Bytes: b.Source.Data}})
				}
			}
		case "tool_result":
			if b.ToolUseID != "" {
				results = append(results, NewToolResult(b.ToolUseID, extractToolResultText(b.Content), b.IsError))
			}
		case anthropic.BlockToolUse:
			// carried by assistant turns, ignored here
		}
	}
	return strings.Join(parts, "\n"), images, results
}

func imageFormat(mediaType string) string {
	switch mediaType {
	case "image/jpeg":
		return "jpeg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	}
	return ""
}

// extractToolResultText flattens a tool_result content value (string or array
// of text blocks) into one string.
func extractToolResultText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var blocks []anthropic.ContentBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(content)
}

// validateToolPairing filters the current message's tool_results against the
// history: results keep only when they answer a still-unpaired tool_use.
// Returns the surviving results and the set of tool_use ids left unanswered.
func validateToolPairing(history []HistoryMessage, results []ToolResult) ([]ToolResult, map[string]bool) {
	allUses := make(map[string]bool)
	answered := make(map[string]bool)
	for _, msg := range history {
		if msg.AssistantResponseMessage != nil {
			for _, tu := range msg.AssistantResponseMessage.ToolUses {
				allUses[tu.ToolUseID] = true
			}
		}
		if msg.UserInputMessage != nil {
			for _, tr := range msg.UserInputMessage.UserInputMessageContext.ToolResults {
				answered[tr.ToolUseID] = true
			}
		}
	}

	unpaired := make(map[string]bool)
	for id := range allUses {
		if !answered[id] {
			unpaired[id] = true
		}
	}

	var filtered []ToolResult
	for _, tr := range results {
		switch {
		case unpaired[tr.ToolUseID]:
			filtered = append(filtered, tr)
			delete(unpaired, tr.ToolUseID)
		case allUses[tr.ToolUseID]:
			log.Printf("[converter] skipping duplicate tool_result: tool_use already paired in history, tool_use_id=%s", tr.ToolUseID)
		default:
			log.Printf("[converter] skipping orphaned tool_result: no corresponding tool_use found, tool_use_id=%s", tr.ToolUseID)
		}
	}
	for id := range unpaired {
		log.Printf("[converter] orphaned tool_use will be removed from history, tool_use_id=%s", id)
	}
	return filtered, unpaired
}

// removeOrphanedToolUses strips unanswered tool_uses from history assistant
// messages; upstream returns 400 on any dangling tool_use.
func removeOrphanedToolUses(history []HistoryMessage, orphaned map[string]bool) {
	if len(orphaned) == 0 {
		return
	}
	for i := range history {
		am := history[i].AssistantResponseMessage
		if am == nil || len(am.ToolUses) == 0 {
			continue
		}
		kept := am.ToolUses[:0]
		for _, tu := range am.ToolUses {
			if !orphaned[tu.ToolUseID] {
				kept = append(kept, tu)
			}
		}
		if len(kept) == 0 {
			am.ToolUses = nil
		} else {
			am.ToolUses = kept
		}
	}
}

func collectHistoryToolNames(history []HistoryMessage) []string {
	var names []string
	seen := make(map[string]bool)
	for _, msg := range history {
		if msg.AssistantResponseMessage == nil {
			continue
		}
		for _, tu := range msg.AssistantResponseMessage.ToolUses {
			if !seen[tu.Name] {
				seen[tu.Name] = true
				names = append(names, tu.Name)
			}
		}
	}
	return names
}

// placeholderTool is a permissive definition for tools referenced by history
// but missing from the inbound tools list.
func placeholderTool(name string) Tool {
	return Tool{ToolSpecification: ToolSpecification{
		Name:        name,
		Description: "Tool used in conversation history",
		InputSchema: InputSchema{JSON: json.RawMessage(`{"$schema":"http://json-schema.org/draft-07/schema#","type":"object","properties":{},"required":[],"additionalProperties":true}`)},
	}}
}

// convertTools maps the inbound tool definitions, appending the chunked
// output suffixes for Write/Edit and truncating long descriptions.
func convertTools(tools []anthropic.Tool) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		description := t.Description
		switch t.Name {
		case "Write":
			description += "\n" + writeToolDescriptionSuffix
		case "Edit":
			description += "\n" + editToolDescriptionSuffix
		}
		description = truncateRunes(description, maxToolDescriptionChars)

		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, Tool{ToolSpecification: ToolSpecification{
			Name:        t.Name,
			Description: description,
			InputSchema: InputSchema{JSON: schema},
		}})
	}
	return out
}

// truncateRunes cuts s to at most n runes without splitting UTF-8 sequences.
func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
