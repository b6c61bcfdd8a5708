package stream

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/kirogw/kirogw/pkg/anthropic"
	"github.com/kirogw/kirogw/pkg/converter"
	"github.com/kirogw/kirogw/pkg/kiroevent"
	"github.com/kirogw/kirogw/pkg/tokencount"
)

// Aggregator collects a full upstream event stream into a single
// non-streaming response message.
type Aggregator struct {
	model       string
	inputTokens int64

	text            strings.Builder
	toolUses        []map[string]any
	toolJSONBuffers map[string]*strings.Builder
	hasToolUse      bool

	stopReason         string
	contextInputTokens int64 // -1 until a contextUsageEvent arrives
	contextWindow      int64
}

// NewAggregator builds an aggregator for one non-streaming response.
func NewAggregator(model string, inputTokens int64) *Aggregator {
	return &Aggregator{
		model:              model,
		inputTokens:        inputTokens,
		toolJSONBuffers:    make(map[string]*strings.Builder),
		contextInputTokens: -1,
		contextWindow:      converter.ContextWindowSize(model),
	}
}

// HandleEvent folds one upstream event into the aggregate.
func (a *Aggregator) HandleEvent(ev kiroevent.Event) {
	switch {
	case ev.Assistant != nil:
		a.text.WriteString(ev.Assistant.Content)

	case ev.ToolUse != nil:
		tu := ev.ToolUse
		a.hasToolUse = true
		buf, ok := a.toolJSONBuffers[tu.ToolUseID]
		if !ok {
			buf = &strings.Builder{}
			a.toolJSONBuffers[tu.ToolUseID] = buf
		}
		buf.WriteString(tu.Input)

		if tu.Stop {
			var input any
			if err := json.Unmarshal([]byte(buf.String()), &input); err != nil {
				log.Printf("[stream] failed to parse tool input JSON: %v, tool_use_id=%s, raw=%s", err, tu.ToolUseID, buf.String())
				input = map[string]any{}
			}
			a.toolUses = append(a.toolUses, map[string]any{
				"type":  anthropic.BlockToolUse,
				"id":    tu.ToolUseID,
				"name":  tu.Name,
				"input": input,
			})
		}

	case ev.ContextUsage != nil:
		pct := ev.ContextUsage.ContextUsagePercentage
		a.contextInputTokens = int64(pct * float64(a.contextWindow) / 100.0)
		if pct >= 100.0 {
			a.stopReason = anthropic.StopContextWindowExceeded
		}

	case ev.Exception != nil:
		if ev.Exception.ExceptionType == kiroevent.ExceptionContentLengthExceeded {
			a.stopReason = anthropic.StopMaxTokens
		}
	}
}

// Message assembles the final response body.
func (a *Aggregator) Message() anthropic.ResponseMessage {
	stopReason := a.stopReason
	if stopReason == "" {
		if a.hasToolUse {
			stopReason = anthropic.StopToolUse
		} else {
			stopReason = anthropic.StopEndTurn
		}
	}

	content := make([]map[string]any, 0, len(a.toolUses)+1)
	if a.text.Len() > 0 {
		content = append(content, map[string]any{"type": anthropic.BlockText, "text": a.text.String()})
	}
	content = append(content, a.toolUses...)

	inputTokens := a.inputTokens
	if a.contextInputTokens >= 0 {
		inputTokens = a.contextInputTokens
	}

	return anthropic.ResponseMessage{
		ID:         fmt.Sprintf("msg_%s", strings.ReplaceAll(uuid.NewString(), "-", "")),
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      a.model,
		StopReason: &stopReason,
		Usage: anthropic.Usage{
			InputTokens:  inputTokens,
			OutputTokens: tokencount.EstimateOutputContent(content),
		},
	}
}
