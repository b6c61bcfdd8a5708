// Package stream converts upstream conversation events into the Anthropic SSE
// event sequence, including thinking-tag extraction and block sequencing.
package stream

import (
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/kirogw/kirogw/pkg/anthropic"
	"github.com/kirogw/kirogw/pkg/converter"
	"github.com/kirogw/kirogw/pkg/kiroevent"
	"github.com/kirogw/kirogw/pkg/tokencount"
)

// Processor drives one streaming response. Feed it decoded events with
// HandleEvent and close with Finish; both return SSE events in emit order.
type Processor struct {
	st        *stateManager
	model     string
	messageID string

	inputTokens        int64 // estimate from the request
	contextInputTokens int64 // derived from contextUsageEvent, -1 until seen
	outputTokens       int64
	contextWindow      int64

	toolBlockIndexes map[string]int

	thinkingEnabled   bool
	thinkingBuffer    string
	inThinking        bool
	thinkingExtracted bool
	thinkingIndex     int // -1 until allocated
	textIndex         int // -1 until allocated

	// The model emits "<thinking>\n"; the newline may arrive in the next
	// chunk, so the strip intent has to survive across HandleEvent calls.
	stripThinkingLeadingNewline bool
}

// NewProcessor builds a processor for one response. inputTokens is the local
// estimate used until a contextUsageEvent provides the real figure.
func NewProcessor(model string, inputTokens int64, thinkingEnabled bool) *Processor {
	return &Processor{
		st:                 newStateManager(),
		model:              model,
		messageID:          fmt.Sprintf("msg_%s", strings.ReplaceAll(uuid.NewString(), "-", "")),
		inputTokens:        inputTokens,
		contextInputTokens: -1,
		contextWindow:      converter.ContextWindowSize(model),
		toolBlockIndexes:   make(map[string]int),
		thinkingEnabled:    thinkingEnabled,
		thinkingIndex:      -1,
		textIndex:          -1,
	}
}

// MessageID returns the generated message id.
func (p *Processor) MessageID() string { return p.messageID }

// FinalInputTokens is the context-derived input count, falling back to the
// request-time estimate.
func (p *Processor) FinalInputTokens() int64 {
	if p.contextInputTokens >= 0 {
		return p.contextInputTokens
	}
	return p.inputTokens
}

// OutputTokens is the accumulated output estimate.
func (p *Processor) OutputTokens() int64 { return p.outputTokens }

// StopReason is the stop reason Finish will report.
func (p *Processor) StopReason() string { return p.st.finalStopReason() }

func (p *Processor) messageStartEvent(inputTokens int64) anthropic.SSEEvent {
	return anthropic.MessageStartEvent(anthropic.ResponseMessage{
		ID:      p.messageID,
		Type:    "message",
		Role:    "assistant",
		Content: []map[string]any{},
		Model:   p.model,
		Usage:   anthropic.Usage{InputTokens: inputTokens, OutputTokens: 1},
	})
}

// InitialEvents emits message_start and, without thinking, the initial text
// block. With thinking enabled the first block is created lazily so the
// thinking block can claim index 0.
func (p *Processor) InitialEvents() []anthropic.SSEEvent {
	var events []anthropic.SSEEvent
	if p.st.messageStart() {
		events = append(events, p.messageStartEvent(p.inputTokens))
	}
	if p.thinkingEnabled {
		return events
	}
	idx := p.st.allocIndex()
	p.textIndex = idx
	events = append(events, p.st.blockStart(idx, anthropic.BlockText,
		anthropic.BlockStartEvent(idx, anthropic.StartBlock{Type: anthropic.BlockText}))...)
	return events
}

// HandleEvent converts one upstream event into zero or more SSE events.
func (p *Processor) HandleEvent(ev kiroevent.Event) []anthropic.SSEEvent {
	switch {
	case ev.Assistant != nil:
		return p.handleAssistantContent(ev.Assistant.Content)
	case ev.ToolUse != nil:
		return p.handleToolUse(ev.ToolUse)
	case ev.ContextUsage != nil:
		pct := ev.ContextUsage.ContextUsagePercentage
		p.contextInputTokens = int64(pct * float64(p.contextWindow) / 100.0)
		if pct >= 100.0 {
			p.st.setStopReason(anthropic.StopContextWindowExceeded)
		}
		return nil
	case ev.Exception != nil:
		if ev.Exception.ExceptionType == kiroevent.ExceptionContentLengthExceeded {
			p.st.setStopReason(anthropic.StopMaxTokens)
		}
		log.Printf("[stream] upstream exception: %s - %s", ev.Exception.ExceptionType, ev.Exception.Message)
		return nil
	case ev.Error != nil:
		log.Printf("[stream] upstream error: %s - %s", ev.Error.ErrorCode, ev.Error.Message)
		return nil
	}
	return nil
}

func (p *Processor) handleAssistantContent(content string) []anthropic.SSEEvent {
	if content == "" {
		return nil
	}
	p.outputTokens += tokencount.EstimateOutputDelta(content)

	if p.thinkingEnabled {
		return p.processWithThinking(content)
	}
	// The non-thinking path shares textDeltaEvents so a text block closed by
	// tool_use reopens instead of swallowing characters.
	return p.textDeltaEvents(content)
}

// processWithThinking scans buffered content for thinking tags and routes the
// pieces to thinking or text blocks.
func (p *Processor) processWithThinking(content string) []anthropic.SSEEvent {
	var events []anthropic.SSEEvent
	p.thinkingBuffer += content

	for {
		switch {
		case !p.inThinking && !p.thinkingExtracted:
			start := findThinkingStart(p.thinkingBuffer)
			if start < 0 {
				// Hold back a possible partial tag; whitespace-only prefixes
				// also stay buffered so no stray text block precedes the
				// thinking block when the tag splits across chunks.
				target := len(p.thinkingBuffer) - len(thinkingStartTag)
				if target < 0 {
					target = 0
				}
				safeLen := charBoundary(p.thinkingBuffer, target)
				if safeLen > 0 {
					safe := p.thinkingBuffer[:safeLen]
					if strings.TrimSpace(safe) != "" {
						events = append(events, p.textDeltaEvents(safe)...)
						p.thinkingBuffer = p.thinkingBuffer[safeLen:]
					}
				}
				return events
			}

			// Text before the tag flushes first, unless whitespace-only
			// (adaptive mode likes to lead with "\n\n").
			before := p.thinkingBuffer[:start]
			if strings.TrimSpace(before) != "" {
				events = append(events, p.textDeltaEvents(before)...)
			}

			p.inThinking = true
			p.stripThinkingLeadingNewline = true
			p.thinkingBuffer = p.thinkingBuffer[start+len(thinkingStartTag):]

			idx := p.st.allocIndex()
			p.thinkingIndex = idx
			events = append(events, p.st.blockStart(idx, anthropic.BlockThinking,
				anthropic.BlockStartEvent(idx, anthropic.StartBlock{Type: anthropic.BlockThinking}))...)

		case p.inThinking:
			if p.stripThinkingLeadingNewline {
				if strings.HasPrefix(p.thinkingBuffer, "\n") {
					p.thinkingBuffer = p.thinkingBuffer[1:]
					p.stripThinkingLeadingNewline = false
				} else if p.thinkingBuffer != "" {
					p.stripThinkingLeadingNewline = false
				}
				// empty buffer keeps the flag armed for the next chunk
			}

			end := findThinkingEnd(p.thinkingBuffer)
			if end < 0 {
				// Hold back enough bytes to cover a split "</thinking>\n\n".
				target := len(p.thinkingBuffer) - len(thinkingEndTagSep)
				if target < 0 {
					target = 0
				}
				safeLen := charBoundary(p.thinkingBuffer, target)
				if safeLen > 0 {
					events = append(events, p.thinkingDeltaEvent(p.thinkingBuffer[:safeLen]))
					p.thinkingBuffer = p.thinkingBuffer[safeLen:]
				}
				return events
			}

			if end > 0 {
				events = append(events, p.thinkingDeltaEvent(p.thinkingBuffer[:end]))
			}
			events = append(events, p.closeThinkingBlock()...)
			p.thinkingBuffer = p.thinkingBuffer[end+len(thinkingEndTagSep):]

		default:
			// Extraction done; everything left is plain text.
			if p.thinkingBuffer != "" {
				remaining := p.thinkingBuffer
				p.thinkingBuffer = ""
				events = append(events, p.textDeltaEvents(remaining)...)
			}
			return events
		}
	}
}

// closeThinkingBlock emits the closing handshake: an empty thinking_delta then
// content_block_stop.
func (p *Processor) closeThinkingBlock() []anthropic.SSEEvent {
	p.inThinking = false
	p.thinkingExtracted = true
	var events []anthropic.SSEEvent
	if p.thinkingIndex >= 0 {
		events = append(events, p.thinkingDeltaEvent(""))
		if stop, ok := p.st.blockStop(p.thinkingIndex); ok {
			events = append(events, stop)
		}
	}
	return events
}

func (p *Processor) thinkingDeltaEvent(thinking string) anthropic.SSEEvent {
	return anthropic.BlockDeltaEvent(p.thinkingIndex, anthropic.ThinkingDelta(thinking))
}

// textDeltaEvents appends text to the open text block, opening a fresh one
// when none is open (first text after thinking, or after a tool_use closed
// the previous block).
func (p *Processor) textDeltaEvents(text string) []anthropic.SSEEvent {
	var events []anthropic.SSEEvent

	if p.textIndex >= 0 && !p.st.isBlockOpenOfType(p.textIndex, anthropic.BlockText) {
		p.textIndex = -1
	}
	if p.textIndex < 0 {
		idx := p.st.allocIndex()
		p.textIndex = idx
		events = append(events, p.st.blockStart(idx, anthropic.BlockText,
			anthropic.BlockStartEvent(idx, anthropic.StartBlock{Type: anthropic.BlockText}))...)
	}
	if p.st.blockDelta(p.textIndex) {
		events = append(events, anthropic.BlockDeltaEvent(p.textIndex, anthropic.TextDelta(text)))
	}
	return events
}

func (p *Processor) handleToolUse(tu *kiroevent.ToolUseEvent) []anthropic.SSEEvent {
	var events []anthropic.SSEEvent
	p.st.hasToolUse = true

	// A tool call arriving mid-thinking means "</thinking>" was not followed
	// by "\n\n"; recognize the boundary form so the tag does not leak into
	// the thinking content later.
	if p.thinkingEnabled && p.inThinking {
		if end := findThinkingEndAtBufferEnd(p.thinkingBuffer); end >= 0 {
			if end > 0 {
				events = append(events, p.thinkingDeltaEvent(p.thinkingBuffer[:end]))
			}
			events = append(events, p.closeThinkingBlock()...)
			remaining := strings.TrimLeft(p.thinkingBuffer[end+len(thinkingEndTag):], " \t\r\n")
			p.thinkingBuffer = ""
			if remaining != "" {
				events = append(events, p.textDeltaEvents(remaining)...)
			}
		}
	}

	// Text parked in the buffer waiting for a possible <thinking> tag must
	// flush before the tool block, or the auto-close would swallow it.
	if p.thinkingEnabled && !p.inThinking && !p.thinkingExtracted && p.thinkingBuffer != "" {
		buffered := p.thinkingBuffer
		p.thinkingBuffer = ""
		events = append(events, p.textDeltaEvents(buffered)...)
	}

	idx, ok := p.toolBlockIndexes[tu.ToolUseID]
	if !ok {
		idx = p.st.allocIndex()
		p.toolBlockIndexes[tu.ToolUseID] = idx
	}

	events = append(events, p.st.blockStart(idx, anthropic.BlockToolUse,
		anthropic.BlockStartEvent(idx, anthropic.StartBlock{
			Type:  anthropic.BlockToolUse,
			ID:    tu.ToolUseID,
			Name:  tu.Name,
			Input: []byte("{}"),
		}))...)

	if tu.Input != "" {
		p.outputTokens += int64(len(tu.Input)+3) / 4
		if p.st.blockDelta(idx) {
			events = append(events, anthropic.BlockDeltaEvent(idx, anthropic.InputJSONDelta(tu.Input)))
		}
	}

	if tu.Stop {
		if stop, ok := p.st.blockStop(idx); ok {
			events = append(events, stop)
		}
	}

	return events
}

// Finish flushes whatever is still buffered and emits the closing sequence.
func (p *Processor) Finish() []anthropic.SSEEvent {
	var events []anthropic.SSEEvent

	if p.thinkingEnabled && p.thinkingBuffer != "" {
		if p.inThinking {
			if end := findThinkingEndAtBufferEnd(p.thinkingBuffer); end >= 0 {
				if end > 0 {
					events = append(events, p.thinkingDeltaEvent(p.thinkingBuffer[:end]))
				}
				events = append(events, p.closeThinkingBlock()...)
				remaining := strings.TrimLeft(p.thinkingBuffer[end+len(thinkingEndTag):], " \t\r\n")
				if remaining != "" {
					events = append(events, p.textDeltaEvents(remaining)...)
				}
			} else {
				events = append(events, p.thinkingDeltaEvent(p.thinkingBuffer))
				events = append(events, p.closeThinkingBlock()...)
			}
		} else {
			events = append(events, p.textDeltaEvents(p.thinkingBuffer)...)
		}
		p.thinkingBuffer = ""
	}

	// A stream that produced only thinking exhausted its budget before any
	// answer; report max_tokens and pad a single-space text block so the
	// content array is never thinking-only.
	if p.thinkingEnabled && p.thinkingIndex >= 0 && !p.st.hasNonThinkingBlocks() {
		p.st.setStopReason(anthropic.StopMaxTokens)
		events = append(events, p.textDeltaEvents(" ")...)
	}

	events = append(events, p.st.finalEvents(p.FinalInputTokens(), p.outputTokens)...)
	return events
}
