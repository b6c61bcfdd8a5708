package stream

import (
	"log"
	"sort"

	"github.com/kirogw/kirogw/pkg/anthropic"
)

// blockState tracks one content block through its lifecycle.
type blockState struct {
	blockType string
	started   bool
	stopped   bool
}

// stateManager enforces the SSE sequencing rules: one message_start, blocks
// start before they delta and delta before they stop, one message_delta after
// all block stops, message_stop last.
type stateManager struct {
	messageStarted   bool
	messageDeltaSent bool
	messageEnded     bool
	blocks           map[int]*blockState
	nextIndex        int
	stopReason       string
	hasToolUse       bool
}

func newStateManager() *stateManager {
	return &stateManager{blocks: make(map[int]*blockState)}
}

func (sm *stateManager) allocIndex() int {
	idx := sm.nextIndex
	sm.nextIndex++
	return idx
}

func (sm *stateManager) isBlockOpenOfType(index int, blockType string) bool {
	b, ok := sm.blocks[index]
	return ok && b.started && !b.stopped && b.blockType == blockType
}

func (sm *stateManager) hasNonThinkingBlocks() bool {
	for _, b := range sm.blocks {
		if b.blockType != anthropic.BlockThinking {
			return true
		}
	}
	return false
}

func (sm *stateManager) setStopReason(reason string) { sm.stopReason = reason }

func (sm *stateManager) finalStopReason() string {
	if sm.stopReason != "" {
		return sm.stopReason
	}
	if sm.hasToolUse {
		return anthropic.StopToolUse
	}
	return anthropic.StopEndTurn
}

// messageStart reports whether a message_start may be emitted now.
func (sm *stateManager) messageStart() bool {
	if sm.messageStarted {
		return false
	}
	sm.messageStarted = true
	return true
}

// blockStart opens a block. Starting a tool_use block first auto-closes any
// open text block, since interleaved text must not continue into the tool
// call.
func (sm *stateManager) blockStart(index int, blockType string, start anthropic.SSEEvent) []anthropic.SSEEvent {
	var events []anthropic.SSEEvent

	if blockType == anthropic.BlockToolUse {
		sm.hasToolUse = true
		for _, idx := range sm.sortedIndexes() {
			b := sm.blocks[idx]
			if b.blockType == anthropic.BlockText && b.started && !b.stopped {
				events = append(events, anthropic.BlockStopEvent(idx))
				b.stopped = true
			}
		}
	}

	if b, ok := sm.blocks[index]; ok {
		if b.started {
			log.Printf("[stream] block %d already started, skipping duplicate content_block_start", index)
			return events
		}
		b.started = true
	} else {
		sm.blocks[index] = &blockState{blockType: blockType, started: true}
	}

	return append(events, start)
}

// blockDelta reports whether a delta may be emitted for the block.
func (sm *stateManager) blockDelta(index int) bool {
	b, ok := sm.blocks[index]
	if !ok {
		log.Printf("[stream] delta for unknown block %d dropped", index)
		return false
	}
	if !b.started || b.stopped {
		log.Printf("[stream] block %d state abnormal: started=%v stopped=%v", index, b.started, b.stopped)
		return false
	}
	return true
}

// blockStop closes the block, once.
func (sm *stateManager) blockStop(index int) (anthropic.SSEEvent, bool) {
	b, ok := sm.blocks[index]
	if !ok || b.stopped {
		return anthropic.SSEEvent{}, false
	}
	b.stopped = true
	return anthropic.BlockStopEvent(index), true
}

// finalEvents closes every open block and emits message_delta + message_stop.
func (sm *stateManager) finalEvents(inputTokens, outputTokens int64) []anthropic.SSEEvent {
	var events []anthropic.SSEEvent

	for _, idx := range sm.sortedIndexes() {
		b := sm.blocks[idx]
		if b.started && !b.stopped {
			events = append(events, anthropic.BlockStopEvent(idx))
			b.stopped = true
		}
	}

	if !sm.messageDeltaSent {
		sm.messageDeltaSent = true
		events = append(events, anthropic.MessageDeltaEvent(sm.finalStopReason(), anthropic.Usage{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
		}))
	}

	if !sm.messageEnded {
		sm.messageEnded = true
		events = append(events, anthropic.MessageStopEvent())
	}

	return events
}

func (sm *stateManager) sortedIndexes() []int {
	idxs := make([]int, 0, len(sm.blocks))
	for idx := range sm.blocks {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	return idxs
}
