package stream

import (
	"github.com/kirogw/kirogw/pkg/anthropic"
	"github.com/kirogw/kirogw/pkg/kiroevent"
)

// BufferedProcessor holds back the whole event sequence until the stream
// ends, then rewrites message_start with the input_tokens derived from
// contextUsageEvent. Used by the /cc/v1 endpoints, whose clients read
// input_tokens off message_start rather than message_delta.
type BufferedProcessor struct {
	inner            *Processor
	buffer           []anthropic.SSEEvent
	messageStartPos  int // index into buffer, -1 until emitted
	initialGenerated bool
}

// NewBufferedProcessor wraps a Processor in buffering mode.
func NewBufferedProcessor(model string, inputTokens int64, thinkingEnabled bool) *BufferedProcessor {
	return &BufferedProcessor{
		inner:           NewProcessor(model, inputTokens, thinkingEnabled),
		messageStartPos: -1,
	}
}

func (b *BufferedProcessor) generateInitial() {
	if b.initialGenerated {
		return
	}
	b.initialGenerated = true
	for _, ev := range b.inner.InitialEvents() {
		if ev.Event == anthropic.EventMessageStart {
			b.messageStartPos = len(b.buffer)
		}
		b.buffer = append(b.buffer, ev)
	}
}

// HandleEvent processes one upstream event and buffers the resulting SSE
// events instead of emitting them.
func (b *BufferedProcessor) HandleEvent(ev kiroevent.Event) {
	b.generateInitial()
	b.buffer = append(b.buffer, b.inner.HandleEvent(ev)...)
}

// Finish closes the stream and returns the complete corrected sequence.
func (b *BufferedProcessor) Finish() []anthropic.SSEEvent {
	b.generateInitial()
	b.buffer = append(b.buffer, b.inner.Finish()...)

	if b.messageStartPos >= 0 {
		b.buffer[b.messageStartPos] = b.inner.messageStartEvent(b.inner.FinalInputTokens())
	}

	out := b.buffer
	b.buffer = nil
	return out
}
