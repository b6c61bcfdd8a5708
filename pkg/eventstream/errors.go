package eventstream

import "errors"

// ErrNeedMoreData means the buffer does not yet hold a complete frame.
var ErrNeedMoreData = errors.New("eventstream: need more data")

// ErrBufferOverflow is returned by Decoder.Feed when the internal buffer
// would exceed its cap.
var ErrBufferOverflow = errors.New("eventstream: buffer overflow")

// ErrDecoderStopped is returned once the decoder has given up after too many
// consecutive errors; call Resume to re-arm it.
var ErrDecoderStopped = errors.New("eventstream: decoder stopped after repeated errors")

// FrameError kinds. Prelude-class errors mean the frame boundary itself is
// suspect; data-class errors mean the prelude was plausible but the body bad.
type ErrKind int

const (
	ErrKindInvalidLength ErrKind = iota // prelude class
	ErrKindPreludeCRC                   // prelude class
	ErrKindMessageCRC                   // data class
	ErrKindHeaderParse                  // data class
)

// FrameError describes a malformed frame.
type FrameError struct {
	Kind     ErrKind
	TotalLen uint32
	msg      string
}

func (e *FrameError) Error() string { return "eventstream: " + e.msg }

// IsPreludeError reports whether recovery should assume a misaligned frame
// boundary (skip one byte) rather than a corrupt body (skip the frame).
func (e *FrameError) IsPreludeError() bool {
	return e.Kind == ErrKindInvalidLength || e.Kind == ErrKindPreludeCRC
}
