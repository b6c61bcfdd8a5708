package eventstream

import (
	"encoding/binary"
	"errors"
	"log"
)

// DecoderState tracks the streaming decoder lifecycle.
type DecoderState int

const (
	StateReady DecoderState = iota
	StateParsing
	StateRecovering
	StateStopped
)

func (s DecoderState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateParsing:
		return "parsing"
	case StateRecovering:
		return "recovering"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

const (
	// DefaultBufferCap bounds the append-only input buffer.
	DefaultBufferCap = MaxFrameLen
	// maxConsecutiveErrors stops the decoder once recovery clearly is not
	// converging on a frame boundary.
	maxConsecutiveErrors = 5
)

// Decoder incrementally decodes frames from a chunked byte stream, recovering
// from corrupt data by resynchronizing on the next plausible frame boundary.
type Decoder struct {
	buf       []byte
	bufferCap int
	state     DecoderState

	FramesDecoded uint64
	ErrorCount    int // consecutive, reset on success
	BytesSkipped  uint64
}

// NewDecoder returns a decoder with the default 16 MiB buffer cap.
func NewDecoder() *Decoder {
	return &Decoder{bufferCap: DefaultBufferCap, state: StateReady}
}

// State returns the current decoder state.
func (d *Decoder) State() DecoderState { return d.state }

// Feed appends bytes to the internal buffer.
func (d *Decoder) Feed(data []byte) error {
	if d.state == StateStopped {
		return ErrDecoderStopped
	}
	if len(d.buf)+len(data) > d.bufferCap {
		return ErrBufferOverflow
	}
	d.buf = append(d.buf, data...)
	return nil
}

// Decode attempts to decode one frame from the buffer. It returns
// ErrNeedMoreData when the buffer holds less than one complete frame, and
// ErrDecoderStopped once too many consecutive errors have accumulated.
// Malformed input is skipped internally; Decode keeps trying until it
// produces a frame, runs out of data, or stops.
func (d *Decoder) Decode() (*Frame, error) {
	for {
		if d.state == StateStopped {
			return nil, ErrDecoderStopped
		}
		if len(d.buf) == 0 {
			d.state = StateReady
			return nil, ErrNeedMoreData
		}
		d.state = StateParsing
		frame, consumed, err := ParseFrame(d.buf)
		if err == nil {
			d.buf = d.buf[consumed:]
			d.FramesDecoded++
			d.ErrorCount = 0
			d.state = StateReady
			return frame, nil
		}
		if errors.Is(err, ErrNeedMoreData) {
			d.state = StateReady
			return nil, ErrNeedMoreData
		}
		d.recover(err)
		if d.state == StateStopped {
			return nil, ErrDecoderStopped
		}
	}
}

// recover skips past bad input. Prelude errors skip one byte (boundary was
// misaligned); data errors skip the whole declared frame when its length is
// plausible and fully buffered, otherwise one byte.
func (d *Decoder) recover(err error) {
	d.state = StateRecovering
	d.ErrorCount++
	skip := 1
	var ferr *FrameError
	if errors.As(err, &ferr) && !ferr.IsPreludeError() {
		if declared := d.declaredLen(); declared >= MinFrameLen && declared <= len(d.buf) {
			skip = declared
		}
	}
	log.Printf("[eventstream] recovering from decode error (skipping %d bytes): %v", skip, err)
	d.buf = d.buf[skip:]
	d.BytesSkipped += uint64(skip)
	if d.ErrorCount >= maxConsecutiveErrors {
		log.Printf("[eventstream] stopping decoder after %d consecutive errors (%d bytes skipped total)",
			d.ErrorCount, d.BytesSkipped)
		d.state = StateStopped
	}
}

func (d *Decoder) declaredLen() int {
	if len(d.buf) < 4 {
		return 0
	}
	return int(binary.BigEndian.Uint32(d.buf[0:4]))
}

// Resume re-arms a stopped decoder, clearing the consecutive error count but
// keeping the cumulative counters.
func (d *Decoder) Resume() {
	if d.state != StateStopped {
		return
	}
	d.ErrorCount = 0
	d.state = StateReady
}

// Buffered returns the number of unconsumed bytes.
func (d *Decoder) Buffered() int { return len(d.buf) }
