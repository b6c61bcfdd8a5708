package eventstream

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"time"
)

// AWS event stream wire format:
//
//	total_length(4) | header_length(4) | prelude_crc(4) | headers | payload | message_crc(4)
//
// All integers big-endian. prelude_crc covers bytes 0..8, message_crc covers
// bytes 0..total_length-4, both CRC32 (ISO-HDLC, same polynomial as zip).
const (
	PreludeLen     = 12
	MinFrameLen    = 16
	MaxFrameLen    = 16 * 1024 * 1024
	frameCRCLen    = 4
	frameOverhead  = PreludeLen + frameCRCLen
	maxHeaderValue = math.MaxUint16
)

// Header value types on the wire.
const (
	HeaderBoolTrue  = 0
	HeaderBoolFalse = 1
	HeaderByte      = 2
	HeaderInt16     = 3
	HeaderInt32     = 4
	HeaderInt64     = 5
	HeaderBytes     = 6
	HeaderString    = 7
	HeaderTimestamp = 8
	HeaderUUID      = 9
)

// Well-known header names.
const (
	HeaderMessageType   = ":message-type"
	HeaderEventType     = ":event-type"
	HeaderExceptionType = ":exception-type"
	HeaderErrorCode     = ":error-code"
	HeaderContentType   = ":content-type"
)

// HeaderValue is a decoded header value. Exactly one interpretation applies
// depending on Type.
type HeaderValue struct {
	Type  int
	Bool  bool
	Int   int64
	Bytes []byte
	Str   string
	Time  time.Time
	UUID  [16]byte
}

// String renders the value for dispatch purposes: string headers return their
// text, everything else a formatted representation.
func (hv HeaderValue) String() string {
	switch hv.Type {
	case HeaderBoolTrue, HeaderBoolFalse:
		return fmt.Sprintf("%v", hv.Bool)
	case HeaderByte, HeaderInt16, HeaderInt32, HeaderInt64:
		return fmt.Sprintf("%d", hv.Int)
	case HeaderBytes:
		return string(hv.Bytes)
	case HeaderString:
		return hv.Str
	case HeaderTimestamp:
		return hv.Time.UTC().Format(time.RFC3339)
	case HeaderUUID:
		return fmt.Sprintf("%x", hv.UUID)
	}
	return ""
}

// Frame is one decoded event stream message.
type Frame struct {
	Headers map[string]HeaderValue
	Payload []byte
}

// Header returns the string form of a header, or "" when absent.
func (f *Frame) Header(name string) string {
	hv, ok := f.Headers[name]
	if !ok {
		return ""
	}
	return hv.String()
}

// ParseFrame decodes a single frame from the start of buf. It returns the
// frame and the number of bytes consumed. Validation order matters for the
// decoder's recovery policy: length-bound errors are prelude errors (skip one
// byte), CRC/header errors past a valid prelude are data errors (skip the
// declared frame).
func ParseFrame(buf []byte) (*Frame, int, error) {
	if len(buf) < PreludeLen {
		return nil, 0, ErrNeedMoreData
	}
	totalLen := binary.BigEndian.Uint32(buf[0:4])
	headerLen := binary.BigEndian.Uint32(buf[4:8])
	if totalLen < MinFrameLen || totalLen > MaxFrameLen {
		return nil, 0, &FrameError{Kind: ErrKindInvalidLength, TotalLen: totalLen,
			msg: fmt.Sprintf("frame length %d outside [%d, %d]", totalLen, MinFrameLen, MaxFrameLen)}
	}
	if uint32(len(buf)) < totalLen {
		return nil, 0, ErrNeedMoreData
	}
	preludeCRC := binary.BigEndian.Uint32(buf[8:12])
	if computed := crc32.ChecksumIEEE(buf[0:8]); computed != preludeCRC {
		return nil, 0, &FrameError{Kind: ErrKindPreludeCRC, TotalLen: totalLen,
			msg: fmt.Sprintf("prelude CRC mismatch: header %08x computed %08x", preludeCRC, computed)}
	}
	msgCRC := binary.BigEndian.Uint32(buf[totalLen-4 : totalLen])
	if computed := crc32.ChecksumIEEE(buf[0 : totalLen-4]); computed != msgCRC {
		return nil, 0, &FrameError{Kind: ErrKindMessageCRC, TotalLen: totalLen,
			msg: fmt.Sprintf("message CRC mismatch: trailer %08x computed %08x", msgCRC, computed)}
	}
	headersEnd := uint32(PreludeLen) + headerLen
	if headersEnd > totalLen-frameCRCLen {
		return nil, 0, &FrameError{Kind: ErrKindHeaderParse, TotalLen: totalLen,
			msg: fmt.Sprintf("header region %d overruns frame %d", headerLen, totalLen)}
	}
	headers, err := parseHeaders(buf[PreludeLen:headersEnd])
	if err != nil {
		return nil, 0, &FrameError{Kind: ErrKindHeaderParse, TotalLen: totalLen, msg: err.Error()}
	}
	payload := make([]byte, totalLen-frameCRCLen-headersEnd)
	copy(payload, buf[headersEnd:totalLen-frameCRCLen])
	return &Frame{Headers: headers, Payload: payload}, int(totalLen), nil
}

func parseHeaders(data []byte) (map[string]HeaderValue, error) {
	headers := make(map[string]HeaderValue)
	pos := 0
	for pos < len(data) {
		nameLen := int(data[pos])
		pos++
		if pos+nameLen > len(data) {
			return nil, fmt.Errorf("header name overruns header block")
		}
		name := string(data[pos : pos+nameLen])
		pos += nameLen
		if pos >= len(data) {
			return nil, fmt.Errorf("header %q missing value type", name)
		}
		valType := int(data[pos])
		pos++
		hv := HeaderValue{Type: valType}
		switch valType {
		case HeaderBoolTrue:
			hv.Bool = true
		case HeaderBoolFalse:
			hv.Bool = false
		case HeaderByte:
			if pos+1 > len(data) {
				return nil, fmt.Errorf("header %q truncated byte value", name)
			}
			hv.Int = int64(int8(data[pos]))
			pos++
		case HeaderInt16:
			if pos+2 > len(data) {
				return nil, fmt.Errorf("header %q truncated int16 value", name)
			}
			hv.Int = int64(int16(binary.BigEndian.Uint16(data[pos : pos+2])))
			pos += 2
		case HeaderInt32:
			if pos+4 > len(data) {
				return nil, fmt.Errorf("header %q truncated int32 value", name)
			}
			hv.Int = int64(int32(binary.BigEndian.Uint32(data[pos : pos+4])))
			pos += 4
		case HeaderInt64:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("header %q truncated int64 value", name)
			}
			hv.Int = int64(binary.BigEndian.Uint64(data[pos : pos+8]))
			pos += 8
		case HeaderBytes, HeaderString:
			if pos+2 > len(data) {
				return nil, fmt.Errorf("header %q truncated length prefix", name)
			}
			vlen := int(binary.BigEndian.Uint16(data[pos : pos+2]))
			pos += 2
			if pos+vlen > len(data) {
				return nil, fmt.Errorf("header %q value overruns header block", name)
			}
			if valType == HeaderBytes {
				hv.Bytes = append([]byte(nil), data[pos:pos+vlen]...)
			} else {
				hv.Str = string(data[pos : pos+vlen])
			}
			pos += vlen
		case HeaderTimestamp:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("header %q truncated timestamp", name)
			}
			ms := int64(binary.BigEndian.Uint64(data[pos : pos+8]))
			hv.Time = time.UnixMilli(ms)
			pos += 8
		case HeaderUUID:
			if pos+16 > len(data) {
				return nil, fmt.Errorf("header %q truncated uuid", name)
			}
			copy(hv.UUID[:], data[pos:pos+16])
			pos += 16
		default:
			return nil, fmt.Errorf("header %q has unknown value type %d", name, valType)
		}
		headers[name] = hv
	}
	return headers, nil
}

// EncodeFrame builds a wire frame from headers and payload. Header order is
// the order of the slice; use StringHeader for the common case.
func EncodeFrame(headers []EncodedHeader, payload []byte) ([]byte, error) {
	var headerBuf []byte
	for _, h := range headers {
		if len(h.Name) > 255 {
			return nil, fmt.Errorf("header name %q too long", h.Name)
		}
		headerBuf = append(headerBuf, byte(len(h.Name)))
		headerBuf = append(headerBuf, h.Name...)
		headerBuf = append(headerBuf, byte(h.Value.Type))
		switch h.Value.Type {
		case HeaderBoolTrue, HeaderBoolFalse:
			// no value bytes
		case HeaderByte:
			headerBuf = append(headerBuf, byte(h.Value.Int))
		case HeaderInt16:
			headerBuf = binary.BigEndian.AppendUint16(headerBuf, uint16(h.Value.Int))
		case HeaderInt32:
			headerBuf = binary.BigEndian.AppendUint32(headerBuf, uint32(h.Value.Int))
		case HeaderInt64:
			headerBuf = binary.BigEndian.AppendUint64(headerBuf, uint64(h.Value.Int))
		case HeaderBytes:
			if len(h.Value.Bytes) > maxHeaderValue {
				return nil, fmt.Errorf("header %q value too long", h.Name)
			}
			headerBuf = binary.BigEndian.AppendUint16(headerBuf, uint16(len(h.Value.Bytes)))
			headerBuf = append(headerBuf, h.Value.Bytes...)
		case HeaderString:
			if len(h.Value.Str) > maxHeaderValue {
				return nil, fmt.Errorf("header %q value too long", h.Name)
			}
			headerBuf = binary.BigEndian.AppendUint16(headerBuf, uint16(len(h.Value.Str)))
			headerBuf = append(headerBuf, h.Value.Str...)
		case HeaderTimestamp:
			headerBuf = binary.BigEndian.AppendUint64(headerBuf, uint64(h.Value.Time.UnixMilli()))
		case HeaderUUID:
			headerBuf = append(headerBuf, h.Value.UUID[:]...)
		default:
			return nil, fmt.Errorf("header %q has unknown value type %d", h.Name, h.Value.Type)
		}
	}
	totalLen := frameOverhead + len(headerBuf) + len(payload)
	if totalLen > MaxFrameLen {
		return nil, fmt.Errorf("frame length %d exceeds %d", totalLen, MaxFrameLen)
	}
	frame := make([]byte, 0, totalLen)
	frame = binary.BigEndian.AppendUint32(frame, uint32(totalLen))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(headerBuf)))
	frame = binary.BigEndian.AppendUint32(frame, crc32.ChecksumIEEE(frame[0:8]))
	frame = append(frame, headerBuf...)
	frame = append(frame, payload...)
	frame = binary.BigEndian.AppendUint32(frame, crc32.ChecksumIEEE(frame))
	return frame, nil
}

// EncodedHeader is a named header for EncodeFrame.
type EncodedHeader struct {
	Name  string
	Value HeaderValue
}

// StringHeader builds a type-7 header.
func StringHeader(name, value string) EncodedHeader {
	return EncodedHeader{Name: name, Value: HeaderValue{Type: HeaderString, Str: value}}
}
