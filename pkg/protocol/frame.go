package protocol

import (
	"encoding/binary"
	"fmt"
)

// Binary frame layout: a fixed 25-byte header followed by the payload.
//
//	offset 0  (1)  magic 0xA7
//	offset 1  (1)  reserved 0x00
//	offset 2  (1)  flags: bit0 compressed, bit1 chunked, bit2 final chunk
//	offset 3  (16) correlation id: first 16 UTF-8 bytes of the request id,
//	               zero-padded when shorter
//	offset 19 (2)  payload type: 0x00 then the kind code
//	offset 21 (4)  payload length, big-endian unsigned
const (
	FrameMagic      = 0xA7
	FrameHeaderSize = 25
)

// Frame flags.
const (
	FlagCompressed = 1 << 0
	FlagChunked    = 1 << 1
	FlagFinalChunk = 1 << 2
)

// PayloadKind identifies the content of a binary frame.
type PayloadKind byte

const (
	PayloadScreenshotPNG  PayloadKind = 0x01
	PayloadScreenshotJPEG PayloadKind = 0x02
	PayloadVideoH264      PayloadKind = 0x03
	PayloadFileData       PayloadKind = 0x04
	PayloadHierarchyXML   PayloadKind = 0x05
)

// Frame is one binary-channel unit. MessageID links the frame to its
// originating request; only its first 16 UTF-8 bytes travel on the wire.
type Frame struct {
	MessageID  string
	Kind       PayloadKind
	Data       []byte
	Compressed bool
	Chunked    bool
	FinalChunk bool
}

// CorrelationID returns the 16-byte wire form of the message id: truncated to
// 16 bytes or zero-padded. The mapping is lossy for ids shorter than 16 bytes
// and non-reversible in general.
func CorrelationID(messageID string) [16]byte {
	var id [16]byte
	copy(id[:], messageID)
	return id
}

// EncodeFrame serializes the frame into a single buffer. The only allocation
// is the output slice.
func EncodeFrame(f *Frame) []byte {
	buf := make([]byte, FrameHeaderSize+len(f.Data))
	buf[0] = FrameMagic
	buf[1] = 0x00
	var flags byte
	if f.Compressed {
		flags |= FlagCompressed
	}
	if f.Chunked {
		flags |= FlagChunked
	}
	if f.FinalChunk {
		flags |= FlagFinalChunk
	}
	buf[2] = flags
	id := CorrelationID(f.MessageID)
	copy(buf[3:19], id[:])
	buf[19] = 0x00
	buf[20] = byte(f.Kind)
	binary.BigEndian.PutUint32(buf[21:25], uint32(len(f.Data)))
	copy(buf[FrameHeaderSize:], f.Data)
	return buf
}

// DecodeFrame validates and parses a binary frame. Malformed headers and
// length mismatches fail with TRANSPORT/protocol-error.
func DecodeFrame(buf []byte) (*Frame, error) {
	if len(buf) < FrameHeaderSize {
		return nil, NewAgentErrorf(CodeProtocolError, "frame too short: %d bytes", len(buf))
	}
	if buf[0] != FrameMagic {
		return nil, NewAgentErrorf(CodeProtocolError, "bad magic byte 0x%02X", buf[0])
	}
	if buf[1] != 0x00 {
		return nil, NewAgentErrorf(CodeProtocolError, "reserved byte must be zero, got 0x%02X", buf[1])
	}
	if buf[19] != 0x00 {
		return nil, NewAgentErrorf(CodeProtocolError, "payload type prefix must be zero, got 0x%02X", buf[19])
	}
	length := binary.BigEndian.Uint32(buf[21:25])
	if int(length) != len(buf)-FrameHeaderSize {
		return nil, NewAgentErrorf(CodeProtocolError,
			"length field %d does not match payload size %d", length, len(buf)-FrameHeaderSize)
	}
	flags := buf[2]
	f := &Frame{
		MessageID:  trimCorrelationID(buf[3:19]),
		Kind:       PayloadKind(buf[20]),
		Compressed: flags&FlagCompressed != 0,
		Chunked:    flags&FlagChunked != 0,
		FinalChunk: flags&FlagFinalChunk != 0,
	}
	if length > 0 {
		f.Data = make([]byte, length)
		copy(f.Data, buf[FrameHeaderSize:])
	}
	return f, nil
}

// trimCorrelationID strips the zero padding appended to short message ids.
func trimCorrelationID(raw []byte) string {
	end := len(raw)
	for end > 0 && raw[end-1] == 0 {
		end--
	}
	return string(raw[:end])
}

func (k PayloadKind) String() string {
	switch k {
	case PayloadScreenshotPNG:
		return "screenshot-png"
	case PayloadScreenshotJPEG:
		return "screenshot-jpeg"
	case PayloadVideoH264:
		return "video-h264"
	case PayloadFileData:
		return "file-data"
	case PayloadHierarchyXML:
		return "hierarchy-xml"
	default:
		return fmt.Sprintf("unknown(0x%02X)", byte(k))
	}
}
