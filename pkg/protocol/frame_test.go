package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrameGoldenVector(t *testing.T) {
	f := &Frame{
		MessageID:  "abcdefghijklmnop",
		Kind:       PayloadScreenshotPNG,
		Data:       []byte{1, 2, 3, 4, 5, 6, 7, 8},
		FinalChunk: true,
	}
	got := EncodeFrame(f)

	want := []byte{
		0xA7, 0x00, 0x04,
		0x61, 0x62, 0x63, 0x64, 0x65, 0x66, 0x67, 0x68,
		0x69, 0x6A, 0x6B, 0x6C, 0x6D, 0x6E, 0x6F, 0x70,
		0x00, 0x01,
		0x00, 0x00, 0x00, 0x08,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	}
	assert.Equal(t, want, got)
}

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
	}{
		{"png payload", &Frame{MessageID: "abcdefghijklmnop", Kind: PayloadScreenshotPNG, Data: []byte{9, 8, 7}, FinalChunk: true}},
		{"compressed chunk", &Frame{MessageID: "0123456789abcdef", Kind: PayloadFileData, Data: []byte("chunk"), Compressed: true, Chunked: true}},
		{"hierarchy", &Frame{MessageID: "short-id", Kind: PayloadHierarchyXML, Data: []byte("<hierarchy/>")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := DecodeFrame(EncodeFrame(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.frame, decoded)
		})
	}
}

func TestFrameZeroLengthPayload(t *testing.T) {
	f := &Frame{MessageID: "abcdefghijklmnop", Kind: PayloadFileData, FinalChunk: true}
	buf := EncodeFrame(f)
	assert.Len(t, buf, FrameHeaderSize)

	decoded, err := DecodeFrame(buf)
	require.NoError(t, err)
	assert.Nil(t, decoded.Data)
	assert.Equal(t, f.MessageID, decoded.MessageID)
}

func TestCorrelationIDTruncation(t *testing.T) {
	long := "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
	id := CorrelationID(long)
	assert.Equal(t, []byte(long[:16]), id[:])

	short := CorrelationID("abc")
	assert.Equal(t, byte('a'), short[0])
	assert.Equal(t, byte(0), short[3])
}

func TestDecodeFrameErrors(t *testing.T) {
	valid := EncodeFrame(&Frame{MessageID: "id", Kind: PayloadScreenshotPNG, Data: []byte{1}})

	t.Run("too short", func(t *testing.T) {
		_, err := DecodeFrame(valid[:10])
		assertProtocolError(t, err)
	})
	t.Run("bad magic", func(t *testing.T) {
		buf := append([]byte(nil), valid...)
		buf[0] = 0x00
		_, err := DecodeFrame(buf)
		assertProtocolError(t, err)
	})
	t.Run("bad reserved", func(t *testing.T) {
		buf := append([]byte(nil), valid...)
		buf[1] = 0xFF
		_, err := DecodeFrame(buf)
		assertProtocolError(t, err)
	})
	t.Run("length mismatch", func(t *testing.T) {
		buf := append([]byte(nil), valid...)
		buf[24] = 0x05 // claims 5 payload bytes, only 1 present
		_, err := DecodeFrame(buf)
		assertProtocolError(t, err)
	})
}

func assertProtocolError(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, CodeProtocolError, agentErr.Code)
	assert.Equal(t, CategoryTransport, agentErr.Category)
}
