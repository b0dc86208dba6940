package kiro

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAWSEventMessage(t *testing.T) {
	payload := []byte(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}`)

	msg := createTestEventMessage(t, map[string]string{
		":message-type": "event",
		":event-type":   "chunk",
		":content-type": "application/json",
	}, payload)

	parser := NewEventStreamParser()
	events, err := parser.Parse(msg)
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, "event", events[0].Headers[":message-type"].Value)
	assert.Equal(t, "chunk", events[0].Headers[":event-type"].Value)
	assert.Equal(t, payload, events[0].Payload)
}

func TestParseMultipleMessages(t *testing.T) {
	payload1 := []byte(`{"type":"message_start"}`)
	payload2 := []byte(`{"type":"content_block_delta"}`)

	msg1 := createTestEventMessage(t, map[string]string{
		":message-type": "event",
		":event-type":   "chunk",
	}, payload1)

	msg2 := createTestEventMessage(t, map[string]string{
		":message-type": "event",
		":event-type":   "chunk",
	}, payload2)

	combined := append(msg1, msg2...)

	parser := NewEventStreamParser()
	events, err := parser.Parse(combined)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, payload1, events[0].Payload)
	assert.Equal(t, payload2, events[1].Payload)
}

func TestParseInvalidCRC(t *testing.T) {
	payload := []byte(`{"type":"test"}`)
	msg := createTestEventMessage(t, map[string]string{
		":message-type": "event",
	}, payload)

	msg[len(msg)-1] ^= 0xFF

	parser := NewEventStreamParser()
	_, err := parser.Parse(msg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "CRC")
}

func TestParseTruncatedMessage(t *testing.T) {
	payload := []byte(`{"type":"test"}`)
	msg := createTestEventMessage(t, map[string]string{
		":message-type": "event",
	}, payload)

	truncated := msg[:len(msg)/2]

	parser := NewEventStreamParser()
	events, err := parser.Parse(truncated)
	assert.NoError(t, err)
	assert.Empty(t, events, "truncated message should not produce events")
}

func TestParseEmptyInput(t *testing.T) {
	parser := NewEventStreamParser()
	events, err := parser.Parse([]byte{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestParseExceptionMessage(t *testing.T) {
	payload := []byte(`{"message":"Rate limit exceeded"}`)
	msg := createTestEventMessage(t, map[string]string{
		":message-type":   "exception",
		":exception-type": "throttlingException",
	}, payload)

	parser := NewEventStreamParser()
	events, err := parser.Parse(msg)
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, "exception", events[0].Headers[":message-type"].Value)
}

// createTestEventMessage builds a valid AWS event stream message for testing.
func createTestEventMessage(t *testing.T, headers map[string]string, payload []byte) []byte {
	t.Helper()

	var headerBuf bytes.Buffer
	for name, value := range headers {
		headerBuf.WriteByte(byte(len(name)))
		headerBuf.WriteString(name)
		headerBuf.WriteByte(7)
		binary.Write(&headerBuf, binary.BigEndian, uint16(len(value)))
		headerBuf.WriteString(value)
	}
	headerBytes := headerBuf.Bytes()

	preludeLen := 12
	headersLen := len(headerBytes)
	payloadLen := len(payload)
	messageCRCLen := 4
	totalLen := preludeLen + headersLen + payloadLen + messageCRCLen

	var msg bytes.Buffer

	binary.Write(&msg, binary.BigEndian, uint32(totalLen))
	binary.Write(&msg, binary.BigEndian, uint32(headersLen))

	preludeBytes := msg.Bytes()
	preludeCRC := crc32.ChecksumIEEE(preludeBytes)
	binary.Write(&msg, binary.BigEndian, preludeCRC)

	msg.Write(headerBytes)
	msg.Write(payload)

	messageBytes := msg.Bytes()
	messageCRC := crc32.ChecksumIEEE(messageBytes)
	binary.Write(&msg, binary.BigEndian, messageCRC)

	return msg.Bytes()
}
