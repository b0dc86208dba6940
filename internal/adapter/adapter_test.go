package adapter

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiro-gateway/kiro-gateway/internal/auth"
	"github.com/kiro-gateway/kiro-gateway/internal/claude"
	"github.com/kiro-gateway/kiro-gateway/internal/pool"
	"github.com/kiro-gateway/kiro-gateway/internal/toolcall"
)

func TestRecoverEmbeddedToolCalls_RewritesTextAndAppendsToolUse(t *testing.T) {
	resp := &claude.MessageResponse{
		Content: []claude.ContentBlock{
			{Type: "text", Text: `Let me check. [Called search with args: {"query": "weather"}] Done.`},
		},
		StopReason: "end_turn",
	}

	recoverEmbeddedToolCalls(resp)

	require.Len(t, resp.Content, 2)
	assert.Equal(t, "text", resp.Content[0].Type)
	assert.NotContains(t, resp.Content[0].Text, "[Called")
	assert.Equal(t, "tool_use", resp.Content[1].Type)
	assert.Equal(t, "search", resp.Content[1].Name)
	assert.Equal(t, "tool_use", resp.StopReason)
}

func TestRecoverEmbeddedToolCalls_NoMatchLeavesResponseUntouched(t *testing.T) {
	resp := &claude.MessageResponse{
		Content:    []claude.ContentBlock{{Type: "text", Text: "plain response"}},
		StopReason: "end_turn",
	}

	recoverEmbeddedToolCalls(resp)

	require.Len(t, resp.Content, 1)
	assert.Equal(t, "plain response", resp.Content[0].Text)
	assert.Equal(t, "end_turn", resp.StopReason)
}

func TestEmitRecoveredToolUse_SequenceOrderAndIndex(t *testing.T) {
	events := emitRecoveredToolUse(3, toolcall.Call{ID: "tool_1", Name: "search", Arguments: `{"q":"a"}`})

	require.Len(t, events, 3)
	require.NotNil(t, events[0].Start)
	assert.Equal(t, 3, events[0].Start.Index)
	assert.Equal(t, "tool_use", events[0].Start.ContentBlock.Type)
	assert.Equal(t, "search", events[0].Start.ContentBlock.Name)

	require.NotNil(t, events[1].Delta)
	assert.Equal(t, "input_json_delta", events[1].Delta.Delta.Type)
	assert.Equal(t, `{"q":"a"}`, events[1].Delta.Delta.PartialJSON)

	require.NotNil(t, events[2].Stop)
	assert.Equal(t, 3, events[2].Stop.Index)
}

func TestRefreshIfNear_NoOpWhenNotNear(t *testing.T) {
	account := pool.NewAccount("us-east-1", "social")
	account.AccessToken = "tok"
	account.RefreshToken = "refresh"
	account.ExpiresAt = time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)

	store, err := pool.NewStore(t.TempDir()+"/pool.json", time.Second, nil)
	require.NoError(t, err)
	poolManager := pool.NewManager(pool.ManagerOptions{Store: store})
	poolManager.Add(account)

	ad := New(account, poolManager, auth.NewManager(nil), nil, DefaultRetryConfig, nil)
	err = ad.RefreshIfNear(context.Background(), 5)
	assert.NoError(t, err)
}

func TestCountTokens_DelegatesToEstimate(t *testing.T) {
	account := pool.NewAccount("us-east-1", "social")
	ad := New(account, nil, nil, nil, DefaultRetryConfig, nil)

	req := &claude.MessageRequest{
		Messages: []claude.Message{{Role: "user", Content: []byte(`"hello there"`)}},
	}
	assert.Equal(t, claude.EstimateInputTokens(req), ad.CountTokens(req))
}

func TestExceptionWatcher_ExceptionBeforeContentIsFatal(t *testing.T) {
	w := newExceptionWatcher(nil)
	defer w.release()

	frame := encodeEventStreamMessage(t, map[string]string{":message-type": "exception", ":exception-type": "internalServerException"}, []byte(`{"message":"boom"}`))

	apiErr := w.observe(frame, false)
	require.NotNil(t, apiErr)
	assert.Contains(t, apiErr.Message, "boom")
}

func TestExceptionWatcher_ExceptionAfterContentIsGhost(t *testing.T) {
	w := newExceptionWatcher(nil)
	defer w.release()

	// A content event seen earlier in the stream suppresses a later exception frame.
	require.Nil(t, w.observe(nil, true))

	frame := encodeEventStreamMessage(t, map[string]string{":message-type": "exception", ":exception-type": "internalServerException"}, []byte(`{"message":"trailer noise"}`))

	assert.Nil(t, w.observe(frame, false))
}

func TestExceptionWatcher_NonExceptionFrameIsIgnored(t *testing.T) {
	w := newExceptionWatcher(nil)
	defer w.release()

	frame := encodeEventStreamMessage(t, map[string]string{":message-type": "event", ":event-type": "chunk"}, []byte(`{"content":"hi"}`))

	assert.Nil(t, w.observe(frame, true))
}

// encodeEventStreamMessage builds a real AWS EventStream binary message
// (prelude + headers + payload + CRCs) for exercising exceptionWatcher
// against framing it can't get from plain JSON fixtures.
func encodeEventStreamMessage(t *testing.T, headers map[string]string, payload []byte) []byte {
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

	totalLen := 12 + len(headerBytes) + len(payload) + 4

	var msg bytes.Buffer
	binary.Write(&msg, binary.BigEndian, uint32(totalLen))
	binary.Write(&msg, binary.BigEndian, uint32(len(headerBytes)))
	preludeCRC := crc32.ChecksumIEEE(msg.Bytes())
	binary.Write(&msg, binary.BigEndian, preludeCRC)

	msg.Write(headerBytes)
	msg.Write(payload)

	messageCRC := crc32.ChecksumIEEE(msg.Bytes())
	binary.Write(&msg, binary.BigEndian, messageCRC)

	return msg.Bytes()
}
