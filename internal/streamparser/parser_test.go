package streamparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser_ContentSignature(t *testing.T) {
	p := New()
	events := p.Feed([]byte(`{"content":"hello"}`))
	require.Len(t, events, 1)
	assert.Equal(t, EventContent, events[0].Kind)
	assert.Equal(t, "hello", events[0].Text)
}

func TestParser_ToolUseStartThenInputThenStop(t *testing.T) {
	p := New()
	events := p.Feed([]byte(`{"name":"search","toolUseId":"t1"}{"input":"{\"q\":1}","toolUseId":"t1"}{"stop":true,"toolUseId":"t1"}`))
	require.Len(t, events, 3)
	assert.Equal(t, EventToolUseStart, events[0].Kind)
	assert.Equal(t, "search", events[0].Name)
	assert.Equal(t, EventToolUseInput, events[1].Kind)
	assert.Equal(t, EventToolUseStop, events[2].Kind)
}

func TestParser_FollowupPromptSkipped(t *testing.T) {
	p := New()
	events := p.Feed([]byte(`{"followupPrompt":"what next?"}`))
	assert.Empty(t, events)
}

func TestParser_PrefixContinuationEquivalence(t *testing.T) {
	full := []byte(`{"content":"hello world, this is a longer delta"}`)

	onePass := New()
	onePassEvents := onePass.Feed(full)

	for split := 0; split <= len(full); split++ {
		twoPass := New()
		first := twoPass.Feed(full[:split])
		second := twoPass.Feed(full[split:])
		combined := append(first, second...)
		require.Equalf(t, onePassEvents, combined, "split at %d", split)
	}
}

func TestParser_SignatureSplitAcrossReads(t *testing.T) {
	full := []byte(`{"content":"hi"}`)
	for split := 1; split < len(`{"content":`); split++ {
		p := New()
		first := p.Feed(full[:split])
		assert.Empty(t, first)
		second := p.Feed(full[split:])
		require.Len(t, second, 1)
		assert.Equal(t, "hi", second[0].Text)
	}
}

func TestParser_DiscardsUnrecognizedTail(t *testing.T) {
	p := New()
	events := p.Feed([]byte(`garbage-bytes-not-a-signature`))
	assert.Empty(t, events)
	assert.Empty(t, p.buf)
}

func TestParser_NestedBracesInContent(t *testing.T) {
	p := New()
	events := p.Feed([]byte(`{"content":"a {nested} brace and a \"quoted }\" string"}`))
	require.Len(t, events, 1)
	assert.Equal(t, `a {nested} brace and a "quoted }" string`, events[0].Text)
}
