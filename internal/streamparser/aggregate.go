package streamparser

import (
	"encoding/json"
	"strings"

	"github.com/kiro-gateway/kiro-gateway/internal/claude"
)

// Aggregator collects parser Events into one complete Claude Messages
// response, for the non-streaming request path.
type Aggregator struct {
	model     string
	messageID string

	textIndex int
	textOpen  bool
	textBuf   strings.Builder

	toolOrder   []string
	toolIndex   map[string]int
	toolName    map[string]string
	toolInput   map[string]*strings.Builder
	nextIndex   int
	outputChars int
}

// NewAggregator creates an empty Aggregator for one response.
func NewAggregator(model string) *Aggregator {
	return &Aggregator{
		model:     model,
		messageID: claude.GenerateMessageID(),
		toolIndex: make(map[string]int),
		toolName:  make(map[string]string),
		toolInput: make(map[string]*strings.Builder),
	}
}

// AddParserEvent folds one parser Event into the aggregated response.
func (a *Aggregator) AddParserEvent(ev Event) {
	switch ev.Kind {
	case EventContent:
		if !a.textOpen {
			a.textIndex = a.nextIndex
			a.nextIndex++
			a.textOpen = true
		}
		a.textBuf.WriteString(ev.Text)
		a.outputChars += len(ev.Text)

	case EventToolUseStart:
		idx := a.nextIndex
		a.nextIndex++
		a.toolOrder = append(a.toolOrder, ev.ToolUseID)
		a.toolIndex[ev.ToolUseID] = idx
		a.toolName[ev.ToolUseID] = ev.Name
		buf := &strings.Builder{}
		if ev.Input != "" {
			buf.WriteString(ev.Input)
		}
		a.toolInput[ev.ToolUseID] = buf

	case EventToolUseInput:
		if buf, ok := a.toolInput[ev.ToolUseID]; ok {
			buf.WriteString(ev.Input)
		}

	case EventToolUseStop:
		// Nothing to finalize beyond what's already buffered; Build reads
		// the accumulated state directly.
	}
}

// Build assembles the final MessageResponse, applying the same token
// distribution and estimation rules the rest of the claude package uses.
func (a *Aggregator) Build(estimatedInputTokens int) *claude.MessageResponse {
	indexed := make([]claude.ContentBlock, a.nextIndex)
	filled := make([]bool, a.nextIndex)

	if a.textOpen {
		indexed[a.textIndex] = claude.ContentBlock{Type: "text", Text: a.textBuf.String()}
		filled[a.textIndex] = true
	}

	for _, id := range a.toolOrder {
		idx := a.toolIndex[id]
		raw := a.toolInput[id].String()
		input := json.RawMessage(raw)
		if len(raw) == 0 || !json.Valid(input) {
			input = json.RawMessage("{}")
		}
		indexed[idx] = claude.ContentBlock{
			Type:  "tool_use",
			ID:    id,
			Name:  a.toolName[id],
			Input: input,
		}
		filled[idx] = true
	}

	var content []claude.ContentBlock
	for i, block := range indexed {
		if filled[i] {
			content = append(content, block)
		}
	}

	outputTokens := claude.CountTextTokens(a.textBuf.String())
	distributed := claude.DistributeTokens(estimatedInputTokens)

	stopReason := "end_turn"
	if len(a.toolOrder) > 0 {
		stopReason = "tool_use"
	}

	return &claude.MessageResponse{
		ID:         a.messageID,
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      a.model,
		StopReason: stopReason,
		Usage: claude.Usage{
			InputTokens:              distributed.InputTokens,
			OutputTokens:             outputTokens,
			CacheCreationInputTokens: distributed.CacheCreationInputTokens,
			CacheReadInputTokens:     distributed.CacheReadInputTokens,
		},
	}
}
