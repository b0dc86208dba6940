package streamparser

import "github.com/kiro-gateway/kiro-gateway/internal/claude"

// BlockEvent is a content-block-shaped event the caller turns directly into
// an SSE frame via claude.SSEWriter.
type BlockEvent struct {
	Start *claude.ContentBlockStartEvent
	Delta *claude.ContentBlockDeltaEvent
	Stop  *claude.ContentBlockStopEvent
}

// BlockTracker assigns Claude content_block indices to parser Events: the
// first text delta and each tool call open the next available index, in
// arrival order, so text opens index 0 when it arrives before any tool use.
type BlockTracker struct {
	nextIndex     int
	textIndex     int
	textOpen      bool
	toolIndexByID map[string]int
}

// NewBlockTracker creates an empty tracker for one response.
func NewBlockTracker() *BlockTracker {
	return &BlockTracker{toolIndexByID: make(map[string]int)}
}

// Apply converts one parser Event into zero or more ordered BlockEvents.
func (t *BlockTracker) Apply(ev Event) []BlockEvent {
	switch ev.Kind {
	case EventContent:
		var out []BlockEvent
		if !t.textOpen {
			t.textIndex = t.nextIndex
			t.nextIndex++
			t.textOpen = true
			out = append(out, BlockEvent{Start: &claude.ContentBlockStartEvent{
				Type:  "content_block_start",
				Index: t.textIndex,
				ContentBlock: claude.ContentStart{Type: "text"},
			}})
		}
		out = append(out, BlockEvent{Delta: &claude.ContentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: t.textIndex,
			Delta: claude.DeltaBlock{Type: "text_delta", Text: ev.Text},
		}})
		return out

	case EventToolUseStart:
		idx := t.nextIndex
		t.nextIndex++
		t.toolIndexByID[ev.ToolUseID] = idx
		return []BlockEvent{{Start: &claude.ContentBlockStartEvent{
			Type:  "content_block_start",
			Index: idx,
			ContentBlock: claude.ContentStart{
				Type:  "tool_use",
				ID:    ev.ToolUseID,
				Name:  ev.Name,
				Input: map[string]interface{}{},
			},
		}}}

	case EventToolUseInput:
		idx, ok := t.toolIndexByID[ev.ToolUseID]
		if !ok {
			return nil
		}
		return []BlockEvent{{Delta: &claude.ContentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: idx,
			Delta: claude.DeltaBlock{Type: "input_json_delta", PartialJSON: ev.Input},
		}}}

	case EventToolUseStop:
		idx, ok := t.toolIndexByID[ev.ToolUseID]
		if !ok {
			return nil
		}
		return []BlockEvent{{Stop: &claude.ContentBlockStopEvent{
			Type:  "content_block_stop",
			Index: idx,
		}}}
	}
	return nil
}

// NextIndex returns the next unused content-block index, for callers that
// append synthetic blocks (such as recovered tool calls) after the stream
// itself has ended.
func (t *BlockTracker) NextIndex() int {
	return t.nextIndex
}

// CloseText emits a content_block_stop for the open text block, if any. The
// caller invokes this once at end of stream, before message_delta/message_stop.
func (t *BlockTracker) CloseText() *BlockEvent {
	if !t.textOpen {
		return nil
	}
	t.textOpen = false
	return &BlockEvent{Stop: &claude.ContentBlockStopEvent{Type: "content_block_stop", Index: t.textIndex}}
}
