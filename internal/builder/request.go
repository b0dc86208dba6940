package builder

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/kiro-gateway/kiro-gateway/internal/claude"
)

// Options carries the per-request, non-message inputs to Build.
type Options struct {
	AuthMethod string // "social" or "builder-id"; decorates the envelope per step 9
	ProfileARN string
}

// sentinelText is the artifact a client-side prefill sometimes leaves as the
// trailing assistant message; the upstream rejects it outright.
const sentinelText = "{"

// Build transforms req into the Kiro conversationState envelope, following
// the history-isolation / sentinel-drop / adjacent-merge / system-injection /
// history-mapping / current-reshape / content-required / tools / auth /
// model-mapping pipeline.
func Build(req *claude.MessageRequest, opts Options) (*Envelope, error) {
	if len(req.Messages) == 0 {
		return nil, errEmptyMessages
	}

	// Step 1: history isolation.
	current := req.Messages[len(req.Messages)-1]
	history := append([]claude.Message(nil), req.Messages[:len(req.Messages)-1]...)

	// Step 2: trailing-assistant-sentinel drop.
	currentDropped := current.Role == "assistant" && isSentinelBlock(current)

	// Step 3: adjacent-role merge.
	history = mergeAdjacentRoles(history)

	// Step 4: system injection. If there is no prior turn at all (history is
	// empty and current was not dropped), the system text has nowhere to
	// land but the current message itself.
	system := req.GetSystemString()
	var historyItems []HistoryItem
	if system != "" {
		if len(history) == 0 && !currentDropped {
			current = prependSystemToMessage(current, system)
		} else if len(history) > 0 && history[0].Role == "user" {
			history[0] = prependSystemToMessage(history[0], system)
		} else {
			synthetic := claude.Message{Role: "user"}
			synthetic.Content, _ = json.Marshal(system)
			history = append([]claude.Message{synthetic}, history...)
		}
	}

	// Step 5: history entry mapping.
	for _, m := range history {
		item, err := mapHistoryMessage(m)
		if err != nil {
			return nil, err
		}
		historyItems = append(historyItems, item)
	}

	// Step 6: current-message reshape.
	var currentContent string
	var images []ImagePayload
	var toolResults []ToolResultPayload

	switch {
	case currentDropped:
		// Discarded outright; nothing moves into history for it.
	case current.Role == "assistant":
		text := extractText(blocksOf(current))
		if text == "" {
			text = "Continue"
		}
		historyItems = append(historyItems, HistoryItem{
			AssistantResponseMessage: &AssistantResponseMessage{Content: text},
		})
	default:
		currentContent, images, toolResults = extractUserParts(blocksOf(current))
		if len(historyItems) > 0 && historyItems[len(historyItems)-1].AssistantResponseMessage == nil {
			historyItems = append(historyItems, HistoryItem{
				AssistantResponseMessage: &AssistantResponseMessage{Content: "Continue"},
			})
		}
	}

	// Step 7: content-required rule.
	if currentContent == "" {
		if len(toolResults) > 0 {
			currentContent = "Tool results provided."
		} else {
			currentContent = "Continue"
		}
	}

	userMsg := UserInputMessage{
		Content: currentContent,
		ModelID: mapModelToKiro(req.Model),
		Origin:  "AI_EDITOR",
		Images:  images,
	}

	// Step 8: tools attachment.
	if len(toolResults) > 0 || len(req.Tools) > 0 {
		ctxBlock := &UserInputMessageContext{ToolResults: toolResults}
		for _, t := range req.Tools {
			ctxBlock.Tools = append(ctxBlock.Tools, ToolSpec{
				ToolSpecification: ToolSpecification{
					Name:        t.Name,
					Description: t.Description,
					InputSchema: InputSchemaJSON{JSON: t.InputSchema},
				},
			})
		}
		userMsg.UserInputMessageContext = ctxBlock
	}

	env := &Envelope{
		ConversationState: ConversationState{
			ChatTriggerType: "MANUAL",
			ConversationID:  uuid.New().String(),
			History:         historyItems,
			CurrentMessage:  CurrentMessage{UserInputMessage: userMsg},
		},
	}

	// Step 9: auth decoration. Only social accounts carry a profileArn; an
	// empty AuthMethod is treated as social, as the auth manager does.
	if opts.ProfileARN != "" && (opts.AuthMethod == "" || opts.AuthMethod == "social") {
		env.ProfileARN = opts.ProfileARN
	}

	return env, nil
}

func blocksOf(m claude.Message) []claude.ContentBlock {
	var blocks []claude.ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err == nil {
		return blocks
	}
	text := m.GetContentString()
	if text == "" {
		return nil
	}
	return []claude.ContentBlock{{Type: "text", Text: text}}
}

func isSentinelBlock(m claude.Message) bool {
	blocks := blocksOf(m)
	return len(blocks) > 0 && blocks[0].Type == "text" && blocks[0].Text == sentinelText
}

func prependSystemToMessage(m claude.Message, system string) claude.Message {
	blocks := blocksOf(m)
	if len(blocks) == 0 {
		blocks = []claude.ContentBlock{{Type: "text", Text: ""}}
	}
	merged := make([]claude.ContentBlock, len(blocks))
	copy(merged, blocks)
	merged[0] = claude.ContentBlock{Type: "text", Text: system + "\n\n" + merged[0].Text}
	data, _ := json.Marshal(merged)
	return claude.Message{Role: m.Role, Content: data}
}

func mergeAdjacentRoles(messages []claude.Message) []claude.Message {
	if len(messages) == 0 {
		return messages
	}
	merged := []claude.Message{messages[0]}
	for _, m := range messages[1:] {
		last := &merged[len(merged)-1]
		if m.Role == last.Role {
			lastBlocks := blocksOf(*last)
			curBlocks := blocksOf(m)
			combined := append(lastBlocks, curBlocks...)
			data, _ := json.Marshal(combined)
			last.Content = data
			continue
		}
		merged = append(merged, m)
	}
	return merged
}

func mapHistoryMessage(m claude.Message) (HistoryItem, error) {
	blocks := blocksOf(m)
	if m.Role == "assistant" {
		text := extractText(blocks)
		var toolUses []ToolUsePayload
		for _, b := range blocks {
			if b.Type != "tool_use" {
				continue
			}
			input := b.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			toolUses = append(toolUses, ToolUsePayload{
				Input:     input,
				Name:      b.Name,
				ToolUseID: b.ID,
			})
		}
		if text == "" && len(toolUses) == 0 {
			text = "Continue"
		}
		return HistoryItem{AssistantResponseMessage: &AssistantResponseMessage{
			Content:  text,
			ToolUses: toolUses,
		}}, nil
	}

	content, images, toolResults := extractUserParts(blocks)
	if content == "" {
		if len(toolResults) > 0 {
			content = "Tool results provided."
		} else {
			content = "Continue"
		}
	}
	userMsg := &UserInputMessage{
		Content: content,
		ModelID: "",
		Origin:  "AI_EDITOR",
		Images:  images,
	}
	if len(toolResults) > 0 {
		userMsg.UserInputMessageContext = &UserInputMessageContext{ToolResults: toolResults}
	}
	return HistoryItem{UserInputMessage: userMsg}, nil
}

func extractText(blocks []claude.ContentBlock) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

func extractUserParts(blocks []claude.ContentBlock) (content string, images []ImagePayload, toolResults []ToolResultPayload) {
	seen := make(map[string]bool)
	for _, block := range blocks {
		switch block.Type {
		case "text":
			content += block.Text
		case "image":
			if block.Source == nil {
				continue
			}
			images = append(images, ImagePayload{
				Format: imageFormat(block.Source.MediaType),
				Source: ImageBytesSource{Bytes: block.Source.Data},
			})
		case "tool_result":
			if seen[block.ToolUseID] {
				continue
			}
			seen[block.ToolUseID] = true
			status := "success"
			if block.IsError {
				status = "error"
			}
			toolResults = append(toolResults, ToolResultPayload{
				Content:   []ToolResultContent{{Text: extractToolResultText(block.Content)}},
				Status:    status,
				ToolUseID: block.ToolUseID,
			})
		}
	}
	return content, images, toolResults
}

func extractToolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []claude.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return extractText(blocks)
	}
	return string(raw)
}

func imageFormat(mediaType string) string {
	if idx := strings.LastIndex(mediaType, "/"); idx >= 0 {
		return mediaType[idx+1:]
	}
	return mediaType
}
