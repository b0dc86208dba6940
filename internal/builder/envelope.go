// Package builder transforms a normalized Claude Messages request into the
// Kiro conversationState envelope the upstream generateAssistantResponse
// endpoint expects.
package builder

import "encoding/json"

// Envelope is the top-level Kiro request body.
type Envelope struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileARN        string            `json:"profileArn,omitempty"`
}

// ConversationState carries the conversation history and the in-flight turn.
type ConversationState struct {
	ChatTriggerType string        `json:"chatTriggerType"`
	ConversationID  string        `json:"conversationId"`
	History         []HistoryItem `json:"history,omitempty"`
	CurrentMessage  CurrentMessage `json:"currentMessage"`
}

// HistoryItem is a tagged union: exactly one of its two fields is set.
type HistoryItem struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// CurrentMessage always wraps a userInputMessage, per the current-message
// reshape rule.
type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

// UserInputMessage is one user turn, in history or as the current message.
type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId"`
	Origin                  string                   `json:"origin"`
	Images                  []ImagePayload           `json:"images,omitempty"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

// UserInputMessageContext carries tool results (per-turn) and tool
// definitions (attached once, on the current message).
type UserInputMessageContext struct {
	ToolResults []ToolResultPayload `json:"toolResults,omitempty"`
	Tools       []ToolSpec          `json:"tools,omitempty"`
}

// ToolResultPayload is one tool_result block folded into userInputMessageContext.
type ToolResultPayload struct {
	Content   []ToolResultContent `json:"content"`
	Status    string              `json:"status"`
	ToolUseID string              `json:"toolUseId"`
}

// ToolResultContent holds the text form of a tool's output.
type ToolResultContent struct {
	Text string `json:"text"`
}

// ImagePayload is an inlined image attachment.
type ImagePayload struct {
	Format string           `json:"format"`
	Source ImageBytesSource `json:"source"`
}

// ImageBytesSource carries base64 image bytes.
type ImageBytesSource struct {
	Bytes string `json:"bytes"`
}

// AssistantResponseMessage is one assistant turn in history.
type AssistantResponseMessage struct {
	Content  string           `json:"content"`
	ToolUses []ToolUsePayload `json:"toolUses,omitempty"`
}

// ToolUsePayload is one tool_use block folded into an assistant turn.
type ToolUsePayload struct {
	Input     json.RawMessage `json:"input"`
	Name      string          `json:"name"`
	ToolUseID string          `json:"toolUseId"`
}

// ToolSpec wraps one tool definition for userInputMessageContext.tools.
type ToolSpec struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

// ToolSpecification is the Kiro-shaped tool definition.
type ToolSpecification struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema InputSchemaJSON `json:"inputSchema"`
}

// InputSchemaJSON wraps a tool's JSON-Schema under a "json" key, matching
// the upstream's tool-definition shape.
type InputSchemaJSON struct {
	JSON json.RawMessage `json:"json"`
}
