package claude

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistributeTokens_BelowThreshold(t *testing.T) {
	tests := []struct {
		input    int
		expected TokenUsage
	}{
		{0, TokenUsage{InputTokens: 0}},
		{1, TokenUsage{InputTokens: 1}},
		{50, TokenUsage{InputTokens: 50}},
		{99, TokenUsage{InputTokens: 99}},
	}

	for _, tt := range tests {
		t.Run("", func(t *testing.T) {
			result := DistributeTokens(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestDistributeTokens_ExactRatio(t *testing.T) {
	result := DistributeTokens(1000)

	assert.Equal(t, 35, result.InputTokens)
	assert.Equal(t, 71, result.CacheCreationInputTokens)
	assert.Equal(t, 894, result.CacheReadInputTokens)

	total := result.InputTokens + result.CacheCreationInputTokens + result.CacheReadInputTokens
	assert.Equal(t, 1000, total)
}

func TestDistributeTokens_Ratios(t *testing.T) {
	tests := []struct {
		name        string
		input       int
		checkRatios bool
	}{
		{"100 tokens", 100, false},
		{"280 tokens (exact multiple)", 280, true},
		{"500 tokens", 500, true},
		{"1000 tokens", 1000, true},
		{"2800 tokens (100x ratio)", 2800, true},
		{"10000 tokens", 10000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := DistributeTokens(tt.input)

			total := result.InputTokens + result.CacheCreationInputTokens + result.CacheReadInputTokens
			assert.Equal(t, tt.input, total, "total should equal input")

			if tt.checkRatios && result.InputTokens > 0 {
				ratio := float64(result.CacheCreationInputTokens) / float64(result.InputTokens)
				assert.InDelta(t, 2.0, ratio, 0.5, "creation:input ratio should be ~2")

				ratio = float64(result.CacheReadInputTokens) / float64(result.InputTokens)
				assert.InDelta(t, 25.0, ratio, 3.0, "read:input ratio should be ~25")
			}
		})
	}
}

func TestDistributeTokens_ThresholdBoundary(t *testing.T) {
	result := DistributeTokens(100)

	assert.Equal(t, 3, result.InputTokens)
	assert.Equal(t, 7, result.CacheCreationInputTokens)
	assert.Equal(t, 90, result.CacheReadInputTokens)

	total := result.InputTokens + result.CacheCreationInputTokens + result.CacheReadInputTokens
	assert.Equal(t, 100, total)
}

func TestDistributeTokens_LargeNumbers(t *testing.T) {
	result := DistributeTokens(1000000)

	total := result.InputTokens + result.CacheCreationInputTokens + result.CacheReadInputTokens
	assert.Equal(t, 1000000, total)

	assert.Greater(t, result.InputTokens, 0)
	assert.Greater(t, result.CacheCreationInputTokens, 0)
	assert.Greater(t, result.CacheReadInputTokens, 0)
}

func TestCalculateInputTokensFromPercentage(t *testing.T) {
	tests := []struct {
		name         string
		percentage   float64
		outputTokens int
		expected     int
	}{
		{"zero percentage", 0, 100, 0},
		{"1% with 100 output", 1.0, 100, 1625},
		{"5% with 500 output", 5.0, 500, 8125},
		{"output exceeds total", 1.0, 5000, 0},
		{"10% with 0 output", 10.0, 0, 17250},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CalculateInputTokensFromPercentage(tt.percentage, tt.outputTokens)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestEstimateInputTokens(t *testing.T) {
	tests := []struct {
		name      string
		req       *MessageRequest
		minTokens int
		maxTokens int
	}{
		{
			name: "simple request",
			req: &MessageRequest{
				Messages: []Message{
					{Role: "user", Content: []byte(`"Hello, world!"`)},
				},
			},
			minTokens: 1,
			maxTokens: 15,
		},
		{
			name: "request with system prompt",
			req: &MessageRequest{
				System: []byte(`"You are a helpful assistant."`),
				Messages: []Message{
					{Role: "user", Content: []byte(`"Hello, world!"`)},
				},
			},
			minTokens: 10,
			maxTokens: 30,
		},
		{
			name: "request with thinking enabled",
			req: &MessageRequest{
				Thinking: &ThinkingConfig{Type: "enabled"},
				Messages: []Message{
					{Role: "user", Content: []byte(`"Hello"`)},
				},
			},
			minTokens: 50,
			maxTokens: 70,
		},
		{
			name: "empty request",
			req: &MessageRequest{
				Messages: []Message{},
			},
			minTokens: 0,
			maxTokens: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := EstimateInputTokens(tt.req)
			assert.GreaterOrEqual(t, result, tt.minTokens, "should be at least minTokens")
			assert.LessOrEqual(t, result, tt.maxTokens, "should be at most maxTokens")
		})
	}
}

func TestCountTextTokens(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected int
	}{
		{"empty string", "", 0},
		{"short text", "Hi", 1},
		{"medium text", "Hello, world!", 4},
		{"longer text", "This is a longer text that should have more tokens", 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CountTextTokens(tt.text)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLimitsConstants(t *testing.T) {
	assert.Equal(t, 200000, ContextWindowTokens)
	assert.Equal(t, 64000, MaxOutputTokens)
	assert.Equal(t, 32<<20, MaxKiroRequestBodyDefault)
}

func TestNewRequestTooLargeError(t *testing.T) {
	err := NewRequestTooLargeError("payload too big")

	assert.Equal(t, ErrorTypeInvalidRequest, err.Type)
	assert.Equal(t, "payload too big", err.Message)
	assert.Equal(t, http.StatusRequestEntityTooLarge, err.StatusCode)
	assert.Equal(t, 413, err.StatusCode)
}

func TestTokenEstimation_ExceedsContextWindow(t *testing.T) {
	largeText := `"` + strings.Repeat("x", 600000) + `"`
	req := &MessageRequest{
		MaxTokens: 8192,
		Messages: []Message{
			{Role: "user", Content: []byte(largeText)},
		},
	}

	estimated := EstimateInputTokens(req)
	available := ContextWindowTokens - req.MaxTokens

	assert.Greater(t, estimated, available, "large request should exceed available tokens")
}

func TestTokenEstimation_FitsContextWindow(t *testing.T) {
	req := &MessageRequest{
		MaxTokens: 8192,
		Messages: []Message{
			{Role: "user", Content: []byte(`"Hello, how are you?"`)},
		},
	}

	estimated := EstimateInputTokens(req)
	available := ContextWindowTokens - req.MaxTokens

	assert.LessOrEqual(t, estimated, available, "small request should fit within available tokens")
}

func TestTokenEstimation_MaxOutputTokensBoundary(t *testing.T) {
	req := &MessageRequest{
		MaxTokens: MaxOutputTokens,
		Messages: []Message{
			{Role: "user", Content: []byte(`"` + strings.Repeat("a", 400000) + `"`)},
		},
	}

	estimated := EstimateInputTokens(req)
	available := ContextWindowTokens - req.MaxTokens

	assert.LessOrEqual(t, estimated, available, "request at max_tokens boundary should fit")
}
