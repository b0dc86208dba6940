// Package handler provides HTTP handlers for the Kiro gateway.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/kiro-gateway/kiro-gateway/internal/adapter"
	"github.com/kiro-gateway/kiro-gateway/internal/auth"
	"github.com/kiro-gateway/kiro-gateway/internal/claude"
	"github.com/kiro-gateway/kiro-gateway/internal/debug"
	"github.com/kiro-gateway/kiro-gateway/internal/kiro"
	"github.com/kiro-gateway/kiro-gateway/internal/pool"
	"github.com/kiro-gateway/kiro-gateway/internal/promptlog"
	"github.com/kiro-gateway/kiro-gateway/internal/streamparser"
	"github.com/kiro-gateway/kiro-gateway/internal/systemprompt"
)

// maxInboundBodyBytes bounds the request body the pipeline will parse,
// independent of the separate Kiro envelope size limit.
const maxInboundBodyBytes = 10 << 20

// maxFallbackChainLength bounds how many different accounts one client
// request will be retried against before surfacing "no healthy providers".
// The spec names no config variable for this, so it is fixed the same way
// the adapter's own retry loop is bounded by a constant default.
const maxFallbackChainLength = 3

// MessagesHandler handles POST /v1/messages requests.
type MessagesHandler struct {
	poolManager  *pool.Manager
	authManager  *auth.Manager
	kiroClient   *kiro.Client
	retry        adapter.RetryConfig
	logger       *slog.Logger
	promptLogger *promptlog.Logger
	dumper       *debug.Dumper

	systemPromptFilePath string
	systemPromptMode     systemprompt.Mode
}

// MessagesHandlerOptions configures the messages handler.
type MessagesHandlerOptions struct {
	PoolManager          *pool.Manager
	AuthManager          *auth.Manager
	KiroClient           *kiro.Client
	Retry                adapter.RetryConfig
	Logger               *slog.Logger
	PromptLogger         *promptlog.Logger
	Dumper               *debug.Dumper
	SystemPromptFilePath string
	SystemPromptMode     systemprompt.Mode
}

// NewMessagesHandler creates a MessagesHandler.
func NewMessagesHandler(opts MessagesHandlerOptions) *MessagesHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dumper := opts.Dumper
	if dumper == nil {
		dumper = debug.NewDumper()
	}
	return &MessagesHandler{
		poolManager:          opts.PoolManager,
		authManager:          opts.AuthManager,
		kiroClient:           opts.KiroClient,
		retry:                opts.Retry,
		logger:               logger,
		promptLogger:         opts.PromptLogger,
		dumper:               dumper,
		systemPromptFilePath: opts.SystemPromptFilePath,
		systemPromptMode:     opts.SystemPromptMode,
	}
}

// ServeHTTP implements POST /v1/messages.
func (h *MessagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := claude.GenerateMessageID()
	session := h.dumper.NewSession(requestID)
	session.SetRequestID(requestID)
	defer session.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBodyBytes+1))
	if err != nil {
		h.writeError(w, false, claude.NewInvalidRequestError("failed to read request body"))
		return
	}
	if len(body) > maxInboundBodyBytes {
		h.writeError(w, false, claude.NewRequestTooLargeError("request body exceeds the 10 MiB limit"))
		return
	}
	session.DumpRequest(body)

	var req claude.MessageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, false, claude.NewInvalidRequestError("malformed JSON body: "+err.Error()))
		return
	}
	if err := validateRequest(&req); err != nil {
		h.writeError(w, req.Stream, claude.NewInvalidRequestError(err.Error()))
		return
	}
	session.SetModel(req.Model)

	if err := systemprompt.Overlay(&req, h.systemPromptFilePath, h.systemPromptMode); err != nil {
		h.logger.Warn("system prompt overlay failed", "request_id", requestID, "error", err)
	}

	if req.Stream {
		h.serveStream(w, r.Context(), requestID, &req, session)
		return
	}
	h.serveUnary(w, r.Context(), requestID, &req, session)
}

// serveUnary handles stream=false, buffering the full response before
// writing a single JSON object. Fallback chain retries are safe here since
// nothing is written to the client until the final response is ready.
func (h *MessagesHandler) serveUnary(w http.ResponseWriter, ctx context.Context, requestID string, req *claude.MessageRequest, session *debug.Session) {
	excluded := make(map[string]bool)

	for attempt := 0; attempt < maxFallbackChainLength; attempt++ {
		account, selErr := h.poolManager.Select(pool.SelectOptions{
			Model:          req.Model,
			Excluded:       excluded,
			SkipUsageCount: attempt > 0,
		})
		if selErr != nil {
			session.Fail(selErr)
			h.writeError(w, false, claude.ErrNoHealthyAccounts)
			return
		}
		session.SetAccountUUID(account.UUID)
		session.AddTriedAccount(account.UUID)

		ad := adapter.New(account, h.poolManager, h.authManager, h.kiroClient, h.retry, h.logger)
		if h.promptLogger != nil {
			h.promptLogger.Log(requestID, account.UUID, req.Model, requestSummary(req))
		}

		resp, err := ad.GenerateContent(ctx, req, session)
		if err == nil {
			h.poolManager.MarkSuccess(account.UUID)
			w.Header().Set("Content-Type", "application/json")
			session.SetStatusCode(http.StatusOK)
			session.Success()
			_ = json.NewEncoder(w).Encode(resp)
			return
		}

		apiErr := h.markAccountOutcome(account.UUID, err)
		excluded[account.UUID] = true
		if apiErr.IsBadRequest() || attempt == maxFallbackChainLength-1 {
			session.SetErrorType(string(apiErr.Type))
			session.SetStatusCode(apiErr.StatusCode)
			session.Fail(err)
			h.writeError(w, false, apiErr)
			return
		}
		h.logger.Warn("unary request failed, falling back to another account",
			"request_id", requestID, "account", account.UUID, "error", err)
	}
}

// serveStream handles stream=true. The fallback chain applies only while
// dispatch has not yet emitted anything to the client (tracked via
// emittedAny); once bytes have gone out, a failure can only be surfaced as
// an SSE error frame, never retried.
func (h *MessagesHandler) serveStream(w http.ResponseWriter, ctx context.Context, requestID string, req *claude.MessageRequest, session *debug.Session) {
	sse := claude.NewSSEWriter(w)
	excluded := make(map[string]bool)

	for attempt := 0; attempt < maxFallbackChainLength; attempt++ {
		account, selErr := h.poolManager.Select(pool.SelectOptions{
			Model:          req.Model,
			Excluded:       excluded,
			SkipUsageCount: attempt > 0,
		})
		if selErr != nil {
			session.Fail(selErr)
			h.writeError(w, true, claude.ErrNoHealthyAccounts)
			return
		}
		session.SetAccountUUID(account.UUID)
		session.AddTriedAccount(account.UUID)

		ad := adapter.New(account, h.poolManager, h.authManager, h.kiroClient, h.retry, h.logger)
		if h.promptLogger != nil {
			h.promptLogger.Log(requestID, account.UUID, req.Model, requestSummary(req))
		}

		emittedAny, streamErr := h.runStream(sse, ctx, req, ad, session)
		if streamErr == nil {
			h.poolManager.MarkSuccess(account.UUID)
			session.Success()
			return
		}

		apiErr := h.markAccountOutcome(account.UUID, streamErr)
		if emittedAny {
			// Too late to fall back; tell the client and stop.
			session.SetErrorType(string(apiErr.Type))
			session.Fail(streamErr)
			_ = sse.WriteError(apiErr)
			return
		}

		excluded[account.UUID] = true
		if apiErr.IsBadRequest() || attempt == maxFallbackChainLength-1 {
			session.SetErrorType(string(apiErr.Type))
			session.Fail(streamErr)
			h.writeError(w, true, apiErr)
			return
		}
		h.logger.Warn("stream dispatch failed before any output, falling back",
			"request_id", requestID, "account", account.UUID, "error", streamErr)
	}
}

// runStream drives one account's GenerateContentStream call, writing
// message_start lazily on the first emitted block (so a pre-dispatch
// failure never touches the response writer) and message_delta/
// message_stop at clean EOF. It reports whether anything was written to
// the client, which governs whether the caller may still fall back.
func (h *MessagesHandler) runStream(sse *claude.SSEWriter, ctx context.Context, req *claude.MessageRequest, ad *adapter.Adapter, session *debug.Session) (bool, error) {
	var once sync.Once
	var emittedAny bool
	messageID := claude.GenerateMessageID()
	inputTokens := claude.EstimateInputTokens(req)
	toolUseSeen := false
	outputChars := 0

	handler := func(block streamparser.BlockEvent) {
		once.Do(func() {
			sse.WriteHeaders()
			_ = sse.WriteMessageStart(messageID, req.Model, inputTokens)
		})
		emittedAny = true

		switch {
		case block.Start != nil:
			if block.Start.ContentBlock.Type == "tool_use" {
				toolUseSeen = true
			}
			_ = sse.WriteEvent("content_block_start", block.Start)
			session.AppendClaudeChunk("content_block_start", block.Start)
		case block.Delta != nil:
			if block.Delta.Delta.Type == "text_delta" {
				outputChars += len(block.Delta.Delta.Text)
			}
			_ = sse.WriteEvent("content_block_delta", block.Delta)
			session.AppendClaudeChunk("content_block_delta", block.Delta)
		case block.Stop != nil:
			_ = sse.WriteEvent("content_block_stop", block.Stop)
			session.AppendClaudeChunk("content_block_stop", block.Stop)
		}
	}

	if err := ad.GenerateContentStream(ctx, req, handler, session); err != nil {
		return emittedAny, err
	}

	stopReason := "end_turn"
	if toolUseSeen {
		stopReason = "tool_use"
	}
	_ = sse.WriteMessageDelta(stopReason, outputChars/claude.CharsPerToken)
	_ = sse.WriteMessageStop()
	return true, nil
}

// markAccountOutcome classifies err per the error-handling table and
// applies the matching pool health update, returning the normalized
// *claude.APIError to surface to the client.
func (h *MessagesHandler) markAccountOutcome(accountUUID string, err error) *claude.APIError {
	var apiErr *claude.APIError
	if !errors.As(err, &apiErr) {
		apiErr = claude.NewAPIError(err.Error())
	}

	switch {
	case apiErr.Type == claude.ErrorTypeAuthentication:
		h.poolManager.MarkUnhealthyImmediate(accountUUID, apiErr.Message)
	case apiErr.IsBadRequest():
		// Never marks unhealthy.
	default:
		h.poolManager.MarkError(accountUUID, apiErr.Message)
	}
	return apiErr
}

// writeError writes a Claude-shaped error, as a single SSE frame if stream
// is true, otherwise as a JSON body.
func (h *MessagesHandler) writeError(w http.ResponseWriter, stream bool, apiErr *claude.APIError) {
	if stream {
		sse := claude.NewSSEWriter(w)
		sse.WriteHeaders()
		_ = sse.WriteError(apiErr)
		return
	}
	apiErr.WriteError(w)
}

// validateRequest applies the pipeline's minimal validation: model
// present, at least one message, and every role recognized.
func validateRequest(req *claude.MessageRequest) error {
	if req.Model == "" {
		return errModelRequired
	}
	if len(req.Messages) == 0 {
		return errMessagesRequired
	}
	for _, m := range req.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return errInvalidRole
		}
	}
	return nil
}

var (
	errModelRequired    = errors.New("model is required")
	errMessagesRequired = errors.New("messages must be a non-empty array")
	errInvalidRole      = errors.New(`message role must be "user" or "assistant"`)
)

// requestSummary renders a compact view of the request for prompt logging:
// the system prompt plus the text of the final user message.
func requestSummary(req *claude.MessageRequest) string {
	var last string
	for _, m := range req.Messages {
		if m.Role == "user" {
			last = m.GetContentString()
		}
	}
	system := req.GetSystemString()
	if system == "" {
		return last
	}
	return "[system] " + system + "\n[user] " + last
}
