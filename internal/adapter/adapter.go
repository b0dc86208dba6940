// Package adapter implements one Service Adapter per pooled account: it
// owns that account's OAuth lifecycle and upstream HTTP calls, translating
// Claude Messages requests into Kiro envelopes and Kiro's streamed payloads
// back into Claude content. It also watches the raw EventStream framing for
// exception frames that arrive after a response has already produced
// content, and treats those as benign trailer noise rather than a failure.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kiro-gateway/kiro-gateway/internal/auth"
	"github.com/kiro-gateway/kiro-gateway/internal/builder"
	"github.com/kiro-gateway/kiro-gateway/internal/claude"
	"github.com/kiro-gateway/kiro-gateway/internal/debug"
	"github.com/kiro-gateway/kiro-gateway/internal/kiro"
	"github.com/kiro-gateway/kiro-gateway/internal/pool"
	"github.com/kiro-gateway/kiro-gateway/internal/streamparser"
	"github.com/kiro-gateway/kiro-gateway/internal/toolcall"
)

// RetryConfig bounds the 429/5xx backoff loop.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryConfig matches spec's REQUEST_MAX_RETRIES/REQUEST_BASE_DELAY
// defaults.
var DefaultRetryConfig = RetryConfig{MaxRetries: 3, BaseDelay: time.Second}

// Adapter is the Service Adapter for one pooled account.
type Adapter struct {
	account     *pool.Account
	poolManager *pool.Manager
	authManager *auth.Manager
	httpClient  *kiro.Client
	retry       RetryConfig
	logger      *slog.Logger
}

// New creates a Service Adapter bound to account. poolManager is used to
// push refreshed OAuth tokens back into the shared pool once a refresh
// succeeds, since account is a point-in-time clone from Select.
func New(account *pool.Account, poolManager *pool.Manager, authManager *auth.Manager, httpClient *kiro.Client, retry RetryConfig, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		account:     account,
		poolManager: poolManager,
		authManager: authManager,
		httpClient:  httpClient,
		retry:       retry,
		logger:      logger,
	}
}

// refresh performs a token refresh and syncs the result back into the pool.
func (a *Adapter) refresh(ctx context.Context) error {
	if err := a.authManager.Refresh(ctx, a.account); err != nil {
		return err
	}
	a.poolManager.SyncCredentials(a.account)
	return nil
}

// ensureInitialized performs lazy init: if the account has no access token,
// attempt a refresh using its refresh token, else fail NotInitialized.
func (a *Adapter) ensureInitialized(ctx context.Context) error {
	if a.account.AccessToken != "" {
		return nil
	}
	if a.account.RefreshToken == "" {
		return auth.NewError(auth.ErrNotInitialized, "account "+a.account.UUID+" has no access or refresh token")
	}
	return a.refresh(ctx)
}

// RefreshIfNear delegates to the Auth Manager, called from the heartbeat.
func (a *Adapter) RefreshIfNear(ctx context.Context, thresholdMinutes int) error {
	if !auth.IsExpiryNear(a.account, thresholdMinutes) {
		return nil
	}
	return a.refresh(ctx)
}

// GenerateContent performs one non-streaming turn, returning a complete
// Claude Messages response. session may be nil; when set, the raw Kiro
// envelope and event-stream chunks are captured for later inspection.
func (a *Adapter) GenerateContent(ctx context.Context, req *claude.MessageRequest, session *debug.Session) (*claude.MessageResponse, error) {
	body, err := a.dispatch(ctx, req, session)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	agg := streamparser.NewAggregator(req.Model)
	parser := streamparser.New()
	watcher := newExceptionWatcher(session)
	defer watcher.release()
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			session.AppendKiroChunk(buf[:n])
			evs := parser.Feed(buf[:n])
			for _, ev := range evs {
				agg.AddParserEvent(ev)
			}
			if fatal := watcher.observe(buf[:n], len(evs) > 0); fatal != nil {
				return nil, fatal
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, claude.NewNetworkError(readErr.Error())
		}
	}
	resp := agg.Build(claude.EstimateInputTokens(req))
	recoverEmbeddedToolCalls(resp)
	return resp, nil
}

// recoverEmbeddedToolCalls scans the response's text content for
// `[Called name with args: {...}]` spans Kiro sometimes emits in place of
// a native tool_use block, replacing the text with the cleaned version and
// appending any recovered calls as tool_use blocks.
func recoverEmbeddedToolCalls(resp *claude.MessageResponse) {
	for i, block := range resp.Content {
		if block.Type != "text" {
			continue
		}
		cleaned, calls := toolcall.Recover(block.Text)
		if len(calls) == 0 {
			continue
		}
		resp.Content[i].Text = cleaned
		for _, call := range calls {
			resp.Content = append(resp.Content, claude.ContentBlock{
				Type:  "tool_use",
				ID:    call.ID,
				Name:  call.Name,
				Input: []byte(call.Arguments),
			})
		}
		resp.StopReason = "tool_use"
		return
	}
}

// StreamHandler receives parser block events as they arrive, in order.
type StreamHandler func(streamparser.BlockEvent)

// GenerateContentStream performs one streaming turn, invoking handler for
// every content-block event as it is parsed. session may be nil; when set,
// the raw Kiro event-stream chunks are captured alongside the translated
// Claude chunks the caller appends itself.
func (a *Adapter) GenerateContentStream(ctx context.Context, req *claude.MessageRequest, handler StreamHandler, session *debug.Session) error {
	body, err := a.dispatch(ctx, req, session)
	if err != nil {
		return err
	}
	defer body.Close()

	parser := streamparser.New()
	tracker := streamparser.NewBlockTracker()
	watcher := newExceptionWatcher(session)
	defer watcher.release()
	var textAccum strings.Builder
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			session.AppendKiroChunk(buf[:n])
			evs := parser.Feed(buf[:n])
			for _, ev := range evs {
				for _, block := range tracker.Apply(ev) {
					if block.Delta != nil && block.Delta.Delta.Type == "text_delta" {
						textAccum.WriteString(block.Delta.Delta.Text)
					}
					handler(block)
				}
			}
			if fatal := watcher.observe(buf[:n], len(evs) > 0); fatal != nil {
				return fatal
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return claude.NewNetworkError(readErr.Error())
		}
	}
	if closeEv := tracker.CloseText(); closeEv != nil {
		handler(*closeEv)
	}

	_, calls := toolcall.Recover(textAccum.String())
	for _, call := range calls {
		for _, block := range emitRecoveredToolUse(tracker.NextIndex(), call) {
			handler(block)
		}
	}
	return nil
}

// emitRecoveredToolUse synthesizes the content_block_start/delta/stop
// sequence for one tool call recovered from bracket text, at the given
// (already-unused) index.
func emitRecoveredToolUse(idx int, call toolcall.Call) []streamparser.BlockEvent {
	return []streamparser.BlockEvent{
		{Start: &claude.ContentBlockStartEvent{
			Type:  "content_block_start",
			Index: idx,
			ContentBlock: claude.ContentStart{
				Type: "tool_use",
				ID:   call.ID,
				Name: call.Name,
			},
		}},
		{Delta: &claude.ContentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: idx,
			Delta: claude.DeltaBlock{Type: "input_json_delta", PartialJSON: call.Arguments},
		}},
		{Stop: &claude.ContentBlockStopEvent{Type: "content_block_stop", Index: idx}},
	}
}

// exceptionWatcher decodes the raw AWS EventStream framing alongside
// streamparser's signature-scanning content parser, purely to catch
// exception frames the content parser has no notion of (it only recognizes
// a handful of JSON payload signatures, not message-type framing headers).
// An exception frame that arrives after the response has already produced
// content is a "ghost" exception: Kiro sometimes appends one as stream
// trailer noise after a clean, complete turn, and surfacing it as a
// request failure would needlessly fail an otherwise-successful response.
type exceptionWatcher struct {
	es         *kiro.EventStreamParser
	session    *debug.Session
	sawContent bool
}

func newExceptionWatcher(session *debug.Session) *exceptionWatcher {
	return &exceptionWatcher{es: kiro.GetEventStreamParser(), session: session}
}

func (w *exceptionWatcher) release() {
	kiro.ReleaseEventStreamParser(w.es)
}

// observe feeds chunk through the EventStream decoder, recording whether
// the content parser decoded anything from the same chunk. It returns a
// non-nil error only for an exception frame seen before any content, which
// the caller should treat as a fatal failure of the turn.
func (w *exceptionWatcher) observe(chunk []byte, hadContent bool) *claude.APIError {
	if hadContent {
		w.sawContent = true
	}

	msgs, _ := w.es.Parse(chunk) // malformed/non-framed bytes are not fatal; this is a best-effort layer
	for _, msg := range msgs {
		if !msg.IsException() {
			continue
		}
		w.session.SetExceptionPayload(msg.Payload)
		if w.sawContent {
			continue // ghost exception: trailing noise after a complete response
		}
		return claude.NewAPIErrorWithStatus(http.StatusBadGateway, string(msg.Payload))
	}
	return nil
}

// dispatch builds the envelope and performs the HTTP round trip, handling
// the 401-refresh-retry-once and 429/5xx-backoff retry policies.
func (a *Adapter) dispatch(ctx context.Context, req *claude.MessageRequest, session *debug.Session) (io.ReadCloser, error) {
	if err := a.ensureInitialized(ctx); err != nil {
		return nil, err
	}

	env, err := builder.Build(req, builder.Options{
		AuthMethod: a.account.AuthMethod,
		ProfileARN: a.account.ProfileARN,
	})
	if err != nil {
		return nil, claude.NewInvalidRequestError(err.Error())
	}
	bodyBytes, err := json.Marshal(env)
	if err != nil {
		return nil, claude.NewAPIError(fmt.Sprintf("marshal envelope: %v", err))
	}
	session.DumpKiroRequest(bodyBytes)

	triedRefresh := false
	delay := a.retry.BaseDelay

	for attempt := 0; ; attempt++ {
		kreq := &kiro.Request{
			Region:     a.account.Region,
			ProfileARN: a.account.ProfileARN,
			Token:      a.account.AccessToken,
			Body:       bodyBytes,
		}
		respBody, err := a.httpClient.SendStreamingRequest(ctx, kreq)
		if err == nil {
			return respBody, nil
		}

		apiErr, ok := err.(*kiro.APIError)
		if !ok {
			if ctx.Err() != nil {
				return nil, claude.NewTimeoutError(ctx.Err().Error())
			}
			return nil, claude.NewNetworkError(err.Error())
		}
		session.SetExceptionPayload(apiErr.Body)

		switch {
		case apiErr.StatusCode == http.StatusUnauthorized && !triedRefresh:
			triedRefresh = true
			if refreshErr := a.refresh(ctx); refreshErr != nil {
				return nil, claude.NewAuthenticationError(refreshErr.Error())
			}
			continue

		case (apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500) && attempt < a.retry.MaxRetries:
			a.logger.Warn("retrying after upstream failure",
				"account", a.account.UUID, "status", apiErr.StatusCode, "attempt", attempt+1)
			select {
			case <-ctx.Done():
				return nil, claude.NewTimeoutError(ctx.Err().Error())
			case <-time.After(delay):
			}
			delay *= 2
			continue

		default:
			return nil, claude.NewAPIErrorWithStatus(apiErr.StatusCode, string(apiErr.Body))
		}
	}
}

// GetUsage fetches the account's usage limits from the upstream.
func (a *Adapter) GetUsage(ctx context.Context) (*UsageInfo, error) {
	if err := a.ensureInitialized(ctx); err != nil {
		return nil, err
	}

	url := auth.UsageLimitsURL(a.account.Region)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.account.AccessToken)
	httpReq.Header.Set("Accept", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, claude.NewNetworkError(err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, claude.NewNetworkError(err.Error())
	}
	if resp.StatusCode >= 400 {
		return nil, claude.NewAPIErrorWithStatus(resp.StatusCode, string(respBody))
	}

	var usage UsageInfo
	if err := json.Unmarshal(respBody, &usage); err != nil {
		return nil, claude.NewAPIError("malformed usage response: " + err.Error())
	}
	return &usage, nil
}

// UsageInfo is the account's quota state, surfaced to an operator UI.
type UsageInfo struct {
	Used     int64  `json:"used"`
	Limit    int64  `json:"limit"`
	ResetsAt string `json:"resetsAt"`
}

// CountTokens returns a local character-based estimate of the request's
// input token count; per spec this is an acceptable estimate, not exact.
func (a *Adapter) CountTokens(req *claude.MessageRequest) int {
	return claude.EstimateInputTokens(req)
}
