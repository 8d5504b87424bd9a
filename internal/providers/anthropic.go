package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentrelay/internal/errs"
)

const (
	defaultClaudeModel  = "claude-sonnet-4-5-20250929"
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"

	// defaultContextWindow is assumed unless WithAnthropicContextWindow
	// overrides it.
	defaultContextWindow = 200000
)

// AnthropicAdapter is the primary provider adapter, talking to the Anthropic
// Messages API over streaming HTTP. It supports resume, mid-stream
// injection, and streaming tool use.
type AnthropicAdapter struct {
	apiKey        string
	baseURL       string
	defaultModel  string
	contextWindow int
	client        *http.Client

	mu       sync.Mutex
	active   map[string]*activeQuery // queryID → query
	sessions map[string]string       // sessionKey → providerSessionID
}

type activeQuery struct {
	input             QueryInput
	providerSessionID string
	cancel            context.CancelFunc
}

// AnthropicOption customizes the adapter.
type AnthropicOption func(*AnthropicAdapter)

// WithAnthropicModel overrides the default model.
func WithAnthropicModel(model string) AnthropicOption {
	return func(a *AnthropicAdapter) {
		if model != "" {
			a.defaultModel = model
		}
	}
}

// WithAnthropicBaseURL overrides the API base URL.
func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(a *AnthropicAdapter) {
		if baseURL != "" {
			a.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithAnthropicTimeout overrides the per-request HTTP timeout.
func WithAnthropicTimeout(d time.Duration) AnthropicOption {
	return func(a *AnthropicAdapter) {
		if d > 0 {
			a.client.Timeout = d
		}
	}
}

// WithAnthropicContextWindow overrides the assumed context window size.
func WithAnthropicContextWindow(tokens int) AnthropicOption {
	return func(a *AnthropicAdapter) {
		if tokens > 0 {
			a.contextWindow = tokens
		}
	}
}

// NewAnthropicAdapter creates the primary adapter.
func NewAnthropicAdapter(apiKey string, opts ...AnthropicOption) *AnthropicAdapter {
	a := &AnthropicAdapter{
		apiKey:        apiKey,
		baseURL:       anthropicAPIBase,
		defaultModel:  defaultClaudeModel,
		contextWindow: defaultContextWindow,
		client:        &http.Client{Timeout: 30 * time.Second},
		active:        make(map[string]*activeQuery),
		sessions:      make(map[string]string),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *AnthropicAdapter) ProviderID() string { return "anthropic" }

func (a *AnthropicAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsResume:             true,
		SupportsMidStreamInjection: true,
		SupportsToolStreaming:      true,
	}
}

// StartQuery registers an active query. The provider session id is taken
// from the input resume token, then the adapter's session table, then a
// fresh id.
func (a *AnthropicAdapter) StartQuery(_ context.Context, input QueryInput) (QueryHandle, error) {
	if a.apiKey == "" {
		return QueryHandle{}, errs.NewProvider(a.ProviderID(), errs.Auth, "anthropic: missing api key")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	sessionID := input.ProviderSessionID
	if sessionID == "" {
		sessionID = a.sessions[input.SessionKey]
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	handle := QueryHandle{QueryID: uuid.NewString(), ProviderSessionID: sessionID}
	a.active[handle.QueryID] = &activeQuery{input: input, providerSessionID: sessionID}
	return handle, nil
}

// AbortQuery cancels the query's in-flight stream. Unknown handles and
// repeated calls are no-ops.
func (a *AnthropicAdapter) AbortQuery(handle QueryHandle) {
	a.mu.Lock()
	q := a.active[handle.QueryID]
	a.mu.Unlock()

	if q != nil && q.cancel != nil {
		q.cancel()
	}
}

// ResumeSession re-attaches to a known provider session for the session key.
func (a *AnthropicAdapter) ResumeSession(_ context.Context, input QueryInput) (ResumeResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id, ok := a.sessions[input.SessionKey]; ok {
		return ResumeResult{ProviderSessionID: id, Resumed: true}, nil
	}
	if input.ProviderSessionID != "" {
		a.sessions[input.SessionKey] = input.ProviderSessionID
		return ResumeResult{ProviderSessionID: input.ProviderSessionID, Resumed: true}, nil
	}
	id := uuid.NewString()
	a.sessions[input.SessionKey] = id
	return ResumeResult{ProviderSessionID: id, Resumed: false}, nil
}

func (a *AnthropicAdapter) release(queryID string) {
	a.mu.Lock()
	delete(a.active, queryID)
	a.mu.Unlock()
}

func (a *AnthropicAdapter) buildRequestBody(q *activeQuery) map[string]interface{} {
	model := q.input.Model
	if model == "" {
		model = a.defaultModel
	}

	body := map[string]interface{}{
		"model":      model,
		"max_tokens": 8192,
		"stream":     true,
		"messages": []map[string]interface{}{
			{"role": "user", "content": q.input.Prompt},
		},
		"metadata": map[string]interface{}{
			"user_id": q.providerSessionID,
		},
	}
	if q.input.System != "" {
		body["system"] = q.input.System
	}
	return body
}

func (a *AnthropicAdapter) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &errs.HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("anthropic: %s", string(respBody)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return resp.Body, nil
}

// parseRetryAfter parses a Retry-After header value (seconds or HTTP-date).
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
