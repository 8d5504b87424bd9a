// Package providers holds the provider adapter contract, the registry, and
// the normalized event taxonomy every adapter translates its native stream
// into. Consumers never see provider-specific wire events.
package providers

import (
	"context"
	"time"
)

// Capabilities describes what an adapter supports.
type Capabilities struct {
	SupportsResume             bool
	SupportsMidStreamInjection bool
	SupportsToolStreaming      bool
}

// QueryInput is the input for StartQuery/ResumeSession.
type QueryInput struct {
	SessionKey        string
	Prompt            string
	System            string
	ProviderSessionID string // resume token, empty for a fresh session
	Model             string
}

// QueryHandle identifies an active query.
type QueryHandle struct {
	QueryID           string
	ProviderSessionID string
}

// ResumeResult reports the outcome of a resume attempt.
type ResumeResult struct {
	ProviderSessionID string
	Resumed           bool
}

// EventMeta is carried by every normalized event.
type EventMeta struct {
	ProviderID string    `json:"provider_id"`
	QueryID    string    `json:"query_id"`
	Timestamp  time.Time `json:"timestamp"`
}

func (m EventMeta) Meta() EventMeta { return m }

// Event is the tagged union of normalized provider events. The variants
// below are the only implementations.
type Event interface {
	Meta() EventMeta
	providerEvent()
}

// SessionEvent announces the provider-side session id.
type SessionEvent struct {
	EventMeta
	ProviderSessionID string `json:"provider_session_id"`
}

// TextEvent carries an incremental text delta.
type TextEvent struct {
	EventMeta
	Delta string `json:"delta"`
}

// ToolPhase is the lifecycle phase of a streamed tool use.
type ToolPhase string

const (
	ToolStart  ToolPhase = "start"
	ToolDelta  ToolPhase = "delta"
	ToolFinish ToolPhase = "finish"
)

// ToolEvent reports streamed tool use.
type ToolEvent struct {
	EventMeta
	Name    string    `json:"name"`
	Phase   ToolPhase `json:"phase"`
	Payload string    `json:"payload,omitempty"`
}

// UsageEvent reports token consumption. Usage events are additive.
type UsageEvent struct {
	EventMeta
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// ContextEvent reports context window consumption.
type ContextEvent struct {
	EventMeta
	UsedTokens int `json:"used_tokens"`
	MaxTokens  int `json:"max_tokens"`
}

// RateLimitEvent precedes a failed done event when the provider rejected the
// query for rate-limit reasons.
type RateLimitEvent struct {
	EventMeta
	RetryAfterMs int `json:"retry_after_ms,omitempty"`
	StatusCode   int `json:"status_code,omitempty"`
}

// DoneReason terminates an event stream.
type DoneReason string

const (
	DoneCompleted DoneReason = "completed"
	DoneAborted   DoneReason = "aborted"
	DoneFailed    DoneReason = "failed"
)

// DoneEvent is the single terminal event of every query stream.
type DoneEvent struct {
	EventMeta
	Reason       DoneReason `json:"reason"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

func (SessionEvent) providerEvent()   {}
func (TextEvent) providerEvent()      {}
func (ToolEvent) providerEvent()      {}
func (UsageEvent) providerEvent()     {}
func (ContextEvent) providerEvent()   {}
func (RateLimitEvent) providerEvent() {}
func (DoneEvent) providerEvent()      {}

// OnEvent receives normalized events in emission order. Delivery is awaited
// per query, so a slow consumer backpressures the stream.
type OnEvent func(Event) error

// Adapter is the contract every provider implementation satisfies.
type Adapter interface {
	// ProviderID returns the stable provider identifier.
	ProviderID() string

	// Capabilities reports what this adapter supports.
	Capabilities() Capabilities

	// StartQuery registers an active query and returns its handle.
	StartQuery(ctx context.Context, input QueryInput) (QueryHandle, error)

	// StreamEvents runs the query and emits the normalized event stream.
	// Exactly one DoneEvent terminates the stream. On failure the adapter
	// emits RateLimitEvent (when applicable) and DoneEvent{failed} before
	// returning the normalized error.
	StreamEvents(ctx context.Context, handle QueryHandle, onEvent OnEvent) error

	// AbortQuery cancels an active query. Idempotent; unknown handles are
	// ignored.
	AbortQuery(handle QueryHandle)

	// ResumeSession re-attaches to a provider-side session if possible.
	ResumeSession(ctx context.Context, input QueryInput) (ResumeResult, error)
}
