package providers

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentrelay/internal/errs"
)

// EchoAdapter is the fallback adapter. It echoes the prompt back as a single
// text event with a synthetic usage estimate, which keeps the pipeline
// observable when the primary provider is rate limited or unavailable.
type EchoAdapter struct {
	providerID string
	enabled    bool

	mu     sync.Mutex
	active map[string]QueryInput
}

// NewEchoAdapter creates the fallback adapter. The conventional provider id
// is "codex".
func NewEchoAdapter(providerID string, enabled bool) *EchoAdapter {
	if providerID == "" {
		providerID = "codex"
	}
	return &EchoAdapter{
		providerID: providerID,
		enabled:    enabled,
		active:     make(map[string]QueryInput),
	}
}

func (e *EchoAdapter) ProviderID() string { return e.providerID }

func (e *EchoAdapter) Capabilities() Capabilities {
	return Capabilities{}
}

func (e *EchoAdapter) StartQuery(_ context.Context, input QueryInput) (QueryHandle, error) {
	if !e.enabled {
		return QueryHandle{}, errs.NewProvider(e.providerID, errs.InvalidRequest, "echo provider disabled")
	}

	handle := QueryHandle{QueryID: uuid.NewString()}
	e.mu.Lock()
	e.active[handle.QueryID] = input
	e.mu.Unlock()
	return handle, nil
}

func (e *EchoAdapter) StreamEvents(_ context.Context, handle QueryHandle, onEvent OnEvent) error {
	e.mu.Lock()
	input, ok := e.active[handle.QueryID]
	e.mu.Unlock()
	if !ok {
		return errs.NewProvider(e.providerID, errs.Internal, "echo: unknown query handle "+handle.QueryID)
	}
	defer func() {
		e.mu.Lock()
		delete(e.active, handle.QueryID)
		e.mu.Unlock()
	}()

	meta := func() EventMeta {
		return EventMeta{ProviderID: e.providerID, QueryID: handle.QueryID, Timestamp: time.Now()}
	}

	if err := onEvent(TextEvent{EventMeta: meta(), Delta: input.Prompt}); err != nil {
		return err
	}

	tokens := syntheticTokens(input.Prompt)
	if tokens > 0 {
		if err := onEvent(UsageEvent{EventMeta: meta(), InputTokens: tokens, OutputTokens: tokens}); err != nil {
			return err
		}
	}

	return onEvent(DoneEvent{EventMeta: meta(), Reason: DoneCompleted})
}

func (e *EchoAdapter) AbortQuery(handle QueryHandle) {
	e.mu.Lock()
	delete(e.active, handle.QueryID)
	e.mu.Unlock()
}

func (e *EchoAdapter) ResumeSession(_ context.Context, _ QueryInput) (ResumeResult, error) {
	return ResumeResult{}, nil
}

// syntheticTokens estimates token count as ceil(words * 1.4).
func syntheticTokens(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return int(math.Ceil(float64(words) * 1.4))
}
