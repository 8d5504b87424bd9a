package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/errs"
)

// SSE event payload shapes for the Anthropic Messages API.
type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

type anthropicMessageStartEvent struct {
	Message struct {
		ID    string         `json:"id"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicContentBlockStartEvent struct {
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
}

type anthropicContentBlockDeltaEvent struct {
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type anthropicMessageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// StreamEvents runs the query over the streaming Messages API and emits the
// normalized event stream. Exactly one DoneEvent terminates the stream.
func (a *AnthropicAdapter) StreamEvents(ctx context.Context, handle QueryHandle, onEvent OnEvent) error {
	a.mu.Lock()
	q := a.active[handle.QueryID]
	a.mu.Unlock()
	if q == nil {
		return errs.NewProvider(a.ProviderID(), errs.Internal, "anthropic: unknown query handle "+handle.QueryID)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	q.cancel = cancel
	a.mu.Unlock()

	defer a.release(handle.QueryID)
	defer cancel()

	meta := func() EventMeta {
		return EventMeta{ProviderID: a.ProviderID(), QueryID: handle.QueryID, Timestamp: time.Now()}
	}

	streamed := false
	emit := func(ev Event) error {
		streamed = true
		return onEvent(ev)
	}

	fail := func(raw error) error {
		ne := errs.NormalizeProviderError(a.ProviderID(), raw)
		if ne.Code == errs.RateLimit {
			rl := RateLimitEvent{EventMeta: meta(), StatusCode: ne.StatusCode}
			var httpErr *errs.HTTPError
			if errors.As(raw, &httpErr) && httpErr.RetryAfter > 0 {
				rl.RetryAfterMs = int(httpErr.RetryAfter.Milliseconds())
			}
			if err := emit(rl); err != nil {
				return err
			}
		}
		if err := emit(DoneEvent{EventMeta: meta(), Reason: DoneFailed, ErrorMessage: ne.Message}); err != nil {
			return err
		}
		return ne
	}

	respBody, err := a.doRequest(streamCtx, a.buildRequestBody(q))
	if err != nil {
		return fail(err)
	}
	defer respBody.Close()

	if err := emit(SessionEvent{EventMeta: meta(), ProviderSessionID: q.providerSessionID}); err != nil {
		return err
	}

	var (
		totalInput   int
		totalOutput  int
		currentBlock string
		currentTool  string
	)

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var currentEvent string

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev anthropicMessageStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			u := ev.Message.Usage
			totalInput += u.InputTokens
			if u.InputTokens > 0 || u.OutputTokens > 0 || u.CacheCreationInputTokens > 0 || u.CacheReadInputTokens > 0 {
				if err := emit(UsageEvent{
					EventMeta:                meta(),
					InputTokens:              u.InputTokens,
					OutputTokens:             u.OutputTokens,
					CacheCreationInputTokens: u.CacheCreationInputTokens,
					CacheReadInputTokens:     u.CacheReadInputTokens,
				}); err != nil {
					return err
				}
			}

		case "content_block_start":
			var ev anthropicContentBlockStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			currentBlock = ev.ContentBlock.Type
			if currentBlock == "tool_use" {
				currentTool = strings.TrimSpace(ev.ContentBlock.Name)
				if err := emit(ToolEvent{EventMeta: meta(), Name: currentTool, Phase: ToolStart}); err != nil {
					return err
				}
			}

		case "content_block_delta":
			var ev anthropicContentBlockDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if err := emit(TextEvent{EventMeta: meta(), Delta: ev.Delta.Text}); err != nil {
					return err
				}
			case "input_json_delta":
				if currentTool != "" {
					if err := emit(ToolEvent{EventMeta: meta(), Name: currentTool, Phase: ToolDelta, Payload: ev.Delta.PartialJSON}); err != nil {
						return err
					}
				}
			}

		case "content_block_stop":
			if currentBlock == "tool_use" && currentTool != "" {
				if err := emit(ToolEvent{EventMeta: meta(), Name: currentTool, Phase: ToolFinish}); err != nil {
					return err
				}
			}
			currentBlock = ""
			currentTool = ""

		case "message_delta":
			var ev anthropicMessageDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			if ev.Usage.OutputTokens > 0 {
				totalOutput = ev.Usage.OutputTokens
				if err := emit(UsageEvent{EventMeta: meta(), OutputTokens: ev.Usage.OutputTokens}); err != nil {
					return err
				}
			}

		case "error":
			var ev anthropicErrorEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			return fail(fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message))

		case "message_stop":
			a.mu.Lock()
			a.sessions[q.input.SessionKey] = q.providerSessionID
			a.mu.Unlock()

			if err := emit(ContextEvent{EventMeta: meta(), UsedTokens: totalInput + totalOutput, MaxTokens: a.contextWindow}); err != nil {
				return err
			}
			return emit(DoneEvent{EventMeta: meta(), Reason: DoneCompleted})
		}
	}

	// The scanner stopped before message_stop: aborted stream or transport
	// failure mid-body.
	if streamCtx.Err() != nil {
		if streamed {
			if err := emit(DoneEvent{EventMeta: meta(), Reason: DoneAborted}); err != nil {
				return err
			}
		}
		return errs.NewProvider(a.ProviderID(), errs.Abort, "anthropic: query aborted")
	}
	if err := scanner.Err(); err != nil {
		return fail(fmt.Errorf("anthropic: network read failed: %w", err))
	}
	return fail(fmt.Errorf("anthropic: stream ended without message_stop"))
}
