package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nextlevelbuilder/agentrelay/internal/errs"
)

const happySSE = `event: message_start
data: {"message":{"id":"msg_1","usage":{"input_tokens":12,"cache_read_input_tokens":3}}}

event: content_block_start
data: {"content_block":{"type":"text"}}

event: content_block_delta
data: {"delta":{"type":"text_delta","text":"Hello"}}

event: content_block_delta
data: {"delta":{"type":"text_delta","text":" world"}}

event: content_block_stop
data: {}

event: content_block_start
data: {"content_block":{"type":"tool_use","id":"tu_1","name":"get_weather"}}

event: content_block_delta
data: {"delta":{"type":"input_json_delta","partial_json":"{\"city\":\"Hanoi\"}"}}

event: content_block_stop
data: {}

event: message_delta
data: {"delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":42}}

event: message_stop
data: {}

`

func newSSEAdapter(t *testing.T, handler http.HandlerFunc) *AnthropicAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAnthropicAdapter("test-key", WithAnthropicBaseURL(srv.URL))
}

func TestAnthropicStream_EventTranslation(t *testing.T) {
	a := newSSEAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(happySSE))
	})

	handle, err := a.StartQuery(context.Background(), QueryInput{SessionKey: "default:100:22", Prompt: "hi"})
	if err != nil {
		t.Fatalf("StartQuery() error = %v", err)
	}

	var events []Event
	if err := a.StreamEvents(context.Background(), handle, func(ev Event) error {
		events = append(events, ev)
		return nil
	}); err != nil {
		t.Fatalf("StreamEvents() error = %v", err)
	}

	// session, usage(in), text, text, tool start, tool delta, tool finish,
	// usage(out), context, done
	var (
		texts      []string
		toolPhases []ToolPhase
		usages     []UsageEvent
		dones      []DoneEvent
		sessions   int
	)
	for _, ev := range events {
		switch e := ev.(type) {
		case SessionEvent:
			sessions++
			if e.ProviderSessionID == "" {
				t.Error("empty provider session id")
			}
		case TextEvent:
			texts = append(texts, e.Delta)
		case ToolEvent:
			toolPhases = append(toolPhases, e.Phase)
			if e.Name != "get_weather" {
				t.Errorf("tool name = %q", e.Name)
			}
		case UsageEvent:
			usages = append(usages, e)
		case DoneEvent:
			dones = append(dones, e)
		}
	}

	if sessions != 1 {
		t.Errorf("session events = %d, want 1", sessions)
	}
	if len(texts) != 2 || texts[0] != "Hello" || texts[1] != " world" {
		t.Errorf("texts = %v", texts)
	}
	if len(toolPhases) != 3 || toolPhases[0] != ToolStart || toolPhases[2] != ToolFinish {
		t.Errorf("tool phases = %v", toolPhases)
	}
	if len(usages) != 2 {
		t.Fatalf("usage events = %d, want 2", len(usages))
	}
	if usages[0].InputTokens != 12 || usages[0].CacheReadInputTokens != 3 {
		t.Errorf("input usage = %+v", usages[0])
	}
	if usages[1].OutputTokens != 42 {
		t.Errorf("output usage = %+v", usages[1])
	}
	if len(dones) != 1 || dones[0].Reason != DoneCompleted {
		t.Errorf("dones = %+v, want exactly one completed", dones)
	}
	if events[len(events)-1].Meta().QueryID != handle.QueryID {
		t.Error("done event is not last or carries wrong query id")
	}
}

func TestAnthropicStream_RateLimitEmitsEventsThenError(t *testing.T) {
	a := newSSEAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		http.Error(w, `{"error":{"type":"rate_limit_error"}}`, http.StatusTooManyRequests)
	})

	handle, err := a.StartQuery(context.Background(), QueryInput{SessionKey: "k", Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	var events []Event
	streamErr := a.StreamEvents(context.Background(), handle, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	if errs.CodeOf(streamErr) != errs.RateLimit {
		t.Fatalf("error = %v, want RATE_LIMIT", streamErr)
	}

	if len(events) != 2 {
		t.Fatalf("events = %d, want rate_limit + done", len(events))
	}
	rl, ok := events[0].(RateLimitEvent)
	if !ok {
		t.Fatalf("event 0 = %T, want RateLimitEvent", events[0])
	}
	if rl.StatusCode != 429 || rl.RetryAfterMs != 2000 {
		t.Errorf("rate limit event = %+v", rl)
	}
	done, ok := events[1].(DoneEvent)
	if !ok || done.Reason != DoneFailed {
		t.Errorf("event 1 = %#v, want done/failed", events[1])
	}
}

func TestAnthropicStream_AuthFailureNoRateLimitEvent(t *testing.T) {
	a := newSSEAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})

	handle, _ := a.StartQuery(context.Background(), QueryInput{SessionKey: "k", Prompt: "hi"})
	var events []Event
	streamErr := a.StreamEvents(context.Background(), handle, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	if errs.CodeOf(streamErr) != errs.Auth {
		t.Fatalf("error = %v, want AUTH", streamErr)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want done only", len(events))
	}
	if done, ok := events[0].(DoneEvent); !ok || done.Reason != DoneFailed {
		t.Errorf("event = %#v, want done/failed", events[0])
	}
}

func TestAnthropicAdapter_ResumeSession(t *testing.T) {
	a := NewAnthropicAdapter("test-key")

	first, err := a.ResumeSession(context.Background(), QueryInput{SessionKey: "default:1:main"})
	if err != nil {
		t.Fatal(err)
	}
	if first.Resumed {
		t.Error("fresh session reported as resumed")
	}

	second, err := a.ResumeSession(context.Background(), QueryInput{SessionKey: "default:1:main"})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Resumed || second.ProviderSessionID != first.ProviderSessionID {
		t.Errorf("resume = %+v, want same session id resumed", second)
	}
}

func TestAnthropicAdapter_MissingKey(t *testing.T) {
	a := NewAnthropicAdapter("")
	_, err := a.StartQuery(context.Background(), QueryInput{Prompt: "x"})
	if errs.CodeOf(err) != errs.Auth {
		t.Fatalf("error = %v, want AUTH", err)
	}
}

func TestAnthropicAdapter_UnknownHandle(t *testing.T) {
	a := NewAnthropicAdapter("test-key")
	err := a.StreamEvents(context.Background(), QueryHandle{QueryID: "nope"}, func(Event) error { return nil })
	if errs.CodeOf(err) != errs.Internal {
		t.Fatalf("error = %v, want INTERNAL", err)
	}
	// Aborting an unknown handle is a no-op.
	a.AbortQuery(QueryHandle{QueryID: "nope"})
}
