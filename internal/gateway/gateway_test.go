package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/bus"
	"github.com/nextlevelbuilder/agentrelay/internal/errs"
	"github.com/nextlevelbuilder/agentrelay/internal/identity"
	"github.com/nextlevelbuilder/agentrelay/internal/orchestrator"
	"github.com/nextlevelbuilder/agentrelay/internal/outbound"
	"github.com/nextlevelbuilder/agentrelay/internal/providers"
	"github.com/nextlevelbuilder/agentrelay/internal/scheduler"
	"github.com/nextlevelbuilder/agentrelay/internal/sessions"
)

// scriptedAdapter emits a fixed event script, or fails.
type scriptedAdapter struct {
	id      string
	fail    error
	deltas  []string
	usageIn int
}

func (s *scriptedAdapter) ProviderID() string { return s.id }

func (s *scriptedAdapter) Capabilities() providers.Capabilities { return providers.Capabilities{} }

func (s *scriptedAdapter) StartQuery(_ context.Context, _ providers.QueryInput) (providers.QueryHandle, error) {
	return providers.QueryHandle{QueryID: "q-" + s.id}, nil
}

func (s *scriptedAdapter) StreamEvents(_ context.Context, h providers.QueryHandle, onEvent providers.OnEvent) error {
	if s.fail != nil {
		return s.fail
	}
	meta := providers.EventMeta{ProviderID: s.id, QueryID: h.QueryID, Timestamp: time.Now()}
	for _, d := range s.deltas {
		if err := onEvent(providers.TextEvent{EventMeta: meta, Delta: d}); err != nil {
			return err
		}
	}
	if s.usageIn > 0 {
		if err := onEvent(providers.UsageEvent{EventMeta: meta, InputTokens: s.usageIn, OutputTokens: s.usageIn}); err != nil {
			return err
		}
	}
	return onEvent(providers.DoneEvent{EventMeta: meta, Reason: providers.DoneCompleted})
}

func (s *scriptedAdapter) AbortQuery(providers.QueryHandle) {}

func (s *scriptedAdapter) ResumeSession(_ context.Context, _ providers.QueryInput) (providers.ResumeResult, error) {
	return providers.ResumeResult{}, nil
}

// captureDeliverer records payloads as the dispatcher hands them over
// (unnormalized): text payloads by text, status payloads by status.
type captureDeliverer struct {
	texts    []string
	statuses []bus.Status
}

func (c *captureDeliverer) DeliverOutbound(_ context.Context, p bus.OutboundPayload) (bus.DeliveryReceipt, error) {
	switch v := p.(type) {
	case bus.TextPayload:
		c.texts = append(c.texts, v.Text)
	case bus.StatusPayload:
		c.statuses = append(c.statuses, v.Status)
	}
	return bus.DeliveryReceipt{MessageID: "77", DeliveredAt: time.Now()}, nil
}

func newTestGateway(t *testing.T, primary, fallback providers.Adapter) (*Gateway, *sessions.Manager) {
	t.Helper()
	reg := providers.NewRegistry()
	reg.Register(primary)
	fallbackID := ""
	if fallback != nil {
		reg.Register(fallback)
		fallbackID = fallback.ProviderID()
	}
	orch := orchestrator.New(reg, orchestrator.WithSleep(func(time.Duration) {}))
	mgr := sessions.NewManager("")
	t.Cleanup(mgr.Stop)
	return New(mgr, orch, nil, primary.ProviderID(), fallbackID), mgr
}

func envelope(t *testing.T, text string, ts int64) bus.InboundEnvelope {
	t.Helper()
	id, err := identity.New("default", "100", "22")
	if err != nil {
		t.Fatal(err)
	}
	return bus.InboundEnvelope{
		Identity: bus.MessageIdentity{Identity: id, UserID: "1", MessageID: "5", Timestamp: ts},
		Text:     text,
	}
}

func TestHandleInbound_FallbackDeliversThroughOutbound(t *testing.T) {
	primary := &scriptedAdapter{id: "anthropic", fail: &errs.HTTPError{Status: 429, Body: "429 rate limit"}}
	fallback := &scriptedAdapter{id: "codex", deltas: []string{"fallback response"}}
	g, _ := newTestGateway(t, primary, fallback)

	sink := &captureDeliverer{}
	dispatch := outbound.NewDispatcher(sink)

	if err := g.HandleInbound(context.Background(), envelope(t, "hello", 1000), dispatch); err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}

	if len(sink.texts) != 1 || sink.texts[0] != "fallback response" {
		t.Errorf("delivered texts = %v, want [fallback response]", sink.texts)
	}
}

func TestHandleInbound_UsageAccumulatesOnSession(t *testing.T) {
	primary := &scriptedAdapter{id: "anthropic", deltas: []string{"hi"}, usageIn: 25}
	g, mgr := newTestGateway(t, primary, nil)

	dispatch := outbound.NewDispatcher(&captureDeliverer{})
	if err := g.HandleInbound(context.Background(), envelope(t, "hello", 1000), dispatch); err != nil {
		t.Fatal(err)
	}

	s := mgr.GetByKey("default:100:22")
	if s.TotalInputTokens != 25 || s.TotalOutputTokens != 25 {
		t.Errorf("tokens = %d/%d, want 25/25", s.TotalInputTokens, s.TotalOutputTokens)
	}
	if s.TotalQueries != 1 {
		t.Errorf("queries = %d, want 1", s.TotalQueries)
	}
}

func TestExecuteScheduled_UsesCanonicalKeySession(t *testing.T) {
	primary := &scriptedAdapter{id: "anthropic", deltas: []string{"cron done"}}
	g, mgr := newTestGateway(t, primary, nil)

	route := scheduler.BuildSchedulerRoute("Daily Summary")
	out, err := g.ExecuteScheduled(context.Background(), scheduler.ExecuteRequest{
		Prompt:     "run now",
		SessionKey: route.SessionKey,
		UserID:     "1",
	}, nil)
	if err != nil {
		t.Fatalf("ExecuteScheduled() error = %v", err)
	}
	if out != "cron done" {
		t.Errorf("result = %q, want cron done", out)
	}
	if !mgr.HasSession("cron:scheduler:daily-summary") {
		t.Error("cron session not created under its canonical key")
	}
}
