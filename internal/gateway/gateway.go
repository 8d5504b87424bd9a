// Package gateway ties the boundaries together: normalized inbound
// envelopes are routed to sessions, executed through the provider
// orchestrator, and streamed back out through the outbound dispatcher.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/bus"
	"github.com/nextlevelbuilder/agentrelay/internal/chatlog"
	"github.com/nextlevelbuilder/agentrelay/internal/errs"
	"github.com/nextlevelbuilder/agentrelay/internal/identity"
	"github.com/nextlevelbuilder/agentrelay/internal/orchestrator"
	"github.com/nextlevelbuilder/agentrelay/internal/outbound"
	"github.com/nextlevelbuilder/agentrelay/internal/providers"
	"github.com/nextlevelbuilder/agentrelay/internal/scheduler"
	"github.com/nextlevelbuilder/agentrelay/internal/sessions"
)

// Gateway drives the inbound → provider → outbound pipeline.
type Gateway struct {
	sessions   *sessions.Manager
	orch       *orchestrator.Orchestrator
	transcript *chatlog.Logger

	primaryProviderID  string
	fallbackProviderID string
}

// New creates a gateway. transcript may be nil to disable transcripts.
func New(mgr *sessions.Manager, orch *orchestrator.Orchestrator, transcript *chatlog.Logger, primary, fallback string) *Gateway {
	return &Gateway{
		sessions:           mgr,
		orch:               orch,
		transcript:         transcript,
		primaryProviderID:  primary,
		fallbackProviderID: fallback,
	}
}

// Route derives the agent route for an envelope.
func (g *Gateway) Route(env bus.InboundEnvelope) bus.AgentRoute {
	return bus.NewRoute(env.Identity.Identity, "", env.Identity.Channel, "", g.primaryProviderID)
}

// HandleInbound processes one normalized envelope end to end. When the
// session is already running a query, the text is buffered as steering for
// the next provider call instead of starting a second query.
func (g *Gateway) HandleInbound(ctx context.Context, env bus.InboundEnvelope, dispatch *outbound.Dispatcher) error {
	route := g.Route(env)
	session := g.sessions.GetOrCreate(env.Identity.Identity)

	if g.transcript != nil {
		if err := g.transcript.Append(env.Identity.Identity, "user", env.Text, env.Identity.MessageID); err != nil {
			slog.Warn("transcript append failed", "key", route.SessionKey, "error", err)
		}
	}

	if session.IsRunning() {
		if env.IsInterrupt {
			// "!" aborts the in-flight query and the interrupt text is
			// tried as a new query right away. Abort does not wait, so if
			// the aborted query has not ended yet the text is buffered as
			// steering below instead.
			session.Abort()
		} else {
			dropped := session.AddSteering(env.Text, time.UnixMilli(env.Identity.Timestamp))
			for _, d := range dropped {
				slog.Warn("steering message dropped",
					"key", route.SessionKey,
					"text_preview", preview(d.Text),
				)
			}
			_, err := dispatch.SendStatus(ctx, route, bus.StatusWorking, "queued for the current response")
			return err
		}
	}

	prompt := env.Text
	if steered := session.ConsumeSteering(); steered != "" {
		prompt = steered + "\n---\n" + prompt
	}

	err := g.runQuery(ctx, route, session, prompt, dispatch)
	if errs.CodeOf(err) == errs.RouteForbidden {
		// Lost the race with a still-running query: buffer instead.
		session.AddSteering(env.Text, time.UnixMilli(env.Identity.Timestamp))
		_, serr := dispatch.SendStatus(ctx, route, bus.StatusWorking, "queued for the current response")
		return serr
	}
	return err
}

// ExecuteScheduled is the scheduler runtime's Execute implementation: it
// resolves the session strictly by canonical key and runs the prompt with
// the given dispatcher (the scheduler's own outbound target).
func (g *Gateway) ExecuteScheduled(ctx context.Context, req scheduler.ExecuteRequest, dispatch *outbound.Dispatcher) (string, error) {
	session := g.sessions.GetByKey(req.SessionKey)

	route := bus.AgentRoute{SessionKey: req.SessionKey, ProviderID: g.primaryProviderID}
	if id, err := identity.ParseSessionKey(req.SessionKey); err == nil {
		route = bus.NewRoute(id, "", id.Channel, "", g.primaryProviderID)
	}

	var reply strings.Builder
	err := g.execute(ctx, route, session, req.Prompt, func(delta string) {
		reply.WriteString(delta)
	}, func(status bus.Status, message string) {
		if req.StatusCallback != nil {
			req.StatusCallback(string(status), message)
		}
		if dispatch != nil {
			dispatch.SendStatus(ctx, route, status, message)
		}
	})
	if err != nil {
		return "", err
	}
	return reply.String(), nil
}

func (g *Gateway) runQuery(ctx context.Context, route bus.AgentRoute, session *sessions.Session, prompt string, dispatch *outbound.Dispatcher) error {
	var reply strings.Builder

	err := g.execute(ctx, route, session, prompt, func(delta string) {
		reply.WriteString(delta)
	}, func(status bus.Status, message string) {
		dispatch.SendStatus(ctx, route, status, message)
	})
	if err != nil {
		return err
	}

	if text := reply.String(); text != "" {
		if g.transcript != nil {
			if terr := g.transcript.Append(route.Identity, "assistant", text, ""); terr != nil {
				slog.Warn("transcript append failed", "key", route.SessionKey, "error", terr)
			}
		}
		if _, err := dispatch.SendText(ctx, route, text); err != nil {
			return err
		}
	}
	return nil
}

// execute runs one provider query for a session, streaming text deltas to
// onDelta and lifecycle updates to onStatus.
func (g *Gateway) execute(ctx context.Context, route bus.AgentRoute, session *sessions.Session, prompt string, onDelta func(string), onStatus func(bus.Status, string)) error {
	queryCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !session.BeginQuery(cancel) {
		return errs.NewRouting(errs.RouteForbidden, "session already running a query: "+route.SessionKey)
	}
	defer session.EndQuery()

	onStatus(bus.StatusWorking, "processing")

	result, err := g.orch.Execute(queryCtx, orchestrator.Request{
		PrimaryProviderID:  g.primaryProviderID,
		FallbackProviderID: g.fallbackProviderID,
		Input: providers.QueryInput{
			SessionKey:        route.SessionKey,
			Prompt:            prompt,
			ProviderSessionID: session.ProviderSessionID,
		},
		OnEvent: func(ev providers.Event) error {
			switch e := ev.(type) {
			case providers.SessionEvent:
				session.SetProviderSessionID(e.ProviderSessionID)
			case providers.TextEvent:
				onDelta(e.Delta)
			case providers.ToolEvent:
				if e.Phase == providers.ToolStart {
					slog.Debug("tool started", "key", route.SessionKey, "tool", e.Name)
				}
			case providers.UsageEvent:
				session.AccumulateUsage(
					e.InputTokens+e.CacheReadInputTokens+e.CacheCreationInputTokens,
					e.OutputTokens,
				)
			case providers.ContextEvent:
				session.SetContextWindow(e.UsedTokens, e.MaxTokens)
			case providers.RateLimitEvent:
				slog.Warn("provider rate limited",
					"key", route.SessionKey,
					"provider", e.ProviderID,
					"status", e.StatusCode,
				)
			case providers.DoneEvent:
				slog.Debug("stream done", "key", route.SessionKey, "reason", e.Reason)
			}
			return nil
		},
	})
	if err != nil {
		var ne *errs.Error
		if errors.As(err, &ne) && ne.Code == errs.Abort {
			onStatus(bus.StatusDone, "stopped")
			return nil
		}
		onStatus(bus.StatusError, "the request failed; please try again")
		return err
	}

	slog.Info("query completed",
		"key", route.SessionKey,
		"provider", result.ProviderID,
		"attempts", result.Attempts,
	)
	onStatus(bus.StatusDone, "done")
	return nil
}

func preview(s string) string {
	if len(s) <= 60 {
		return s
	}
	return s[:60] + "..."
}
