// Package outbound unifies text, status, choice, and reaction delivery
// behind a single dispatch path. The dispatcher hands every payload to the
// channel boundary unchanged; boundaries call Normalize to render status and
// choice payloads as text before sending.
package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/agentrelay/internal/bus"
)

// Deliverer is the channel-boundary side of the dispatch contract.
type Deliverer interface {
	DeliverOutbound(ctx context.Context, payload bus.OutboundPayload) (bus.DeliveryReceipt, error)
}

// Normalize reduces a payload to a channel-deliverable variant.
// Text and reaction payloads pass through unchanged; status and choice
// payloads become text, preserving the correlation id.
func Normalize(payload bus.OutboundPayload) bus.OutboundPayload {
	switch p := payload.(type) {
	case bus.TextPayload:
		return p
	case bus.ReactionPayload:
		return p
	case bus.StatusPayload:
		return bus.TextPayload{Route: p.Route, Text: p.Message, CorrelationID: p.CorrelationID}
	case bus.ChoicePayload:
		return bus.TextPayload{Route: p.Route, Text: RenderChoice(p), CorrelationID: p.CorrelationID}
	default:
		return payload
	}
}

// RenderChoice renders a choice payload as numbered text:
//
//	{question}
//
//	1. {label}
//	2. {label}
func RenderChoice(p bus.ChoicePayload) string {
	var b strings.Builder
	b.WriteString(p.Question)
	b.WriteString("\n")
	for i, c := range p.Choices {
		b.WriteString(fmt.Sprintf("\n%d. %s", i+1, c.Label))
	}
	return b.String()
}

// Dispatcher routes every outbound payload through one Deliverer.
type Dispatcher struct {
	deliverer Deliverer
}

// NewDispatcher creates a dispatcher bound to a channel boundary.
func NewDispatcher(d Deliverer) *Dispatcher {
	return &Dispatcher{deliverer: d}
}

// Dispatch delivers a payload through the boundary.
func (d *Dispatcher) Dispatch(ctx context.Context, payload bus.OutboundPayload) (bus.DeliveryReceipt, error) {
	receipt, err := d.deliverer.DeliverOutbound(ctx, payload)
	if err != nil {
		slog.Warn("outbound dispatch failed",
			"session_key", payload.OutboundRoute().SessionKey,
			"error", err,
		)
		return bus.DeliveryReceipt{}, err
	}
	return receipt, nil
}

// SendText dispatches a text payload.
func (d *Dispatcher) SendText(ctx context.Context, route bus.AgentRoute, text string) (bus.DeliveryReceipt, error) {
	return d.Dispatch(ctx, bus.TextPayload{Route: route, Text: text})
}

// SendStatus dispatches a status payload.
func (d *Dispatcher) SendStatus(ctx context.Context, route bus.AgentRoute, status bus.Status, message string) (bus.DeliveryReceipt, error) {
	return d.Dispatch(ctx, bus.StatusPayload{Route: route, Status: status, Message: message})
}

// SendChoice dispatches a choice payload.
func (d *Dispatcher) SendChoice(ctx context.Context, route bus.AgentRoute, question string, choices []bus.ChoiceOption) (bus.DeliveryReceipt, error) {
	return d.Dispatch(ctx, bus.ChoicePayload{Route: route, Question: question, Choices: choices})
}

// SendReaction dispatches a reaction payload.
func (d *Dispatcher) SendReaction(ctx context.Context, route bus.AgentRoute, targetMessageID, reaction string) (bus.DeliveryReceipt, error) {
	return d.Dispatch(ctx, bus.ReactionPayload{Route: route, TargetMessageID: targetMessageID, Reaction: reaction})
}
