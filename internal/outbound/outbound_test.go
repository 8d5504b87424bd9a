package outbound

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/bus"
	"github.com/nextlevelbuilder/agentrelay/internal/identity"
)

func testRoute(t *testing.T) bus.AgentRoute {
	t.Helper()
	id, err := identity.New("default", "100", "22")
	if err != nil {
		t.Fatal(err)
	}
	return bus.NewRoute(id, "acct", "100", "", "anthropic")
}

func TestNormalize_Identity(t *testing.T) {
	route := testRoute(t)

	text := bus.TextPayload{Route: route, Text: "hi", CorrelationID: "c1"}
	if got := Normalize(text); got != bus.OutboundPayload(text) {
		t.Errorf("Normalize(text) = %#v, want unchanged", got)
	}

	reaction := bus.ReactionPayload{Route: route, TargetMessageID: "9", Reaction: "👍"}
	if got := Normalize(reaction); got != bus.OutboundPayload(reaction) {
		t.Errorf("Normalize(reaction) = %#v, want unchanged", got)
	}
}

func TestNormalize_Status(t *testing.T) {
	route := testRoute(t)
	got := Normalize(bus.StatusPayload{Route: route, Status: bus.StatusWorking, Message: "processing", CorrelationID: "c2"})

	text, ok := got.(bus.TextPayload)
	if !ok {
		t.Fatalf("Normalize(status) = %T, want TextPayload", got)
	}
	if text.Text != "processing" {
		t.Errorf("text = %q, want %q", text.Text, "processing")
	}
	if text.CorrelationID != "c2" {
		t.Errorf("correlation id = %q, want preserved", text.CorrelationID)
	}
}

func TestNormalize_Choice(t *testing.T) {
	route := testRoute(t)
	got := Normalize(bus.ChoicePayload{
		Route:    route,
		Question: "Deploy to prod?",
		Choices: []bus.ChoiceOption{
			{ID: "yes", Label: "Yes, ship it"},
			{ID: "no", Label: "No, wait"},
			{ID: "later", Label: "Ask me tomorrow"},
		},
	})

	text, ok := got.(bus.TextPayload)
	if !ok {
		t.Fatalf("Normalize(choice) = %T, want TextPayload", got)
	}
	want := "Deploy to prod?\n\n1. Yes, ship it\n2. No, wait\n3. Ask me tomorrow"
	if text.Text != want {
		t.Errorf("rendered choice =\n%q\nwant\n%q", text.Text, want)
	}

	lines := strings.Split(text.Text, "\n")
	if lines[0] != "Deploy to prod?" {
		t.Errorf("line 1 = %q, want the question", lines[0])
	}
}

type recordingDeliverer struct {
	payloads []bus.OutboundPayload
}

func (r *recordingDeliverer) DeliverOutbound(_ context.Context, p bus.OutboundPayload) (bus.DeliveryReceipt, error) {
	r.payloads = append(r.payloads, p)
	return bus.DeliveryReceipt{MessageID: "77", DeliveredAt: time.Now()}, nil
}

func TestDispatcher_Helpers(t *testing.T) {
	route := testRoute(t)
	rec := &recordingDeliverer{}
	d := NewDispatcher(rec)
	ctx := context.Background()

	if _, err := d.SendText(ctx, route, "hello"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.SendStatus(ctx, route, bus.StatusWorking, "processing"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.SendChoice(ctx, route, "pick", []bus.ChoiceOption{{ID: "a", Label: "A"}}); err != nil {
		t.Fatal(err)
	}
	receipt, err := d.SendReaction(ctx, route, "5", "🔥")
	if err != nil {
		t.Fatal(err)
	}
	if receipt.MessageID != "77" {
		t.Errorf("receipt message id = %q, want 77", receipt.MessageID)
	}

	if len(rec.payloads) != 4 {
		t.Fatalf("delivered %d payloads, want 4", len(rec.payloads))
	}
	if _, ok := rec.payloads[0].(bus.TextPayload); !ok {
		t.Errorf("payload 0 = %T, want TextPayload", rec.payloads[0])
	}
	if _, ok := rec.payloads[1].(bus.StatusPayload); !ok {
		t.Errorf("payload 1 = %T, want StatusPayload", rec.payloads[1])
	}
	if _, ok := rec.payloads[3].(bus.ReactionPayload); !ok {
		t.Errorf("payload 3 = %T, want ReactionPayload", rec.payloads[3])
	}
}
