package slack

import (
	"context"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/agentrelay/internal/bus"
	"github.com/nextlevelbuilder/agentrelay/internal/errs"
	"github.com/nextlevelbuilder/agentrelay/internal/identity"
)

func TestNormalizeInbound_ChannelPrefixAndThread(t *testing.T) {
	c := New(nil)

	env, err := c.NormalizeInbound(InboundEvent{
		TeamID:    "acme",
		ChannelID: "C024BE91L",
		ThreadTS:  "1700000000.000100",
		UserID:    "U1",
		EventTS:   "1700000009.000200",
		Text:      "hello",
		Timestamp: 1700000009000,
	})
	if err != nil {
		t.Fatalf("NormalizeInbound() error = %v", err)
	}
	if env.Identity.Tenant != "acme" {
		t.Errorf("tenant = %q, want acme", env.Identity.Tenant)
	}
	if env.Identity.Channel != "slack-C024BE91L" {
		t.Errorf("channel = %q, want slack- prefix", env.Identity.Channel)
	}
	if strings.ContainsAny(env.Identity.Thread, `:/\`) {
		t.Errorf("thread %q contains separators", env.Identity.Thread)
	}
}

func TestNormalizeInbound_EmptyThreadIsMain(t *testing.T) {
	c := New(nil)
	env, err := c.NormalizeInbound(InboundEvent{
		ChannelID: "C1", UserID: "U1", Text: "hi", Timestamp: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if env.Identity.Thread != "main" {
		t.Errorf("thread = %q, want main", env.Identity.Thread)
	}
	if env.Identity.Tenant != "default" {
		t.Errorf("tenant = %q, want default", env.Identity.Tenant)
	}
}

func TestNormalizeInbound_TenantAllowlist(t *testing.T) {
	c := New([]string{"acme", "globex"})

	if _, err := c.NormalizeInbound(InboundEvent{
		TeamID: "acme", ChannelID: "C1", UserID: "U1", Text: "hi", Timestamp: 1000,
	}); err != nil {
		t.Fatalf("allowed tenant rejected: %v", err)
	}

	_, err := c.NormalizeInbound(InboundEvent{
		TeamID: "intruder", ChannelID: "C1", UserID: "U1", Text: "hi", Timestamp: 1001,
	})
	if errs.CodeOf(err) != errs.ChannelUnauthorized {
		t.Errorf("error = %v, want CHANNEL_UNAUTHORIZED", err)
	}
}

func TestNormalizeInbound_Incomplete(t *testing.T) {
	c := New(nil)
	_, err := c.NormalizeInbound(InboundEvent{ChannelID: "C1", UserID: "U1", Timestamp: 1000})
	if errs.CodeOf(err) != errs.ChannelInvalidPayload {
		t.Errorf("error = %v, want CHANNEL_INVALID_PAYLOAD", err)
	}
}

func TestSkeletonMode_TextPlaceholderReceipt(t *testing.T) {
	c := New(nil)
	c.EnableSkeleton()

	id, err := identity.New("default", "slack-C1", "main")
	if err != nil {
		t.Fatal(err)
	}
	route := bus.NewRoute(id, "", "C1", "", "")

	receipt, err := c.DeliverOutbound(context.Background(), bus.TextPayload{Route: route, Text: "dry run"})
	if err != nil {
		t.Fatalf("skeleton delivery error = %v", err)
	}
	if !strings.HasPrefix(receipt.MessageID, "skeleton-") {
		t.Errorf("receipt id = %q, want skeleton placeholder", receipt.MessageID)
	}

	// Reactions still need a real port.
	_, err = c.DeliverOutbound(context.Background(), bus.ReactionPayload{Route: route, TargetMessageID: "1", Reaction: "eyes"})
	if errs.CodeOf(err) != errs.ChannelUnavailable {
		t.Errorf("reaction error = %v, want CHANNEL_UNAVAILABLE", err)
	}
}
