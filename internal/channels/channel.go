// Package channels provides the channel boundary: normalization of
// heterogeneous platform events into the common inbound envelope, and
// unified outbound dispatch back to the platform.
//
// Concrete channels (telegram, slack) embed Base and implement the
// platform-specific raw-event mapping and outbound port.
package channels

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentrelay/internal/bus"
	"github.com/nextlevelbuilder/agentrelay/internal/errs"
	"github.com/nextlevelbuilder/agentrelay/internal/outbound"
)

// Capabilities describes what a channel can render natively.
type Capabilities struct {
	SupportsThreads        bool
	SupportsReactions      bool
	SupportsChoiceKeyboard bool
}

// OutboundPort is the platform-specific send surface a channel wires in.
type OutboundPort interface {
	// SendText delivers text to a platform conversation and returns the
	// platform message id.
	SendText(ctx context.Context, channelID, text, threadHint string) (string, error)

	// SendReaction attaches a reaction to a platform message.
	SendReaction(ctx context.Context, channelID, targetMessageID, reaction string) error
}

// Boundary is the contract the runtime consumes for every channel.
type Boundary interface {
	ChannelType() string
	Capabilities() Capabilities
	DeliverOutbound(ctx context.Context, payload bus.OutboundPayload) (bus.DeliveryReceipt, error)
}

// Base provides the shared boundary behavior: ordering admission, inbound
// rate limiting, allowlist auth, and the unified outbound path. Channel
// implementations embed it.
type Base struct {
	channelType string
	caps        Capabilities
	allowList   []string

	ordering *OrderingTracker
	limiter  *RateLimiter

	port OutboundPort
	// skeleton permits portless text delivery with a placeholder receipt
	// (dry-run deployments). Without it a missing port is CHANNEL_UNAVAILABLE.
	skeleton bool
}

// NewBase creates the shared boundary state for a channel.
func NewBase(channelType string, caps Capabilities, allowList []string) *Base {
	return &Base{
		channelType: channelType,
		caps:        caps,
		allowList:   allowList,
		ordering:    NewOrderingTracker(),
		limiter:     NewRateLimiter(),
	}
}

// SetPort wires the platform outbound port. A nil port leaves the channel
// in skeleton mode if enabled.
func (b *Base) SetPort(port OutboundPort) { b.port = port }

// SetSkeleton toggles skeleton (portless dry-run) mode.
func (b *Base) SetSkeleton(enabled bool) { b.skeleton = enabled }

// ChannelType returns the channel identifier (e.g. "telegram", "slack").
func (b *Base) ChannelType() string { return b.channelType }

// Capabilities returns the channel capability flags.
func (b *Base) Capabilities() Capabilities { return b.caps }

// HasAllowList reports whether sender auth is restricted.
func (b *Base) HasAllowList() bool { return len(b.allowList) > 0 }

// IsAllowed checks a sender against the allowlist. An empty allowlist
// admits everyone.
func (b *Base) IsAllowed(senderID string) bool {
	if len(b.allowList) == 0 {
		return true
	}
	for _, allowed := range b.allowList {
		if senderID == strings.TrimSpace(allowed) {
			return true
		}
	}
	return false
}

// Admit runs the shared inbound gate in order: authorization, rate limit,
// timestamp ordering. Completeness is checked by the concrete channel
// before deriving the identity. Returns whether the interrupt bypass was
// applied.
func (b *Base) Admit(mid bus.MessageIdentity, isInterrupt bool) (bool, error) {
	if !b.IsAllowed(mid.UserID) {
		return false, errs.NewChannel(errs.ChannelUnauthorized,
			"sender not allowed: "+mid.UserID)
	}

	if retryAfter, ok := b.limiter.Allow(mid.Channel); !ok {
		return false, errs.NewRateLimited("inbound rate limit exceeded", retryAfter)
	}

	bypass, err := b.ordering.Admit(mid.Channel, mid.Thread, mid.Timestamp, isInterrupt)
	if err != nil {
		return false, err
	}
	return bypass, nil
}

// DeliverOutbound normalizes the payload and sends it through the platform
// port. Status and choice payloads are rendered to text first.
func (b *Base) DeliverOutbound(ctx context.Context, payload bus.OutboundPayload) (bus.DeliveryReceipt, error) {
	switch p := outbound.Normalize(payload).(type) {
	case bus.TextPayload:
		return b.deliverText(ctx, p)
	case bus.ReactionPayload:
		return b.deliverReaction(ctx, p)
	default:
		return bus.DeliveryReceipt{}, errs.NewChannel(errs.ChannelInvalidPayload,
			"unsupported outbound payload")
	}
}

func (b *Base) deliverText(ctx context.Context, p bus.TextPayload) (bus.DeliveryReceipt, error) {
	if b.port == nil {
		if b.skeleton {
			slog.Debug("skeleton outbound", "channel", b.channelType, "text_len", len(p.Text))
			return bus.DeliveryReceipt{
				MessageID:   "skeleton-" + uuid.NewString(),
				DeliveredAt: time.Now(),
			}, nil
		}
		return bus.DeliveryReceipt{}, errs.NewChannel(errs.ChannelUnavailable,
			b.channelType+" outbound port not configured")
	}

	threadHint := ""
	if b.caps.SupportsThreads {
		threadHint = p.Route.Identity.Thread
	}

	messageID, err := b.port.SendText(ctx, p.Route.Identity.Channel, p.Text, threadHint)
	if err != nil {
		return bus.DeliveryReceipt{}, errs.NewChannel(errs.ChannelUnavailable,
			b.channelType+" send failed: "+err.Error())
	}
	return bus.DeliveryReceipt{MessageID: messageID, DeliveredAt: time.Now()}, nil
}

func (b *Base) deliverReaction(ctx context.Context, p bus.ReactionPayload) (bus.DeliveryReceipt, error) {
	if !b.caps.SupportsReactions {
		return bus.DeliveryReceipt{}, errs.NewChannel(errs.ChannelInvalidPayload,
			b.channelType+" does not support reactions")
	}
	if b.port == nil {
		return bus.DeliveryReceipt{}, errs.NewChannel(errs.ChannelUnavailable,
			b.channelType+" outbound port not configured")
	}

	if err := b.port.SendReaction(ctx, p.Route.Identity.Channel, p.TargetMessageID, p.Reaction); err != nil {
		return bus.DeliveryReceipt{}, errs.NewChannel(errs.ChannelUnavailable,
			b.channelType+" reaction failed: "+err.Error())
	}
	return bus.DeliveryReceipt{MessageID: p.TargetMessageID, DeliveredAt: time.Now()}, nil
}

// IsInterruptText reports whether text triggers the interrupt bypass.
func IsInterruptText(text string) bool {
	return strings.HasPrefix(text, "!")
}

// Truncate shortens a string for log previews.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
