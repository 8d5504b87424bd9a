// Package slack implements the Slack channel boundary. It runs either
// against the live Web API via slack-go or in skeleton mode (no outbound
// port, placeholder receipts) for dry-run deployments.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"

	"github.com/nextlevelbuilder/agentrelay/internal/bus"
	"github.com/nextlevelbuilder/agentrelay/internal/channels"
	"github.com/nextlevelbuilder/agentrelay/internal/errs"
	"github.com/nextlevelbuilder/agentrelay/internal/identity"
)

const (
	// channelPrefix namespaces Slack conversation ids in the identity space.
	channelPrefix = "slack-"

	mainThread = "main"
)

// InboundEvent is the raw Slack event shape the boundary normalizes.
type InboundEvent struct {
	TeamID    string // tenant
	ChannelID string // conversation id, e.g. "C024BE91L"
	ThreadTS  string // thread timestamp, "" for channel-level messages
	UserID    string
	EventTS   string // message timestamp (also the platform message id)
	Text      string
	Timestamp int64 // unix ms
}

// Channel is the Slack channel boundary.
type Channel struct {
	*channels.Base
	allowedTenants []string
}

// New creates the Slack boundary. allowedTenants, when non-empty, gates
// which workspaces are accepted.
func New(allowedTenants []string) *Channel {
	base := channels.NewBase("slack", channels.Capabilities{
		SupportsThreads:   true,
		SupportsReactions: true,
	}, nil)
	return &Channel{Base: base, allowedTenants: allowedTenants}
}

// AttachClient wires the live Web API outbound port.
func (c *Channel) AttachClient(api *slack.Client) {
	c.SetPort(&apiPort{api: api})
}

// EnableSkeleton switches the channel to skeleton mode: text outbound
// returns placeholder receipts without a wired port.
func (c *Channel) EnableSkeleton() {
	c.SetSkeleton(true)
}

// NormalizeInbound validates and converts a raw Slack event into the common
// envelope.
func (c *Channel) NormalizeInbound(raw InboundEvent) (bus.InboundEnvelope, error) {
	if raw.ChannelID == "" || raw.UserID == "" || raw.Timestamp == 0 || strings.TrimSpace(raw.Text) == "" {
		return bus.InboundEnvelope{}, errs.NewChannel(errs.ChannelInvalidPayload,
			"slack event missing channel, user, timestamp, or text")
	}

	tenant := raw.TeamID
	if tenant == "" {
		tenant = "default"
	}
	if len(c.allowedTenants) > 0 && !contains(c.allowedTenants, tenant) {
		return bus.InboundEnvelope{}, errs.NewChannel(errs.ChannelUnauthorized,
			"slack workspace not allowed: "+tenant)
	}

	thread := mainThread
	if raw.ThreadTS != "" {
		// Thread timestamps contain a dot ("1700000000.000100"); keep them
		// separator-free for the identity.
		thread = strings.ReplaceAll(raw.ThreadTS, ".", "-")
	}

	id, err := identity.New(tenant, channelPrefix+raw.ChannelID, thread)
	if err != nil {
		return bus.InboundEnvelope{}, errs.NewChannel(errs.ChannelInvalidPayload, err.Error())
	}

	mid := bus.MessageIdentity{
		Identity:  id,
		UserID:    raw.UserID,
		MessageID: raw.EventTS,
		Timestamp: raw.Timestamp,
	}

	isInterrupt := channels.IsInterruptText(raw.Text)
	bypass, err := c.Admit(mid, isInterrupt)
	if err != nil {
		return bus.InboundEnvelope{}, err
	}

	slog.Debug("slack inbound normalized",
		"team", tenant,
		"channel", id.Channel,
		"thread", id.Thread,
		"user", raw.UserID,
	)

	return bus.InboundEnvelope{
		Identity:               mid,
		Text:                   raw.Text,
		IsInterrupt:            isInterrupt,
		InterruptBypassApplied: bypass,
		Metadata: map[string]string{
			"platform":  "slack",
			"thread_ts": raw.ThreadTS,
		},
	}, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.TrimSpace(item) == v {
			return true
		}
	}
	return false
}

// apiPort sends through the Slack Web API.
type apiPort struct {
	api *slack.Client
}

func (p *apiPort) SendText(ctx context.Context, channelID, text, threadHint string) (string, error) {
	// Strip the identity namespace back to the platform conversation id.
	conversation := strings.TrimPrefix(channelID, channelPrefix)

	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadHint != "" && threadHint != mainThread {
		opts = append(opts, slack.MsgOptionTS(strings.ReplaceAll(threadHint, "-", ".")))
	}

	_, messageTS, err := p.api.PostMessageContext(ctx, conversation, opts...)
	if err != nil {
		return "", fmt.Errorf("slack: post message: %w", err)
	}
	return messageTS, nil
}

func (p *apiPort) SendReaction(ctx context.Context, channelID, targetMessageID, reaction string) error {
	conversation := strings.TrimPrefix(channelID, channelPrefix)
	ref := slack.ItemRef{Channel: conversation, Timestamp: targetMessageID}
	if err := p.api.AddReactionContext(ctx, reaction, ref); err != nil {
		return fmt.Errorf("slack: add reaction: %w", err)
	}
	return nil
}
