// Package telegram implements the Telegram channel boundary on top of the
// Bot API via telego.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/agentrelay/internal/bus"
	"github.com/nextlevelbuilder/agentrelay/internal/channels"
	"github.com/nextlevelbuilder/agentrelay/internal/errs"
	"github.com/nextlevelbuilder/agentrelay/internal/identity"
)

const (
	// generalTopicID is Telegram's built-in General forum topic.
	generalTopicID = 1

	// defaultTenant is used for all Telegram traffic; the Bot API has no
	// tenant concept.
	defaultTenant = "default"

	// mainThread is the canonical thread id for non-topic conversations.
	mainThread = "main"
)

// InboundEvent is the raw Telegram event shape the boundary normalizes.
type InboundEvent struct {
	ChatID    int64
	ThreadID  int // forum topic id, 0 for plain chats
	UserID    int64
	MessageID int
	Text      string
	Timestamp int64 // unix ms
}

// Channel is the Telegram channel boundary.
type Channel struct {
	*channels.Base
}

// New creates the Telegram boundary. An empty allowList admits all senders.
func New(allowList []string) *Channel {
	base := channels.NewBase("telegram", channels.Capabilities{
		SupportsThreads:   true,
		SupportsReactions: true,
	}, allowList)
	return &Channel{Base: base}
}

// AttachBot wires the live Bot API outbound port. Without it the channel
// fails outbound with CHANNEL_UNAVAILABLE (Telegram has no skeleton mode).
func (c *Channel) AttachBot(bot *telego.Bot) {
	c.SetPort(&botPort{bot: bot})
}

// NormalizeInbound validates and converts a raw Telegram event into the
// common envelope, enforcing completeness, authorization, rate limit, and
// timestamp ordering in that order.
func (c *Channel) NormalizeInbound(raw InboundEvent) (bus.InboundEnvelope, error) {
	if raw.ChatID == 0 || raw.UserID == 0 || raw.Timestamp == 0 || strings.TrimSpace(raw.Text) == "" {
		return bus.InboundEnvelope{}, errs.NewChannel(errs.ChannelInvalidPayload,
			"telegram event missing chat, user, timestamp, or text")
	}

	id, err := identity.New(defaultTenant, strconv.FormatInt(raw.ChatID, 10), threadName(raw.ThreadID))
	if err != nil {
		return bus.InboundEnvelope{}, errs.NewChannel(errs.ChannelInvalidPayload, err.Error())
	}

	mid := bus.MessageIdentity{
		Identity:  id,
		UserID:    strconv.FormatInt(raw.UserID, 10),
		MessageID: strconv.Itoa(raw.MessageID),
		Timestamp: raw.Timestamp,
	}

	isInterrupt := channels.IsInterruptText(raw.Text)
	bypass, err := c.Admit(mid, isInterrupt)
	if err != nil {
		return bus.InboundEnvelope{}, err
	}

	slog.Debug("telegram inbound normalized",
		"chat_id", raw.ChatID,
		"thread", id.Thread,
		"user_id", raw.UserID,
		"interrupt", isInterrupt,
		"text_preview", channels.Truncate(raw.Text, 60),
	)

	return bus.InboundEnvelope{
		Identity:               mid,
		Text:                   raw.Text,
		IsInterrupt:            isInterrupt,
		InterruptBypassApplied: bypass,
		Metadata: map[string]string{
			"platform":  "telegram",
			"thread_id": strconv.Itoa(raw.ThreadID),
		},
	}, nil
}

// threadName maps Telegram topic ids to canonical thread ids. The General
// topic and plain chats both map to "main".
func threadName(threadID int) string {
	if threadID <= 0 || threadID == generalTopicID {
		return mainThread
	}
	return strconv.Itoa(threadID)
}

// FromUpdate extracts the raw event from a Bot API update. Returns false
// for updates without a usable message (service messages, edits, etc.).
func FromUpdate(update telego.Update) (InboundEvent, bool) {
	message := update.Message
	if message == nil || message.From == nil || message.Text == "" {
		return InboundEvent{}, false
	}

	threadID := 0
	if message.Chat.Type == "supergroup" && message.Chat.IsForum {
		threadID = message.MessageThreadID
		if threadID == 0 {
			threadID = generalTopicID
		}
	}

	return InboundEvent{
		ChatID:    message.Chat.ID,
		ThreadID:  threadID,
		UserID:    message.From.ID,
		MessageID: message.MessageID,
		Text:      message.Text,
		Timestamp: message.Date * 1000,
	}, true
}

// botPort sends through the live Bot API.
type botPort struct {
	bot *telego.Bot
}

func (p *botPort) SendText(ctx context.Context, channelID, text, threadHint string) (string, error) {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram: invalid chat id %q: %w", channelID, err)
	}

	params := tu.Message(tu.ID(chatID), text)
	if threadHint != "" && threadHint != mainThread {
		if topicID, err := strconv.Atoi(threadHint); err == nil {
			params.MessageThreadID = topicID
		}
	}

	sent, err := p.bot.SendMessage(ctx, params)
	if err != nil {
		return "", fmt.Errorf("telegram: send message: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (p *botPort) SendReaction(ctx context.Context, channelID, targetMessageID, reaction string) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", channelID, err)
	}
	messageID, err := strconv.Atoi(targetMessageID)
	if err != nil {
		return fmt.Errorf("telegram: invalid message id %q: %w", targetMessageID, err)
	}

	return p.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Reaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: "emoji", Emoji: reaction},
		},
	})
}
