// Package bus defines the message shapes exchanged between the channel
// boundary, the outbound orchestrator, and the agent runtime.
package bus

import (
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/identity"
)

// MessageIdentity extends the session identity with the sender and the
// concrete platform message.
type MessageIdentity struct {
	identity.Identity
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
	Timestamp int64  `json:"timestamp"` // unix ms
}

// InboundEnvelope is the normalized form of a raw channel event.
type InboundEnvelope struct {
	Identity    MessageIdentity `json:"identity"`
	Text        string          `json:"text"`
	IsInterrupt bool            `json:"is_interrupt,omitempty"`
	// InterruptBypassApplied is set when an out-of-order event was admitted
	// only because its text starts with "!".
	InterruptBypassApplied bool              `json:"interrupt_bypass_applied,omitempty"`
	Metadata               map[string]string `json:"metadata,omitempty"`
}

// AgentRoute is derived once per inbound and carries everything downstream
// components need to address the conversation.
type AgentRoute struct {
	Identity     identity.Identity `json:"identity"`
	SessionKey   string            `json:"session_key"`
	PartitionKey string            `json:"partition_key"`
	AccountID    string            `json:"account_id,omitempty"`
	Peer         string            `json:"peer,omitempty"`
	ParentPeer   string            `json:"parent_peer,omitempty"`
	ProviderID   string            `json:"provider_id,omitempty"`
}

// NewRoute builds an AgentRoute with the derived keys cached.
func NewRoute(id identity.Identity, accountID, peer, parentPeer, providerID string) AgentRoute {
	return AgentRoute{
		Identity:     id,
		SessionKey:   id.SessionKey(),
		PartitionKey: id.PartitionKey(),
		AccountID:    accountID,
		Peer:         peer,
		ParentPeer:   parentPeer,
		ProviderID:   providerID,
	}
}

// Status is the lifecycle state reported by a status payload.
type Status string

const (
	StatusWorking Status = "working"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// OutboundPayload is the tagged union of everything a channel can deliver.
// The variants below are the only implementations, so switches over
// payloads stay exhaustive.
type OutboundPayload interface {
	OutboundRoute() AgentRoute
	outboundPayload()
}

// TextPayload is a plain text message.
type TextPayload struct {
	Route         AgentRoute `json:"route"`
	Text          string     `json:"text"`
	CorrelationID string     `json:"correlation_id,omitempty"`
}

// StatusPayload reports progress of a running query.
type StatusPayload struct {
	Route         AgentRoute `json:"route"`
	Status        Status     `json:"status"`
	Message       string     `json:"message"`
	CorrelationID string     `json:"correlation_id,omitempty"`
}

// ChoiceOption is one selectable answer of a choice payload.
type ChoiceOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// ChoicePayload asks the user to pick one of several options.
type ChoicePayload struct {
	Route         AgentRoute     `json:"route"`
	Question      string         `json:"question"`
	Choices       []ChoiceOption `json:"choices"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// ReactionPayload attaches an emoji reaction to a platform message.
type ReactionPayload struct {
	Route           AgentRoute `json:"route"`
	TargetMessageID string     `json:"target_message_id"`
	Reaction        string     `json:"reaction"`
	CorrelationID   string     `json:"correlation_id,omitempty"`
}

func (p TextPayload) OutboundRoute() AgentRoute     { return p.Route }
func (p StatusPayload) OutboundRoute() AgentRoute   { return p.Route }
func (p ChoicePayload) OutboundRoute() AgentRoute   { return p.Route }
func (p ReactionPayload) OutboundRoute() AgentRoute { return p.Route }

func (TextPayload) outboundPayload()     {}
func (StatusPayload) outboundPayload()   {}
func (ChoicePayload) outboundPayload()   {}
func (ReactionPayload) outboundPayload() {}

// DeliveryReceipt acknowledges a delivered outbound payload.
type DeliveryReceipt struct {
	MessageID   string    `json:"message_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}
