// Package identity — session identity value object and key codecs.
//
// Every conversation slot is addressed by a (tenant, channel, thread)
// triple. Two canonical encodings exist:
//
//	Session key:   {tenant}:{channel}:{thread}   (in-memory + persistence key)
//	Partition key: {tenant}/{channel}/{thread}   (filesystem-safe path prefix)
//
// Examples:
//
//	default:100:22        → default/100/22
//	cron:scheduler:daily  → cron/scheduler/daily
//	acme:slack-C024:main  → acme/slack-C024/main
//
// Both encodings are bijective with the identity: parse(build(id)) == id and
// build(parse(k)) == k for every valid value.
package identity

import (
	"strings"

	"github.com/nextlevelbuilder/agentrelay/internal/errs"
)

// separators are forbidden inside any identity field.
const separators = `:/\`

// Identity is the canonical (tenant, channel, thread) triple.
type Identity struct {
	Tenant  string `json:"tenant"`
	Channel string `json:"channel"`
	Thread  string `json:"thread"`
}

// New validates and constructs an Identity. Fields are trimmed; each must be
// non-empty and free of ':', '/' and '\'.
func New(tenant, channel, thread string) (Identity, error) {
	id := Identity{
		Tenant:  strings.TrimSpace(tenant),
		Channel: strings.TrimSpace(channel),
		Thread:  strings.TrimSpace(thread),
	}
	for _, f := range []struct{ name, value string }{
		{"tenant", id.Tenant},
		{"channel", id.Channel},
		{"thread", id.Thread},
	} {
		if f.value == "" {
			return Identity{}, errs.NewIdentity(errs.IdentityEmpty, f.name+" must be non-empty")
		}
		if strings.ContainsAny(f.value, separators) {
			return Identity{}, errs.NewIdentity(errs.IdentityContainsSeparator,
				f.name+" must not contain ':', '/' or '\\'")
		}
	}
	return id, nil
}

// SessionKey returns the canonical colon-joined key.
func (id Identity) SessionKey() string {
	return id.Tenant + ":" + id.Channel + ":" + id.Thread
}

// PartitionKey returns the filesystem-safe slash-joined key.
func (id Identity) PartitionKey() string {
	return id.Tenant + "/" + id.Channel + "/" + id.Thread
}

// ParseSessionKey parses a canonical session key back into an Identity.
func ParseSessionKey(s string) (Identity, error) {
	id, err := parseJoined(s, ":")
	if err != nil {
		return Identity{}, errs.NewIdentity(errs.SessionKeyInvalidFormat,
			"session key must be tenant:channel:thread: "+s)
	}
	return id, nil
}

// ParsePartitionKey parses a storage partition key back into an Identity.
func ParsePartitionKey(s string) (Identity, error) {
	id, err := parseJoined(s, "/")
	if err != nil {
		return Identity{}, errs.NewIdentity(errs.StoragePartitionInvalidFormat,
			"partition key must be tenant/channel/thread: "+s)
	}
	return id, nil
}

func parseJoined(s, sep string) (Identity, error) {
	parts := strings.Split(s, sep)
	if len(parts) != 3 {
		return Identity{}, errs.NewIdentity(errs.SessionKeyInvalidFormat, s)
	}
	return New(parts[0], parts[1], parts[2])
}
