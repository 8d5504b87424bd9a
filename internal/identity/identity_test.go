package identity

import (
	"errors"
	"testing"

	"github.com/nextlevelbuilder/agentrelay/internal/errs"
)

func TestNew_Valid(t *testing.T) {
	id, err := New(" default ", "100", "22")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if id.Tenant != "default" || id.Channel != "100" || id.Thread != "22" {
		t.Errorf("New() = %+v, want trimmed fields", id)
	}
}

func TestNew_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		tenant   string
		channel  string
		thread   string
		wantCode errs.Code
	}{
		{"empty tenant", "", "c", "t", errs.IdentityEmpty},
		{"whitespace channel", "a", "   ", "t", errs.IdentityEmpty},
		{"empty thread", "a", "c", "", errs.IdentityEmpty},
		{"colon in tenant", "a:b", "c", "t", errs.IdentityContainsSeparator},
		{"slash in channel", "a", "c/d", "t", errs.IdentityContainsSeparator},
		{"backslash in thread", "a", "c", `t\x`, errs.IdentityContainsSeparator},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.tenant, tt.channel, tt.thread)
			if err == nil {
				t.Fatal("New() expected error")
			}
			if got := errs.CodeOf(err); got != tt.wantCode {
				t.Errorf("code = %s, want %s", got, tt.wantCode)
			}
		})
	}
}

func TestKeyBijection(t *testing.T) {
	ids := []Identity{
		{"default", "100", "22"},
		{"cron", "scheduler", "daily-summary"},
		{"acme", "slack-C024BE91L", "main"},
		{"default", "55001", "77"},
	}

	for _, want := range ids {
		t.Run(want.SessionKey(), func(t *testing.T) {
			got, err := ParseSessionKey(want.SessionKey())
			if err != nil {
				t.Fatalf("ParseSessionKey() error = %v", err)
			}
			if got != want {
				t.Errorf("ParseSessionKey(SessionKey()) = %+v, want %+v", got, want)
			}

			got, err = ParsePartitionKey(want.PartitionKey())
			if err != nil {
				t.Fatalf("ParsePartitionKey() error = %v", err)
			}
			if got != want {
				t.Errorf("ParsePartitionKey(PartitionKey()) = %+v, want %+v", got, want)
			}
		})
	}
}

func TestParseSessionKey_Invalid(t *testing.T) {
	for _, s := range []string{"", "a", "a:b", "a:b:c:d", "a::c", ":b:c", "a:b:", `a:b/c:d`} {
		t.Run(s, func(t *testing.T) {
			_, err := ParseSessionKey(s)
			if err == nil {
				t.Fatalf("ParseSessionKey(%q) expected error", s)
			}
			if got := errs.CodeOf(err); got != errs.SessionKeyInvalidFormat {
				t.Errorf("code = %s, want SESSION_KEY_INVALID_FORMAT", got)
			}
		})
	}
}

func TestParsePartitionKey_Invalid(t *testing.T) {
	for _, s := range []string{"", "a/b", "a/b/c/d", "a//c", "a/b:c/d"} {
		t.Run(s, func(t *testing.T) {
			_, err := ParsePartitionKey(s)
			if err == nil {
				t.Fatalf("ParsePartitionKey(%q) expected error", s)
			}
			var e *errs.Error
			if !errors.As(err, &e) || e.Code != errs.StoragePartitionInvalidFormat {
				t.Errorf("err = %v, want STORAGE_PARTITION_INVALID_FORMAT", err)
			}
		})
	}
}
