package providers

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/agentrelay/internal/errs"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewEchoAdapter("codex", true))
	reg.Register(NewEchoAdapter("sim", true))

	if _, ok := reg.Get("codex"); !ok {
		t.Error("registered adapter not found")
	}
	if got := reg.IDs(); len(got) != 2 || got[0] != "codex" || got[1] != "sim" {
		t.Errorf("ids = %v, want registration order", got)
	}
}

func TestRegistry_OverwriteKeepsOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewEchoAdapter("codex", false))
	reg.Register(NewEchoAdapter("sim", true))
	reg.Register(NewEchoAdapter("codex", true)) // overwrite

	if got := reg.IDs(); len(got) != 2 || got[0] != "codex" {
		t.Errorf("ids = %v, want [codex sim]", got)
	}

	a, _ := reg.Get("codex")
	if _, err := a.StartQuery(context.Background(), QueryInput{Prompt: "x"}); err != nil {
		t.Errorf("overwritten adapter still disabled: %v", err)
	}
}

func TestRegistry_GetOrThrow(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.GetOrThrow("missing")
	if errs.CodeOf(err) != errs.Internal {
		t.Fatalf("error = %v, want INTERNAL", err)
	}
	if errs.IsRetryable(err) {
		t.Error("missing-provider error must not be retryable")
	}
}
