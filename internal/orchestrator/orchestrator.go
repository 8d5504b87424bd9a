// Package orchestrator drives provider queries through a retry and fallback
// chain. Retryable failures back off exponentially within one provider;
// rate-limited primaries fall through to the fallback provider.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/errs"
	"github.com/nextlevelbuilder/agentrelay/internal/providers"
)

// RetryPolicy bounds retries for one provider.
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
}

// Default policies: the primary gets one retry with 200ms base backoff, the
// fallback gets none (it is already the last resort).
var (
	DefaultPrimaryPolicy  = RetryPolicy{MaxRetries: 1, BaseBackoff: 200 * time.Millisecond}
	DefaultFallbackPolicy = RetryPolicy{MaxRetries: 0, BaseBackoff: 100 * time.Millisecond}
)

// SleepFunc pauses between retry attempts. Injectable for tests.
type SleepFunc func(time.Duration)

// Orchestrator executes provider queries with per-provider retry policy.
type Orchestrator struct {
	registry *providers.Registry
	policies map[string]RetryPolicy
	sleep    SleepFunc
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithPolicy sets the retry policy for a provider id.
func WithPolicy(providerID string, p RetryPolicy) Option {
	return func(o *Orchestrator) { o.policies[providerID] = p }
}

// WithSleep injects the sleep function used between retries.
func WithSleep(sleep SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// New creates an orchestrator over a registry.
func New(registry *providers.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		policies: make(map[string]RetryPolicy),
		sleep:    func(d time.Duration) { time.Sleep(d) },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Request describes one provider query execution.
type Request struct {
	PrimaryProviderID  string
	FallbackProviderID string // empty = no fallback
	Input              providers.QueryInput
	OnEvent            providers.OnEvent
}

// Result reports which provider completed the query and how many attempts
// it took on that provider.
type Result struct {
	ProviderID string
	Attempts   int
}

func (o *Orchestrator) policyFor(providerID string, primary bool) RetryPolicy {
	if p, ok := o.policies[providerID]; ok {
		return p
	}
	if primary {
		return DefaultPrimaryPolicy
	}
	return DefaultFallbackPolicy
}

// Execute runs the query against the provider chain. Each invocation
// produces exactly one complete event stream to OnEvent; on fallback the
// consumer may observe partial primary output followed by the full fallback
// output, preserving streaming responsiveness.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Result, error) {
	chain := []string{req.PrimaryProviderID}
	if req.FallbackProviderID != "" {
		chain = append(chain, req.FallbackProviderID)
	}

	var lastErr *errs.Error

providerLoop:
	for i, providerID := range chain {
		adapter, err := o.registry.GetOrThrow(providerID)
		if err != nil {
			return Result{}, err
		}

		policy := o.policyFor(providerID, i == 0)
		hasFallback := i < len(chain)-1

		for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
			handle, startErr := adapter.StartQuery(ctx, req.Input)
			if startErr != nil {
				ne := errs.NormalizeProviderError(providerID, startErr)
				lastErr = ne
				if ne.Retryable && attempt < policy.MaxRetries {
					o.backoff(policy, attempt, providerID)
					continue
				}
				if ne.Code == errs.RateLimit && hasFallback {
					continue providerLoop
				}
				return Result{}, ne
			}

			streamErr := adapter.StreamEvents(ctx, handle, req.OnEvent)
			adapter.AbortQuery(handle) // best-effort release; idempotent

			if streamErr == nil {
				return Result{ProviderID: providerID, Attempts: attempt + 1}, nil
			}

			ne := errs.NormalizeProviderError(providerID, streamErr)
			lastErr = ne

			if ne.Retryable && attempt < policy.MaxRetries {
				o.backoff(policy, attempt, providerID)
				continue
			}
			if ne.Code == errs.RateLimit && hasFallback {
				slog.Info("provider rate limited, falling back",
					"provider", providerID,
					"fallback", chain[i+1],
				)
				continue providerLoop
			}
			return Result{}, ne
		}
	}

	if lastErr != nil {
		return Result{}, lastErr
	}
	return Result{}, errs.NewProvider(req.PrimaryProviderID, errs.Internal, "provider chain exhausted")
}

func (o *Orchestrator) backoff(policy RetryPolicy, attempt int, providerID string) {
	delay := policy.BaseBackoff << attempt
	slog.Debug("provider retry", "provider", providerID, "attempt", attempt+1, "delay", delay)
	o.sleep(delay)
}
