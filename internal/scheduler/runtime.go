// Package scheduler isolates cron-driven work from user sessions. Scheduled
// jobs execute in sessions whose keys carry the "cron:" tenant prefix, and
// the queue drains only while no cron session is busy.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/agentrelay/internal/bus"
	"github.com/nextlevelbuilder/agentrelay/internal/identity"
	"github.com/nextlevelbuilder/agentrelay/internal/sessions"
)

// CronKeyPrefix marks sessions owned by the scheduler.
const CronKeyPrefix = "cron:"

// ExecuteRequest is one scheduled prompt execution.
type ExecuteRequest struct {
	Prompt         string
	SessionKey     string
	UserID         string
	StatusCallback func(status, message string)
	ModelContext   string // "cron" for scheduled work; Execute sets it when empty
}

// ExecuteFunc runs a scheduled prompt and returns the response text.
type ExecuteFunc func(ctx context.Context, req ExecuteRequest) (string, error)

// Options configures the process-wide scheduler runtime.
type Options struct {
	// IsBusy reports whether any cron session is currently running. It must
	// consider only sessions whose key starts with CronKeyPrefix.
	IsBusy func() bool

	// Execute routes a request to the session named by its canonical
	// session key.
	Execute ExecuteFunc
}

// runtime is the process-wide boundary state.
var (
	runtimeMu sync.Mutex
	runtime   *Options
)

// Configure installs the runtime boundary. Call once at startup.
func Configure(opts Options) {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	runtime = &opts
}

// ResetForTests clears the boundary and stops any drain timer.
func ResetForTests() {
	StopQueueDrainTimer()
	runtimeMu.Lock()
	runtime = nil
	runtimeMu.Unlock()
}

// IsBusy reports whether a cron session is running. Unconfigured runtimes
// are never busy.
func IsBusy() bool {
	runtimeMu.Lock()
	rt := runtime
	runtimeMu.Unlock()
	if rt == nil || rt.IsBusy == nil {
		return false
	}
	return rt.IsBusy()
}

// Execute runs a scheduled request through the configured boundary. The
// session key must carry the cron prefix: scheduled work never touches a
// user session.
func Execute(ctx context.Context, req ExecuteRequest) (string, error) {
	runtimeMu.Lock()
	rt := runtime
	runtimeMu.Unlock()

	if rt == nil || rt.Execute == nil {
		return "", errors.New("scheduler runtime not configured")
	}
	if !strings.HasPrefix(req.SessionKey, CronKeyPrefix) {
		return "", errors.New("scheduler execute requires a cron session key, got " + req.SessionKey)
	}
	if req.ModelContext == "" {
		req.ModelContext = "cron"
	}
	return rt.Execute(ctx, req)
}

// IsCronSessionKey reports whether a canonical session key belongs to the
// scheduler.
func IsCronSessionKey(key string) bool {
	return strings.HasPrefix(key, CronKeyPrefix)
}

// BusyFunc adapts a session manager into the IsBusy contract: true iff at
// least one cron-prefixed session is running. User sessions never count.
func BusyFunc(mgr *sessions.Manager) func() bool {
	return func() bool {
		for _, key := range mgr.ActiveSessionKeys() {
			if !IsCronSessionKey(key) {
				continue
			}
			if s, ok := mgr.Lookup(key); ok && s.IsRunning() {
				return true
			}
		}
		return false
	}
}

// BuildSchedulerRoute derives the canonical route for a named job:
// tenant "cron", channel "scheduler", thread slug(name).
func BuildSchedulerRoute(name string) bus.AgentRoute {
	id, err := identity.New("cron", "scheduler", Slug(name))
	if err != nil {
		// Slug output is always a valid thread; identity.New cannot fail
		// on it. Keep the route well-formed regardless.
		id = identity.Identity{Tenant: "cron", Channel: "scheduler", Thread: "job"}
	}
	return bus.NewRoute(id, "", "scheduler", "", "")
}

// Slug normalizes a job name to a thread id: lowercase, non-alphanumeric
// runs collapse to '-', trimmed; blank input becomes "job".
func Slug(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if out == "" {
		return "job"
	}
	return out
}
