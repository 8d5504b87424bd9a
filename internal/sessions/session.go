// Package sessions owns per-identity session objects: lifecycle, steering
// buffer, usage counters, TTL/LRU eviction, and on-disk snapshots.
package sessions

import (
	"strings"
	"sync"
	"time"
)

// SteeringCapacity bounds the steering buffer. Adds beyond the capacity drop
// from the head, and drops are always reported to the caller.
const SteeringCapacity = 100

// steeringJoiner separates buffered steering messages on consume.
const steeringJoiner = "\n---\n"

// SteeringMessage is one buffered user message.
type SteeringMessage struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the per-identity conversation state. All mutating methods are
// safe for concurrent use; the session lock guards counters and the
// steering buffer.
type Session struct {
	mu sync.Mutex

	Key               string
	ProviderSessionID string

	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalQueries      int64

	ContextWindowUsage int
	ContextWindowSize  int

	LastActivity time.Time
	StartTime    time.Time

	WorkingDir string

	running  bool
	active   bool
	steering []SteeringMessage
	abort    func()
}

// NewSession constructs a session for a canonical key.
func NewSession(key string, now time.Time) *Session {
	return &Session{
		Key:          key,
		LastActivity: now,
		StartTime:    now,
		active:       true,
	}
}

// Touch records activity.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.LastActivity = now
	s.mu.Unlock()
}

// IsRunning reports whether a provider query is in flight.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsActive reports whether the session is live (not evicted).
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// BeginQuery marks a query as running and registers its abort hook.
// Returns false if a query is already in flight.
func (s *Session) BeginQuery(abort func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	s.abort = abort
	s.TotalQueries++
	return true
}

// EndQuery clears the running state.
func (s *Session) EndQuery() {
	s.mu.Lock()
	s.running = false
	s.abort = nil
	s.mu.Unlock()
}

// Abort cancels the in-flight query, if any.
func (s *Session) Abort() {
	s.mu.Lock()
	abort := s.abort
	s.mu.Unlock()
	if abort != nil {
		abort()
	}
}

func (s *Session) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// AccumulateUsage adds token counts from a usage event. Totals only grow.
func (s *Session) AccumulateUsage(inputTokens, outputTokens int) {
	s.mu.Lock()
	s.TotalInputTokens += int64(inputTokens)
	s.TotalOutputTokens += int64(outputTokens)
	s.mu.Unlock()
}

// SetContextWindow records context window consumption.
func (s *Session) SetContextWindow(used, size int) {
	s.mu.Lock()
	s.ContextWindowUsage = used
	if size > 0 {
		s.ContextWindowSize = size
	}
	s.mu.Unlock()
}

// SetProviderSessionID stores the provider-side resume token.
func (s *Session) SetProviderSessionID(id string) {
	s.mu.Lock()
	if id != "" {
		s.ProviderSessionID = id
	}
	s.mu.Unlock()
}

// AddSteering appends a steering message, dropping from the head when the
// buffer is full. Dropped messages are returned, never silently discarded.
func (s *Session) AddSteering(text string, timestamp time.Time) []SteeringMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.steering = append(s.steering, SteeringMessage{Text: text, Timestamp: timestamp})
	if len(s.steering) <= SteeringCapacity {
		return nil
	}

	overflow := len(s.steering) - SteeringCapacity
	dropped := make([]SteeringMessage, overflow)
	copy(dropped, s.steering[:overflow])
	s.steering = append(s.steering[:0], s.steering[overflow:]...)
	return dropped
}

// SteeringCount returns the current buffer size.
func (s *Session) SteeringCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steering)
}

// ConsumeSteering drains the buffer and returns the messages joined by a
// separator line, oldest first. Returns "" when the buffer is empty.
func (s *Session) ConsumeSteering() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.steering) == 0 {
		return ""
	}
	parts := make([]string, len(s.steering))
	for i, m := range s.steering {
		parts[i] = m.Text
	}
	s.steering = nil
	return strings.Join(parts, steeringJoiner)
}

// drainSteering empties the buffer and returns the messages (for kill
// reporting).
func (s *Session) drainSteering() []SteeringMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.steering
	s.steering = nil
	return out
}

// SnapshotData is the persisted form of a session. Key is stored in the
// body because the filename encoding (':' → '_') is not reversible when
// identity fields themselves contain underscores.
type SnapshotData struct {
	Key                string `json:"key"`
	SessionID          string `json:"session_id"`
	SavedAt            string `json:"saved_at"` // ISO-8601
	WorkingDir         string `json:"working_dir,omitempty"`
	ContextWindowUsage int    `json:"contextWindowUsage"`
	ContextWindowSize  int    `json:"contextWindowSize"`
	TotalInputTokens   int64  `json:"totalInputTokens"`
	TotalOutputTokens  int64  `json:"totalOutputTokens"`
	TotalQueries       int64  `json:"totalQueries"`
	SessionStartTime   string `json:"sessionStartTime,omitempty"`
}

// ToData snapshots the persisted fields under the session lock.
func (s *Session) ToData(now time.Time) SnapshotData {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := SnapshotData{
		Key:                s.Key,
		SessionID:          s.ProviderSessionID,
		SavedAt:            now.UTC().Format(time.RFC3339),
		WorkingDir:         s.WorkingDir,
		ContextWindowUsage: s.ContextWindowUsage,
		ContextWindowSize:  s.ContextWindowSize,
		TotalInputTokens:   s.TotalInputTokens,
		TotalOutputTokens:  s.TotalOutputTokens,
		TotalQueries:       s.TotalQueries,
	}
	if !s.StartTime.IsZero() {
		data.SessionStartTime = s.StartTime.UTC().Format(time.RFC3339)
	}
	return data
}

// RestoreFromData applies a snapshot onto the session.
func (s *Session) RestoreFromData(data SnapshotData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ProviderSessionID = data.SessionID
	s.WorkingDir = data.WorkingDir
	s.ContextWindowUsage = data.ContextWindowUsage
	s.ContextWindowSize = data.ContextWindowSize
	s.TotalInputTokens = data.TotalInputTokens
	s.TotalOutputTokens = data.TotalOutputTokens
	s.TotalQueries = data.TotalQueries
	if data.SessionStartTime != "" {
		if t, err := time.Parse(time.RFC3339, data.SessionStartTime); err == nil {
			s.StartTime = t
		}
	}
}
