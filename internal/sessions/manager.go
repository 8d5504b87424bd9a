package sessions

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/identity"
)

const (
	// SessionTTL evicts sessions after this much inactivity.
	SessionTTL = 24 * time.Hour

	// MaxLiveSessions caps the live session map; the oldest by last
	// activity are evicted past this.
	MaxLiveSessions = 100

	// cleanupInterval is how often the background cleanup runs.
	cleanupInterval = time.Hour
)

// Manager owns the map of canonical session key → session.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	storageDir  string
	workdirsDir string
	baseWorkdir string

	now      func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock injects the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithWorkdirs enables thread working-directory aliases: each partition key
// resolves to a symlink under workdirsDir pointing at baseWorkdir.
func WithWorkdirs(workdirsDir, baseWorkdir string) Option {
	return func(m *Manager) {
		m.workdirsDir = workdirsDir
		m.baseWorkdir = baseWorkdir
	}
}

// NewManager creates a manager persisting snapshots under storageDir
// (empty = in-memory only), loads all existing snapshots, and starts the
// hourly cleanup timer.
func NewManager(storageDir string, opts ...Option) *Manager {
	m := &Manager{
		sessions:   make(map[string]*Session),
		storageDir: storageDir,
		now:        time.Now,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if storageDir != "" {
		os.MkdirAll(storageDir, 0755)
		m.loadAll()
	}
	go m.cleanupLoop()
	return m
}

// GetOrCreate returns the session for an identity, creating it (and
// restoring its snapshot, if one exists) on first use.
func (m *Manager) GetOrCreate(id identity.Identity) *Session {
	return m.getOrCreateByKey(id.SessionKey())
}

// GetByKey returns the session for a canonical key, creating it on first
// use. The key is assumed canonical (callers derive it via identity).
func (m *Manager) GetByKey(sessionKey string) *Session {
	return m.getOrCreateByKey(sessionKey)
}

func (m *Manager) getOrCreateByKey(key string) *Session {
	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		s.Touch(m.now())
		m.mu.Unlock()
		return s
	}

	s := NewSession(key, m.now())
	m.sessions[key] = s
	m.mu.Unlock()

	if data, ok := m.readSnapshot(key); ok {
		s.RestoreFromData(data)
		slog.Debug("session restored from snapshot", "key", key)
	}
	return s
}

// Lookup returns the live session for a key without creating or touching
// one.
func (m *Manager) Lookup(sessionKey string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey]
	return s, ok
}

// HasSession reports whether a live session exists for the key.
func (m *Manager) HasSession(sessionKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionKey]
	return ok
}

// ActiveSessionKeys returns the keys of all live sessions.
func (m *Manager) ActiveSessionKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SessionStat is one session's line in the global stats.
type SessionStat struct {
	Key          string    `json:"key"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Queries      int64     `json:"queries"`
	LastActivity time.Time `json:"last_activity"`
	Running      bool      `json:"running"`
}

// GlobalStats aggregates usage across all live sessions.
type GlobalStats struct {
	TotalInputTokens  int64         `json:"total_input_tokens"`
	TotalOutputTokens int64         `json:"total_output_tokens"`
	TotalQueries      int64         `json:"total_queries"`
	Sessions          []SessionStat `json:"sessions"` // sorted by last activity desc
}

// GetGlobalStats returns aggregate token/query totals and per-session rows
// sorted by last activity, newest first.
func (m *Manager) GetGlobalStats() GlobalStats {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	var stats GlobalStats
	for _, s := range list {
		s.mu.Lock()
		row := SessionStat{
			Key:          s.Key,
			InputTokens:  s.TotalInputTokens,
			OutputTokens: s.TotalOutputTokens,
			Queries:      s.TotalQueries,
			LastActivity: s.LastActivity,
			Running:      s.running,
		}
		s.mu.Unlock()

		stats.TotalInputTokens += row.InputTokens
		stats.TotalOutputTokens += row.OutputTokens
		stats.TotalQueries += row.Queries
		stats.Sessions = append(stats.Sessions, row)
	}
	sort.Slice(stats.Sessions, func(i, j int) bool {
		return stats.Sessions[i].LastActivity.After(stats.Sessions[j].LastActivity)
	})
	return stats
}

// KillResult summarizes a killed session.
type KillResult struct {
	Count    int      `json:"count"`    // lost steering messages
	Messages []string `json:"messages"` // their texts
}

// KillSession aborts any running query, removes the session, and deletes
// its snapshot. Lost steering messages are reported back.
func (m *Manager) KillSession(sessionKey string) KillResult {
	m.mu.Lock()
	s, ok := m.sessions[sessionKey]
	if ok {
		delete(m.sessions, sessionKey)
	}
	m.mu.Unlock()

	if !ok {
		return KillResult{}
	}

	s.Abort()
	s.deactivate()

	lost := s.drainSteering()
	result := KillResult{Count: len(lost)}
	for _, msg := range lost {
		result.Messages = append(result.Messages, msg.Text)
	}

	if m.storageDir != "" {
		path := m.snapshotPath(sessionKey)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("session snapshot delete failed", "key", sessionKey, "error", err)
		}
	}

	slog.Info("session killed", "key", sessionKey, "lost_steering", result.Count)
	return result
}

// SaveAllSessions writes every live session to its snapshot file.
func (m *Manager) SaveAllSessions() {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	for _, s := range list {
		if err := m.save(s); err != nil {
			slog.Warn("session snapshot write failed", "key", s.Key, "error", err)
		}
	}
}

// Cleanup evicts sessions idle past the TTL (saving them first), then
// LRU-evicts the oldest by last activity until the live count is within the
// cap.
func (m *Manager) Cleanup() {
	now := m.now()

	m.mu.Lock()
	type aged struct {
		s    *Session
		last time.Time
	}
	list := make([]aged, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.mu.Lock()
		list = append(list, aged{s, s.LastActivity})
		s.mu.Unlock()
	}
	m.mu.Unlock()

	var evict []*Session
	survivors := make([]aged, 0, len(list))
	for _, a := range list {
		if now.Sub(a.last) > SessionTTL {
			evict = append(evict, a.s)
		} else {
			survivors = append(survivors, a)
		}
	}

	if len(survivors) > MaxLiveSessions {
		sort.Slice(survivors, func(i, j int) bool {
			return survivors[i].last.Before(survivors[j].last)
		})
		overflow := len(survivors) - MaxLiveSessions
		for _, a := range survivors[:overflow] {
			evict = append(evict, a.s)
		}
	}

	for _, s := range evict {
		if err := m.save(s); err != nil {
			slog.Warn("session snapshot write failed", "key", s.Key, "error", err)
		}
		s.deactivate()
		m.mu.Lock()
		delete(m.sessions, s.Key)
		m.mu.Unlock()
	}

	if len(evict) > 0 {
		slog.Info("session cleanup", "evicted", len(evict), "live", m.SessionCount())
	}
}

// Stop cancels the cleanup timer and saves all live sessions.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		<-m.doneCh
		m.SaveAllSessions()
	})
}

func (m *Manager) cleanupLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Cleanup()
		case <-m.stopCh:
			return
		}
	}
}

// EnsureWorkdir resolves the stable alias path for an identity's partition
// key and links it to the shared base working directory. Idempotent.
func (m *Manager) EnsureWorkdir(id identity.Identity) (string, error) {
	if m.workdirsDir == "" {
		return "", nil
	}

	alias := filepath.Join(m.workdirsDir, workdirName(id))
	if err := os.MkdirAll(m.workdirsDir, 0755); err != nil {
		return "", err
	}
	if err := os.MkdirAll(m.baseWorkdir, 0755); err != nil {
		return "", err
	}

	if err := os.Symlink(m.baseWorkdir, alias); err != nil && !os.IsExist(err) {
		return "", err
	}
	return alias, nil
}

// workdirName flattens the identity to {tenant}__{channel}__{thread}.
func workdirName(id identity.Identity) string {
	return id.Tenant + "__" + id.Channel + "__" + id.Thread
}

// --- snapshot I/O ---

// sanitizeFilename maps a session key to its snapshot filename stem.
func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}

func (m *Manager) snapshotPath(key string) string {
	return filepath.Join(m.storageDir, sanitizeFilename(key)+".json")
}

func (m *Manager) save(s *Session) error {
	if m.storageDir == "" {
		return nil
	}

	data, err := json.MarshalIndent(s.ToData(m.now()), "", "  ")
	if err != nil {
		return err
	}

	stem := sanitizeFilename(s.Key)
	if stem == "." || !filepath.IsLocal(stem) || strings.ContainsAny(stem, `/\`) {
		return os.ErrInvalid
	}

	// Atomic write: temp file → rename.
	tmpFile, err := os.CreateTemp(m.storageDir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, m.snapshotPath(s.Key)); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (m *Manager) readSnapshot(key string) (SnapshotData, bool) {
	if m.storageDir == "" {
		return SnapshotData{}, false
	}
	raw, err := os.ReadFile(m.snapshotPath(key))
	if err != nil {
		return SnapshotData{}, false
	}
	var data SnapshotData
	if err := json.Unmarshal(raw, &data); err != nil {
		slog.Warn("session snapshot unreadable", "key", key, "error", err)
		return SnapshotData{}, false
	}
	return data, true
}

func (m *Manager) loadAll() {
	files, err := os.ReadDir(m.storageDir)
	if err != nil {
		return
	}

	loaded := 0
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(m.storageDir, f.Name()))
		if err != nil {
			continue
		}
		var data SnapshotData
		if err := json.Unmarshal(raw, &data); err != nil {
			continue
		}
		key := data.Key
		if _, err := identity.ParseSessionKey(key); err != nil {
			slog.Warn("skipping snapshot with invalid key", "file", f.Name())
			continue
		}

		s := NewSession(key, m.now())
		s.RestoreFromData(data)
		m.sessions[key] = s
		loaded++
	}

	if loaded > 0 {
		slog.Info("sessions loaded from disk", "count", loaded)
	}
}
