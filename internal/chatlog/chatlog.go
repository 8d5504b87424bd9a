// Package chatlog persists dialogue transcripts as append-only NDJSON,
// partitioned by identity and day:
//
//	{base}/chats/{tenant}/{channel}/{thread}/{YYYY-MM-DD}.ndjson
package chatlog

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/identity"
)

// Record is one transcript line.
type Record struct {
	Role      string `json:"role"` // "user" or "assistant"
	Text      string `json:"text"`
	MessageID string `json:"message_id,omitempty"`
	At        string `json:"at"` // ISO-8601
}

// Logger appends transcript records under a base directory.
type Logger struct {
	base string
	now  func() time.Time
}

// Option customizes a Logger.
type Option func(*Logger)

// WithClock injects the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// New creates a transcript logger rooted at base.
func New(base string, opts ...Option) *Logger {
	l := &Logger{base: base, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append writes one record to the identity's current day file.
func (l *Logger) Append(id identity.Identity, role, text, messageID string) error {
	now := l.now().UTC()

	dir := filepath.Join(l.base, "chats", filepath.FromSlash(id.PartitionKey()))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	line, err := json.Marshal(Record{
		Role:      role,
		Text:      text,
		MessageID: messageID,
		At:        now.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	path := filepath.Join(dir, now.Format("2006-01-02")+".ndjson")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

// Read returns all records for an identity on a given day. Missing files
// yield an empty slice.
func (l *Logger) Read(id identity.Identity, day time.Time) ([]Record, error) {
	path := filepath.Join(l.base, "chats", filepath.FromSlash(id.PartitionKey()),
		day.UTC().Format("2006-01-02")+".ndjson")

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var records []Record
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var r Record
		if err := dec.Decode(&r); err != nil {
			return records, err
		}
		records = append(records, r)
	}
	return records, nil
}
