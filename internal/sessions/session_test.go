package sessions

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestSteeringBufferBound(t *testing.T) {
	tests := []struct {
		adds        int
		wantSize    int
		wantDropped int
	}{
		{0, 0, 0},
		{1, 1, 0},
		{50, 50, 0},
		{100, 100, 0},
		{101, 100, 1},
		{250, 100, 150},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("adds=%d", tt.adds), func(t *testing.T) {
			s := NewSession("default:100:22", time.Unix(0, 0))
			dropped := 0
			for i := 0; i < tt.adds; i++ {
				dropped += len(s.AddSteering(fmt.Sprintf("msg-%d", i), time.Unix(int64(i), 0)))
			}
			if got := s.SteeringCount(); got != tt.wantSize {
				t.Errorf("buffer size = %d, want %d", got, tt.wantSize)
			}
			if dropped != tt.wantDropped {
				t.Errorf("dropped = %d, want %d", dropped, tt.wantDropped)
			}
		})
	}
}

func TestSteeringDropsComeFromHead(t *testing.T) {
	s := NewSession("default:100:22", time.Unix(0, 0))
	for i := 0; i < SteeringCapacity; i++ {
		s.AddSteering(fmt.Sprintf("msg-%d", i), time.Unix(int64(i), 0))
	}
	dropped := s.AddSteering("overflow", time.Unix(999, 0))
	if len(dropped) != 1 || dropped[0].Text != "msg-0" {
		t.Fatalf("dropped = %+v, want the oldest message", dropped)
	}
}

func TestConsumeSteering(t *testing.T) {
	s := NewSession("default:100:22", time.Unix(0, 0))
	for i := 0; i < 50; i++ {
		s.AddSteering(fmt.Sprintf("msg-%d", i), time.Unix(int64(i), 0))
	}

	joined := s.ConsumeSteering()
	if s.SteeringCount() != 0 {
		t.Errorf("buffer not empty after consume: %d", s.SteeringCount())
	}
	if !strings.HasPrefix(joined, "msg-0") {
		t.Errorf("first message missing from output: %q", joined[:20])
	}
	if !strings.HasSuffix(joined, "msg-49") {
		t.Errorf("last message missing from output")
	}
	if !strings.Contains(joined, "\n---\n") {
		t.Errorf("messages not joined by separator")
	}

	if again := s.ConsumeSteering(); again != "" {
		t.Errorf("second consume = %q, want empty", again)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := NewSession("default:55001:77", now)
	s.SetProviderSessionID("prov-abc")
	s.AccumulateUsage(120, 450)
	s.AccumulateUsage(30, 70)
	s.SetContextWindow(670, 200000)
	s.WorkingDir = "/tmp/workdirs/default__55001__77"
	s.mu.Lock()
	s.TotalQueries = 7
	s.mu.Unlock()

	restored := NewSession("default:55001:77", now.Add(time.Hour))
	restored.RestoreFromData(s.ToData(now))

	if restored.ProviderSessionID != "prov-abc" {
		t.Errorf("provider session id = %q", restored.ProviderSessionID)
	}
	if restored.TotalInputTokens != 150 || restored.TotalOutputTokens != 520 {
		t.Errorf("tokens = %d/%d, want 150/520", restored.TotalInputTokens, restored.TotalOutputTokens)
	}
	if restored.TotalQueries != 7 {
		t.Errorf("queries = %d, want 7", restored.TotalQueries)
	}
	if restored.ContextWindowUsage != 670 || restored.ContextWindowSize != 200000 {
		t.Errorf("context window = %d/%d", restored.ContextWindowUsage, restored.ContextWindowSize)
	}
	if restored.WorkingDir != s.WorkingDir {
		t.Errorf("working dir = %q", restored.WorkingDir)
	}
	if !restored.StartTime.Equal(now) {
		t.Errorf("start time = %v, want %v", restored.StartTime, now)
	}
}

func TestBeginQueryExclusive(t *testing.T) {
	s := NewSession("default:100:22", time.Unix(0, 0))
	if !s.BeginQuery(nil) {
		t.Fatal("first BeginQuery refused")
	}
	if s.BeginQuery(nil) {
		t.Fatal("second BeginQuery accepted while running")
	}
	s.EndQuery()
	if !s.BeginQuery(nil) {
		t.Fatal("BeginQuery refused after EndQuery")
	}
	if s.TotalQueries != 2 {
		t.Errorf("queries = %d, want 2", s.TotalQueries)
	}
}
