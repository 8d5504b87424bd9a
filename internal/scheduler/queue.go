package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Job is one scheduled unit of work.
type Job struct {
	Name     string
	Schedule string // cron expression
	Prompt   string
}

// QueuedJob is a job instance waiting for a free cron slot.
type QueuedJob struct {
	Job        Job
	EnqueuedAt time.Time
}

// QueueState holds the pending job queue. Safe for concurrent use.
type QueueState struct {
	mu   sync.Mutex
	jobs []QueuedJob
}

// NewQueueState creates an empty queue.
func NewQueueState() *QueueState {
	return &QueueState{}
}

// Enqueue appends a job instance.
func (q *QueueState) Enqueue(job Job, now time.Time) {
	q.mu.Lock()
	q.jobs = append(q.jobs, QueuedJob{Job: job, EnqueuedAt: now})
	q.mu.Unlock()
}

// Len returns the pending count.
func (q *QueueState) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *QueueState) shift() (QueuedJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return QueuedJob{}, false
	}
	job := q.jobs[0]
	q.jobs = append(q.jobs[:0], q.jobs[1:]...)
	return job, true
}

// ProcessOptions wires one drain pass.
type ProcessOptions struct {
	State           *QueueState
	IsBusy          func() bool
	ExecuteJob      func(job Job) error
	OnQueueNotEmpty func(remaining int)
	OnQueueEmpty    func()
}

// ProcessQueuedJobs runs one drain step: nothing to do when the queue is
// empty; wait when a cron session is busy; otherwise execute exactly one
// job and report the remaining depth.
func ProcessQueuedJobs(opts ProcessOptions) error {
	if opts.State.Len() == 0 {
		if opts.OnQueueEmpty != nil {
			opts.OnQueueEmpty()
		}
		return nil
	}

	if opts.IsBusy != nil && opts.IsBusy() {
		if opts.OnQueueNotEmpty != nil {
			opts.OnQueueNotEmpty(opts.State.Len())
		}
		return nil
	}

	queued, ok := opts.State.shift()
	if !ok {
		if opts.OnQueueEmpty != nil {
			opts.OnQueueEmpty()
		}
		return nil
	}

	if err := opts.ExecuteJob(queued.Job); err != nil {
		return fmt.Errorf("scheduler job %q: %w", queued.Job.Name, err)
	}

	if remaining := opts.State.Len(); remaining > 0 {
		if opts.OnQueueNotEmpty != nil {
			opts.OnQueueNotEmpty(remaining)
		}
	} else if opts.OnQueueEmpty != nil {
		opts.OnQueueEmpty()
	}
	return nil
}

// DrainOptions configures the background drain timer.
type DrainOptions struct {
	Interval time.Duration
	OnDrain  func() error
	OnError  func(error)
}

var (
	drainMu   sync.Mutex
	drainStop chan struct{}
)

// StartQueueDrainTimer starts the single background drain timer. Returns
// false (no-op) when a timer is already running.
func StartQueueDrainTimer(opts DrainOptions) bool {
	drainMu.Lock()
	defer drainMu.Unlock()

	if drainStop != nil {
		return false
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}

	stop := make(chan struct{})
	drainStop = stop

	go func() {
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := opts.OnDrain(); err != nil {
					if opts.OnError != nil {
						opts.OnError(err)
					} else {
						slog.Error("scheduler drain failed", "error", err)
					}
				}
			case <-stop:
				return
			}
		}
	}()
	return true
}

// StopQueueDrainTimer stops the drain timer if running.
func StopQueueDrainTimer() {
	drainMu.Lock()
	defer drainMu.Unlock()
	if drainStop != nil {
		close(drainStop)
		drainStop = nil
	}
}

// CronTable holds the registered cron jobs and enqueues the ones due.
type CronTable struct {
	mu   sync.Mutex
	jobs []Job
	gron gronx.Gronx
}

// NewCronTable creates an empty table.
func NewCronTable() *CronTable {
	return &CronTable{gron: gronx.New()}
}

// Add registers a job after validating its cron expression.
func (t *CronTable) Add(job Job) error {
	if !t.gron.IsValid(job.Schedule) {
		return fmt.Errorf("invalid cron expression %q for job %q", job.Schedule, job.Name)
	}
	t.mu.Lock()
	t.jobs = append(t.jobs, job)
	t.mu.Unlock()
	return nil
}

// Jobs returns a copy of the registered jobs.
func (t *CronTable) Jobs() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Job, len(t.jobs))
	copy(out, t.jobs)
	return out
}

// EnqueueDue pushes every job due at ref onto the queue and returns how
// many were enqueued.
func (t *CronTable) EnqueueDue(state *QueueState, ref time.Time) int {
	due := 0
	for _, job := range t.Jobs() {
		ok, err := gronx.IsDue(job.Schedule, ref)
		if err != nil {
			slog.Warn("cron due check failed", "job", job.Name, "error", err)
			continue
		}
		if ok {
			state.Enqueue(job, ref)
			due++
		}
	}
	return due
}
