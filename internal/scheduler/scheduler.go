package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	apperrors "fundarb/internal/errors"
	"fundarb/internal/logger"
)

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusIdle    JobStatus = "idle"
	JobStatusRunning JobStatus = "running"
	JobStatusFailed  JobStatus = "failed"
)

// JobFunc is the work a scheduled job performs
type JobFunc func(ctx context.Context) error

// Job is an interval-driven loop. Overlapping runs are skipped: if a run is
// still in flight when its interval fires, the fire is dropped.
type Job struct {
	Name     string
	Interval time.Duration
	Fn       JobFunc

	running  atomic.Bool
	mu       sync.Mutex
	status   JobStatus
	lastRun  time.Time
	lastErr  string
	runCount int64
}

// JobInfo is the externally visible state of a job
type JobInfo struct {
	Name     string    `json:"name"`
	Status   JobStatus `json:"status"`
	LastRun  time.Time `json:"last_run"`
	LastErr  string    `json:"last_error,omitempty"`
	RunCount int64     `json:"run_count"`
}

// Scheduler runs interval jobs on independent goroutines plus cron jobs on a
// shared cron runner. The clocks are not coupled: a slow job delays only
// itself.
type Scheduler struct {
	cron    *cron.Cron
	jobs    []*Job
	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     logger.Logger
}

// New creates an empty scheduler
func New() *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  logger.WithField("component", "scheduler"),
	}
}

// AddInterval registers a job to run every interval, starting one interval
// after Start
func (s *Scheduler) AddInterval(name string, interval time.Duration, fn JobFunc) *Job {
	job := &Job{Name: name, Interval: interval, Fn: fn, status: JobStatusIdle}
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	return job
}

// AddCron registers a job on a cron schedule (with seconds field, e.g.
// "0 0 * * * *" for the top of every hour, wall-clock aligned)
func (s *Scheduler) AddCron(name, schedule string, fn JobFunc) error {
	job := &Job{Name: name, Fn: fn, status: JobStatusIdle}
	_, err := s.cron.AddFunc(schedule, func() {
		s.runJob(context.Background(), job)
	})
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeInvalidInput,
			"invalid cron schedule %q for job %s", schedule, name)
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	return nil
}

// Start launches all interval loops and the cron runner. Calling Start twice
// is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			continue // cron job, owned by the cron runner
		}
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	s.cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop cancels all loops and waits for in-flight runs to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// Jobs reports the state of every registered job
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]JobInfo, 0, len(s.jobs))
	for _, job := range s.jobs {
		infos = append(infos, job.info())
	}
	return infos
}

// loop drives one interval job. A panicking run is recovered and the loop
// restarts its ticker after a backoff so one bad tick cannot kill the job
// permanently.
func (s *Scheduler) loop(ctx context.Context, job *Job) {
	defer s.wg.Done()

	backoff := time.Second
	for {
		done, completed := s.runTicker(ctx, job)
		if done {
			return
		}
		// only reached after a panic; a clean run since the last restart
		// resets the backoff so isolated panics always pay the minimum
		if completed {
			backoff = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

// runTicker runs the job's ticker until ctx is cancelled (done=true) or the
// job panics (done=false). completed reports whether any run finished without
// panicking since the ticker started.
func (s *Scheduler) runTicker(ctx context.Context, job *Job) (done, completed bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked, restarting loop",
				"job", job.Name, "panic", r)
			job.setStatus(JobStatusFailed, "panic in job")
			done = false
		}
	}()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return true, completed
		case <-ticker.C:
			s.runJob(ctx, job)
			completed = true
		}
	}
}

// runJob executes one run with skip-if-running semantics
func (s *Scheduler) runJob(ctx context.Context, job *Job) {
	if !job.running.CompareAndSwap(false, true) {
		s.log.Warn("job still running, skipping this fire", "job", job.Name)
		return
	}
	defer job.running.Store(false)

	job.setStatus(JobStatusRunning, "")
	start := time.Now()
	err := job.Fn(ctx)
	elapsed := time.Since(start)

	job.mu.Lock()
	job.lastRun = start
	job.runCount++
	if err != nil {
		job.status = JobStatusFailed
		job.lastErr = err.Error()
	} else {
		job.status = JobStatusIdle
		job.lastErr = ""
	}
	job.mu.Unlock()

	if err != nil {
		s.log.Error("job failed", "job", job.Name, "elapsed", elapsed, "error", err)
	} else {
		s.log.Debug("job finished", "job", job.Name, "elapsed", elapsed)
	}
}

func (j *Job) setStatus(status JobStatus, errMsg string) {
	j.mu.Lock()
	j.status = status
	if errMsg != "" {
		j.lastErr = errMsg
	}
	j.mu.Unlock()
}

func (j *Job) info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobInfo{
		Name:     j.Name,
		Status:   j.status,
		LastRun:  j.lastRun,
		LastErr:  j.lastErr,
		RunCount: j.runCount,
	}
}
