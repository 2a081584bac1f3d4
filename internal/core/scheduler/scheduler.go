package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ErrJobNotFound is returned by RunNow for an unregistered name.
var ErrJobNotFound = errors.New("job not found")

// JobFunc is one execution of a scheduled job. ctx is cancelled when the
// job's timeout elapses or the scheduler stops.
type JobFunc func(ctx context.Context) error

// Recorder receives the outcome of every job execution.
type Recorder interface {
	RecordJob(name string, success bool, duration time.Duration)
}

// Job describes a registered job.
type Job struct {
	Name      string        `json:"name"`
	Spec      string        `json:"spec"`
	Timeout   time.Duration `json:"timeout"`
	NextRun   time.Time     `json:"next_run"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	RunCount  int64         `json:"run_count"`

	entryID  cron.EntryID
	schedule cron.Schedule
	fn       JobFunc
}

// specParser matches the cron.WithSeconds option the scheduler is built with.
var specParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler runs the background sweeps on cron schedules with second
// precision. A run that is still in progress when its next tick fires is
// skipped.
type Scheduler struct {
	cron     *cron.Cron
	jobs     map[string]*Job
	timezone *time.Location
	recorder Recorder
	logger   *logrus.Logger
	mu       sync.RWMutex
	running  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// SchedulerConfig contains scheduler configuration
type SchedulerConfig struct {
	Timezone string `json:"timezone"`
}

// NewScheduler creates a new scheduler instance
func NewScheduler(config *SchedulerConfig, recorder Recorder, logger *logrus.Logger) *Scheduler {
	timezone := time.UTC
	if config != nil && config.Timezone != "" {
		tz, err := time.LoadLocation(config.Timezone)
		if err != nil {
			logger.WithError(err).Warnf("Invalid timezone %s, using UTC", config.Timezone)
		} else {
			timezone = tz
		}
	}

	cronLogger := cron.VerbosePrintfLogger(logger.WithField("component", "cron"))
	cronInstance := cron.New(
		cron.WithLocation(timezone),
		cron.WithSeconds(),
		cron.WithChain(
			cron.SkipIfStillRunning(cronLogger),
			cron.Recover(cronLogger),
		),
	)

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     cronInstance,
		jobs:     make(map[string]*Job),
		timezone: timezone,
		recorder: recorder,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// AddJob schedules fn under name. spec uses six fields (seconds first) or a
// descriptor such as "@every 1m".
func (s *Scheduler) AddJob(name, spec string, timeout time.Duration, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		return fmt.Errorf("job name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("job %s has no function", name)
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already scheduled", name)
	}

	schedule, err := specParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}

	job := &Job{Name: name, Spec: spec, Timeout: timeout, schedule: schedule, fn: fn}
	job.entryID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.execute(job)
	}))
	job.NextRun = schedule.Next(time.Now().In(s.timezone))
	s.jobs[name] = job

	s.logger.WithFields(logrus.Fields{
		"job":     name,
		"spec":    spec,
		"timeout": timeout.String(),
	}).Info("Job scheduled")

	return nil
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	s.cron.Start()
	s.running = true
	s.logger.WithField("jobs", len(s.jobs)).Info("Scheduler started")

	return nil
}

// Stop cancels running jobs and waits up to 30 seconds for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	s.running = false
	s.mu.Unlock()

	ctx := s.cron.Stop()
	s.cancel()

	select {
	case <-ctx.Done():
		s.logger.Info("All scheduled jobs completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn("Timeout waiting for scheduled jobs to complete")
	}

	s.logger.Info("Scheduler stopped")
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// RunNow executes a job immediately on the caller's goroutine.
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return s.execute(job)
}

// Jobs returns a copy of every registered job, sorted by name.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		if entry := s.cron.Entry(job.entryID); !entry.Next.IsZero() {
			cp.NextRun = entry.Next
		} else {
			cp.NextRun = job.schedule.Next(time.Now().In(s.timezone))
		}
		if job.LastRun != nil {
			last := *job.LastRun
			cp.LastRun = &last
		}
		cp.fn = nil
		cp.schedule = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) execute(job *Job) error {
	ctx := s.ctx
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := time.Now()
	err := job.fn(ctx)
	duration := time.Since(start)

	s.mu.Lock()
	job.LastRun = &start
	job.RunCount++
	job.LastError = ""
	if err != nil {
		job.LastError = err.Error()
	}
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.RecordJob(job.Name, err == nil, duration)
	}

	entry := s.logger.WithFields(logrus.Fields{
		"job":      job.Name,
		"duration": duration.String(),
	})
	if err != nil {
		entry.WithError(err).Error("Scheduled job failed")
		return err
	}
	entry.Debug("Scheduled job completed")
	return nil
}
