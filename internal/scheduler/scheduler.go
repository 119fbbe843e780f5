// Package scheduler runs the periodic indexer jobs on cron schedules.
// A job never overlaps with itself: a fire that arrives while the previous
// run of the same job is still active is skipped and counted.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/bridge-kpi-indexer/internal/metrics"
)

var (
	// ErrUnknownJob is returned when triggering a job that was never added
	ErrUnknownJob = errors.New("unknown job")

	// ErrJobRunning is returned when a trigger finds the job already active
	ErrJobRunning = errors.New("job already running")

	// ErrJobDisabled is returned when triggering a job disabled by configuration
	ErrJobDisabled = errors.New("job disabled")

	// ErrStopped is returned when a run is requested after Stop
	ErrStopped = errors.New("scheduler stopped")
)

// JobFunc is the body of a job. The context carries the job timeout.
type JobFunc func(ctx context.Context) error

// JobStatus is a point-in-time view of one job
type JobStatus struct {
	Name           string    `json:"name"`
	Schedule       string    `json:"schedule"`
	Running        bool      `json:"running"`
	Disabled       bool      `json:"disabled,omitempty"`
	DisabledReason string    `json:"disabled_reason,omitempty"`
	LastStart      time.Time `json:"last_start,omitempty"`
	LastEnd        time.Time `json:"last_end,omitempty"`
	LastDuration   string    `json:"last_duration,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	Runs           uint64    `json:"runs"`
	Failures       uint64    `json:"failures"`
	Skips          uint64    `json:"skips"`
}

type job struct {
	name     string
	schedule string
	fn       JobFunc
	disabled bool
	running  atomic.Bool

	mu     sync.Mutex
	status JobStatus
}

func (j *job) snapshot() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := j.status
	st.Running = j.running.Load()
	return st
}

// Scheduler owns the cron runner and the job registry
type Scheduler struct {
	cron    *cron.Cron
	jobs    *xsync.MapOf[string, *job]
	timeout time.Duration
	metrics *metrics.Metrics

	// base is cancelled on Stop so running jobs observe shutdown
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// stopMu orders run registration against Stop
	stopMu  sync.Mutex
	stopped bool
}

// New creates a scheduler. Every run gets a context bounded by timeout.
func New(timeout time.Duration, m *metrics.Metrics) *Scheduler {
	logger := cronLogger{}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger)), cron.WithLogger(logger)),
		jobs:    xsync.NewMapOf[string, *job](),
		timeout: timeout,
		metrics: m,
		base:    base,
		cancel:  cancel,
	}
}

// Add registers a job on a cron schedule with a seconds field
func (s *Scheduler) Add(name, schedule string, fn JobFunc) error {
	if _, exists := s.jobs.Load(name); exists {
		return fmt.Errorf("job %s already registered", name)
	}

	j := &job{
		name:     name,
		schedule: schedule,
		fn:       fn,
		status:   JobStatus{Name: name, Schedule: schedule},
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.run(j) }); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", schedule, name, err)
	}
	s.jobs.Store(name, j)

	logrus.WithFields(logrus.Fields{
		"job":      name,
		"schedule": schedule,
	}).Info("Job scheduled")
	return nil
}

// Disable records a job that will not run, so it still shows up in status
func (s *Scheduler) Disable(name, reason string) {
	s.jobs.Store(name, &job{
		name:     name,
		disabled: true,
		status: JobStatus{
			Name:           name,
			Disabled:       true,
			DisabledReason: reason,
		},
	})
	logrus.WithFields(logrus.Fields{
		"job":    name,
		"reason": reason,
	}).Warn("Job disabled")
}

// Trigger starts a job once outside its schedule. It returns ErrJobRunning
// instead of starting a second concurrent run.
func (s *Scheduler) Trigger(name string) error {
	j, ok := s.jobs.Load(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if j.disabled {
		return fmt.Errorf("%w: %s", ErrJobDisabled, name)
	}
	if !s.begin() {
		return fmt.Errorf("%w: %s", ErrStopped, name)
	}
	if !j.running.CompareAndSwap(false, true) {
		s.wg.Done()
		s.skip(j)
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}

	go func() {
		defer s.wg.Done()
		s.execute(j)
	}()
	return nil
}

// RunOnce runs a job synchronously, honoring the overlap guard
func (s *Scheduler) RunOnce(name string) error {
	j, ok := s.jobs.Load(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if j.disabled {
		return fmt.Errorf("%w: %s", ErrJobDisabled, name)
	}
	if !s.begin() {
		return fmt.Errorf("%w: %s", ErrStopped, name)
	}
	defer s.wg.Done()
	if !j.running.CompareAndSwap(false, true) {
		s.skip(j)
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	return s.execute(j)
}

func (s *Scheduler) run(j *job) {
	if !s.begin() {
		return
	}
	defer s.wg.Done()
	if !j.running.CompareAndSwap(false, true) {
		s.skip(j)
		return
	}
	_ = s.execute(j)
}

// begin registers a run with the wait group unless Stop has been called
func (s *Scheduler) begin() bool {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Scheduler) skip(j *job) {
	j.mu.Lock()
	j.status.Skips++
	j.mu.Unlock()
	s.metrics.JobSkipped(j.name)

	logrus.WithField("job", j.name).Warn("Previous run still active, skipping")
}

// execute runs the job body. The caller must hold the running token.
func (s *Scheduler) execute(j *job) (err error) {
	defer j.running.Store(false)

	ctx := s.base
	var cancel context.CancelFunc
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := time.Now()
	j.mu.Lock()
	j.status.LastStart = start.UTC()
	j.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
		}

		elapsed := time.Since(start)
		j.mu.Lock()
		j.status.LastEnd = time.Now().UTC()
		j.status.LastDuration = elapsed.String()
		j.status.Runs++
		if err != nil {
			j.status.Failures++
			j.status.LastError = err.Error()
		} else {
			j.status.LastError = ""
		}
		j.mu.Unlock()
		s.metrics.ObserveJob(j.name, elapsed, err)

		entry := logrus.WithFields(logrus.Fields{
			"job":      j.name,
			"duration": elapsed,
		})
		if err != nil {
			entry.WithField("error", err).Error("Job failed")
		} else {
			entry.Debug("Job finished")
		}
	}()

	return j.fn(ctx)
}

// Status returns the status of every known job, ordered by name
func (s *Scheduler) Status() []JobStatus {
	out := make([]JobStatus, 0, s.jobs.Size())
	s.jobs.Range(func(_ string, j *job) bool {
		out = append(out, j.snapshot())
		return true
	})
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// JobStatus returns the status of one job
func (s *Scheduler) JobStatus(name string) (JobStatus, bool) {
	j, ok := s.jobs.Load(name)
	if !ok {
		return JobStatus{}, false
	}
	return j.snapshot(), true
}

// Start begins firing scheduled jobs
func (s *Scheduler) Start() {
	s.cron.Start()
	logrus.WithField("jobs", s.jobs.Size()).Info("Scheduler started")
}

// Stop stops firing jobs, cancels running ones and waits for them to return
// or for ctx to expire
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopMu.Lock()
	s.stopped = true
	s.stopMu.Unlock()

	cronDone := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// cronLogger routes cron's own logging through logrus
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logrus.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logrus.WithFields(fields(keysAndValues)).WithField("error", err).Error("cron: " + msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
