// Package scheduler runs periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownJob     = errors.New("unknown job")
	ErrAlreadyRunning = errors.New("job is already running")
	ErrDuplicateJob   = errors.New("job already registered")
)

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// JobStatus describes a registered job.
type JobStatus struct {
	Name         string     `json:"name"`
	Schedule     string     `json:"schedule"`
	Running      bool       `json:"running"`
	NextRun      *time.Time `json:"next_run,omitempty"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	LastDuration string     `json:"last_duration,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

type jobState struct {
	job     Job
	entryID cron.EntryID

	mu           sync.Mutex
	running      bool
	lastRun      *time.Time
	lastDuration time.Duration
	lastErr      error
}

// Scheduler owns a cron runner and the jobs registered on it.
type Scheduler struct {
	cron *cron.Cron

	mu      sync.RWMutex
	jobs    map[string]*jobState
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup

	onFailure func(job string, err error)
}

// New creates a scheduler evaluating schedules in UTC.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		jobs:   make(map[string]*jobState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnFailure sets a callback invoked after every failed run. Call it before Start.
func (s *Scheduler) OnFailure(fn func(job string, err error)) {
	s.mu.Lock()
	s.onFailure = fn
	s.mu.Unlock()
}

// Add registers job. Schedules use the standard five-field cron syntax or
// descriptors such as @hourly and @every 5m.
func (s *Scheduler) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}
	st := &jobState{job: job}
	id, err := s.cron.AddFunc(job.Schedule, func() { s.execute(st, "schedule") })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", job.Schedule, job.Name, err)
	}
	st.entryID = id
	s.jobs[job.Name] = st
	log.Debug().Str("job", job.Name).Str("schedule", job.Schedule).Msg("Job registered")
	return nil
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	log.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

// Stop halts the cron runner, cancels running jobs and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	if wasRunning {
		<-s.cron.Stop().Done()
	}
	s.cancel()
	s.wg.Wait()
	if wasRunning {
		log.Info().Msg("Scheduler stopped")
	}
}

// RunNow triggers job name in the background outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	st, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	st.mu.Lock()
	busy := st.running
	st.mu.Unlock()
	if busy {
		return ErrAlreadyRunning
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(st, "manual")
	}()
	return nil
}

// execute runs a job unless a previous run is still in progress.
func (s *Scheduler) execute(st *jobState, trigger string) {
	if s.ctx.Err() != nil {
		return
	}
	st.mu.Lock()
	if st.running {
		st.mu.Unlock()
		log.Warn().Str("job", st.job.Name).Msg("Previous run still in progress, skipping")
		return
	}
	st.running = true
	st.mu.Unlock()

	start := time.Now()
	err := s.safeRun(st.job)
	elapsed := time.Since(start)

	st.mu.Lock()
	st.running = false
	st.lastRun = &start
	st.lastDuration = elapsed
	st.lastErr = err
	st.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("job", st.job.Name).Str("trigger", trigger).Dur("duration", elapsed).Msg("Job failed")
		s.mu.RLock()
		hook := s.onFailure
		s.mu.RUnlock()
		if hook != nil {
			hook(st.job.Name, err)
		}
		return
	}
	log.Debug().Str("job", st.job.Name).Str("trigger", trigger).Dur("duration", elapsed).Msg("Job finished")
}

func (s *Scheduler) safeRun(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job.Run(s.ctx)
}

// Status lists registered jobs sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, st := range s.jobs {
		status := JobStatus{Name: st.job.Name, Schedule: st.job.Schedule}
		if entry := s.cron.Entry(st.entryID); !entry.Next.IsZero() {
			next := entry.Next
			status.NextRun = &next
		}

		st.mu.Lock()
		status.Running = st.running
		status.LastRun = st.lastRun
		if st.lastRun != nil {
			status.LastDuration = st.lastDuration.Round(time.Millisecond).String()
		}
		if st.lastErr != nil {
			status.LastError = st.lastErr.Error()
		}
		st.mu.Unlock()

		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
