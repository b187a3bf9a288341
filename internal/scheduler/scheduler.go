// Package scheduler runs turns on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/opentalon/atlas/internal/actor"
	"github.com/opentalon/atlas/internal/orchestrator"
)

const (
	SourceConfig  = "config"
	SourceDynamic = "dynamic"
)

// Runner executes one turn. *orchestrator.Coordinator satisfies it.
type Runner interface {
	Run(ctx context.Context, t orchestrator.Turn) *orchestrator.Outcome
}

// Job is a scheduled request.
type Job struct {
	Name     string `yaml:"name" json:"name"`
	Schedule string `yaml:"schedule" json:"schedule"`
	Text     string `yaml:"text" json:"text"`
	Paused   bool   `yaml:"paused,omitempty" json:"paused,omitempty"`
	Source   string `yaml:"source,omitempty" json:"source,omitempty"`
}

// SessionID is the session every run of the job is recorded under.
func (j Job) SessionID() string { return "schedule:" + j.Name }

var (
	ErrConfigProtected = errors.New("config-defined jobs cannot be modified or removed")
	ErrNotFound        = errors.New("job not found")
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (j Job) validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("job name is required")
	}
	if strings.TrimSpace(j.Text) == "" {
		return fmt.Errorf("job %q: text is required", j.Name)
	}
	if _, err := parser.Parse(j.Schedule); err != nil {
		return fmt.Errorf("job %q: invalid schedule %q: %w", j.Name, j.Schedule, err)
	}
	return nil
}

type scheduledJob struct {
	job   Job
	entry cron.EntryID
	run   cron.Job // wrapped with the scheduler's chain
}

// Scheduler owns a cron instance. A job whose previous run is still going
// when it fires again is skipped.
type Scheduler struct {
	mu      sync.RWMutex
	jobs    map[string]*scheduledJob
	cron    *cron.Cron
	chain   cron.Chain
	runner  Runner
	dataDir string
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Dynamic jobs are persisted under dataDir when it
// is set.
func New(runner Runner, dataDir string, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{logger}
	chain := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:    make(map[string]*scheduledJob),
		cron:    cron.New(cron.WithParser(parser), cron.WithLogger(cl)),
		chain:   chain,
		runner:  runner,
		dataDir: dataDir,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start registers static jobs and persisted dynamic jobs, then starts the
// cron loop. Invalid jobs are logged and skipped.
func (s *Scheduler) Start(static []Job) error {
	for _, j := range static {
		j.Source = SourceConfig
		if err := s.add(j); err != nil {
			s.logger.Warn().Err(err).Str("job", j.Name).Msg("skipping static job")
		}
	}
	dynamic, err := s.loadDynamic()
	if err != nil {
		s.logger.Warn().Err(err).Msg("loading dynamic jobs")
	}
	for _, j := range dynamic {
		j.Source = SourceDynamic
		if err := s.add(j); err != nil {
			s.logger.Warn().Err(err).Str("job", j.Name).Msg("skipping dynamic job")
		}
	}
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.ListJobs())).Msg("scheduler started")
	return nil
}

// Stop cancels running turns, halts the cron loop and waits for both.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// AddJob registers a dynamic job and persists it.
func (s *Scheduler) AddJob(j Job) error {
	j.Source = SourceDynamic
	if err := s.add(j); err != nil {
		return err
	}
	return s.persistDynamic()
}

func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	sj, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if sj.job.Source == SourceConfig {
		s.mu.Unlock()
		return ErrConfigProtected
	}
	s.cron.Remove(sj.entry)
	delete(s.jobs, name)
	s.mu.Unlock()
	return s.persistDynamic()
}

func (s *Scheduler) PauseJob(name string) error {
	s.mu.Lock()
	sj, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if !sj.job.Paused {
		s.cron.Remove(sj.entry)
		sj.entry = 0
		sj.job.Paused = true
	}
	s.mu.Unlock()
	return s.persistDynamic()
}

func (s *Scheduler) ResumeJob(name string) error {
	s.mu.Lock()
	sj, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if !sj.job.Paused {
		s.mu.Unlock()
		return fmt.Errorf("job %q is not paused", name)
	}
	sj.job.Paused = false
	err := s.schedule(sj)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.persistDynamic()
}

// RunNow triggers a job immediately, subject to the same overlap rule as a
// scheduled run. It blocks until the run finishes or is skipped.
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	sj, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	sj.run.Run()
	return nil
}

// ListJobs returns all jobs sorted by name.
func (s *Scheduler) ListJobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, sj := range s.jobs {
		out = append(out, sj.job)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Scheduler) GetJob(name string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sj, ok := s.jobs[name]
	if !ok {
		return Job{}, false
	}
	return sj.job, true
}

func (s *Scheduler) add(j Job) error {
	if err := j.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.Name]; exists {
		return fmt.Errorf("job %q already exists", j.Name)
	}
	sj := &scheduledJob{job: j}
	sj.run = s.chain.Then(cron.FuncJob(func() { s.execute(sj) }))
	if !j.Paused {
		if err := s.schedule(sj); err != nil {
			return err
		}
	}
	s.jobs[j.Name] = sj
	return nil
}

// schedule adds sj's cron entry. Caller holds s.mu.
func (s *Scheduler) schedule(sj *scheduledJob) error {
	sched, err := parser.Parse(sj.job.Schedule)
	if err != nil {
		return fmt.Errorf("job %q: %w", sj.job.Name, err)
	}
	sj.entry = s.cron.Schedule(sched, sj.run)
	return nil
}

func (s *Scheduler) execute(sj *scheduledJob) {
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.RLock()
	job := sj.job
	s.mu.RUnlock()

	ctx := actor.WithActor(s.ctx, job.SessionID())
	out := s.runner.Run(ctx, orchestrator.Turn{SessionID: job.SessionID(), Text: job.Text})
	ev := s.logger.Info()
	if !out.OK() {
		ev = s.logger.Warn().Str("error_kind", string(out.Kind))
	}
	ev.Str("job", job.Name).Str("turn_id", out.TurnID).Str("phase", string(out.Phase)).
		Str("response", out.Response).Msg("scheduled turn finished")
}

func (s *Scheduler) persistPath() string {
	return filepath.Join(s.dataDir, "scheduler", "jobs.yaml")
}

func (s *Scheduler) persistDynamic() error {
	if s.dataDir == "" {
		return nil
	}
	var dynamic []Job
	for _, j := range s.ListJobs() {
		if j.Source == SourceDynamic {
			dynamic = append(dynamic, j)
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.persistPath()), 0700); err != nil {
		return fmt.Errorf("creating scheduler dir: %w", err)
	}
	data, err := yaml.Marshal(dynamic)
	if err != nil {
		return fmt.Errorf("marshaling jobs: %w", err)
	}
	return os.WriteFile(s.persistPath(), data, 0600)
}

func (s *Scheduler) loadDynamic() ([]Job, error) {
	if s.dataDir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.persistPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading jobs file: %w", err)
	}
	var jobs []Job
	if err := yaml.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("parsing jobs file: %w", err)
	}
	return jobs, nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, kv ...any) {
	c.l.Debug().Fields(kv).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error().Err(err).Fields(kv).Msg(msg)
}
