// Package scheduler runs portfolio analyses across accounts on a bounded
// worker pool. Analysis of one account must never take down the batch API,
// so jobs run with timeouts and panic recovery.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
)

// ErrQueueFull is returned when the job queue cannot accept more work.
var ErrQueueFull = errors.New("scheduler: job queue full")

// ErrNotRunning is returned when submitting to a stopped scheduler.
var ErrNotRunning = errors.New("scheduler: not running")

// Job identifies one account analysis.
type Job struct {
	ClientID string
	Account  string
	Strategy string
}

// Runner is the analysis entry point the scheduler drives.
type Runner interface {
	AnalyzeHealth(ctx context.Context, clientID, account, strategy string) (*types.HealthReport, error)
}

// JobSource lists the accounts to analyze on each interval tick.
type JobSource func() []Job

// Config configures the pool.
type Config struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration

	// Interval between automatic sweeps over the job source. Zero disables
	// the ticker; jobs then arrive only through Submit.
	Interval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		QueueSize:  256,
		JobTimeout: 30 * time.Second,
	}
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Queued    int   `json:"queued"`
}

// Scheduler fans analysis jobs out to a fixed set of workers. Completed
// reports are delivered to the OnReport callback, one at a time per worker.
type Scheduler struct {
	logger *zap.Logger
	config Config
	runner Runner

	// OnReport, when set before Start, receives every successful report.
	OnReport func(*types.HealthReport)

	// Source, when set before Start together with a non-zero Interval,
	// feeds the periodic sweep.
	Source JobSource

	// mu serializes sends on jobs against its close in Stop.
	mu       sync.RWMutex
	jobs     chan Job
	wg       sync.WaitGroup
	running  atomic.Bool
	cancel   context.CancelFunc
	tickStop chan struct{}
	tickWg   sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// New creates a scheduler.
func New(logger *zap.Logger, config Config, runner Runner) *Scheduler {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = DefaultConfig().JobTimeout
	}
	return &Scheduler{
		logger: logger.Named("scheduler"),
		config: config,
		runner: runner,
		jobs:   make(chan Job, config.QueueSize),
	}
}

// Start launches the workers.
func (s *Scheduler) Start() {
	if s.running.Swap(true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.logger.Info("starting analysis workers",
		zap.Int("workers", s.config.Workers),
		zap.Int("queueSize", s.config.QueueSize))

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	if s.config.Interval > 0 && s.Source != nil {
		s.tickStop = make(chan struct{})
		s.tickWg.Add(1)
		go s.tick()
	}
}

// Stop drains in-flight jobs and shuts the pool down. The ticker is stopped
// first so no sweep races the queue close.
func (s *Scheduler) Stop() {
	if !s.running.Swap(false) {
		return
	}
	if s.tickStop != nil {
		close(s.tickStop)
		s.tickWg.Wait()
		s.tickStop = nil
	}
	s.mu.Lock()
	close(s.jobs)
	s.mu.Unlock()
	s.wg.Wait()
	s.cancel()
	s.logger.Info("analysis workers stopped", zap.Int64("completed", s.completed.Load()))
}

// RunAll enqueues one analysis for every account the source lists and returns
// the number accepted. Accounts that do not fit in the queue are skipped until
// the next sweep.
func (s *Scheduler) RunAll() int {
	if s.Source == nil {
		return 0
	}
	accepted := 0
	for _, job := range s.Source() {
		if err := s.Submit(job); err != nil {
			s.logger.Warn("skipping scheduled analysis",
				zap.String("account", job.Account),
				zap.Error(err))
			continue
		}
		accepted++
	}
	return accepted
}

func (s *Scheduler) tick() {
	defer s.tickWg.Done()
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.tickStop:
			return
		case <-ticker.C:
			s.RunAll()
		}
	}
}

// Submit enqueues one analysis without blocking.
func (s *Scheduler) Submit(job Job) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running.Load() {
		return ErrNotRunning
	}
	select {
	case s.jobs <- job:
		s.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Submitted: s.submitted.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Panics:    s.panics.Load(),
		Queued:    len(s.jobs),
	}
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	logger := s.logger.With(zap.Int("worker", id))

	for job := range s.jobs {
		s.run(ctx, logger, job)
	}
}

func (s *Scheduler) run(ctx context.Context, logger *zap.Logger, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.failed.Add(1)
			logger.Error("analysis panicked",
				zap.String("account", job.Account),
				zap.Any("panic", r))
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	report, err := s.runner.AnalyzeHealth(jobCtx, job.ClientID, job.Account, job.Strategy)
	if err != nil {
		s.failed.Add(1)
		logger.Warn("analysis failed",
			zap.String("account", job.Account),
			zap.Error(err))
		return
	}

	s.completed.Add(1)
	logger.Debug("analysis completed",
		zap.String("account", job.Account),
		zap.Float64("healthScore", report.HealthScore),
		zap.Bool("needsRebalance", report.NeedsRebalance))

	if s.OnReport != nil {
		s.OnReport(report)
	}
}
