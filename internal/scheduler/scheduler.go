package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/park285/cpduel-kakao-bot/internal/judge"
	"github.com/park285/cpduel-kakao-bot/internal/metrics"
	"github.com/park285/cpduel-kakao-bot/internal/obslog"
)

const (
	DefaultPollInterval   = 60 * time.Second
	DefaultPollWorkers    = 4
	DefaultJudgeTimeout   = 10 * time.Second
	DefaultExpireGrace    = 10 * time.Minute
	DefaultDailyVerify    = 5 * time.Minute
	DefaultProblemRefresh = 6 * time.Hour
	DefaultContestCheck   = 5 * time.Minute
)

// Config tunes the jobs. ExpireGrace is how long past the deadline a duel may wait on a failing judge.
type Config struct {
	PollInterval           time.Duration
	PollWorkers            int
	JudgeTimeout           time.Duration
	ExpireGrace            time.Duration
	DailyVerifyInterval    time.Duration
	ProblemRefreshInterval time.Duration
	ContestCheckInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollWorkers <= 0 {
		c.PollWorkers = DefaultPollWorkers
	}
	if c.JudgeTimeout <= 0 {
		c.JudgeTimeout = DefaultJudgeTimeout
	}
	if c.ExpireGrace < 0 {
		c.ExpireGrace = 0
	} else if c.ExpireGrace == 0 {
		c.ExpireGrace = DefaultExpireGrace
	}
	if c.DailyVerifyInterval <= 0 {
		c.DailyVerifyInterval = DefaultDailyVerify
	}
	if c.ProblemRefreshInterval <= 0 {
		c.ProblemRefreshInterval = DefaultProblemRefresh
	}
	if c.ContestCheckInterval <= 0 {
		c.ContestCheckInterval = DefaultContestCheck
	}
	return c
}

// DailyVerifier checks today's unsolved daily assignments.
type DailyVerifier interface {
	VerifyPending(ctx context.Context, now time.Time) (int, error)
}

// ProblemRefresher keeps the problem cache warm.
type ProblemRefresher interface {
	RefreshAll(ctx context.Context)
}

// ContestReminders sends reminders for contests that start soon.
type ContestReminders interface {
	Remind(ctx context.Context) (int, error)
}

// Scheduler owns the active-duel registry and the recurring jobs that drive duels to a terminal state.
type Scheduler struct {
	cfg        Config
	registry   *Registry
	duels      Duels
	sources    *judge.Registry
	dispatcher *Dispatcher
	daily      DailyVerifier
	refresher  ProblemRefresher
	contests   ContestReminders
	metrics    *metrics.Metrics
	now        func() time.Time

	mu      sync.Mutex
	cron    gocron.Scheduler
	cancel  context.CancelFunc
	stopped bool
	running sync.WaitGroup
	last    CycleReport
}

type job struct {
	name     string
	every    time.Duration
	task     func()
	startNow bool
}

type Option func(*Scheduler)

func WithDailyVerifier(v DailyVerifier) Option { return func(s *Scheduler) { s.daily = v } }

func WithProblemRefresher(r ProblemRefresher) Option { return func(s *Scheduler) { s.refresher = r } }

func WithContestReminders(c ContestReminders) Option { return func(s *Scheduler) { s.contests = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func New(cfg Config, registry *Registry, duels Duels, sources *judge.Registry, dispatcher *Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:        cfg.withDefaults(),
		registry:   registry,
		duels:      duels,
		sources:    sources,
		dispatcher: dispatcher,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register implements duel.Registrar.
func (s *Scheduler) Register(ctx context.Context, duelID string) error {
	if err := s.registry.Register(ctx, duelID); err != nil {
		return err
	}
	s.metrics.SetRegistrySize(s.registry.Len())
	return nil
}

// Start restores persisted registrations and schedules the poll, daily-verify and refresh jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	n, err := s.registry.Load(ctx)
	if err != nil {
		return err
	}

	cron, err := gocron.NewScheduler(gocron.WithStopTimeout(s.cfg.JudgeTimeout * 2))
	if err != nil {
		return fmt.Errorf("create cron: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	jobs := []job{{name: "duel-poll", every: s.cfg.PollInterval, task: func() { s.tick(runCtx) }}}
	if s.daily != nil {
		jobs = append(jobs, job{name: "daily-verify", every: s.cfg.DailyVerifyInterval, task: func() { s.verifyDaily(runCtx) }})
	}
	if s.refresher != nil {
		jobs = append(jobs, job{name: "problem-refresh", every: s.cfg.ProblemRefreshInterval, task: func() { s.refresher.RefreshAll(runCtx) }, startNow: true})
	}
	if s.contests != nil {
		jobs = append(jobs, job{name: "contest-remind", every: s.cfg.ContestCheckInterval, task: func() { s.remindContests(runCtx) }})
	}

	for _, j := range jobs {
		opts := []gocron.JobOption{
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		}
		if j.startNow {
			opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
		}
		if _, err := cron.NewJob(gocron.DurationJob(j.every), gocron.NewTask(j.task), opts...); err != nil {
			cancel()
			_ = cron.Shutdown()
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	cron.Start()

	s.cron = cron
	s.cancel = cancel
	s.stopped = false
	obslog.L().Info("scheduler_started",
		zap.Int("restored", n),
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Int("workers", s.cfg.PollWorkers),
	)
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	s.RunCycle(ctx, s.now())
}

func (s *Scheduler) verifyDaily(ctx context.Context) {
	n, err := s.daily.VerifyPending(ctx, s.now())
	if err != nil {
		obslog.L().Warn("daily_verify_failed", zap.Error(err))
		return
	}
	s.metrics.DailyVerified(n)
}

func (s *Scheduler) remindContests(ctx context.Context) {
	n, err := s.contests.Remind(ctx)
	if err != nil {
		obslog.L().Warn("contest_remind_failed", zap.Error(err))
	}
	s.metrics.RemindersSent(n)
}

// Shutdown stops the jobs, waits for the in-flight cycle (or ctx), and drains the in-memory registry.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cron, cancel := s.cron, s.cancel
	s.stopped = true
	s.cron = nil
	s.mu.Unlock()

	var err error
	if cron != nil {
		err = cron.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
	}
	if cancel != nil {
		cancel()
	}

	drained := s.registry.Drain()
	obslog.L().Info("scheduler_stopped", zap.Int("drained", len(drained)))
	return err
}

// Snapshot is the ops view of the scheduler.
type Snapshot struct {
	Registered []string    `json:"registered"`
	LastCycle  CycleReport `json:"last_cycle"`
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	return Snapshot{Registered: s.registry.Snapshot(), LastCycle: last}
}

func (s *Scheduler) setLast(r CycleReport) {
	s.mu.Lock()
	s.last = r
	s.mu.Unlock()
}
