package cpbuilder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/park285/cpduel-kakao-bot/internal/command"
	"github.com/park285/cpduel-kakao-bot/internal/config"
	"github.com/park285/cpduel-kakao-bot/internal/contest"
	"github.com/park285/cpduel-kakao-bot/internal/daily"
	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/duel"
	"github.com/park285/cpduel-kakao-bot/internal/fastcall"
	"github.com/park285/cpduel-kakao-bot/internal/judge"
	"github.com/park285/cpduel-kakao-bot/internal/metrics"
	"github.com/park285/cpduel-kakao-bot/internal/obslog"
	"github.com/park285/cpduel-kakao-bot/internal/problem"
	"github.com/park285/cpduel-kakao-bot/internal/report"
	"github.com/park285/cpduel-kakao-bot/internal/scheduler"
	"github.com/park285/cpduel-kakao-bot/internal/streak"
	"github.com/park285/cpduel-kakao-bot/internal/user"
)

// Deps is the wired application graph.
type Deps struct {
	Redis     *redis.Client
	DB        *sql.DB
	Sources   *judge.Registry
	Users     *user.Service
	Problems  problem.Repository
	Selector  *problem.Selector
	Refresher *problem.Refresher
	Duels     *duel.Manager
	Daily     *daily.Service
	Streaks   *streak.Aggregator
	Reports   *report.Service
	Contests  *contest.Service
	Commands  *command.Service
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Metrics
}

// Notifier posts everything the bot says without being asked.
type Notifier interface {
	scheduler.Notifier
	contest.Notifier
}

type options struct {
	sources *judge.Registry
	metrics *metrics.Metrics
}

type Option func(*options)

// WithSources replaces the HTTP judge clients.
func WithSources(r *judge.Registry) Option { return func(o *options) { o.sources = r } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// New connects storage and wires every service. notifier receives finished duels and contest reminders.
// Without DATABASE_URL the durable stores are in-memory.
func New(ctx context.Context, cfg *config.AppConfig, notifier Notifier, opts ...Option) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	d := &Deps{Metrics: o.metrics}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}

	ropts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	d.Redis = redis.NewClient(ropts)
	if err := d.Redis.Ping(ctx).Err(); err != nil {
		_ = d.Redis.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	var (
		userRepo    user.Repository
		dailyRepo   daily.Repository
		archive     duel.Archive
		mirror      streak.Mirror
		problemRepo problem.Repository
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		if d.DB, err = openPostgres(ctx, cfg.DatabaseURL, cfg.DBMaxConns); err != nil {
			_ = d.Redis.Close()
			return nil, err
		}
		userRepo = user.NewRepository(d.DB)
		dailyRepo = daily.NewRepository(d.DB)
		archive = duel.NewRepository(d.DB)
		mirror = streak.NewRepository(d.DB)
		problemRepo = problem.NewRepository(d.DB)
	} else {
		obslog.L().Warn("database_disabled", zap.String("reason", "DATABASE_URL empty, using in-memory stores"))
		userRepo = user.NewMemoryRepository()
		dailyRepo = daily.NewMemoryRepository()
		archive = duel.NewMemoryArchive()
		mirror = streak.NewMemoryRepository()
		problemRepo = problem.NewMemoryRepository()
	}

	d.Sources = o.sources
	if d.Sources == nil {
		d.Sources = JudgeSources(cfg)
	}
	d.Problems = problemRepo
	d.Refresher = problem.NewRefresher(problemRepo, d.Sources, cfg.ProblemRefresh)
	d.Selector = problem.NewSelector(problemRepo, problem.WithRefresher(d.Refresher))

	d.Users = user.NewService(userRepo, d.Sources, user.WithJudgeTimeout(cfg.JudgeTimeout))
	d.Streaks = streak.NewAggregator(d.Redis, mirror, d.Users, streak.WithGrace(cfg.StreakGrace))

	registry := scheduler.NewRegistry(d.Redis)
	// Duels avoid recent dailies through the repository; the daily service is built after the manager.
	d.Duels = duel.NewManager(d.Redis, d.Selector,
		duel.WithArchive(archive),
		duel.WithExclusions(dailyRepo),
		duel.WithConfig(duel.Config{
			Window:        cfg.DuelWindow,
			ProposalTTL:   cfg.ProposalTTL,
			ExcludeWindow: cfg.ExcludeWindow,
		}),
	)
	d.Daily = daily.NewService(dailyRepo, d.Users, d.Selector,
		daily.WithExclusions(d.Duels),
		daily.WithExcludeWindow(cfg.ExcludeWindow),
		daily.WithVerification(d.Sources, d.Streaks, cfg.JudgeTimeout),
	)
	d.Reports = report.NewService(d.Sources, d.Users,
		report.WithStreaks(d.Streaks),
		report.WithDuels(d.Duels),
		report.WithFetchTimeout(cfg.JudgeTimeout),
	)

	schedOpts := []scheduler.Option{
		scheduler.WithDailyVerifier(d.Daily),
		scheduler.WithProblemRefresher(d.Refresher),
		scheduler.WithMetrics(d.Metrics),
	}
	cmdDeps := command.Deps{
		Users:      d.Users,
		Duels:      d.Duels,
		Daily:      d.Daily,
		Streaks:    d.Streaks,
		Reports:    d.Reports,
		Practice:   d.Selector,
		Exclusions: domain.Exclusions{d.Daily, d.Duels},
		Metrics:    d.Metrics,
	}
	if cfg.Contests {
		d.Contests = contest.NewService(d.Redis, d.Sources, notifier, contest.WithLead(cfg.ContestLead))
		schedOpts = append(schedOpts, scheduler.WithContestReminders(d.Contests))
		cmdDeps.Contests = d.Contests
	}

	dispatcher := scheduler.NewDispatcher(d.Redis, d.Streaks, notifier, d.Metrics)
	d.Scheduler = scheduler.New(scheduler.Config{
		PollInterval:           cfg.PollInterval,
		PollWorkers:            cfg.PollWorkers,
		JudgeTimeout:           cfg.JudgeTimeout,
		ExpireGrace:            cfg.ExpireGrace,
		DailyVerifyInterval:    cfg.DailyVerify,
		ProblemRefreshInterval: cfg.ProblemRefresh,
		ContestCheckInterval:   cfg.ContestCheck,
	}, registry, d.Duels, d.Sources, dispatcher, schedOpts...)
	d.Duels.SetRegistrar(d.Scheduler)

	d.Commands = command.New(cmdDeps)
	return d, nil
}

// JudgeSources builds the rate-limited HTTP clients for every supported judge.
func JudgeSources(cfg *config.AppConfig) *judge.Registry {
	limit := rate.Limit(cfg.JudgeRatePerSec)
	burst := max(int(cfg.JudgeRatePerSec), 1)
	common := func(name string) []fastcall.Option {
		return []fastcall.Option{
			fastcall.WithName(name),
			fastcall.WithTimeout(cfg.JudgeTimeout),
			fastcall.WithRetry(2),
			fastcall.WithRateLimit(limit, burst),
			fastcall.WithUserAgent(cfg.JudgeUserAgent),
		}
	}
	return judge.NewRegistry(
		judge.NewCodeforces(cfg.CodeforcesURL, common("codeforces")...),
		judge.NewAtCoder(cfg.AtCoderMirror, cfg.AtCoderSiteURL, common("atcoder")...),
		judge.NewLeetCode(cfg.LeetCodeURL, common("leetcode")...),
	)
}

// Ready checks the live stores for /healthz.
func (d *Deps) Ready(ctx context.Context) error {
	if err := d.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if d.DB != nil {
		if err := d.DB.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

func (d *Deps) Close() error {
	var errs []error
	if d.DB != nil {
		errs = append(errs, d.DB.Close())
	}
	if d.Redis != nil {
		errs = append(errs, d.Redis.Close())
	}
	return errors.Join(errs...)
}
