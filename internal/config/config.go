package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

var ErrInvalidConfig = errors.New("invalid config")

type AppConfig struct {
	IrisBaseURL string `koanf:"iris_base_url"`
	IrisWSURL   string `koanf:"iris_ws_url"`
	// EgressMode is http, ws or auto.
	EgressMode   string   `koanf:"egress_mode"`
	DryRun       bool     `koanf:"dry_run"`
	BotPrefix    string   `koanf:"bot_prefix"`
	AllowedRooms []string `koanf:"allowed_rooms"`

	XUserID    string `koanf:"x_user_id"`
	XUserEmail string `koanf:"x_user_email"`
	XSessionID string `koanf:"x_session_id"`

	RedisURL    string `koanf:"redis_url"`
	DatabaseURL string `koanf:"database_url"`
	DBMaxConns  int    `koanf:"db_max_conns"`

	DuelWindow      time.Duration `koanf:"duel_window"`
	ProposalTTL     time.Duration `koanf:"proposal_ttl"`
	ExpireGrace     time.Duration `koanf:"expire_grace"`
	ExcludeWindow   time.Duration `koanf:"exclude_window"`
	PollInterval    time.Duration `koanf:"poll_interval"`
	PollWorkers     int           `koanf:"poll_workers"`
	JudgeTimeout    time.Duration `koanf:"judge_timeout"`
	DailyVerify     time.Duration `koanf:"daily_verify_interval"`
	ProblemRefresh  time.Duration `koanf:"problem_refresh_interval"`
	StreakGrace     bool          `koanf:"streak_grace"`
	JudgeRatePerSec float64       `koanf:"judge_rate_per_sec"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	Contests        bool          `koanf:"contest_reminders"`
	ContestLead     time.Duration `koanf:"contest_reminder_lead"`
	ContestCheck    time.Duration `koanf:"contest_check_interval"`

	CodeforcesURL   string `koanf:"codeforces_url"`
	AtCoderMirror   string `koanf:"atcoder_mirror_url"`
	AtCoderSiteURL  string `koanf:"atcoder_site_url"`
	LeetCodeURL     string `koanf:"leetcode_url"`
	JudgeUserAgent  string `koanf:"judge_user_agent"`
	MessagesDir     string `koanf:"messages_dir"`
	OpsAddr         string `koanf:"ops_addr"`
	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"`
	LogFile         string `koanf:"log_file"`
}

func Defaults() *AppConfig {
	return &AppConfig{
		EgressMode:      "auto",
		BotPrefix:       "!",
		DBMaxConns:      10,
		DuelWindow:      30 * time.Minute,
		ProposalTTL:     10 * time.Minute,
		ExpireGrace:     10 * time.Minute,
		ExcludeWindow:   30 * 24 * time.Hour,
		PollInterval:    60 * time.Second,
		PollWorkers:     4,
		JudgeTimeout:    10 * time.Second,
		DailyVerify:     5 * time.Minute,
		ProblemRefresh:  6 * time.Hour,
		JudgeRatePerSec: 2,
		CodeforcesURL:   "https://codeforces.com",
		AtCoderMirror:   "https://kenkoooo.com/atcoder",
		AtCoderSiteURL:  "https://atcoder.jp",
		LeetCodeURL:     "https://leetcode.com",
		JudgeUserAgent:  "cpduel-kakao-bot",
		OpsAddr:         ":9090",
		LogLevel:        "info",
		LogFormat:       "legacy",
		ShutdownTimeout: 10 * time.Second,
		Contests:        true,
		ContestLead:     time.Hour,
		ContestCheck:    5 * time.Minute,
	}
}

// envKey maps IRIS_BASE_URL to iris_base_url for the fields above; other variables are ignored.
func envKey(known map[string]struct{}) func(string) string {
	return func(s string) string {
		k := strings.ToLower(s)
		if _, ok := known[k]; !ok {
			return ""
		}
		return k
	}
}

// Load layers defaults, the YAML file named by CPBOT_CONFIG, then the environment.
func Load() (*AppConfig, error) {
	k := koanf.New(".")
	if path := strings.TrimSpace(os.Getenv("CPBOT_CONFIG")); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	known := make(map[string]struct{})
	for _, name := range keys() {
		known[name] = struct{}{}
	}
	if err := k.Load(env.Provider("", ".", envKey(known)), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Defaults()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.AllowedRooms = splitRooms(cfg.AllowedRooms)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func keys() []string {
	return []string{
		"iris_base_url", "iris_ws_url", "egress_mode", "dry_run", "bot_prefix", "allowed_rooms",
		"x_user_id", "x_user_email", "x_session_id",
		"redis_url", "database_url", "db_max_conns",
		"duel_window", "proposal_ttl", "expire_grace", "exclude_window",
		"poll_interval", "poll_workers", "judge_timeout", "daily_verify_interval",
		"problem_refresh_interval", "streak_grace", "judge_rate_per_sec",
		"codeforces_url", "atcoder_mirror_url", "atcoder_site_url", "leetcode_url", "judge_user_agent",
		"messages_dir", "ops_addr", "log_level", "log_format", "log_file", "shutdown_timeout",
		"contest_reminders", "contest_reminder_lead", "contest_check_interval",
	}
}

// splitRooms accepts both a YAML list and a comma separated env value.
func splitRooms(in []string) []string {
	var out []string
	for _, v := range in {
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (c *AppConfig) Validate() error {
	var errs []error
	req := func(v, name string) {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	req(c.IrisBaseURL, "IRIS_BASE_URL")
	req(c.IrisWSURL, "IRIS_WS_URL")
	req(c.BotPrefix, "BOT_PREFIX")
	req(c.RedisURL, "REDIS_URL")

	switch c.EgressMode {
	case "http", "ws", "auto":
	default:
		errs = append(errs, fmt.Errorf("EGRESS_MODE must be http, ws or auto, got %q", c.EgressMode))
	}
	if c.DuelWindow < time.Minute || c.DuelWindow > 24*time.Hour {
		errs = append(errs, fmt.Errorf("DUEL_WINDOW %s out of range 1m..24h", c.DuelWindow))
	}
	if c.ProposalTTL <= 0 {
		errs = append(errs, errors.New("PROPOSAL_TTL must be positive"))
	}
	if c.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL %s is below 1s", c.PollInterval))
	}
	if c.PollWorkers < 1 || c.PollWorkers > 64 {
		errs = append(errs, fmt.Errorf("POLL_WORKERS %d out of range 1..64", c.PollWorkers))
	}
	if c.Contests && (c.ContestLead <= 0 || c.ContestCheck < time.Minute) {
		errs = append(errs, errors.New("CONTEST_REMINDER_LEAD must be positive and CONTEST_CHECK_INTERVAL at least 1m"))
	}
	if c.JudgeRatePerSec <= 0 {
		errs = append(errs, errors.New("JUDGE_RATE_PER_SEC must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
