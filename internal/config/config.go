package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfig marks a malformed or missing configuration value. Runs that hit it
// abort before touching persisted state.
var ErrConfig = errors.New("config error")

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Data      DataConfig      `yaml:"data"`
	HedgeRef  string          `yaml:"hedge_ref"`
	Hedge     HedgeConfig     `yaml:"hedge"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Mixer     MixerConfig     `yaml:"mixer"`
	Runner    RunnerConfig    `yaml:"runner"`
	Download  DownloadConfig  `yaml:"download"`
	Sink      SinkConfig      `yaml:"sink"`
	State     StateConfig     `yaml:"state"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Redis     RedisConfig     `yaml:"redis"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type DataConfig struct {
	RawDir     string `yaml:"raw_dir"`
	MixedDir   string `yaml:"mixed_dir"`
	SignalsDir string `yaml:"signals_dir"`
	LogsDir    string `yaml:"logs_dir"`
}

type MixerConfig struct {
	Enabled *bool  `yaml:"enabled"`
	RuleSet string `yaml:"rule_set"`
}

func (m MixerConfig) EnabledValue() bool {
	if m.Enabled == nil {
		return false
	}
	return *m.Enabled
}

type RunnerConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Lookback   time.Duration `yaml:"lookback"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	FullReplay bool          `yaml:"full_replay"`
}

type DownloadConfig struct {
	Enabled    bool          `yaml:"enabled"`
	BinanceURL string        `yaml:"binance_url"`
	OKXURL     string        `yaml:"okx_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

type SinkConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	if m.Enabled == nil {
		return false
	}
	return *m.Enabled
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Channel  string        `yaml:"channel"`
	Stream   string        `yaml:"stream"`
	LockKey  string        `yaml:"lock_key"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: config path is required", ErrConfig)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}
	if cfg.HedgeRef != "" && len(cfg.Hedge.Legs) == 0 {
		ref := cfg.HedgeRef
		if !filepath.IsAbs(ref) {
			ref = filepath.Join(filepath.Dir(path), ref)
		}
		hedge, err := LoadHedge(ref)
		if err != nil {
			return nil, err
		}
		cfg.Hedge = *hedge
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyEnvOverrides(cfg *Config) {
	if v := envString("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := envString("MOCK_SERVER_URL"); v != "" {
		cfg.Sink.BaseURL = v
	} else if host, port := envString("MOCK_SERVER_HOST"), envString("MOCK_SERVER_PORT"); host != "" || port != "" {
		if host == "" {
			host = "localhost"
		}
		if port == "" {
			port = "3000"
		}
		cfg.Sink.BaseURL = fmt.Sprintf("http://%s:%s", host, port)
	}
	if v, ok := envInt("RUNNER_INTERVAL_MS"); ok && v > 0 {
		cfg.Runner.Interval = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("RUNNER_MAX_RETRIES"); ok && v >= 0 {
		cfg.Runner.MaxRetries = v
	}
	if v, ok := envInt("RUNNER_RETRY_DELAY_MS"); ok && v >= 0 {
		cfg.Runner.RetryDelay = time.Duration(v) * time.Millisecond
	}
	if v := envString("TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := envString("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := envString("TIMESCALE_DSN"); v != "" {
		cfg.Timescale.DSN = v
	}
	if v := envString("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Data.RawDir == "" {
		cfg.Data.RawDir = "data"
	}
	if cfg.Data.MixedDir == "" {
		cfg.Data.MixedDir = "data_mixed"
	}
	if cfg.Data.SignalsDir == "" {
		cfg.Data.SignalsDir = "signals"
	}
	if cfg.Data.LogsDir == "" {
		cfg.Data.LogsDir = "logs"
	}
	applyHedgeDefaults(&cfg.Hedge)
	if cfg.Hedge.Outputs.History == "" {
		cfg.Hedge.Outputs.History = fmt.Sprintf("indexed_history_%s.json", cfg.Hedge.BaseAsset())
	}
	if cfg.Hedge.Outputs.Signals == "" {
		cfg.Hedge.Outputs.Signals = fmt.Sprintf("signals_%s.json", cfg.Hedge.BaseAsset())
	}
	if cfg.Mixer.Enabled == nil {
		enabled := cfg.Mixer.RuleSet != ""
		cfg.Mixer.Enabled = &enabled
	}
	if cfg.Runner.Interval == 0 {
		cfg.Runner.Interval = 60 * time.Second
	}
	if cfg.Runner.Lookback == 0 {
		cfg.Runner.Lookback = 15 * time.Minute
	}
	if cfg.Runner.MaxRetries == 0 {
		cfg.Runner.MaxRetries = 3
	}
	if cfg.Runner.RetryDelay == 0 {
		cfg.Runner.RetryDelay = 5 * time.Second
	}
	if cfg.Download.BinanceURL == "" {
		cfg.Download.BinanceURL = "https://fapi.binance.com"
	}
	if cfg.Download.OKXURL == "" {
		cfg.Download.OKXURL = "https://www.okx.com"
	}
	if cfg.Download.Timeout == 0 {
		cfg.Download.Timeout = 10 * time.Second
	}
	if cfg.Sink.BaseURL == "" {
		cfg.Sink.BaseURL = "http://localhost:3000"
	}
	if cfg.Sink.Timeout == 0 {
		cfg.Sink.Timeout = 3 * time.Second
	}
	if cfg.Sink.Retries == 0 {
		cfg.Sink.Retries = 1
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/replay.db"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "replay:signals"
	}
	if cfg.Redis.Stream == "" {
		cfg.Redis.Stream = "replay:signals:stream"
	}
	if cfg.Redis.LockKey == "" {
		cfg.Redis.LockKey = "replay:pipeline"
	}
	if cfg.Redis.LockTTL == 0 {
		cfg.Redis.LockTTL = 5 * time.Minute
	}
	applyStrategyDefaults(&cfg.Strategy)
}

func validate(cfg *Config) error {
	if err := validateHedge(&cfg.Hedge); err != nil {
		return err
	}
	if err := validateStrategy(&cfg.Strategy); err != nil {
		return err
	}
	if cfg.Mixer.EnabledValue() && strings.TrimSpace(cfg.Mixer.RuleSet) == "" {
		return configErr("mixer.rule_set", "is required when the mixer is enabled")
	}
	if cfg.Runner.Interval < 0 {
		return configErr("runner.interval", "must be >= 0")
	}
	if cfg.Runner.Lookback < 0 {
		return configErr("runner.lookback", "must be >= 0")
	}
	if cfg.Runner.MaxRetries < 0 {
		return configErr("runner.max_retries", "must be >= 0")
	}
	if cfg.Sink.Timeout < 0 {
		return configErr("sink.timeout", "must be >= 0")
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return configErr("metrics.path", "must start with /")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return configErr("timescale.dsn", "is required when timescale is enabled")
	}
	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return configErr("redis.addr", "is required when redis is enabled")
	}
	return nil
}

func configErr(key, msg string) error {
	return fmt.Errorf("%w: %s %s", ErrConfig, key, msg)
}
