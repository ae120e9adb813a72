package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"gopkg.in/yaml.v3"

	"arena-feed/pkg/confkit"
	"arena-feed/pkg/feed"
	"arena-feed/pkg/scheduler"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 30 * time.Second
	defaultCacheName  = "arena-feed-entries"
	defaultJournalDir = "journal/frames"
	defaultLogMode    = "console"
	defaultLogLevel   = "info"
	defaultLogEncode  = "plain"
	defaultService    = "arena-feed"

	envBaseURL      = "ARENA_FEED_BASE_URL"
	envStreamURL    = "ARENA_FEED_STREAM_URL"
	envEnvironment  = "ARENA_FEED_ENVIRONMENT"
	envWallet       = "ARENA_FEED_WALLET"
	envPollInterval = "ARENA_FEED_POLL_INTERVAL"
)

// Config is the runtime configuration of the feed commands.
type Config struct {
	Source    SourceConfig
	Stream    StreamConfig
	Filter    FilterConfig
	Scheduler SchedulerConfig
	Cache     CacheConfig
	Journal   JournalConfig
	Log       logx.LogConf
}

// SourceConfig configures the REST snapshot adapters.
type SourceConfig struct {
	BaseURL       string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int

	timeoutRaw string
}

// StreamConfig configures the push connection.
type StreamConfig struct {
	URL            string
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	ValidateSchema bool

	minBackoffRaw string
	maxBackoffRaw string
}

// FilterConfig is the initial filter context.
type FilterConfig struct {
	Account     string
	Environment string
	Wallet      string
}

// SchedulerConfig configures background polling. A zero interval disables it.
type SchedulerConfig struct {
	PollInterval time.Duration

	pollRaw string
}

// CacheConfig tunes the entry cache. Zero values keep every key.
type CacheConfig struct {
	Name  string
	Limit int
	TTL   time.Duration

	ttlRaw string
}

// JournalConfig controls raw frame recording.
type JournalConfig struct {
	Dir    string
	Record bool
}

type rawConfig struct {
	Source struct {
		BaseURL       string  `yaml:"base_url"`
		Timeout       string  `yaml:"timeout"`
		RatePerSecond float64 `yaml:"rate_per_second"`
		Burst         int     `yaml:"burst"`
	} `yaml:"source"`
	Stream struct {
		URL            string `yaml:"url"`
		MinBackoff     string `yaml:"min_backoff"`
		MaxBackoff     string `yaml:"max_backoff"`
		ValidateSchema bool   `yaml:"validate_schema"`
	} `yaml:"stream"`
	Filter struct {
		Account     string `yaml:"account"`
		Environment string `yaml:"environment"`
		Wallet      string `yaml:"wallet"`
	} `yaml:"filter"`
	Scheduler struct {
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"scheduler"`
	Cache struct {
		Name  string `yaml:"name"`
		Limit int    `yaml:"limit"`
		TTL   string `yaml:"ttl"`
	} `yaml:"cache"`
	Journal struct {
		Dir    string `yaml:"dir"`
		Record bool   `yaml:"record"`
	} `yaml:"journal"`
	Log struct {
		ServiceName string `yaml:"service_name"`
		Mode        string `yaml:"mode"`
		Encoding    string `yaml:"encoding"`
		Level       string `yaml:"level"`
		Path        string `yaml:"path"`
		Stat        bool   `yaml:"stat"`
	} `yaml:"log"`
}

// Load reads configuration from disk.
func Load(path string) (*Config, error) {
	confkit.LoadDotenvOnce()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open feed config: %w", err)
	}
	defer file.Close()
	return LoadFromReader(file)
}

// MustLoad reads etc/feed.yaml from the project root and panics on failure.
func MustLoad() *Config {
	cfg, err := Load(confkit.MustProjectPath("etc/feed.yaml"))
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadFromReader constructs a Config from YAML.
func LoadFromReader(r io.Reader) (*Config, error) {
	confkit.LoadDotenvOnce()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read feed config: %w", err)
	}
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal feed config: %w", err)
	}

	cfg := &Config{
		Source: SourceConfig{
			BaseURL:       raw.Source.BaseURL,
			RatePerSecond: raw.Source.RatePerSecond,
			Burst:         raw.Source.Burst,
			timeoutRaw:    raw.Source.Timeout,
		},
		Stream: StreamConfig{
			URL:            raw.Stream.URL,
			ValidateSchema: raw.Stream.ValidateSchema,
			minBackoffRaw:  raw.Stream.MinBackoff,
			maxBackoffRaw:  raw.Stream.MaxBackoff,
		},
		Filter: FilterConfig{
			Account:     raw.Filter.Account,
			Environment: raw.Filter.Environment,
			Wallet:      raw.Filter.Wallet,
		},
		Scheduler: SchedulerConfig{pollRaw: raw.Scheduler.PollInterval},
		Cache: CacheConfig{
			Name:   raw.Cache.Name,
			Limit:  raw.Cache.Limit,
			ttlRaw: raw.Cache.TTL,
		},
		Journal: JournalConfig{Dir: raw.Journal.Dir, Record: raw.Journal.Record},
		Log: logx.LogConf{
			ServiceName: raw.Log.ServiceName,
			Mode:        raw.Log.Mode,
			Encoding:    raw.Log.Encoding,
			Level:       raw.Log.Level,
			Path:        raw.Log.Path,
			Stat:        raw.Log.Stat,
		},
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Filter.Environment) == "" {
		c.Filter.Environment = string(feed.Testnet)
	}
	if strings.TrimSpace(c.Filter.Account) == "" {
		c.Filter.Account = "all"
	}
	if c.Source.Burst <= 0 {
		c.Source.Burst = 1
	}
	if strings.TrimSpace(c.Cache.Name) == "" {
		c.Cache.Name = defaultCacheName
	}
	if strings.TrimSpace(c.Journal.Dir) == "" {
		c.Journal.Dir = defaultJournalDir
	}
	if c.Log.ServiceName == "" {
		c.Log.ServiceName = defaultService
	}
	if c.Log.Mode == "" {
		c.Log.Mode = defaultLogMode
	}
	if c.Log.Encoding == "" {
		c.Log.Encoding = defaultLogEncode
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
}

func (c *Config) applyEnvOverrides() {
	c.Source.BaseURL = expandAndOverride(c.Source.BaseURL, envBaseURL)
	c.Stream.URL = expandAndOverride(c.Stream.URL, envStreamURL)
	c.Filter.Environment = expandAndOverride(c.Filter.Environment, envEnvironment)
	c.Filter.Wallet = expandAndOverride(c.Filter.Wallet, envWallet)
	if raw := os.Getenv(envPollInterval); raw != "" {
		c.Scheduler.pollRaw = raw
	} else {
		c.Scheduler.pollRaw = os.ExpandEnv(c.Scheduler.pollRaw)
	}
}

func (c *Config) parseDurations() error {
	var err error
	if c.Source.Timeout, err = parseDuration("source.timeout", c.Source.timeoutRaw, defaultTimeout); err != nil {
		return err
	}
	if c.Stream.MinBackoff, err = parseDuration("stream.min_backoff", c.Stream.minBackoffRaw, defaultMinBackoff); err != nil {
		return err
	}
	if c.Stream.MaxBackoff, err = parseDuration("stream.max_backoff", c.Stream.maxBackoffRaw, defaultMaxBackoff); err != nil {
		return err
	}
	if c.Scheduler.PollInterval, err = parseDuration("scheduler.poll_interval", c.Scheduler.pollRaw, scheduler.DefaultPollInterval); err != nil {
		return err
	}
	if c.Cache.TTL, err = parseDuration("cache.ttl", c.Cache.ttlRaw, 0); err != nil {
		return err
	}
	return nil
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Source.BaseURL) == "" {
		return errors.New("feed config: source.base_url is required")
	}
	if c.Source.Timeout <= 0 {
		return errors.New("feed config: source.timeout must be positive")
	}
	if c.Source.RatePerSecond < 0 {
		return errors.New("feed config: source.rate_per_second cannot be negative")
	}
	if c.Stream.MaxBackoff < c.Stream.MinBackoff {
		return errors.New("feed config: stream.max_backoff must not be below stream.min_backoff")
	}
	if c.Scheduler.PollInterval < 0 {
		return errors.New("feed config: scheduler.poll_interval cannot be negative")
	}
	if c.Cache.Limit < 0 {
		return errors.New("feed config: cache.limit cannot be negative")
	}
	if _, err := c.FilterContext(); err != nil {
		return err
	}
	return nil
}

// FilterContext builds the initial filter from the filter section.
func (c *Config) FilterContext() (feed.FilterContext, error) {
	selector, err := feed.ParseAccountSelector(c.Filter.Account)
	if err != nil {
		return feed.FilterContext{}, fmt.Errorf("feed config: filter.account: %w", err)
	}
	env := feed.Environment(strings.ToLower(strings.TrimSpace(c.Filter.Environment)))
	switch env {
	case feed.Testnet, feed.Mainnet, feed.Paper:
	default:
		return feed.FilterContext{}, fmt.Errorf("feed config: unknown filter.environment %q", c.Filter.Environment)
	}
	return feed.NewFilterContext(selector, env, c.Filter.Wallet), nil
}

func parseDuration(field, raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("feed config: invalid %s %q: %w", field, raw, err)
	}
	return d, nil
}

func expandAndOverride(current, envKey string) string {
	current = os.ExpandEnv(current)
	if envVal := os.Getenv(envKey); envVal != "" {
		return envVal
	}
	return current
}
