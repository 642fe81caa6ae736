package cacheproxy

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	defaultMaxResponse = 1 << 20
	defaultPrefetchN   = 4
)

type Config struct {
	Server struct {
		Host        string `yaml:"host"`
		Port        int    `yaml:"port"`
		ReadTimeout string `yaml:"readTimeout"`

		readTimeoutDur time.Duration
	} `yaml:"server"`

	Cache struct {
		// Backend is one of "fs", "leveldb" or "sqlite".
		Backend string `yaml:"backend"`
		// Root is the directory of the fs backend.
		Root string `yaml:"root"`
		// Path is the database location of the leveldb and sqlite backends.
		Path string `yaml:"path"`
		RAM  struct {
			Entries int `yaml:"entries"`
		} `yaml:"ram"`
	} `yaml:"cache"`

	Origin struct {
		Timeout     string `yaml:"timeout"`
		MaxResponse string `yaml:"maxResponse"`

		timeoutDur  time.Duration
		maxResponse int64
	} `yaml:"origin"`

	Prefetch struct {
		Disabled    bool   `yaml:"disabled"`
		Concurrency int    `yaml:"concurrency"`
		Timeout     string `yaml:"timeout"`

		timeoutDur time.Duration
	} `yaml:"prefetch"`

	Admin struct {
		Addr string `yaml:"addr"`
	} `yaml:"admin"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		level            zerolog.Level
		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

// DefaultConfig returns a compiled config for running without a file.
func DefaultConfig() Config {
	var cfg Config
	if err := cfg.compile(); err != nil {
		// defaults are constants; a failure here is a programming error
		panic(err)
	}
	return cfg
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot be defaulted. It is separate from
// LoadConfig because the bind address may come from the command line.
func (cfg *Config) Validate() error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	return nil
}

// Addr is the listen address.
func (cfg *Config) Addr() string {
	return fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
}

func (cfg *Config) compile() error {
	if cfg.Server.ReadTimeout == "" {
		cfg.Server.ReadTimeout = "10s"
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = BackendFS
	}
	if cfg.Cache.Root == "" {
		cfg.Cache.Root = "."
	}
	if cfg.Cache.RAM.Entries < 0 {
		return fmt.Errorf("cache.ram.entries must not be negative")
	}
	if cfg.Origin.Timeout == "" {
		cfg.Origin.Timeout = "30s"
	}
	if cfg.Origin.MaxResponse == "" {
		cfg.Origin.MaxResponse = "1mb"
	}
	if cfg.Prefetch.Concurrency <= 0 {
		cfg.Prefetch.Concurrency = defaultPrefetchN
	}
	if cfg.Prefetch.Timeout == "" {
		cfg.Prefetch.Timeout = "30s"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	switch cfg.Cache.Backend {
	case BackendFS, BackendLevelDB, BackendSQLite:
	default:
		return fmt.Errorf("cache.backend: unsupported %q", cfg.Cache.Backend)
	}

	var err error
	if cfg.Server.readTimeoutDur, err = parsePositiveDuration(cfg.Server.ReadTimeout); err != nil {
		return fmt.Errorf("server.readTimeout: %w", err)
	}
	if cfg.Origin.timeoutDur, err = parsePositiveDuration(cfg.Origin.Timeout); err != nil {
		return fmt.Errorf("origin.timeout: %w", err)
	}
	if cfg.Prefetch.timeoutDur, err = parsePositiveDuration(cfg.Prefetch.Timeout); err != nil {
		return fmt.Errorf("prefetch.timeout: %w", err)
	}
	if cfg.Origin.maxResponse, err = parseBytes(cfg.Origin.MaxResponse); err != nil {
		return fmt.Errorf("origin.maxResponse: %w", err)
	}
	if cfg.Origin.maxResponse == 0 {
		return fmt.Errorf("origin.maxResponse must be positive")
	}
	if cfg.Logging.level, err = zerolog.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if cfg.Logging.LogStatsEvery != "" {
		if cfg.Logging.logStatsEveryDur, err = parsePositiveDuration(cfg.Logging.LogStatsEvery); err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
	}
	return nil
}

// LogLevel is the compiled logging.level.
func (cfg *Config) LogLevel() zerolog.Level { return cfg.Logging.level }

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}
