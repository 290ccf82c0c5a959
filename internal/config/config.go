package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config covers everything the process needs. Precedence: defaults, then
// the optional YAML file, then environment variables. main's flags override
// the address and DB path on top of this.
type Config struct {
	Addr   string `yaml:"addr" env:"OFFERFLOW_ADDR"`
	DBPath string `yaml:"db_path" env:"OFFERFLOW_DB"`

	RedisAddr    string        `yaml:"redis_addr" env:"OFFERFLOW_REDIS_ADDR"`
	RedisTimeout time.Duration `yaml:"redis_timeout" env:"OFFERFLOW_REDIS_TIMEOUT"`

	// The ephemeral store tolerates more consecutive failures than the
	// durable store before tripping.
	CacheBreakerThreshold int           `yaml:"cache_breaker_threshold" env:"OFFERFLOW_CACHE_BREAKER_THRESHOLD"`
	StoreBreakerThreshold int           `yaml:"store_breaker_threshold" env:"OFFERFLOW_STORE_BREAKER_THRESHOLD"`
	BreakerCooldown       time.Duration `yaml:"breaker_cooldown" env:"OFFERFLOW_BREAKER_COOLDOWN"`

	Workers      int           `yaml:"workers" env:"OFFERFLOW_WORKERS"`
	PollInterval time.Duration `yaml:"poll_interval" env:"OFFERFLOW_POLL_INTERVAL"`

	// Grace pads the status mirror TTL past the expire job's delay.
	Grace time.Duration `yaml:"grace" env:"OFFERFLOW_GRACE"`

	NotifierURL     string        `yaml:"notifier_url" env:"OFFERFLOW_NOTIFIER_URL"`
	NotifierTimeout time.Duration `yaml:"notifier_timeout" env:"OFFERFLOW_NOTIFIER_TIMEOUT"`

	JanitorSchedule string        `yaml:"janitor_schedule" env:"OFFERFLOW_JANITOR_SCHEDULE"`
	JobRetention    time.Duration `yaml:"job_retention" env:"OFFERFLOW_JOB_RETENTION"`

	Debug bool `yaml:"debug" env:"OFFERFLOW_DEBUG"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Addr:                  ":8080",
		DBPath:                "offerflow.db",
		RedisAddr:             "localhost:6379",
		RedisTimeout:          5 * time.Second,
		CacheBreakerThreshold: 5,
		StoreBreakerThreshold: 3,
		BreakerCooldown:       30 * time.Second,
		Workers:               8,
		PollInterval:          250 * time.Millisecond,
		Grace:                 5 * time.Minute,
		NotifierTimeout:       30 * time.Second,
		JanitorSchedule:       "* * * * *",
		JobRetention:          24 * time.Hour,
	}
}

// Load builds the config: defaults, overridden by the optional YAML file at
// path (empty or missing path means env-only), overridden by environment
// variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
