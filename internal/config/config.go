package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every tunable of the pipeline. Defaults match the cadence of the
// recording clients (~1s chunks) and the limits of the transcription collaborator.
type Config struct {
	ListenAddr string

	// Storage backend for transcript segments: "memory", "redis" or "cassandra".
	StoreDriver       string
	RedisAddr         string
	CassandraHosts    []string
	CassandraKeyspace string

	// Transcription collaborator: "openai" or "fake" (local development).
	Backend      string
	OpenAIAPIKey string
	OpenAIModel  string

	// Fired once per completed session. Empty means log-only.
	WebhookURL string

	// Ingestion.
	InactivityTimeout time.Duration
	ReorderDepth      int

	// Windowing.
	WindowDuration time.Duration
	WindowMaxBytes int

	// Transcription invocation.
	CallTimeout      time.Duration
	MaxAttempts      int
	BackoffBase      time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Concurrency      int
	AdmissionWait    time.Duration

	// Speaker continuity heuristics. Unverified tuning parameters, keep configurable.
	PauseThreshold  time.Duration
	SpeakerPoolSize int

	// Finalization.
	DrainTimeout  time.Duration
	SweepInterval time.Duration
}

type fileConfig struct {
	ListenAddr        string `toml:"listen_addr"`
	StoreDriver       string `toml:"store_driver"`
	RedisAddr         string `toml:"redis_addr"`
	CassandraHosts    string `toml:"cassandra_hosts"`
	CassandraKeyspace string `toml:"cassandra_keyspace"`
	Backend           string `toml:"backend"`
	OpenAIModel       string `toml:"openai_model"`
	WebhookURL        string `toml:"webhook_url"`

	InactivityTimeoutMs int `toml:"inactivity_timeout_ms"`
	ReorderDepth        int `toml:"reorder_depth"`
	WindowDurationMs    int `toml:"window_duration_ms"`
	WindowMaxBytes      int `toml:"window_max_bytes"`

	CallTimeoutMs    int `toml:"call_timeout_ms"`
	MaxAttempts      int `toml:"max_attempts"`
	BackoffBaseMs    int `toml:"backoff_base_ms"`
	BreakerThreshold int `toml:"breaker_threshold"`
	BreakerCooldownMs int `toml:"breaker_cooldown_ms"`
	Concurrency      int `toml:"concurrency"`
	AdmissionWaitMs  int `toml:"admission_wait_ms"`

	SpeakerPauseThresholdMs int `toml:"speaker_pause_threshold_ms"`
	SpeakerPoolSize         int `toml:"speaker_pool_size"`

	DrainTimeoutMs  int `toml:"drain_timeout_ms"`
	SweepIntervalMs int `toml:"sweep_interval_ms"`
}

// Load reads the optional TOML config file, then applies environment overrides.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        ":8080",
		StoreDriver:       "memory",
		RedisAddr:         "localhost:6379",
		CassandraHosts:    []string{"localhost"},
		CassandraKeyspace: "transcripts",
		Backend:           "openai",
		OpenAIModel:       "whisper-1",

		InactivityTimeout: 60 * time.Second,
		ReorderDepth:      8,
		WindowDuration:    3 * time.Second,
		WindowMaxBytes:    1 << 20,

		CallTimeout:      10 * time.Second,
		MaxAttempts:      3,
		BackoffBase:      250 * time.Millisecond,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		Concurrency:      4,
		AdmissionWait:    500 * time.Millisecond,

		PauseThreshold:  2 * time.Second,
		SpeakerPoolSize: 4,

		DrainTimeout:  30 * time.Second,
		SweepInterval: 30 * time.Second,
	}

	if path := configFilePath(); path != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		applyFileConfig(cfg, &fc)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configFilePath() string {
	if p := os.Getenv("PIPELINE_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("pipeline.toml"); err == nil {
		return "pipeline.toml"
	}
	return ""
}

func applyFileConfig(cfg *Config, fc *fileConfig) {
	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.StoreDriver, fc.StoreDriver)
	setString(&cfg.RedisAddr, fc.RedisAddr)
	if fc.CassandraHosts != "" {
		cfg.CassandraHosts = strings.Split(fc.CassandraHosts, ",")
	}
	setString(&cfg.CassandraKeyspace, fc.CassandraKeyspace)
	setString(&cfg.Backend, fc.Backend)
	setString(&cfg.OpenAIModel, fc.OpenAIModel)
	setString(&cfg.WebhookURL, fc.WebhookURL)

	setDurationMs(&cfg.InactivityTimeout, fc.InactivityTimeoutMs)
	setInt(&cfg.ReorderDepth, fc.ReorderDepth)
	setDurationMs(&cfg.WindowDuration, fc.WindowDurationMs)
	setInt(&cfg.WindowMaxBytes, fc.WindowMaxBytes)

	setDurationMs(&cfg.CallTimeout, fc.CallTimeoutMs)
	setInt(&cfg.MaxAttempts, fc.MaxAttempts)
	setDurationMs(&cfg.BackoffBase, fc.BackoffBaseMs)
	setInt(&cfg.BreakerThreshold, fc.BreakerThreshold)
	setDurationMs(&cfg.BreakerCooldown, fc.BreakerCooldownMs)
	setInt(&cfg.Concurrency, fc.Concurrency)
	setDurationMs(&cfg.AdmissionWait, fc.AdmissionWaitMs)

	setDurationMs(&cfg.PauseThreshold, fc.SpeakerPauseThresholdMs)
	setInt(&cfg.SpeakerPoolSize, fc.SpeakerPoolSize)

	setDurationMs(&cfg.DrainTimeout, fc.DrainTimeoutMs)
	setDurationMs(&cfg.SweepInterval, fc.SweepIntervalMs)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PIPELINE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PIPELINE_STORE_DRIVER"); v != "" {
		cfg.StoreDriver = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("CASSANDRA_HOSTS"); v != "" {
		cfg.CassandraHosts = strings.Split(v, ",")
	}
	if v := os.Getenv("CASSANDRA_KEYSPACE"); v != "" {
		cfg.CassandraKeyspace = v
	}
	if v := os.Getenv("PIPELINE_BACKEND"); v != "" {
		cfg.Backend = v
	}
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.OpenAIModel = v
	}
	if v := os.Getenv("PIPELINE_WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
	if v := os.Getenv("PIPELINE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "memory", "redis", "cassandra":
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	switch c.Backend {
	case "openai", "fake":
	default:
		return fmt.Errorf("unknown transcription backend %q", c.Backend)
	}
	if c.Backend == "openai" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("missing environment variable OPENAI_API_KEY")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if c.SpeakerPoolSize < 1 {
		return fmt.Errorf("speaker pool size must be at least 1")
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDurationMs(dst *time.Duration, ms int) {
	if ms != 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}
