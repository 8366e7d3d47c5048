// Package config loads replykit.toml, applies REPLYKIT_* environment
// overrides and validates the result.
//
// Secrets are not part of this file. They live in credentials.toml (see
// package credentials) or in the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/vinayprograms/replykit/bus"
	"github.com/vinayprograms/replykit/ingest"
	"github.com/vinayprograms/replykit/llm"
	"github.com/vinayprograms/replykit/logging"
	"github.com/vinayprograms/replykit/objectstore"
	"github.com/vinayprograms/replykit/orchestrator"
	"github.com/vinayprograms/replykit/ratelimit"
	"github.com/vinayprograms/replykit/telemetry"
)

// Backends for [state] and [bus]. Kafka is a bus backend only.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendKafka  = "kafka"
)

// Config is the whole of replykit.toml.
type Config struct {
	Store       StoreConfig        `toml:"store"`
	State       StateConfig        `toml:"state"`
	Bus         BusConfig          `toml:"bus"`
	NATS        bus.NATSConfig     `toml:"nats"`
	Kafka       ingest.KafkaConfig `toml:"kafka"`
	RateLimit   RateLimitConfig    `toml:"ratelimit"`
	Schedule    ScheduleConfig     `toml:"schedule"`
	Pipeline    PipelineConfig     `toml:"pipeline"`
	Generation  llm.ProviderConfig `toml:"generation"`
	Social      SocialConfig       `toml:"social"`
	ObjectStore objectstore.Config `toml:"objectstore"`
	HTTP        HTTPConfig         `toml:"http"`
	Log         LogConfig          `toml:"log"`
	Telemetry   telemetry.Config   `toml:"telemetry"`
	Metrics     MetricsConfig      `toml:"metrics"`
}

type StoreConfig struct {
	// Path of the SQLite database.
	Path string `toml:"path"`
}

type StateConfig struct {
	Backend string `toml:"backend"`
	Bucket  string `toml:"bucket"`
}

type BusConfig struct {
	// Backend "memory" runs tasks in-process. "nats" and "kafka" publish
	// them for workers.
	Backend string `toml:"backend"`

	// Concurrency is the number of runs in flight per process.
	Concurrency int `toml:"concurrency"`

	// Worker makes serve consume run requests as well as produce them.
	Worker bool `toml:"worker"`
}

type RateLimitConfig struct {
	MaxRequests int           `toml:"max_requests"`
	Window      time.Duration `toml:"window"`
}

type ScheduleConfig struct {
	Enabled         bool          `toml:"enabled"`
	PollInterval    time.Duration `toml:"poll_interval"`
	PollTimeout     time.Duration `toml:"poll_timeout"`
	RefreshInterval time.Duration `toml:"refresh_interval"`
}

type PipelineConfig struct {
	SystemInstruction string `toml:"system_instruction"`
	MaxReplyLength    int    `toml:"max_reply_length"`
	ImageConcurrency  int    `toml:"image_concurrency"`

	// Stages overrides retry policy per stage:
	//
	//	[pipeline.stages.generate]
	//	max_retries = 1
	//	timeout = "5m"
	Stages orchestrator.Policies `toml:"stages"`
}

type SocialConfig struct {
	BaseURL         string `toml:"base_url"`
	MaxMentionPages int    `toml:"max_mention_pages"`

	// Client-side call budgets per ThrottleWindow. Zero disables the
	// throttle for that kind of call.
	ReadsPerWindow  int           `toml:"reads_per_window"`
	WritesPerWindow int           `toml:"writes_per_window"`
	MediaPerWindow  int           `toml:"media_per_window"`
	ThrottleWindow  time.Duration `toml:"throttle_window"`
}

// Throttle builds the client-side throttle, or nil when no budget is set.
func (s SocialConfig) Throttle(read, write, media string) *ratelimit.Throttle {
	if s.ReadsPerWindow <= 0 && s.WritesPerWindow <= 0 && s.MediaPerWindow <= 0 {
		return nil
	}
	t := ratelimit.NewThrottle()
	t.SetRate(read, s.ReadsPerWindow, s.ThrottleWindow)
	t.SetRate(write, s.WritesPerWindow, s.ThrottleWindow)
	t.SetRate(media, s.MediaPerWindow, s.ThrottleWindow)
	return t
}

type HTTPConfig struct {
	Addr            string        `toml:"addr"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	CORSOrigins     []string      `toml:"cors_origins"`

	// AdminSecret signs admin bearer tokens. Empty leaves the API open.
	// Set through REPLYKIT_ADMIN_SECRET only.
	AdminSecret string `toml:"-"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Default returns a configuration that runs on one machine with no
// external services besides the social API and the generator.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Path: "replykit.db"},
		State: StateConfig{Backend: BackendMemory, Bucket: "replykit-state"},
		Bus:   BusConfig{Backend: BackendMemory, Concurrency: 4, Worker: true},
		NATS:  bus.DefaultNATSConfig(),
		Kafka: ingest.KafkaConfig{
			Topic:   ingest.DefaultKafkaTopic,
			GroupID: ingest.DefaultKafkaGroup,
			Timeout: ingest.DefaultKafkaTimeout,
		},
		RateLimit: RateLimitConfig{
			MaxRequests: ratelimit.DefaultMaxRequests,
			Window:      ratelimit.DefaultWindow,
		},
		Schedule: ScheduleConfig{
			Enabled:         true,
			PollInterval:    time.Minute,
			PollTimeout:     5 * time.Minute,
			RefreshInterval: time.Hour,
		},
		Pipeline: PipelineConfig{
			MaxReplyLength:   280,
			ImageConcurrency: 4,
		},
		Generation: llm.ProviderConfig{
			Provider:  "google",
			Model:     "gemini-2.0-flash-exp-image-generation",
			MaxTokens: 8192,
		},
		Social: SocialConfig{
			MaxMentionPages: 5,
			ThrottleWindow:  15 * time.Minute,
		},
		ObjectStore: objectstore.Config{Region: "auto"},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Log:       LogConfig{Level: "info"},
		Telemetry: telemetry.Config{Protocol: "grpc"},
		Metrics:   MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads path (if non-empty), then .env and REPLYKIT_* variables,
// then validates. A missing .env is ignored.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if cfg, err = Parse(string(content)); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML content over the defaults.
func Parse(content string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(content, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.State.Backend != BackendMemory && c.State.Backend != BackendNATS {
		return fmt.Errorf("state.backend must be %q or %q, got %q", BackendMemory, BackendNATS, c.State.Backend)
	}
	switch c.Bus.Backend {
	case BackendMemory, BackendNATS:
	case BackendKafka:
		if err := c.Kafka.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("bus.backend must be %q, %q or %q, got %q", BackendMemory, BackendNATS, BackendKafka, c.Bus.Backend)
	}
	if (c.State.Backend == BackendNATS || c.Bus.Backend == BackendNATS) && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required for the nats backend")
	}
	if c.HTTP.AdminSecret != "" && len(c.HTTP.AdminSecret) < 32 {
		return fmt.Errorf("admin secret must be at least 32 bytes")
	}
	if c.Bus.Concurrency <= 0 {
		return fmt.Errorf("bus.concurrency must be positive")
	}
	if c.RateLimit.MaxRequests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.max_requests and ratelimit.window must be positive")
	}
	if c.Schedule.Enabled && (c.Schedule.PollInterval <= 0 || c.Schedule.RefreshInterval <= 0) {
		return fmt.Errorf("schedule intervals must be positive")
	}
	if c.Pipeline.MaxReplyLength < 0 {
		return fmt.Errorf("pipeline.max_reply_length must not be negative")
	}
	if err := orchestrator.DefaultPolicies().Merge(c.Pipeline.Stages).Validate(); err != nil {
		return fmt.Errorf("pipeline.stages: %w", err)
	}
	if c.Generation.Model == "" {
		return fmt.Errorf("generation.model is required")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}
