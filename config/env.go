package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/vinayprograms/replykit/ingest"
)

// EnvPrefix prefixes every override variable.
const EnvPrefix = "REPLYKIT_"

type envVar struct {
	name string
	set  func(c *Config, v string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func duration(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

func boolean(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

var envVars = []envVar{
	{"DB_PATH", str(func(c *Config) *string { return &c.Store.Path })},
	{"STATE_BACKEND", str(func(c *Config) *string { return &c.State.Backend })},
	{"BUS_BACKEND", str(func(c *Config) *string { return &c.Bus.Backend })},
	{"CONCURRENCY", integer(func(c *Config) *int { return &c.Bus.Concurrency })},
	{"NATS_URL", str(func(c *Config) *string { return &c.NATS.URL })},
	{"NATS_TOKEN", str(func(c *Config) *string { return &c.NATS.Token })},
	{"NATS_PASSWORD", str(func(c *Config) *string { return &c.NATS.Password })},
	{"KAFKA_BROKERS", func(c *Config, v string) error {
		c.Kafka.Brokers = ingest.SplitBrokers(v)
		return nil
	}},
	{"KAFKA_TOPIC", str(func(c *Config) *string { return &c.Kafka.Topic })},
	{"RATE_LIMIT_MAX", integer(func(c *Config) *int { return &c.RateLimit.MaxRequests })},
	{"RATE_LIMIT_WINDOW", duration(func(c *Config) *time.Duration { return &c.RateLimit.Window })},
	{"SCHEDULE_ENABLED", boolean(func(c *Config) *bool { return &c.Schedule.Enabled })},
	{"POLL_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Schedule.PollInterval })},
	{"REFRESH_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Schedule.RefreshInterval })},
	{"PROVIDER", str(func(c *Config) *string { return &c.Generation.Provider })},
	{"MODEL", str(func(c *Config) *string { return &c.Generation.Model })},
	{"MAX_TOKENS", integer(func(c *Config) *int { return &c.Generation.MaxTokens })},
	{"SOCIAL_BASE_URL", str(func(c *Config) *string { return &c.Social.BaseURL })},
	{"OBJECTSTORE_ENDPOINT", str(func(c *Config) *string { return &c.ObjectStore.Endpoint })},
	{"OBJECTSTORE_BUCKET", str(func(c *Config) *string { return &c.ObjectStore.Bucket })},
	{"OBJECTSTORE_PUBLIC_URL", str(func(c *Config) *string { return &c.ObjectStore.PublicURL })},
	{"HTTP_ADDR", str(func(c *Config) *string { return &c.HTTP.Addr })},
	{"ADMIN_SECRET", str(func(c *Config) *string { return &c.HTTP.AdminSecret })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"TELEMETRY_ENABLED", boolean(func(c *Config) *bool { return &c.Telemetry.Enabled })},
	{"TELEMETRY_ENDPOINT", str(func(c *Config) *string { return &c.Telemetry.Endpoint })},
}

// ApplyEnv overrides fields from REPLYKIT_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		v, ok := lookup(EnvPrefix + ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.set(c, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, ev.name, err)
		}
	}
	return nil
}

// EnvNames lists the supported override variables.
func EnvNames() []string {
	names := make([]string, len(envVars))
	for i, ev := range envVars {
		names[i] = EnvPrefix + ev.name
	}
	return names
}
