// Package config loads flowdesk settings from defaults, an optional YAML
// file and FLOWDESK_ environment variables, in increasing precedence.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"flowdesk/pkg/fault"
	"flowdesk/pkg/flow"
)

// Config is the resolved configuration of every flowdesk binary.
type Config struct {
	Port        string
	DatabaseURL string
	Store       string // "postgres" or "memory"
	LogLevel    string

	Lifecycle  Lifecycle
	Validation Validation
	Flows      Flows
	Cache      Cache
	Sink       Sink
	RateLimit  RateLimit
	Telemetry  Telemetry
}

type Lifecycle struct {
	ResumeWindow   time.Duration
	ExpireWindow   time.Duration
	RecoveryWindow time.Duration
	SweepInterval  time.Duration
	SweepBatch     int
}

type Validation struct {
	MaxRetries    int
	RetryTTL      time.Duration
	RetryCapacity uint64
	PriceMin      float64
	PriceMax      float64
	Region        string
}

type Flows struct {
	UnknownTypePolicy string
	Catalog           string // optional YAML merged over the built-in catalog
}

type Cache struct {
	Size int
	TTL  time.Duration
}

type Sink struct {
	URL     string // empty logs outbound messages instead of sending them
	Timeout time.Duration
}

type RateLimit struct {
	RPS   float64
	Burst int
}

type Telemetry struct {
	Enabled bool
	Stdout  bool
}

const envPrefix = "FLOWDESK"

// Stores.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("store", StorePostgres)
	v.SetDefault("log_level", "info")

	v.SetDefault("lifecycle.resume_window", 24*time.Hour)
	v.SetDefault("lifecycle.expire_window", 48*time.Hour)
	v.SetDefault("lifecycle.recovery_window", 24*time.Hour)
	v.SetDefault("lifecycle.sweep_interval", 15*time.Minute)
	v.SetDefault("lifecycle.sweep_batch", 500)

	v.SetDefault("validation.max_retries", 3)
	v.SetDefault("validation.retry_ttl", 30*time.Minute)
	v.SetDefault("validation.retry_capacity", 100000)
	v.SetDefault("validation.price_min", 1)
	v.SetDefault("validation.price_max", 100000)
	v.SetDefault("validation.region", "IN")

	v.SetDefault("flows.unknown_type_policy", string(flow.PolicyError))
	v.SetDefault("flows.catalog", "")

	v.SetDefault("cache.size", 10000)
	v.SetDefault("cache.ttl", 10*time.Minute)

	v.SetDefault("sink.url", "")
	v.SetDefault("sink.timeout", 10*time.Second)

	v.SetDefault("ratelimit.rps", 2)
	v.SetDefault("ratelimit.burst", 5)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.stdout", false)
}

// Load resolves the configuration. path may be empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// PORT and DATABASE_URL are honored unprefixed too, as most hosts set them.
	_ = v.BindEnv("port", envPrefix+"_PORT", "PORT")
	_ = v.BindEnv("database_url", envPrefix+"_DATABASE_URL", "DATABASE_URL")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fault.E(fault.Config, "config.load", fmt.Errorf("read %s: %w", path, err))
		}
	}

	c := &Config{
		Port:        v.GetString("port"),
		DatabaseURL: v.GetString("database_url"),
		Store:       strings.ToLower(v.GetString("store")),
		LogLevel:    v.GetString("log_level"),
		Lifecycle: Lifecycle{
			ResumeWindow:   v.GetDuration("lifecycle.resume_window"),
			ExpireWindow:   v.GetDuration("lifecycle.expire_window"),
			RecoveryWindow: v.GetDuration("lifecycle.recovery_window"),
			SweepInterval:  v.GetDuration("lifecycle.sweep_interval"),
			SweepBatch:     v.GetInt("lifecycle.sweep_batch"),
		},
		Validation: Validation{
			MaxRetries:    v.GetInt("validation.max_retries"),
			RetryTTL:      v.GetDuration("validation.retry_ttl"),
			RetryCapacity: v.GetUint64("validation.retry_capacity"),
			PriceMin:      v.GetFloat64("validation.price_min"),
			PriceMax:      v.GetFloat64("validation.price_max"),
			Region:        strings.ToUpper(v.GetString("validation.region")),
		},
		Flows: Flows{
			UnknownTypePolicy: v.GetString("flows.unknown_type_policy"),
			Catalog:           v.GetString("flows.catalog"),
		},
		Cache: Cache{
			Size: v.GetInt("cache.size"),
			TTL:  v.GetDuration("cache.ttl"),
		},
		Sink: Sink{
			URL:     v.GetString("sink.url"),
			Timeout: v.GetDuration("sink.timeout"),
		},
		RateLimit: RateLimit{
			RPS:   v.GetFloat64("ratelimit.rps"),
			Burst: v.GetInt("ratelimit.burst"),
		},
		Telemetry: Telemetry{
			Enabled: v.GetBool("telemetry.enabled"),
			Stdout:  v.GetBool("telemetry.stdout"),
		},
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fault.Errorf(fault.Config, "config.validate", format, args...)
	}
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return bad("database_url is required for the postgres store")
		}
	case StoreMemory:
	default:
		return bad("unknown store %q", c.Store)
	}
	l := c.Lifecycle
	if l.ResumeWindow <= 0 || l.ExpireWindow <= 0 || l.RecoveryWindow <= 0 {
		return bad("lifecycle windows must be positive")
	}
	if l.ResumeWindow >= l.ExpireWindow {
		return bad("resume_window (%s) must be shorter than expire_window (%s)", l.ResumeWindow, l.ExpireWindow)
	}
	if l.SweepInterval <= 0 || l.SweepBatch <= 0 {
		return bad("sweep_interval and sweep_batch must be positive")
	}
	if c.Validation.MaxRetries < 1 {
		return bad("max_retries must be at least 1")
	}
	if c.Validation.PriceMin > c.Validation.PriceMax {
		return bad("price_min %.2f is above price_max %.2f", c.Validation.PriceMin, c.Validation.PriceMax)
	}
	if _, err := flow.ParsePolicy(c.Flows.UnknownTypePolicy); err != nil {
		return err
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Windows returns the lifecycle thresholds.
func (c *Config) Windows() flow.Windows {
	return flow.Windows{
		Resume:   c.Lifecycle.ResumeWindow,
		Expire:   c.Lifecycle.ExpireWindow,
		Recovery: c.Lifecycle.RecoveryWindow,
	}
}

// Policy returns the parsed unknown task type policy.
func (c *Config) Policy() flow.Policy {
	p, _ := flow.ParsePolicy(c.Flows.UnknownTypePolicy)
	return p
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fault.Errorf(fault.Config, "config.log_level", "unknown log level %q", s)
	}
	return l, nil
}
