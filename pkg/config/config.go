// Package config loads the worker and API configuration from defaults, an
// optional YAML file and SWARMFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/dukex/swarmflow/pkg/interceptor"
	"github.com/dukex/swarmflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const EnvPrefix = "SWARMFLOW"

type Config struct {
	ServiceName  string             `mapstructure:"service_name"  validate:"required"`
	LogLevel     string             `mapstructure:"log_level"     validate:"oneof=debug info warn error"`
	LogFormat    string             `mapstructure:"log_format"    validate:"oneof=json text"`
	EventBus     EventBusConfig     `mapstructure:"event_bus"`
	Persistence  PersistenceConfig  `mapstructure:"persistence"`
	ContextStore ContextStoreConfig `mapstructure:"context_store"`
	Lock         LockConfig         `mapstructure:"lock"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Routine      RoutineConfig      `mapstructure:"routine"`
	Swarm        SwarmConfig        `mapstructure:"swarm"`
	Interceptor  interceptor.Rules  `mapstructure:"interceptor"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

type EventBusConfig struct {
	Type         string `mapstructure:"type"          validate:"oneof=gochannel kafka"`
	KafkaBrokers string `mapstructure:"kafka_brokers" validate:"required_if=Type kafka"`
}

type PersistenceConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

type ContextStoreConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

type LockConfig struct {
	// RedisURL selects the distributed lock service; empty keeps locks in memory.
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"       validate:"gt=0"`
}

type ConversationConfig struct {
	URL     string        `mapstructure:"url"     validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type RoutineConfig struct {
	// DefaultAllocation is the estimate a routine claims from its swarm at start.
	DefaultAllocation models.ResourceBudget `mapstructure:"default_allocation"`
}

type SwarmConfig struct {
	DefaultBudget models.ResourceBudget   `mapstructure:"default_budget"`
	Scheduling    models.SchedulingConfig `mapstructure:"scheduling"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "swarmflow")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("event_bus.type", "gochannel")
	v.SetDefault("event_bus.kafka_brokers", "")

	v.SetDefault("persistence.url", "file://./data")
	v.SetDefault("context_store.url", "memory://")

	v.SetDefault("lock.redis_url", "")
	v.SetDefault("lock.ttl", "30s")

	v.SetDefault("conversation.url", "http://localhost:8090")
	v.SetDefault("conversation.timeout", "2m")

	v.SetDefault("routine.default_allocation.max_credits", "10")
	v.SetDefault("routine.default_allocation.max_duration_ms", 3_600_000)
	v.SetDefault("routine.default_allocation.max_memory_mb", 512)
	v.SetDefault("routine.default_allocation.max_steps", 100)

	v.SetDefault("swarm.default_budget.max_credits", "100")
	v.SetDefault("swarm.default_budget.max_duration_ms", 86_400_000)
	v.SetDefault("swarm.default_budget.max_memory_mb", 4096)
	v.SetDefault("swarm.default_budget.max_steps", 1000)
	v.SetDefault("swarm.scheduling.approval_timeout_ms", 300_000)
	v.SetDefault("swarm.scheduling.auto_reject_on_timeout", true)
	v.SetDefault("swarm.scheduling.requires_approval", []string{})

	v.SetDefault("interceptor.blocked_tools", []string{})
	v.SetDefault("interceptor.blocked_events", []string{})
	v.SetDefault("interceptor.block_when_budget_exhausted", false)

	v.SetDefault("tracing.enabled", false)
}

// Load reads path when given, then applies environment overrides such as
// SWARMFLOW_CONTEXT_STORE_URL, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config from %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}

	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		StringToDecimalHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))

	if err := v.Unmarshal(cfg, hooks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration with the struct tags and the budget rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Routine.DefaultAllocation.MaxCredits.IsNegative() || c.Swarm.DefaultBudget.MaxCredits.IsNegative() {
		return errors.New("invalid configuration: credits must not be negative")
	}

	return nil
}

// StringToDecimalHook decodes strings and numbers into decimal.Decimal.
func StringToDecimalHook() mapstructure.DecodeHookFuncType {
	decimalType := reflect.TypeOf(decimal.Decimal{})

	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return decimal.NewFromString(v)
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case float64:
			return decimal.NewFromFloat(v), nil
		default:
			return data, nil
		}
	}
}
