// Package config loads process configuration from UNIQW_* environment variables and
// an optional YAML file. Environment variables take precedence over the file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. UNIQW_REDIS_ADDR.
const EnvPrefix = "UNIQW"

type Config struct {
	Redis     RedisConfig     `mapstructure:"redis"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

type WorkerConfig struct {
	Queues        []string      `mapstructure:"queues" validate:"required,min=1,dive,required"`
	Concurrency   int           `mapstructure:"concurrency" validate:"gte=1"`
	VisibilityTTL time.Duration `mapstructure:"visibility_ttl" validate:"gte=1s"`
	MaxRetry      int           `mapstructure:"max_retry" validate:"gte=0"`
}

// QueueWeights returns the queues with equal weights, as the server expects them.
func (w WorkerConfig) QueueWeights() map[string]int {
	out := make(map[string]int, len(w.Queues))
	for _, q := range w.Queues {
		out[q] = 1
	}
	return out
}

type HTTPConfig struct {
	// Listen is empty to disable the HTTP delivery endpoint.
	Listen  string        `mapstructure:"listen" validate:"omitempty,hostname_port"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

type SchedulerConfig struct {
	// BaseURL selects the HTTP scheduler; when empty jobs are kept in Redis.
	BaseURL string        `mapstructure:"base_url" validate:"omitempty,url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
	Retries int           `mapstructure:"retries" validate:"gte=0,lte=10"`
}

type NotifyConfig struct {
	ChannelPrefix string `mapstructure:"channel_prefix" validate:"required"`
	WorkChannel   string `mapstructure:"work_channel" validate:"required"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("worker.queues", []string{"default"})
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.visibility_ttl", 6*time.Minute)
	v.SetDefault("worker.max_retry", 3)
	v.SetDefault("http.listen", ":8080")
	v.SetDefault("http.timeout", 10*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("scheduler.base_url", "")
	v.SetDefault("scheduler.token", "")
	v.SetDefault("scheduler.timeout", 10*time.Second)
	v.SetDefault("scheduler.retries", 3)
	v.SetDefault("notify.channel_prefix", "uniqw:notify:")
	v.SetDefault("notify.work_channel", "uniqw:work")
}

// Load reads configuration. file may be empty; a named file must exist.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg and reports every invalid field in one error.
func Validate(cfg *Config) error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
}
