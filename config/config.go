// Package config loads the environment-driven configuration described
// in spec.md §6, using viper the way
// Derek-X-Wang-Tmux-Claude-Scheduler's internal/config/config.go binds
// env vars and defaults to a typed struct.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full process configuration; Load fills it from
// environment variables over built-in defaults. No command-line flags
// are bound.
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	EventProc    EventProcConfig    `mapstructure:"event_processor"`
	TaskProc     TaskProcConfig     `mapstructure:"task_processor"`
	Store        StoreConfig        `mapstructure:"store"`
	Provider     ProviderConfig     `mapstructure:"provider"`
	HTTP         HTTPConfig         `mapstructure:"http"`
}

type OrchestratorConfig struct {
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	DefaultDailyLimit    int           `mapstructure:"default_daily_limit"`
	DefaultHourlyLimit   int           `mapstructure:"default_hourly_limit"`
	QuietHoursStart      int           `mapstructure:"quiet_hours_start"`
	QuietHoursEnd        int           `mapstructure:"quiet_hours_end"`
	ActiveWindowMinutes  int           `mapstructure:"active_window_minutes"`
	BatchSize            int           `mapstructure:"batch_size"`
}

type EventProcConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TaskProcConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type StoreConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisDB     int    `mapstructure:"redis_db"`
}

type ProviderConfig struct {
	FromE164   string `mapstructure:"from_e164"`
	APIKey     string `mapstructure:"api_key"`
	AccountSID string `mapstructure:"account_sid"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load binds per-subsystem environment variables via viper's env layer
// (POLL_INTERVAL_MS_{ORCHESTRATOR,EVENT,TASK}, BATCH_SIZE_{EVENT,TASK},
// MAX_RETRIES_{EVENT,TASK}, plus the store/provider/HTTP variables
// below), applying the per-subsystem defaults (Event: 10s/20/5, Task:
// 30s/10/3, Orchestrator: 60s). A POLL_INTERVAL_MS_* value that is a
// plain integer is read as milliseconds; any other value is parsed as
// a Go duration string (e.g. "10s"). The remaining settings, such as
// the daily/hourly limits and quiet hours, are read only through
// AutomaticEnv under their key names (e.g.
// ORCHESTRATOR_DEFAULT_DAILY_LIMIT).
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("orchestrator.poll_interval", 60*time.Second)
	v.SetDefault("orchestrator.default_daily_limit", 10)
	v.SetDefault("orchestrator.default_hourly_limit", 2)
	v.SetDefault("orchestrator.quiet_hours_start", 22)
	v.SetDefault("orchestrator.quiet_hours_end", 8)
	v.SetDefault("orchestrator.active_window_minutes", 10)
	v.SetDefault("orchestrator.batch_size", 50)

	v.SetDefault("event_processor.poll_interval", 10*time.Second)
	v.SetDefault("event_processor.batch_size", 20)
	v.SetDefault("event_processor.max_retries", 5)

	v.SetDefault("task_processor.poll_interval", 30*time.Second)
	v.SetDefault("task_processor.batch_size", 10)
	v.SetDefault("task_processor.max_retries", 3)

	v.SetDefault("store.redis_db", 0)
	v.SetDefault("http.addr", ":8080")

	bindEnv(v, "store.postgres_dsn", "POSTGRES_DSN")
	bindEnv(v, "store.redis_addr", "REDIS_ADDR")
	bindEnv(v, "store.redis_db", "REDIS_DB")
	bindEnv(v, "provider.from_e164", "SMS_FROM_E164")
	bindEnv(v, "provider.api_key", "SMS_API_KEY")
	bindEnv(v, "provider.account_sid", "SMS_ACCOUNT_SID")
	bindEnv(v, "http.addr", "HTTP_ADDR")
	bindEnv(v, "orchestrator.poll_interval", "POLL_INTERVAL_MS_ORCHESTRATOR")
	bindEnv(v, "event_processor.poll_interval", "POLL_INTERVAL_MS_EVENT")
	bindEnv(v, "task_processor.poll_interval", "POLL_INTERVAL_MS_TASK")
	bindEnv(v, "event_processor.batch_size", "BATCH_SIZE_EVENT")
	bindEnv(v, "task_processor.batch_size", "BATCH_SIZE_TASK")
	bindEnv(v, "event_processor.max_retries", "MAX_RETRIES_EVENT")
	bindEnv(v, "task_processor.max_retries", "MAX_RETRIES_TASK")

	for _, key := range []string{"orchestrator.poll_interval", "event_processor.poll_interval", "task_processor.poll_interval"} {
		if ms, err := strconv.Atoi(v.GetString(key)); err == nil {
			v.Set(key, time.Duration(ms)*time.Millisecond)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindEnv(v *viper.Viper, key, env string) {
	_ = v.BindEnv(key, env)
}
