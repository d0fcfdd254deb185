package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rogers-f/taskengine/internal/domain"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "taskengine.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV, then
// validates it. A missing YAML file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, path); err != nil {
		return nil, domain.WrapEngineError(domain.ErrConfigInvalid, "config yaml", err)
	}

	loadEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
func loadYAML(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Store.Path, "TASKENGINE_DB")
	setString(&cfg.Logging.Level, "TASKENGINE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "TASKENGINE_LOG_SERVICE")
	setString(&cfg.Telemetry.Endpoint, "TASKENGINE_OTLP_ENDPOINT")
	setBool(&cfg.Telemetry.Insecure, "TASKENGINE_OTLP_INSECURE")
	setString(&cfg.HTTP.Listen, "TASKENGINE_LISTEN")
	setString(&cfg.Signal.NATSURL, "NATS_URL")
	setDuration(&cfg.Scheduler.Interval, "TASKENGINE_SCHEDULER_INTERVAL")
	setInt(&cfg.Pool.Size, "TASKENGINE_POOL_SIZE")
	setDuration(&cfg.Pool.HeartbeatInterval, "TASKENGINE_HEARTBEAT_INTERVAL")
	setDuration(&cfg.Pool.DispatchTimeout, "TASKENGINE_DISPATCH_TIMEOUT")
	setDuration(&cfg.Budget.Window, "TASKENGINE_BUDGET_WINDOW")
	setFloat64(&cfg.Budget.WarnRate, "TASKENGINE_BUDGET_WARN_RATE")
	setFloat64(&cfg.Budget.KillRate, "TASKENGINE_BUDGET_KILL_RATE")
	setFloat64(&cfg.Budget.DailyCapUSD, "TASKENGINE_BUDGET_DAILY_CAP")
	setFloat64(&cfg.Budget.SessionCapUSD, "TASKENGINE_BUDGET_SESSION_CAP")
	setInt(&cfg.Breaker.FailureThreshold, "TASKENGINE_BREAKER_THRESHOLD")
	setDuration(&cfg.Breaker.Cooldown, "TASKENGINE_BREAKER_COOLDOWN")
	setDuration(&cfg.Reaper.Interval, "TASKENGINE_REAPER_INTERVAL")
	setDuration(&cfg.Reaper.WorkerGrace, "TASKENGINE_WORKER_GRACE")
	setString(&cfg.Review.Mode, "TASKENGINE_REVIEW_MODE")
	setFloat64(&cfg.Review.Threshold, "TASKENGINE_REVIEW_THRESHOLD")
	setString(&cfg.Dispatch.Primary, "TASKENGINE_PRIMARY_RESOURCE")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
